package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExchangeRegistry grants at most one live exchange per conversation. Leases
// expire after ttl so a handler that died without releasing does not lock the
// conversation forever.
type ExchangeRegistry struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	leases map[string]exchangeLease
}

type exchangeLease struct {
	token     string
	expiresAt time.Time
}

func NewExchangeRegistry(ttl time.Duration) *ExchangeRegistry {
	return &ExchangeRegistry{
		ttl:    ttl,
		now:    time.Now,
		leases: make(map[string]exchangeLease),
	}
}

// Acquire returns ErrExchangeActive while another unexpired lease is held.
// The release func is idempotent and never removes a newer holder's lease.
func (r *ExchangeRegistry) Acquire(conversationID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)
	if _, held := r.leases[conversationID]; held {
		return nil, ErrExchangeActive
	}

	token := uuid.New().String()
	r.leases[conversationID] = exchangeLease{token: token, expiresAt: now.Add(r.ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if l, ok := r.leases[conversationID]; ok && l.token == token {
				delete(r.leases, conversationID)
			}
		})
	}, nil
}

// Active reports the number of unexpired leases.
func (r *ExchangeRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(r.now())
	return len(r.leases)
}

func (r *ExchangeRegistry) sweep(now time.Time) {
	for id, l := range r.leases {
		if !now.Before(l.expiresAt) {
			delete(r.leases, id)
		}
	}
}
