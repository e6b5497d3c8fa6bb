package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatstream/models"
)

const (
	maxSequenceAttempts = 3
	conflictBackoff     = 20 * time.Millisecond
)

// NextSequence returns max(sequence number)+1 over msgs, or 1 when empty.
func NextSequence(msgs []models.Message) int64 {
	var highest int64
	for _, m := range msgs {
		if m.SequenceNumber > highest {
			highest = m.SequenceNumber
		}
	}
	return highest + 1
}

// Sequencer is the only writer path into a MessageStore. It recomputes the
// next number from durable state on every insert, serializes inserts per
// conversation inside this process, and retries when the store reports that
// another writer took the number first.
type Sequencer struct {
	store   MessageStore
	locks   keyedMutex
	backoff time.Duration
}

func NewSequencer(store MessageStore) *Sequencer {
	return &Sequencer{store: store, backoff: conflictBackoff}
}

// Append builds a message for the next free sequence number and inserts it.
// build sees the conversation's current messages so it can resolve linkage
// against the same snapshot the number was derived from.
func (s *Sequencer) Append(ctx context.Context, conversationID string, build func(next int64, existing []models.Message) models.Message) (models.Message, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		existing, err := s.store.List(ctx, conversationID)
		if err != nil {
			return models.Message{}, fmt.Errorf("list messages: %w", err)
		}
		msg := build(NextSequence(existing), existing)
		stored, err := s.store.Append(ctx, conversationID, msg)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrSequenceConflict) {
			return models.Message{}, err
		}
		lastErr = err
		if attempt+1 < maxSequenceAttempts {
			if err := s.wait(ctx, attempt); err != nil {
				return models.Message{}, err
			}
		}
	}
	return models.Message{}, fmt.Errorf("after %d attempts: %w", maxSequenceAttempts, lastErr)
}

// wait sleeps before the next conflict retry, growing linearly per attempt.
func (s *Sequencer) wait(ctx context.Context, attempt int) error {
	if s.backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(s.backoff * time.Duration(attempt+1))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
