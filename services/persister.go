package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chatstream/models"
	"chatstream/observability"

	"github.com/google/uuid"
)

// DefaultStructuredCategories are the tool-output fields relayed to the
// structured data store.
var DefaultStructuredCategories = []string{
	"patient_timeline",
	"patient_journey",
	"mdt_simple_report",
	"patient_full_content",
}

// Candidate is a message that has not been written yet.
type Candidate struct {
	ConversationID string
	// ID is optional; an id is generated when empty.
	ID        string
	Role      models.Role
	Kind      models.Kind
	ParentID  string
	Content   string
	Payload   models.Payload
	AgentName string
}

type Persister struct {
	seq        *Sequencer
	structured StructuredDataStore
	categories map[string]bool
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

type PersisterOption func(*Persister)

func WithStructuredStore(store StructuredDataStore, categories []string) PersisterOption {
	return func(p *Persister) {
		p.structured = store
		p.categories = make(map[string]bool, len(categories))
		for _, c := range categories {
			p.categories[c] = true
		}
	}
}

func WithPersisterMetrics(m *observability.Metrics) PersisterOption {
	return func(p *Persister) { p.metrics = m }
}

func WithPersisterLogger(l *slog.Logger) PersisterOption {
	return func(p *Persister) { p.logger = l }
}

func WithClock(now func() time.Time) PersisterOption {
	return func(p *Persister) { p.now = now }
}

func NewPersister(seq *Sequencer, opts ...PersisterOption) *Persister {
	p := &Persister{
		seq:    seq,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Persist writes c and returns the stored message. It returns nil without
// writing when a text-bearing candidate has blank content, and nil after
// logging when the store fails; neither is reported to the caller as an error.
func (p *Persister) Persist(ctx context.Context, c Candidate) *models.Message {
	log := p.logger.With("conversation_id", c.ConversationID, "kind", c.Kind)

	if c.Kind.TextBearing() && strings.TrimSpace(c.Content) == "" {
		p.metrics.Rejected(string(c.Kind))
		log.Debug("dropping empty message")
		return nil
	}

	if tool, ok := c.Payload.(models.ToolOutputPayload); ok {
		p.forwardStructured(ctx, c.ConversationID, tool)
	}

	stored, err := p.seq.Append(ctx, c.ConversationID, func(next int64, existing []models.Message) models.Message {
		return p.materialize(c, next, existing)
	})
	if err != nil {
		reason := "storage"
		if errors.Is(err, ErrSequenceConflict) {
			reason = "conflict"
		}
		p.metrics.PersistFailed(reason)
		log.Error("error saving message", "error", err)
		return nil
	}

	p.metrics.Persisted(string(stored.Kind))
	log.Debug("saved message", "message_id", stored.ID, "sequence_number", stored.SequenceNumber)
	return &stored
}

func (p *Persister) materialize(c Candidate, next int64, existing []models.Message) models.Message {
	id := c.ID
	if id == "" {
		id = "msg_" + uuid.New().String()
	}
	parentID := c.ParentID
	if parentID == "" && c.Role == models.RoleAssistant {
		parentID = latestUserMessageID(existing)
	}
	return models.Message{
		ID:             id,
		ConversationID: c.ConversationID,
		SequenceNumber: next,
		Role:           c.Role,
		Kind:           c.Kind,
		ParentID:       parentID,
		Content:        c.Content,
		Payload:        c.Payload,
		AgentName:      c.AgentName,
		CreatedAt:      p.now(),
	}
}

// forwardStructured upserts every well-known category in the tool body. It
// runs before the message write, so a failed write can leave the data
// forwarded; the store replaces by key, so a retry converges.
func (p *Persister) forwardStructured(ctx context.Context, conversationID string, tool models.ToolOutputPayload) {
	if p.structured == nil {
		return
	}
	for category, payload := range tool.Categories() {
		if !p.categories[category] {
			continue
		}
		err := p.structured.Upsert(ctx, conversationID, category, payload)
		p.metrics.StructuredForward(category, err)
		if err != nil {
			p.logger.Error("error forwarding structured data",
				"conversation_id", conversationID, "category", category, "error", err)
			continue
		}
		p.logger.Info("forwarded structured data", "conversation_id", conversationID, "category", category)
	}
}

// latestUserMessageID returns the id of the highest-sequenced user message.
func latestUserMessageID(msgs []models.Message) string {
	var (
		id  string
		seq int64 = -1
	)
	for _, m := range msgs {
		if m.Role == models.RoleUser && m.Kind != models.KindUserFeedback && m.SequenceNumber > seq {
			id, seq = m.ID, m.SequenceNumber
		}
	}
	return id
}
