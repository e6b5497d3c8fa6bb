package services

import (
	"strings"

	"chatstream/models"
	"chatstream/observability"
)

// Flush triggers, also used as metric labels.
const (
	flushEnvelope = "envelope"
	flushObject   = "object"
	flushTerminal = "terminal"
	flushFinalize = "finalize"
)

// Accumulator collapses completion chunks of one exchange into whole messages.
// It holds at most one buffer per content kind and is not safe for concurrent
// use; an exchange feeds it from a single goroutine in stream order.
type Accumulator struct {
	conversationID string
	userMessageID  string
	metrics        *observability.Metrics

	buffers []*chunkBuffer // creation order

	seen            bool
	lastEnvelope    string
	lastObject      string
	lastChunk       bool
	lastContentKind models.Kind
}

type chunkBuffer struct {
	kind      models.Kind
	text      strings.Builder
	parentID  string
	agentName string
}

func NewAccumulator(conversationID, userMessageID string, metrics *observability.Metrics) *Accumulator {
	return &Accumulator{
		conversationID: conversationID,
		userMessageID:  userMessageID,
		metrics:        metrics,
	}
}

// Observe applies the flush triggers for frag, then buffers it if it is a
// chunk. The returned candidates must be persisted before frag itself is.
func (a *Accumulator) Observe(frag Fragment) []Candidate {
	var flushed []Candidate
	if trigger := a.trigger(frag); trigger != "" {
		flushed = a.flush(trigger)
	}

	a.seen = true
	if frag.EnvelopeID != "" {
		a.lastEnvelope = frag.EnvelopeID
	}
	a.lastObject = frag.Object
	a.lastChunk = frag.Kind == FragmentChunk
	a.lastContentKind = frag.ContentKind

	if frag.Kind == FragmentChunk {
		a.append(frag)
	}
	return flushed
}

// Finalize flushes everything still buffered. Call it exactly once when the
// stream ends, however it ends.
func (a *Accumulator) Finalize() []Candidate {
	return a.flush(flushFinalize)
}

// Pending reports whether any buffer is live.
func (a *Accumulator) Pending() bool {
	return len(a.buffers) > 0
}

func (a *Accumulator) trigger(frag Fragment) string {
	if !a.seen {
		return ""
	}
	switch {
	case frag.EnvelopeID != "" && a.lastEnvelope != "" && frag.EnvelopeID != a.lastEnvelope:
		return flushEnvelope
	case frag.Object != a.lastObject:
		return flushObject
	case frag.Kind == FragmentChunk && a.lastChunk && frag.ContentKind != a.lastContentKind:
		return flushObject
	case frag.IsTerminal:
		return flushTerminal
	}
	return ""
}

func (a *Accumulator) append(frag Fragment) {
	buf := a.buffer(frag.ContentKind)
	if buf == nil {
		parentID := a.userMessageID
		if frag.Frame.UserMessageID != "" {
			parentID = frag.Frame.UserMessageID
		}
		buf = &chunkBuffer{
			kind:      frag.ContentKind,
			parentID:  parentID,
			agentName: frag.Frame.AgentName,
		}
		a.buffers = append(a.buffers, buf)
	}
	buf.text.WriteString(frag.TextDelta)
}

func (a *Accumulator) buffer(kind models.Kind) *chunkBuffer {
	for _, b := range a.buffers {
		if b.kind == kind {
			return b
		}
	}
	return nil
}

func (a *Accumulator) flush(trigger string) []Candidate {
	if len(a.buffers) == 0 {
		return nil
	}
	a.metrics.Flush(trigger)

	var out []Candidate
	for _, b := range a.buffers {
		content := b.text.String()
		if strings.TrimSpace(content) == "" {
			continue
		}
		out = append(out, Candidate{
			ConversationID: a.conversationID,
			Role:           models.RoleAssistant,
			Kind:           b.kind,
			ParentID:       b.parentID,
			Content:        content,
			AgentName:      b.agentName,
		})
	}
	a.buffers = nil
	return out
}
