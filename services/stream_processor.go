package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"chatstream/models"
	"chatstream/observability"
)

// defaultFeedbackTimeout applies when a feedback request declares none.
const defaultFeedbackTimeout = 300

// finalizeTimeout bounds the flush writes made after the exchange context is done.
const finalizeTimeout = 10 * time.Second

// Exchange identifies one user-turn-to-assistant-turn cycle.
type Exchange struct {
	ConversationID string
	UserMessageID  string
}

// StreamProcessor is the write path: it pulls frames, classifies them,
// accumulates chunks, persists, and re-emits every frame in input order.
type StreamProcessor struct {
	persister *Persister
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewStreamProcessor(persister *Persister, metrics *observability.Metrics, logger *slog.Logger) *StreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamProcessor{persister: persister, metrics: metrics, logger: logger}
}

// Run consumes src until EOF, a read error, or ctx cancellation, and always
// flushes buffered content before returning. Frames are handled strictly one
// at a time. Sink failures do not stop processing: storage still sees every
// frame. The returned error is the upstream read error, if any.
func (sp *StreamProcessor) Run(ctx context.Context, ex Exchange, src *FrameReader, sink FrameSink) error {
	defer sp.metrics.StreamStarted()()

	log := sp.logger.With("conversation_id", ex.ConversationID, "user_message_id", ex.UserMessageID)
	acc := NewAccumulator(ex.ConversationID, ex.UserMessageID, sp.metrics)
	out := &guardedSink{sink: sink, logger: log}

	var readErr error
	for ctx.Err() == nil {
		data, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			log.Error("upstream stream failed", "error", err)
			break
		}
		sp.handle(ctx, ex, acc, data, out, log)
	}
	if ctx.Err() != nil {
		log.Warn("exchange cancelled, flushing buffered content", "error", ctx.Err())
	}

	// The exchange context may already be cancelled; buffered content still
	// gets its own deadline.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	for _, c := range acc.Finalize() {
		sp.persister.Persist(flushCtx, c)
	}
	return readErr
}

func (sp *StreamProcessor) handle(ctx context.Context, ex Exchange, acc *Accumulator, data []byte, out FrameSink, log *slog.Logger) {
	frag, err := Classify(data)
	if err != nil {
		sp.metrics.Frame("malformed")
		log.Error("error parsing response chunk", "error", err)
		_ = out.WriteError(err.Error())
		return
	}
	sp.metrics.Frame(string(frag.Kind))

	for _, c := range acc.Observe(frag) {
		sp.persister.Persist(ctx, c)
	}

	var stored *models.Message
	if c, ok := candidateFor(ex, frag); ok {
		stored = sp.persister.Persist(ctx, c)
	}
	_ = out.WriteFrame(enrichFrame(data, frag, stored, log))
}

// candidateFor maps a non-chunk fragment to the message it persists as.
// Chunks and opaque frames produce no candidate.
func candidateFor(ex Exchange, frag Fragment) (Candidate, bool) {
	f := frag.Frame
	c := Candidate{
		ConversationID: ex.ConversationID,
		Role:           models.RoleAssistant,
		Kind:           frag.ContentKind,
		ParentID:       ex.UserMessageID,
		AgentName:      f.AgentName,
	}
	if f.UserMessageID != "" {
		c.ParentID = f.UserMessageID
	}

	switch frag.Kind {
	case FragmentStatus:
		c.Payload = models.StatusPayload{
			Status:         f.Status,
			StatusMsg:      f.StatusMsg,
			AgentName:      f.AgentName,
			AgentSessionID: f.AgentSessionID,
			NeedFeedback:   f.NeedFeedback,
		}
	case FragmentFeedbackRequest:
		timeout := defaultFeedbackTimeout
		if secs, ok := f.TimeoutSeconds(); ok {
			timeout = secs
		}
		c.Payload = models.FeedbackRequestPayload{
			FeedbackID:     f.FeedbackID,
			Question:       f.Question,
			TimeoutSeconds: timeout,
			AgentName:      f.AgentName,
			AgentSessionID: f.AgentSessionID,
		}
	case FragmentToolOutput:
		c.Payload = toolPayload(f.Content)
	case FragmentCompletion:
		c.Content = frag.TextDelta
	default:
		return Candidate{}, false
	}
	return c, true
}

// toolPayload reads {"tool_name": ..., "content": ...}; any other shape is
// kept whole as the body.
func toolPayload(raw json.RawMessage) models.ToolOutputPayload {
	var wrapped struct {
		ToolName string          `json:"tool_name"`
		Content  json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil || (wrapped.ToolName == "" && len(wrapped.Content) == 0) {
		return models.ToolOutputPayload{Body: raw}
	}
	return models.ToolOutputPayload{ToolName: wrapped.ToolName, Body: wrapped.Content}
}

// enrichFrame stamps the durable identity onto a persisted frame. Frames that
// were not persisted go out unchanged.
func enrichFrame(data []byte, frag Fragment, stored *models.Message, log *slog.Logger) []byte {
	if stored == nil {
		return data
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data
	}
	set := func(key, value string) {
		encoded, _ := json.Marshal(value)
		fields[key] = encoded
	}
	set("id", stored.ID)
	set("db_message_id", stored.ID)
	set("original_stream_id", frag.EnvelopeID)
	fields["sequence_number"] = json.RawMessage(strconv.FormatInt(stored.SequenceNumber, 10))

	enriched, err := json.Marshal(fields)
	if err != nil {
		log.Warn("could not enrich frame", "message_id", stored.ID, "error", err)
		return data
	}
	return enriched
}

// guardedSink stops writing after the first failure (usually a client
// disconnect) and logs it once.
type guardedSink struct {
	sink   FrameSink
	logger *slog.Logger
	broken bool
}

func (g *guardedSink) WriteFrame(data []byte) error {
	return g.guard(func() error { return g.sink.WriteFrame(data) })
}

func (g *guardedSink) WriteError(msg string) error {
	return g.guard(func() error { return g.sink.WriteError(msg) })
}

func (g *guardedSink) WriteDone() error {
	return g.guard(g.sink.WriteDone)
}

func (g *guardedSink) guard(write func() error) error {
	if g.broken {
		return nil
	}
	if err := write(); err != nil {
		g.broken = true
		g.logger.Warn("client stream closed, continuing without output", "error", err)
		return err
	}
	return nil
}
