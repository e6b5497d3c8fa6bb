package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatstream/models"

	"github.com/stretchr/testify/require"
)

// sseBody frames each payload as one SSE event and terminates with [DONE].
func sseBody(frames ...string) *strings.Reader {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return strings.NewReader(b.String())
}

func frameJSON(t *testing.T, fields map[string]any) string {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(data)
}

func chunkFrame(t *testing.T, envelope, kind, text string) string {
	return frameJSON(t, map[string]any{
		"id":      envelope,
		"object":  models.ObjectCompletionChunk,
		"type":    kind,
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": text}}},
	})
}

func completionFrame(t *testing.T, envelope, kind, text string) string {
	return frameJSON(t, map[string]any{
		"id":      envelope,
		"object":  models.ObjectCompletion,
		"type":    kind,
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": text}}},
	})
}

func statusFrame(t *testing.T, envelope, status string) string {
	return frameJSON(t, map[string]any{
		"id":         envelope,
		"object":     models.ObjectStatus,
		"status":     status,
		"status_msg": status + "...",
		"agent_name": "research",
	})
}

func toolFrame(t *testing.T, envelope, tool string, content map[string]any) string {
	return frameJSON(t, map[string]any{
		"id":         envelope,
		"object":     models.ObjectToolOutput,
		"agent_name": "research",
		"content":    map[string]any{"tool_name": tool, "content": content},
	})
}

func classify(t *testing.T, raw string) Fragment {
	t.Helper()
	frag, err := Classify([]byte(raw))
	require.NoError(t, err)
	return frag
}

// recordingSink collects everything the processor writes.
type recordingSink struct {
	mu     sync.Mutex
	frames []string
	errors []string
	done   int
	failAt int // fail the nth WriteFrame (1-based); 0 never fails
}

func (s *recordingSink) WriteFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.frames)+1 >= s.failAt {
		return errors.New("client gone")
	}
	s.frames = append(s.frames, string(data))
	return nil
}

func (s *recordingSink) WriteError(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
	return nil
}

func (s *recordingSink) WriteDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++
	return nil
}

func (s *recordingSink) decoded(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.frames))
	for i, f := range s.frames {
		require.NoError(t, json.Unmarshal([]byte(f), &out[i]))
	}
	return out
}

func fixedClock() func() time.Time {
	var (
		mu sync.Mutex
		t  = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestPersister(store MessageStore, opts ...PersisterOption) *Persister {
	return NewPersister(NewSequencer(store), append([]PersisterOption{WithClock(fixedClock())}, opts...)...)
}

func seedUserMessage(t *testing.T, p *Persister, conversationID, content string) models.Message {
	t.Helper()
	msg := p.Persist(context.Background(), Candidate{
		ConversationID: conversationID,
		ID:             "user_" + content,
		Role:           models.RoleUser,
		Kind:           models.KindText,
		Content:        content,
	})
	require.NotNil(t, msg)
	return *msg
}

func sequenceNumbers(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.SequenceNumber
	}
	return out
}
