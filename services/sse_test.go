package services

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r *FrameReader) []string {
	t.Helper()
	var out []string
	for {
		data, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(data))
	}
}

func TestFrameReader_SplitsEvents(t *testing.T) {
	body := "data: {\"a\":1}\n\n" +
		": keep-alive\n\n" +
		"event: message\ndata: {\"b\":2}\n\n" +
		"data:{\"c\":3}\n\n"

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, readAll(t, NewFrameReader(strings.NewReader(body))))
}

func TestFrameReader_JoinsMultilineData(t *testing.T) {
	body := "data: {\"text\":\ndata: \"x\"}\n\n"
	assert.Equal(t, []string{"{\"text\":\n\"x\"}"}, readAll(t, NewFrameReader(strings.NewReader(body))))
}

func TestFrameReader_StopsAtDone(t *testing.T) {
	body := "data: one\n\ndata: [DONE]\n\ndata: after\n\n"
	r := NewFrameReader(strings.NewReader(body))

	assert.Equal(t, []string{"one"}, readAll(t, r))
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFrameReader_TrailingEventWithoutBlankLine(t *testing.T) {
	r := NewFrameReader(strings.NewReader("data: last"))
	assert.Equal(t, []string{"last"}, readAll(t, r))
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame([]byte(`{"id":"x"}`)))
	require.NoError(t, w.WriteError("bad frame"))
	require.NoError(t, w.WriteDone())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "data: {\"id\":\"x\"}\n\ndata: {\"error\":\"bad frame\"}\n\ndata: [DONE]\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestSSEWriter_MultilinePayloadRoundTrips(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	payload := "{\"id\":\"e1\",\"object\":\"medical.completion.chunk\",\n\"choices\":[]}"
	require.NoError(t, w.WriteFrame([]byte(payload)))

	assert.Equal(t, "data: {\"id\":\"e1\",\"object\":\"medical.completion.chunk\",\ndata: \"choices\":[]}\n\n", rec.Body.String())
	assert.Equal(t, []string{payload}, readAll(t, NewFrameReader(strings.NewReader(rec.Body.String()))))
}
