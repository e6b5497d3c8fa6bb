package services

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"chatstream/models"
)

// maxFrameBytes bounds one SSE line; tool outputs can be large.
const maxFrameBytes = 10 * 1024 * 1024

// FrameReader pulls SSE events from an upstream body. Each call to Next
// returns the data of one event (multiple data lines joined by "\n").
// Comments and non-data fields are skipped; a "[DONE]" event ends the stream.
type FrameReader struct {
	sc   *bufio.Scanner
	done bool
}

func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return &FrameReader{sc: sc}
}

// Next returns io.EOF at the end of the stream or after [DONE].
func (r *FrameReader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}

	var data [][]byte
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			if len(data) == 0 {
				continue
			}
			return r.event(data)
		}
		value, ok := dataField(line)
		if !ok {
			continue
		}
		data = append(data, append([]byte(nil), value...))
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	// Stream closed without a trailing blank line.
	if len(data) > 0 {
		return r.event(data)
	}
	r.done = true
	return nil, io.EOF
}

func (r *FrameReader) event(data [][]byte) ([]byte, error) {
	payload := bytes.Join(data, []byte("\n"))
	if strings.TrimSpace(string(payload)) == models.DoneSentinel {
		r.done = true
		return nil, io.EOF
	}
	return payload, nil
}

func dataField(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	value := line[len("data:"):]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return value, true
}

// FrameSink receives the enriched output stream.
type FrameSink interface {
	WriteFrame(data []byte) error
	WriteError(msg string) error
	WriteDone() error
}

// SSEWriter writes frames to an HTTP response in SSE framing and flushes
// after every frame.
type SSEWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
}

func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &SSEWriter{writer: w, flusher: flusher}, nil
}

// SetSSEHeaders must be called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (w *SSEWriter) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Multi-line payloads keep one "data:" field per line.
	var buf bytes.Buffer
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := w.writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *SSEWriter) WriteError(msg string) error {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return err
	}
	return w.WriteFrame(data)
}

func (w *SSEWriter) WriteDone() error {
	return w.WriteFrame([]byte(models.DoneSentinel))
}
