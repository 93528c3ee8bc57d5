package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Finish reasons carried by the last chunk of a stream.
const (
	FinishStop  = "stop"
	FinishError = "error"
)

// ChunkDelta is the incremental content of one stream chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is the single choice inside a stream chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// Chunk is one chat.completion.chunk frame.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// StreamError is the payload of the error event emitted on a degraded stream.
type StreamError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// NewCompletionID returns an id with the given prefix and 12 hex characters.
func NewCompletionID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// StreamWriter frames chunks as server-sent events under one completion id.
type StreamWriter struct {
	w       io.Writer
	id      string
	model   string
	created int64
}

// NewStreamWriter returns a StreamWriter for model. w is flushed after every
// frame when it implements http.Flusher.
func NewStreamWriter(w io.Writer, model string, now time.Time) *StreamWriter {
	return &StreamWriter{
		w:       w,
		id:      NewCompletionID("chatcmpl-"),
		model:   model,
		created: now.Unix(),
	}
}

// ID returns the completion id shared by every chunk.
func (s *StreamWriter) ID() string { return s.id }

// Delta emits one content chunk.
func (s *StreamWriter) Delta(content string) error {
	return s.data(s.chunk(ChunkDelta{Content: content}, nil))
}

// Error emits an error event. Clients that ignore named events still see
// the data frames around it.
func (s *StreamWriter) Error(msg string) error {
	b, err := json.Marshal(StreamError{Error: msg, Kind: "backend_unavailable"})
	if err != nil {
		return err
	}
	return s.write(fmt.Sprintf("event: error\ndata: %s\n\n", b))
}

// Finish emits the closing chunk with reason, then the [DONE] sentinel.
func (s *StreamWriter) Finish(reason string) error {
	if err := s.data(s.chunk(ChunkDelta{}, &reason)); err != nil {
		return err
	}
	return s.write("data: [DONE]\n\n")
}

func (s *StreamWriter) chunk(delta ChunkDelta, finish *string) Chunk {
	return Chunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (s *StreamWriter) data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(fmt.Sprintf("data: %s\n\n", b))
}

func (s *StreamWriter) write(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// StreamResult summarises a finished stream.
type StreamResult struct {
	ID       string
	Model    string
	Tokens   int
	Degraded bool
	Err      error // backend failure on a degraded stream, or the client write error
}

// Stream runs req against the daemon's streaming endpoint and writes SSE
// frames to w. Backend tokens are pumped from a separate goroutine so a slow
// client never holds the daemon read loop. On backend failure one delta with
// the error text is written, followed by an error event, a closing chunk with
// finish_reason "error" and the [DONE] sentinel.
func (d *Dispatcher) Stream(ctx context.Context, req Request, w io.Writer) StreamResult {
	applyDefaults(&req)
	sw := NewStreamWriter(w, req.Model, d.now())
	res := StreamResult{ID: sw.ID(), Model: req.Model}

	ctx, cancel := context.WithTimeout(ctx, d.daemonTimeout)
	defer cancel()

	tokens := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(tokens)
		if d.daemon == nil {
			errc <- errors.New("no streaming backend configured")
			return
		}
		errc <- d.daemon.Stream(ctx, generateRequest(req), func(tok string) error {
			select {
			case tokens <- tok:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	for tok := range tokens {
		if err := sw.Delta(tok); err != nil {
			cancel()
			res.Err = fmt.Errorf("inference: write stream: %w", err)
			return res
		}
		res.Tokens++
	}

	if err := <-errc; err != nil {
		res.Degraded = true
		res.Err = err
		msg := fmt.Sprintf("[stream error: %v]", err)
		if werr := sw.Delta(msg); werr == nil {
			if werr = sw.Error(err.Error()); werr == nil {
				sw.Finish(FinishError)
			}
		}
		return res
	}

	if err := sw.Finish(FinishStop); err != nil {
		res.Err = fmt.Errorf("inference: write stream: %w", err)
	}
	return res
}
