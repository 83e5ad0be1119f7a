package llm

import (
	"bytes"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// Responder turns a server-sent-event completion body into text deltas. The
// scan cursor only ever advances past newline-terminated lines; a trailing
// partial line waits for the next chunk, so splitting the body at any byte
// yields the same text.
type Responder struct {
	onDelta DeltaFunc

	pending   []byte
	processed int
	fed       int
	text      strings.Builder
	done      bool
	skipped   int
	closed    bool
}

func NewResponder(onDelta DeltaFunc) *Responder {
	return &Responder{onDelta: onDelta}
}

// Feed consumes the next chunk of the body.
func (r *Responder) Feed(chunk []byte) {
	if r.closed || len(chunk) == 0 {
		return
	}
	r.fed += len(chunk)
	r.pending = append(r.pending, chunk...)
	for {
		idx := bytes.IndexByte(r.pending, '\n')
		if idx < 0 {
			break
		}
		r.handleLine(r.pending[:idx])
		r.pending = r.pending[idx+1:]
		r.processed += idx + 1
	}
	if len(r.pending) == 0 {
		r.pending = nil
	}
}

// Progress consumes a progress event carrying the whole body received so far.
// Only the bytes beyond what was already fed are scanned.
func (r *Responder) Progress(full []byte) {
	if len(full) > r.fed {
		r.Feed(full[r.fed:])
	}
}

// Write lets the responder sit behind io.Copy.
func (r *Responder) Write(p []byte) (int, error) {
	r.Feed(p)
	return len(p), nil
}

// Close processes an unterminated final line and returns the trimmed text.
func (r *Responder) Close() string {
	if !r.closed {
		if len(r.pending) > 0 {
			r.handleLine(r.pending)
			r.processed += len(r.pending)
			r.pending = nil
		}
		r.closed = true
	}
	return r.Text()
}

func (r *Responder) Text() string { return strings.TrimSpace(r.text.String()) }

// Processed is the number of body bytes scanned so far.
func (r *Responder) Processed() int { return r.processed }

// Done reports whether the [DONE] sentinel was seen.
func (r *Responder) Done() bool { return r.done }

// Skipped counts data lines that could not be parsed.
func (r *Responder) Skipped() int { return r.skipped }

func (r *Responder) handleLine(line []byte) {
	s := strings.TrimSpace(string(line))
	if !strings.HasPrefix(s, dataPrefix) {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(s, dataPrefix))
	if payload == "" {
		return
	}
	if payload == doneSentinel {
		r.done = true
		return
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := sonic.UnmarshalString(payload, &chunk); err != nil {
		r.skipped++
		return
	}
	if len(chunk.Choices) == 0 {
		return
	}
	delta := chunk.Choices[0].Delta.Content
	if delta == "" {
		return
	}
	r.text.WriteString(delta)
	if r.onDelta != nil {
		r.onDelta(delta)
	}
}
