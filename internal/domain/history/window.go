package history

import (
	"sync"

	"voicecall-server-go/internal/domain/llm"
)

// Window keeps the most recent turns of a live conversation for prompting.
type Window struct {
	mu    sync.Mutex
	max   int
	turns []Turn
}

// NewWindow returns a window holding at most max turns; max <= 0 is unbounded.
func NewWindow(max int) *Window {
	return &Window{max: max}
}

func (w *Window) Append(turns ...Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = append(w.turns, turns...)
	if w.max > 0 && len(w.turns) > w.max {
		w.turns = append([]Turn(nil), w.turns[len(w.turns)-w.max:]...)
	}
}

func (w *Window) Turns() []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Turn(nil), w.turns...)
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns)
}

// Messages renders the window as a completion request, led by the system
// prompt when one is given.
func (w *Window) Messages(system string) []llm.Message {
	turns := w.Turns()
	out := make([]llm.Message, 0, len(turns)+1)
	if system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content, ImageURL: t.ImageURL})
	}
	return out
}
