package audio

import (
	"sync"
	"time"
)

// Frame is one capture callback's worth of PCM.
type Frame struct {
	PCM []byte
	At  time.Time
}

// Window is a wall-clock batch of frames, ready to send.
type Window struct {
	PCM    []byte
	WAV    []byte
	Start  time.Time
	Seq    int
	IsLast bool
}

// WindowHandler receives completed windows in capture order. It runs with the
// accumulator locked and must not call back into it.
type WindowHandler func(Window)

// Accumulator groups PCM frames into fixed wall-clock windows. The boundary is
// checked on every frame arrival rather than by a timer, so a window holds as
// many frames as arrived within it.
type Accumulator struct {
	mu       sync.Mutex
	format   Format
	duration time.Duration
	handler  WindowHandler

	frames  [][]byte
	size    int
	start   time.Time
	seq     int
	level   float64
	flushed bool
}

func NewAccumulator(format Format, window time.Duration, handler WindowHandler) *Accumulator {
	if window <= 0 {
		window = time.Second
	}
	return &Accumulator{
		format:   format,
		duration: window,
		handler:  handler,
	}
}

// OnFrame buffers a frame. A frame arriving a full window after the current
// window's start closes that window first and opens the next one, so
// Window.Start is always the time of its first frame. Frames after Flush are
// ignored until Reset.
func (a *Accumulator) OnFrame(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.flushed {
		return
	}
	switch {
	case a.start.IsZero():
		a.start = f.At
	case f.At.Sub(a.start) >= a.duration:
		a.emitLocked(false)
		a.start = f.At
	}
	if len(f.PCM) > 0 {
		buf := make([]byte, len(f.PCM))
		copy(buf, f.PCM)
		a.frames = append(a.frames, buf)
		a.size += len(buf)
		a.level = RMS(f.PCM)
	}
}

// Flush emits whatever is buffered as the last window, even when empty, so the
// receiver always sees an end-of-stream marker. It reports false when the
// accumulator was already flushed.
func (a *Accumulator) Flush() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.flushed {
		return false
	}
	a.emitLocked(true)
	a.flushed = true
	return true
}

// Reset prepares the accumulator for a new capture session.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.frames = nil
	a.size = 0
	a.start = time.Time{}
	a.seq = 0
	a.level = 0
	a.flushed = false
}

// Level is the RMS amplitude (0..1) of the most recent non-empty frame.
func (a *Accumulator) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level
}

func (a *Accumulator) emitLocked(last bool) {
	pcm := make([]byte, 0, a.size)
	for _, f := range a.frames {
		pcm = append(pcm, f...)
	}
	w := Window{
		PCM:    pcm,
		WAV:    EncodeWAV(pcm, a.format),
		Start:  a.start,
		Seq:    a.seq,
		IsLast: last,
	}
	a.seq++
	a.frames = nil
	a.size = 0
	if a.handler != nil {
		a.handler(w)
	}
}
