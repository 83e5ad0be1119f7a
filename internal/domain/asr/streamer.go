package asr

import (
	"context"
	"errors"
	"sync"
	"time"

	"voicecall-server-go/internal/domain/audio"
	"voicecall-server-go/internal/platform/logging"
)

// WindowSender is the sending half of a Client.
type WindowSender interface {
	SendAudioWindow(w audio.Window) error
	Ready() bool
}

// Streamer queues windows in capture order and releases them to the sender
// once it is Ready. Windows are never reordered or sent before Ready.
type Streamer struct {
	mu     sync.Mutex
	sender WindowSender
	queue  []audio.Window
	sent   int
	// OnSent runs under the lock after each window is handed over.
	OnSent func(sent int)
}

func NewStreamer(sender WindowSender) *Streamer {
	return &Streamer{sender: sender}
}

// Push enqueues w and sends everything that can be sent.
func (s *Streamer) Push(w audio.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, w)
	return s.flushLocked()
}

// Flush sends queued windows if the sender is Ready.
func (s *Streamer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Streamer) flushLocked() error {
	for len(s.queue) > 0 && s.sender.Ready() {
		err := s.sender.SendAudioWindow(s.queue[0])
		if errors.Is(err, ErrNotReady) {
			return nil
		}
		if err != nil {
			return err
		}
		s.queue[0] = audio.Window{}
		s.queue = s.queue[1:]
		s.sent++
		if s.OnSent != nil {
			s.OnSent(s.sent)
		}
	}
	return nil
}

// Pending returns the number of queued windows.
func (s *Streamer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Sent returns the number of windows handed to the sender.
func (s *Streamer) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Stream is one listening phase: PCM frames in, transcripts out. It wires an
// Accumulator, a Streamer and a Client together.
type Stream struct {
	client   *Client
	streamer *Streamer
	acc      *audio.Accumulator
	logger   *logging.Logger
	onError  func(error)
}

// NewStream builds a stream. window is the accumulator window duration.
func NewStream(cfg Config, window time.Duration, handlers Handlers, logger *logging.Logger) *Stream {
	s := &Stream{logger: logger, onError: handlers.OnError}

	onReady := handlers.OnReady
	handlers.OnReady = func() {
		if err := s.streamer.Flush(); err != nil {
			s.reportError(err)
		}
		if onReady != nil {
			onReady()
		}
	}

	s.client = NewClient(cfg, handlers, logger)
	s.streamer = NewStreamer(s.client)
	s.streamer.OnSent = handlers.OnWindowSent
	s.acc = audio.NewAccumulator(s.client.cfg.Format, window, func(w audio.Window) {
		if err := s.streamer.Push(w); err != nil {
			s.reportError(err)
		}
	})
	return s
}

func (s *Stream) reportError(err error) {
	s.logger.WarnTag("ASR", "发送音频失败: %v", err)
	if s.onError != nil {
		s.onError(err)
	}
}

// Start connects the underlying client.
func (s *Stream) Start(ctx context.Context) error {
	return s.client.Connect(ctx)
}

// Write feeds one captured PCM frame.
func (s *Stream) Write(pcm []byte, at time.Time) {
	s.acc.OnFrame(audio.Frame{PCM: pcm, At: at})
}

// Finish flushes the partial window as the last chunk.
func (s *Stream) Finish() {
	s.acc.Flush()
}

// Level returns the RMS level of the most recent frame.
func (s *Stream) Level() float64 { return s.acc.Level() }

func (s *Stream) Pending() int { return s.streamer.Pending() }

func (s *Stream) State() State { return s.client.State() }

func (s *Stream) Done() <-chan struct{} { return s.client.Done() }

// Close stops the stream. Idempotent.
func (s *Stream) Close() error {
	return s.client.Close()
}
