package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicecall-server-go/internal/domain/audio"
)

// connCapture treats the device as the microphone: binary frames reach the
// call only between Start and Stop.
type connCapture struct {
	mu   sync.Mutex
	sink func(pcm []byte, at time.Time)
}

func (c *connCapture) Start(_ context.Context, sink func(pcm []byte, at time.Time)) error {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	return nil
}

func (c *connCapture) Stop() error {
	c.mu.Lock()
	c.sink = nil
	c.mu.Unlock()
	return nil
}

func (c *connCapture) deliver(pcm []byte, at time.Time) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink(pcm, at)
	}
}

// connPlayer streams PCM to the device and waits for its playback_done.
type connPlayer struct {
	h     *callHandler
	ack   chan struct{}
	slack time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

const playbackChunk = 0.1 // seconds per binary frame

func (p *connPlayer) Play(ctx context.Context, pcm []byte, format audio.Format) error {
	// discard an acknowledgement left over from an aborted playback
	select {
	case <-p.ack:
	default:
	}
	stop := make(chan struct{})
	p.mu.Lock()
	p.stop = stop
	p.mu.Unlock()

	ok := p.h.enqueueJSON(Envelope{Type: ServerTTS, State: "start", Data: PlaybackFormat{
		SampleRate:    format.SampleRate,
		Channels:      format.Channels,
		BitsPerSample: format.BitsPerSample,
	}})
	chunk := format.BytesFor(playbackChunk)
	if chunk <= 0 {
		chunk = len(pcm)
	}
	for off := 0; ok && off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		frame := make([]byte, end-off)
		copy(frame, pcm[off:end])
		ok = p.h.enqueue(outbound{kind: websocket.BinaryMessage, data: frame})
	}
	if ok {
		ok = p.h.enqueueJSON(Envelope{Type: ServerTTS, State: "stop"})
	}
	if !ok {
		return ErrPlaybackAborted
	}

	timeout := p.slack
	if rate := format.ByteRate(); rate > 0 {
		timeout += time.Duration(float64(len(pcm)) / float64(rate) * float64(time.Second))
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrPlaybackAborted
	case <-p.h.writerDone:
		return ErrPlaybackAborted
	case <-timer.C:
		p.h.logger.WarnTag("WebSocket", "等待播放完成超时 (%v)，继续下一轮", timeout)
		return nil
	}
}

// Stop aborts a Play waiting for acknowledgement. Safe when idle.
func (p *connPlayer) Stop() {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
}

// Ack records the device's playback_done.
func (p *connPlayer) Ack() {
	select {
	case p.ack <- struct{}{}:
	default:
	}
}
