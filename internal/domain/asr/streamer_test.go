package asr

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-server-go/internal/domain/asr/protocol"
	"voicecall-server-go/internal/domain/audio"
	"voicecall-server-go/internal/platform/logging"
)

type fakeSender struct {
	ready atomic.Bool
	mu    sync.Mutex
	sent  []int
	fail  error
}

func (f *fakeSender) Ready() bool { return f.ready.Load() }

func (f *fakeSender) SendAudioWindow(w audio.Window) error {
	if !f.ready.Load() {
		return ErrNotReady
	}
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	f.sent = append(f.sent, w.Seq)
	f.mu.Unlock()
	return nil
}

func TestStreamer_QueuesUntilReadyInOrder(t *testing.T) {
	sender := &fakeSender{}
	s := NewStreamer(sender)
	var counted []int
	s.OnSent = func(n int) { counted = append(counted, n) }

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(audio.Window{Seq: i}))
	}
	assert.Equal(t, 3, s.Pending())
	assert.Empty(t, sender.sent, "nothing goes out before Ready")

	sender.ready.Store(true)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Push(audio.Window{Seq: 3}))

	assert.Equal(t, []int{0, 1, 2, 3}, sender.sent)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 4, s.Sent())
	assert.Equal(t, []int{1, 2, 3, 4}, counted)
}

func TestStreamer_SendErrorKeepsQueue(t *testing.T) {
	boom := errors.New("broken pipe")
	sender := &fakeSender{fail: boom}
	sender.ready.Store(true)
	s := NewStreamer(sender)

	assert.ErrorIs(t, s.Push(audio.Window{Seq: 0}), boom)
	assert.Equal(t, 1, s.Pending())

	sender.fail = nil
	require.NoError(t, s.Flush())
	assert.Equal(t, []int{0}, sender.sent)
}

func TestStreamer_ConcurrentPushPreservesOrder(t *testing.T) {
	sender := &fakeSender{}
	s := NewStreamer(sender)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = s.Push(audio.Window{Seq: i})
		}
	}()
	time.Sleep(time.Millisecond)
	sender.ready.Store(true)
	_ = s.Flush()
	<-done
	require.NoError(t, s.Flush())

	require.Len(t, sender.sent, 200)
	for i, seq := range sender.sent {
		assert.Equal(t, i, seq)
	}
}

func TestStream_EndToEnd(t *testing.T) {
	release := make(chan struct{})
	received := make(chan *protocol.Frame, 16)

	url := newFakeServer(t, func(conn *websocket.Conn, r *http.Request) {
		readFrame(t, conn) // config
		<-release
		_ = conn.WriteMessage(websocket.BinaryMessage, responseFrame(t, 1, false, `{}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			received <- f
			if f.IsLast() {
				_ = conn.WriteMessage(websocket.BinaryMessage, responseFrame(t, -2, true,
					`{"result":{"text":"what time is it"}}`))
				return
			}
		}
	})

	var mu sync.Mutex
	var finals []string
	cfg := testConfig(url)
	s := NewStream(cfg, time.Second, Handlers{
		OnTranscript: func(tr Transcript) {
			if tr.Final {
				mu.Lock()
				finals = append(finals, tr.Text)
				mu.Unlock()
			}
		},
	}, logging.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	// 2.5 s of 100 ms frames before the server acknowledges.
	base := time.Unix(1000, 0)
	frame := make([]byte, audio.DefaultFormat.BytesFor(0.1))
	for i := 0; i < 25; i++ {
		s.Write(frame, base.Add(time.Duration(i)*100*time.Millisecond))
	}
	assert.Equal(t, 2, s.Pending(), "two completed windows queued before Ready")

	close(release)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	s.Finish()

	var frames []*protocol.Frame
	timeout := time.After(2 * time.Second)
	for len(frames) < 3 {
		select {
		case f := <-received:
			frames = append(frames, f)
		case <-timeout:
			t.Fatalf("received %d frames", len(frames))
		}
	}
	assert.False(t, frames[0].IsLast())
	assert.False(t, frames[1].IsLast())
	assert.True(t, frames[2].IsLast())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finals) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "what time is it", finals[0])
}
