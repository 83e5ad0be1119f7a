package eventbus

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-server-go/internal/platform/logging"
)

func TestBus_SyncOrder(t *testing.T) {
	b := New()
	var got []string
	require.NoError(t, b.Subscribe(EventTranscript, func(d TranscriptEventData) {
		got = append(got, d.Text)
	}))

	for _, text := range []string{"what", "what time", "what time is it"} {
		b.Publish(EventTranscript, TranscriptEventData{Text: text})
	}
	assert.Equal(t, []string{"what", "what time", "what time is it"}, got)
	assert.True(t, b.HasSubscribers(EventTranscript))
	assert.False(t, b.HasSubscribers(EventCallState))
}

func TestBus_OrderedAsync(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []int
	require.NoError(t, b.SubscribeOrdered(EventResponseDelta, func(d ResponseEventData) {
		mu.Lock()
		got = append(got, d.Round)
		mu.Unlock()
	}))

	for i := 0; i < 50; i++ {
		b.Publish(EventResponseDelta, ResponseEventData{Round: i})
	}
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestBus_NilPublish(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Publish(EventCallState, StateEventData{}) })
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriter(&buf, "DEBUG")
	b := New()
	require.NoError(t, NewLogHandler(logger).Attach(b))

	b.Publish(EventCallState, StateEventData{SessionID: "s1", From: "idle", To: "listening"})
	b.Publish(EventCallEnded, EndedEventData{SessionID: "s1", Reason: "client_end", Turns: 2})

	out := buf.String()
	assert.Contains(t, out, "idle -> listening")
	assert.Contains(t, out, "client_end")
}
