package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-server-go/internal/app/call"
	"voicecall-server-go/internal/domain/asr"
	"voicecall-server-go/internal/domain/audio"
	"voicecall-server-go/internal/domain/history"
	"voicecall-server-go/internal/domain/llm"
	"voicecall-server-go/internal/domain/tts"
	"voicecall-server-go/internal/platform/logging"
)

type nopStream struct{ writes atomic.Int32 }

func (s *nopStream) Start(context.Context) error { return nil }
func (s *nopStream) Write([]byte, time.Time)     { s.writes.Add(1) }
func (s *nopStream) Finish()                     {}
func (s *nopStream) Close() error                { return nil }

type staticInferencer string

func (s staticInferencer) Infer(_ context.Context, _ []llm.Message, onDelta llm.DeltaFunc) (string, error) {
	if onDelta != nil {
		onDelta(string(s))
	}
	return string(s), nil
}

type received struct {
	Type  string         `json:"type"`
	State string         `json:"state"`
	Data  map[string]any `json:"data"`

	binary []byte
}

type testServer struct {
	url     string
	hub     *Hub
	server  *Server
	history history.Store
	stream  *nopStream
}

func newTestServer(t *testing.T, authorize func(*http.Request) error) *testServer {
	t.Helper()
	return newTestServerWith(t, RouterOptions{Authorize: authorize})
}

func newTestServerWith(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	logger := logging.NewNop()
	ts := &testServer{
		hub:     NewHub(logger),
		history: history.NewMemory(history.Config{}),
		stream:  &nopStream{},
	}
	router := NewRouter(ts.hub, logger, opts)
	router.SetHandlerBuilder(NewCallBuilder(CallDeps{
		Call: call.Config{ThinkingDelay: time.Second},
		Transcriber: func(asr.Handlers) call.TranscriptionStream {
			return ts.stream
		},
		Inferencer: staticInferencer("hello there"),
		History:    ts.history,
		NewSpeaker: func(p tts.Player) tts.Speaker {
			return tts.NewEdgeSpeaker("test-voice", p, logger,
				tts.WithSynthesizer(func(context.Context, string, string) ([]byte, error) {
					return []byte("mp3"), nil
				}),
				tts.WithDecoder(func([]byte) ([]byte, audio.Format, error) {
					// 150 ms of silence: two binary frames
					return make([]byte, audio.DefaultFormat.BytesFor(0.15)), audio.DefaultFormat, nil
				}),
			)
		},
		PlaybackSlack: 2 * time.Second,
		Logger:        logger,
	}))
	ts.server = NewServer(ServerConfig{Path: "/ws/call"}, router, ts.hub,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		logger)

	srv := httptest.NewServer(ts.server.Handler())
	t.Cleanup(func() {
		ts.hub.CloseAll(nil)
		srv.Close()
	})
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/call"
	return ts
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := sonic.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func next(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	if mt == websocket.BinaryMessage {
		return received{Type: "binary", binary: data}
	}
	var r received
	require.NoError(t, sonic.Unmarshal(data, &r))
	return r
}

// until reads frames until match returns true and returns everything read.
func until(t *testing.T, conn *websocket.Conn, match func(received) bool) []received {
	t.Helper()
	var got []received
	for i := 0; i < 100; i++ {
		r := next(t, conn)
		got = append(got, r)
		if match(r) {
			return got
		}
	}
	t.Fatal("expected frame never arrived")
	return nil
}

func isState(to string) func(received) bool {
	return func(r received) bool { return r.Type == ServerState && r.Data["to"] == to }
}

func TestCall_TextTurnOverWebsocket(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)

	send(t, conn, ClientMessage{Type: ClientText, Text: "hi"})

	frames := until(t, conn, func(r received) bool { return r.Type == ServerTTS && r.State == "stop" })

	var types []string
	binaries := 0
	for _, f := range frames {
		if f.Type == "binary" {
			binaries++
			continue
		}
		types = append(types, f.Type)
	}
	assert.Contains(t, types, ServerResponse)
	assert.Equal(t, 2, binaries)
	for _, f := range frames {
		if f.Type == ServerTTS && f.State == "start" {
			assert.EqualValues(t, audio.DefaultFormat.SampleRate, f.Data["sample_rate"])
		}
	}

	send(t, conn, ClientMessage{Type: ClientPlaybackDone})
	until(t, conn, isState("listening"))

	// microphone audio reaches the transcription stream while listening
	require.Eventually(t, func() bool {
		_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320))
		return ts.stream.writes.Load() >= 1
	}, time.Second, 10*time.Millisecond)

	turns, err := ts.history.Recent(context.Background(), ts.sessionID(t), 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "hello there", turns[1].Content)

	send(t, conn, ClientMessage{Type: ClientEnd})
	until(t, conn, func(r received) bool { return r.Type == ServerEnded })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server closes the connection after the call ends")
	require.Eventually(t, func() bool { return ts.hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func (ts *testServer) sessionID(t *testing.T) string {
	t.Helper()
	ts.hub.mu.RLock()
	defer ts.hub.mu.RUnlock()
	for id := range ts.hub.sessions {
		return id
	}
	t.Fatal("no session registered")
	return ""
}

func TestCall_InvalidControlMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	r := next(t, conn)
	assert.Equal(t, ServerError, r.Type)
	assert.Equal(t, "frame_decode", r.Data["kind"])

	// the call is still usable
	send(t, conn, ClientMessage{Type: ClientStart})
	until(t, conn, isState("listening"))
}

func TestRouter_RejectsUnauthorized(t *testing.T) {
	ts := newTestServer(t, func(r *http.Request) error {
		if r.Header.Get("Authorization") != "Bearer ok" {
			return errors.New("missing token")
		}
		return nil
	})

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(ts.url, http.Header{"Authorization": {"Bearer ok"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestServer_FallbackAndShutdown(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts.url)
	send(t, conn, ClientMessage{Type: ClientStart})
	until(t, conn, isState("listening"))
	require.Equal(t, 1, ts.hub.Count())

	httpURL := "http" + strings.TrimPrefix(strings.TrimSuffix(ts.url, "/ws/call"), "ws") + "/api/health"
	resp, err := http.Get(httpURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	ts.hub.CloseAll(nil)
	until(t, conn, func(r received) bool { return r.Type == ServerEnded })
	assert.Equal(t, 0, ts.hub.Count())
}

func TestSession_IdleCallIsClosed(t *testing.T) {
	ts := newTestServerWith(t, RouterOptions{IdleTimeout: 300 * time.Millisecond})
	conn := dial(t, ts.url)
	send(t, conn, ClientMessage{Type: ClientStart})
	until(t, conn, isState("listening"))

	until(t, conn, func(r received) bool { return r.Type == ServerEnded })
	assert.Eventually(t, func() bool { return ts.hub.Count() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestConnection_IsStale(t *testing.T) {
	c := &Connection{}
	c.lastRead.Store(time.Now().Add(-time.Minute).UnixNano())
	assert.True(t, c.IsStale(time.Second))
	assert.False(t, c.IsStale(2*time.Minute))
	assert.False(t, c.IsStale(0))
}

func TestResolveSessionID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/call?session-id=4b0b3c9e-3a6f-4d52-9a55-1f7d3c2b9e10", nil)
	assert.Equal(t, "4b0b3c9e-3a6f-4d52-9a55-1f7d3c2b9e10", resolveSessionID(req))

	req = httptest.NewRequest(http.MethodGet, "/ws/call?session-id=../../etc", nil)
	assert.Len(t, resolveSessionID(req), 36)
}
