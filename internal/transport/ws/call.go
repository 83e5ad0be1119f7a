package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicecall-server-go/internal/app/call"
	"voicecall-server-go/internal/domain/eventbus"
	"voicecall-server-go/internal/domain/history"
	"voicecall-server-go/internal/domain/llm"
	"voicecall-server-go/internal/domain/tts"
	"voicecall-server-go/internal/platform/logging"
	"voicecall-server-go/internal/platform/observability"
)

const outboundBuffer = 256

// CallDeps is shared by every call on the endpoint.
type CallDeps struct {
	// Call is copied per connection; SessionID is replaced.
	Call        call.Config
	Transcriber call.TranscriberFunc
	Inferencer  llm.Inferencer
	History     history.Store
	Recorder    call.Recorder
	Metrics     *observability.Metrics
	// NewSpeaker builds the speaker for one connection. Defaults to Edge TTS.
	NewSpeaker func(player tts.Player) tts.Speaker
	// PlaybackSlack is added to the audio duration when waiting for the
	// device to acknowledge playback.
	PlaybackSlack time.Duration
	Logger        *logging.Logger
}

// NewCallBuilder returns a HandlerBuilder that runs a call.Session per
// connection.
func NewCallBuilder(deps CallDeps) HandlerBuilder {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.PlaybackSlack <= 0 {
		deps.PlaybackSlack = 5 * time.Second
	}
	return func(ctx context.Context, conn *Connection, req *http.Request) (SessionHandler, error) {
		return newCallHandler(conn, deps)
	}
}

type outbound struct {
	kind int
	data []byte
}

type callHandler struct {
	conn    *Connection
	session *call.Session
	bus     *eventbus.Bus
	capture *connCapture
	player  *connPlayer
	logger  *logging.Logger

	out        chan outbound
	stop       chan struct{}
	stopOnce   sync.Once
	writerDone chan struct{}
	handling   atomic.Bool
}

func newCallHandler(conn *Connection, deps CallDeps) (*callHandler, error) {
	h := &callHandler{
		conn:       conn,
		bus:        eventbus.New(),
		capture:    &connCapture{},
		logger:     deps.Logger,
		out:        make(chan outbound, outboundBuffer),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	h.player = &connPlayer{h: h, ack: make(chan struct{}, 1), slack: deps.PlaybackSlack}

	var speaker tts.Speaker
	if deps.NewSpeaker != nil {
		speaker = deps.NewSpeaker(h.player)
	} else {
		speaker = tts.NewEdgeSpeaker("", h.player, deps.Logger)
	}

	if err := eventbus.NewLogHandler(deps.Logger).Attach(h.bus); err != nil {
		return nil, err
	}
	if err := h.forwardEvents(); err != nil {
		return nil, err
	}

	cfg := deps.Call
	cfg.SessionID = conn.ID()
	h.session = call.New(cfg, call.Dependencies{
		Capture:     h.capture,
		Transcriber: deps.Transcriber,
		Inferencer:  deps.Inferencer,
		Speaker:     speaker,
		History:     deps.History,
		Bus:         h.bus,
		Recorder:    deps.Recorder,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
	})
	return h, nil
}

func (h *callHandler) ID() string { return h.conn.ID() }

// forwardEvents relays bus events to the device as JSON frames.
func (h *callHandler) forwardEvents() error {
	subs := map[string]any{
		eventbus.EventCallState: func(d eventbus.StateEventData) { h.sendJSON(Envelope{Type: ServerState, Data: d}) },
		eventbus.EventTranscript: func(d eventbus.TranscriptEventData) {
			h.sendJSON(Envelope{Type: ServerTranscript, Data: d})
		},
		eventbus.EventCallThinking: func(d eventbus.ThinkingEventData) {
			h.sendJSON(Envelope{Type: ServerThinking, Data: d})
		},
		eventbus.EventResponseDelta: func(d eventbus.ResponseEventData) {
			h.sendJSON(Envelope{Type: ServerResponse, Data: d})
		},
		eventbus.EventResponse: func(d eventbus.ResponseEventData) {
			h.sendJSON(Envelope{Type: ServerResponse, Data: d})
		},
		eventbus.EventError:      func(d eventbus.ErrorEventData) { h.sendJSON(Envelope{Type: ServerError, Data: d}) },
		eventbus.EventFallback:   func(d eventbus.FallbackEventData) { h.sendJSON(Envelope{Type: ServerFallback, Data: d}) },
		eventbus.EventCallListen: func(d eventbus.ListenEventData) { h.sendJSON(Envelope{Type: ServerListen, Data: d}) },
		eventbus.EventCallEnded:  func(d eventbus.EndedEventData) { h.sendJSON(Envelope{Type: ServerEnded, Data: d}) },
	}
	for topic, fn := range subs {
		if err := h.bus.Subscribe(topic, fn); err != nil {
			return err
		}
	}
	return nil
}

// Handle runs the call until the device disconnects or the call ends.
func (h *callHandler) Handle(ctx context.Context) error {
	h.handling.Store(true)
	go h.writeLoop()

	go func() { _ = h.session.Run(ctx) }()
	go func() {
		<-h.session.Done()
		h.stopWriter()
		_ = h.conn.Close()
	}()

	err := h.readLoop()
	h.session.End()
	<-h.session.Done()
	<-h.writerDone
	return err
}

// Close ends the call and waits until the final events are flushed. The
// read loop returns once the connection closes.
func (h *callHandler) Close() {
	h.session.End()
	h.player.Stop()
	if h.handling.Load() {
		<-h.writerDone
	}
}

func (h *callHandler) readLoop() error {
	for {
		mt, data, err := h.conn.ReadMessage()
		if err != nil {
			if h.conn.IsClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		switch mt {
		case websocket.BinaryMessage:
			h.capture.deliver(data, time.Now())
		case websocket.TextMessage:
			h.handleControl(data)
		}
	}
}

func (h *callHandler) handleControl(data []byte) {
	var msg ClientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		h.logger.WarnTag("WebSocket", "无法解析控制消息: %v", err)
		h.sendJSON(Envelope{Type: ServerError, Data: eventbus.ErrorEventData{
			SessionID: h.ID(),
			Kind:      "frame_decode",
			Message:   "invalid control message",
		}})
		return
	}
	switch msg.Type {
	case ClientStart:
		h.session.Start()
	case ClientEnd:
		h.session.End()
	case ClientText:
		h.session.SubmitText(msg.Text)
	case ClientPlaybackDone:
		h.player.Ack()
	default:
		h.logger.WarnTag("WebSocket", "未知控制消息类型: %s", msg.Type)
	}
}

func (h *callHandler) sendJSON(v any) { h.enqueueJSON(v) }

func (h *callHandler) enqueueJSON(v any) bool {
	data, err := sonic.Marshal(v)
	if err != nil {
		h.logger.ErrorTag("WebSocket", "消息编码失败: %v", err)
		return false
	}
	return h.enqueue(outbound{kind: websocket.TextMessage, data: data})
}

func (h *callHandler) enqueue(m outbound) bool {
	select {
	case <-h.stop:
		return false
	default:
	}
	select {
	case h.out <- m:
		return true
	case <-h.writerDone:
		return false
	}
}

// writeLoop is the only writer, which keeps event and audio frames in
// enqueue order. After stop it drains what is queued, then exits.
func (h *callHandler) writeLoop() {
	defer close(h.writerDone)
	for {
		select {
		case m := <-h.out:
			if err := h.conn.WriteMessage(m.kind, m.data); err != nil {
				h.logger.DebugTag("WebSocket", "写入失败: %v", err)
				return
			}
		case <-h.stop:
			for {
				select {
				case m := <-h.out:
					if err := h.conn.WriteMessage(m.kind, m.data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (h *callHandler) stopWriter() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.writerDone
}
