package asr

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicecall-server-go/internal/domain/asr/protocol"
	"voicecall-server-go/internal/domain/audio"
	platformerrors "voicecall-server-go/internal/platform/errors"
	"voicecall-server-go/internal/platform/logging"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotReady is returned when audio is sent before the server acknowledged the session.
var ErrNotReady = platformerrors.New(platformerrors.KindTransport, "asr.send", "transcription socket not ready")

// Transcript is one recognition update.
type Transcript struct {
	Text     string
	Final    bool
	Sequence int32
}

// Config describes the transcription service connection.
type Config struct {
	URL           string
	AppID         string
	AccessToken   string
	ResourceID    string
	Model         string
	Language      string
	EndWindowSize int
	EnablePunc    bool
	EnableITN     bool
	Format        audio.Format

	DialTimeout  time.Duration
	DialAttempts int
	// Backoff is the base delay between dial attempts, multiplied by the attempt number.
	Backoff time.Duration
}

// Handlers receive client events. Any of them may be nil. They run on the
// read goroutine.
type Handlers struct {
	OnReady      func()
	OnTranscript func(Transcript)
	OnError      func(error)
	// OnClosed is called once when the read loop ends; err is nil after Close.
	OnClosed func(err error)
	// OnWindowSent is only used by Stream; it counts windows sent so far.
	OnWindowSent func(sent int)
}

// Client is one streaming recognition session over a websocket.
type Client struct {
	cfg      Config
	handlers Handlers
	logger   *logging.Logger
	dialer   *websocket.Dialer

	state     atomic.Int32
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connectID string

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(cfg Config, handlers Handlers, logger *logging.Logger) *Client {
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.DefaultFormat
	}
	return &Client{
		cfg:       cfg,
		handlers:  handlers,
		logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		connectID: uuid.NewString(),
		done:      make(chan struct{}),
	}
}

func (c *Client) State() State { return State(c.state.Load()) }

// Ready reports whether audio may be sent.
func (c *Client) Ready() bool { return c.State() == StateReady }

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect dials the service and sends the configuration frame. The client
// becomes Ready asynchronously when the first server message arrives.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return platformerrors.New(platformerrors.KindTransport, "asr.connect",
			fmt.Sprintf("cannot connect from state %s", c.State()))
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.finish(nil, false)
		return err
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// Closed while dialing.
		_ = conn.Close()
		c.finish(nil, false)
		return platformerrors.New(platformerrors.KindTransport, "asr.connect", "client closed during connect")
	}

	frame, err := protocol.EncodeConfig(c.configPayload())
	if err == nil {
		err = c.write(frame)
	}
	if err != nil {
		_ = c.Close()
		c.finish(nil, false)
		return err
	}
	c.logger.DebugTag("ASR", "已发送配置帧, connect_id=%s", c.connectID)

	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{
		"X-Api-App-Key":     {c.cfg.AppID},
		"X-Api-Access-Key":  {c.cfg.AccessToken},
		"X-Api-Resource-Id": {c.cfg.ResourceID},
		"X-Api-Connect-Id":  {c.connectID},
	}

	var lastErr error
	for i := 0; i < c.cfg.DialAttempts; i++ {
		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
		if err == nil {
			c.logger.InfoTag("ASR", "连接语音识别服务成功")
			return conn, nil
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, platformerrors.WithCode(platformerrors.KindTransport, "asr.dial", resp.StatusCode,
				"API密钥或应用ID无效(401认证失败)", err)
		}
		lastErr = err

		if i < c.cfg.DialAttempts-1 {
			backoff := c.cfg.Backoff * time.Duration(i+1)
			c.logger.DebugTag("ASR", "WebSocket连接失败(尝试%d/%d): %v, 将在%v后重试", i+1, c.cfg.DialAttempts, err, backoff)
			select {
			case <-ctx.Done():
				return nil, platformerrors.Wrap(platformerrors.KindTransport, "asr.dial", "连接被取消", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return nil, platformerrors.Wrap(platformerrors.KindTransport, "asr.dial", "连接语音识别服务失败", lastErr)
}

func (c *Client) configPayload() map[string]any {
	return map[string]any{
		"user": map[string]any{
			"uid": c.connectID,
		},
		"audio": map[string]any{
			"format":   "wav",
			"rate":     c.cfg.Format.SampleRate,
			"bits":     c.cfg.Format.BitsPerSample,
			"channel":  c.cfg.Format.Channels,
			"language": c.cfg.Language,
		},
		"request": map[string]any{
			"model_name":      c.cfg.Model,
			"end_window_size": c.cfg.EndWindowSize,
			"enable_punc":     c.cfg.EnablePunc,
			"enable_itn":      c.cfg.EnableITN,
			"result_type":     "full",
			"show_utterances": true,
		},
	}
}

// SendAudioWindow sends one WAV-framed window. It fails with ErrNotReady
// unless the server has acknowledged the session.
func (c *Client) SendAudioWindow(w audio.Window) error {
	if !c.Ready() {
		return ErrNotReady
	}
	payload := w.WAV
	if payload == nil {
		payload = audio.EncodeWAV(w.PCM, c.cfg.Format)
	}
	frame, err := protocol.EncodeAudio(payload, w.IsLast)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotReady
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return platformerrors.Wrap(platformerrors.KindTransport, "asr.write", "发送数据失败", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	var closeErr error
	defer func() { c.finish(closeErr, true) }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			st := c.State()
			if st == StateClosing || st == StateClosed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			closeErr = platformerrors.Wrap(platformerrors.KindTransport, "asr.read", "读取识别结果失败", err)
			c.logger.WarnTag("ASR", "识别连接异常断开: %v", err)
			return
		}

		if c.state.CompareAndSwap(int32(StateOpen), int32(StateReady)) {
			c.logger.DebugTag("ASR", "服务端已确认会话")
			if c.handlers.OnReady != nil {
				c.handlers.OnReady()
			}
		}

		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		c.logger.WarnTag("ASR", "丢弃无法解析的帧: %v", err)
		return
	}
	if serverErr := frame.ServerErr(); serverErr != nil {
		c.logger.ErrorTag("ASR", "服务端错误: %v", serverErr)
		if c.handlers.OnError != nil {
			c.handlers.OnError(serverErr)
		}
		return
	}
	if frame.Type != protocol.ServerResponse || len(frame.Payload) == 0 {
		return
	}

	resp, err := protocol.DecodeResponse(frame)
	if err != nil {
		c.logger.WarnTag("ASR", "丢弃无法解析的识别结果: %v", err)
		return
	}
	t := Transcript{
		Text:     resp.Transcript(),
		Final:    frame.IsLast() || frame.Sequence < 0,
		Sequence: frame.Sequence,
	}
	if c.handlers.OnTranscript != nil {
		c.handlers.OnTranscript(t)
	}
}

// finish runs once per client. OnClosed is only reported for sessions whose
// read loop was started; Connect failures are returned to the caller instead.
func (c *Client) finish(err error, notify bool) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		if notify && c.handlers.OnClosed != nil {
			c.handlers.OnClosed(err)
		}
	})
}

// Close ends the session. It is safe to call in any state and more than once.
func (c *Client) Close() error {
	var prev State
	for {
		prev = c.State()
		if prev == StateClosing || prev == StateClosed {
			return nil
		}
		if c.state.CompareAndSwap(int32(prev), int32(StateClosing)) {
			break
		}
	}

	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		if prev == StateDisconnected {
			c.finish(nil, false)
		}
		// A dial in flight observes Closing and cleans up after itself.
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	c.state.Store(int32(StateClosed))
	return err
}
