package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicecall-server-go/internal/platform/errors"
)

const writeWait = 5 * time.Second

// Connection is the device socket of one call. gorilla allows one writer at a
// time, so every write takes mu. Only inbound frames count as activity: a
// device that stopped talking to us is idle even while we stream TTS to it.
type Connection struct {
	id       string
	socket   *websocket.Conn
	mu       sync.Mutex
	closed   atomic.Bool
	lastRead atomic.Int64
}

func NewConnection(id string, socket *websocket.Conn) *Connection {
	c := &Connection{id: id, socket: socket}
	c.lastRead.Store(time.Now().UnixNano())
	return c
}

// WriteMessage sends one frame with a write deadline.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errors.New(errors.KindTransport, "ws.write", "connection "+c.id+" closed")
	}
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.socket.WriteMessage(messageType, data); err != nil {
		return errors.Wrap(errors.KindTransport, "ws.write", "write failed", err)
	}
	return nil
}

// WriteJSON sends v as a text frame.
func (c *Connection) WriteJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.KindFrameDecode, "ws.encode", "failed to encode event", err)
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage blocks for the next device frame: PCM16 audio when binary, a
// control message when text.
func (c *Connection) ReadMessage() (int, []byte, error) {
	messageType, payload, err := c.socket.ReadMessage()
	if err == nil {
		c.lastRead.Store(time.Now().UnixNano())
	}
	return messageType, payload, err
}

// Close sends a normal close frame, then closes the socket. Repeated calls
// are no-ops.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.socket.Close()
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) IsClosed() bool { return c.closed.Load() }

// IsStale reports whether the device has sent nothing for longer than timeout.
func (c *Connection) IsStale(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return time.Since(time.Unix(0, c.lastRead.Load())) > timeout
}
