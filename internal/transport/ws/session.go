package ws

import (
	"context"
	"sync/atomic"
	"time"

	"voicecall-server-go/internal/platform/logging"
)

const defaultCloseTimeout = 5 * time.Second

// SessionHandler drives one upgraded connection. Handle returns when the
// call is over; Close must make a running Handle return.
type SessionHandler interface {
	Handle(ctx context.Context) error
	Close()
	ID() string
}

// Session is one call as seen by the hub: the handler running it, the socket
// underneath and an optional idle watchdog.
type Session struct {
	id      string
	handler SessionHandler
	conn    *Connection
	logger  *logging.Logger
	idle    time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc

	closed atomic.Bool
}

// NewSession wraps handler. With idle > 0 the call is closed with ErrCallIdle
// once the device has sent nothing for that long.
func NewSession(parent context.Context, handler SessionHandler, conn *Connection, idle time.Duration, logger *logging.Logger) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		id:      handler.ID(),
		handler: handler,
		conn:    conn,
		logger:  logger,
		idle:    idle,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) ID() string { return s.id }

// Run blocks until the handler returns, then tears the call down and reports
// the handler error to onDone.
func (s *Session) Run(onDone func(error)) {
	if s.idle > 0 && s.conn != nil {
		go s.watchIdle()
	}
	err := s.handler.Handle(s.ctx)
	s.Close(ErrClientGone)
	if onDone != nil {
		onDone(err)
	}
}

func (s *Session) watchIdle() {
	interval := s.idle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.conn.IsStale(s.idle) {
				s.logger.InfoTag("WebSocket", "会话 %s 空闲超过 %v，关闭通话", s.id, s.idle)
				s.Close(ErrCallIdle)
				return
			}
		}
	}
}

// Close ends the call once. The handler gets defaultCloseTimeout to stop
// before the socket is closed underneath it.
func (s *Session) Close(reason error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if reason == nil {
		reason = ErrServerShutdown
	}
	s.cancel(reason)

	done := make(chan struct{})
	go func() {
		s.handler.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaultCloseTimeout):
		s.logger.WarnTag("WebSocket", "会话 %s 关闭超时: %v", s.id, reason)
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.DebugTag("WebSocket", "会话 %s 关闭连接: %v", s.id, err)
		}
	}
}
