package ws

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicecall-server-go/internal/platform/logging"
	"voicecall-server-go/internal/platform/observability"
)

// HandlerBuilder creates a session handler for an upgraded websocket connection.
type HandlerBuilder func(ctx context.Context, conn *Connection, req *http.Request) (SessionHandler, error)

// Router is responsible for upgrading HTTP connections to websocket sessions.
type Router struct {
	hub     *Hub
	logger  *logging.Logger
	metrics *observability.Metrics

	upgrader         *websocket.Upgrader
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	authorize        func(*http.Request) error
	builder          atomic.Value // HandlerBuilder
}

// RouterOptions configures the websocket router.
type RouterOptions struct {
	HandshakeTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
	// Authorize rejects the upgrade when it returns an error.
	Authorize func(r *http.Request) error
	// IdleTimeout closes calls whose device sent nothing for that long. 0 disables it.
	IdleTimeout time.Duration
	Metrics     *observability.Metrics
}

// NewRouter constructs a websocket router.
func NewRouter(hub *Hub, logger *logging.Logger, opts RouterOptions) *Router {
	upgrader := &websocket.Upgrader{
		CheckOrigin:     opts.CheckOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	upgrader.HandshakeTimeout = timeout

	return &Router{
		hub:              hub,
		logger:           logger,
		metrics:          opts.Metrics,
		upgrader:         upgrader,
		handshakeTimeout: timeout,
		idleTimeout:      opts.IdleTimeout,
		authorize:        opts.Authorize,
	}
}

// SetHandlerBuilder registers the handler builder that will be invoked after a successful upgrade.
func (r *Router) SetHandlerBuilder(builder HandlerBuilder) {
	r.builder.Store(builder)
}

// ServeHTTP upgrades the HTTP connection and launches a new call session.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	value := r.builder.Load()
	if value == nil {
		http.Error(w, "websocket handler not ready", http.StatusServiceUnavailable)
		return
	}
	builder := value.(HandlerBuilder)

	if r.authorize != nil {
		if err := r.authorize(req); err != nil {
			r.logger.WarnTag("WebSocket", "鉴权失败 %s: %v", req.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	handshakeCtx, cancel := context.WithTimeoutCause(req.Context(), r.handshakeTimeout, ErrHandshakeTimeout)
	defer cancel()

	_, spanEnd := observability.StartSpan(handshakeCtx, "transport.websocket", "upgrade")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	spanEnd(err)
	if err != nil {
		r.metrics.FrameDropped("upgrade")
		r.logger.ErrorTag("WebSocket", "握手失败: %v", err)
		return
	}

	sessionID := resolveSessionID(req)
	r.logger.InfoTag("WebSocket", "建立连接 session=%s remote=%s", sessionID, req.RemoteAddr)
	wsConn := NewConnection(sessionID, conn)

	// the request context ends with the handler; sessions outlive it
	sessionCtx := observability.WithSession(context.WithoutCancel(req.Context()), sessionID)
	handler, err := builder(sessionCtx, wsConn, req)
	if err != nil || handler == nil {
		r.logger.ErrorTag("WebSocket", "创建会话失败: %v", err)
		_ = wsConn.Close()
		return
	}

	session := NewSession(sessionCtx, handler, wsConn, r.idleTimeout, r.logger)
	r.hub.Register(session)

	go session.Run(func(runErr error) {
		r.hub.Unregister(session.ID())
		if runErr != nil {
			r.logger.WarnTag("WebSocket", "会话 %s 异常结束: %v", session.ID(), runErr)
		} else {
			r.logger.InfoTag("WebSocket", "会话 %s 已关闭", session.ID())
		}
	})
}

// resolveSessionID honours a client supplied Session-Id so reconnects share
// history; otherwise a fresh uuid is issued.
func resolveSessionID(req *http.Request) string {
	id := req.Header.Get("Session-Id")
	if id == "" {
		id = req.URL.Query().Get("session-id")
	}
	if _, err := uuid.Parse(id); err != nil {
		return uuid.NewString()
	}
	return id
}
