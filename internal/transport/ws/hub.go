package ws

import (
	"sync"

	"voicecall-server-go/internal/platform/logging"
)

// Hub tracks the active call sessions for a transport instance.
type Hub struct {
	logger   *logging.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub builds a fresh session hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Register adds a new session to the hub.
func (h *Hub) Register(session *Session) {
	if session == nil {
		return
	}
	h.mu.Lock()
	h.sessions[session.ID()] = session
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.DebugTag("WebSocket", "会话 %s 已注册，当前 %d 个", session.ID(), n)
}

// Unregister removes the session from the hub.
func (h *Hub) Unregister(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// CloseAll terminates all active sessions.
func (h *Hub) CloseAll(reason error) {
	if reason == nil {
		reason = ErrServerShutdown
	}

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		sessions = append(sessions, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(reason)
		}(s)
	}
	wg.Wait()
}

// Count returns the number of active calls.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
