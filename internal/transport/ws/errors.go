package ws

import "voicecall-server-go/internal/platform/errors"

// Close causes for a call connection. All of them are transport errors, so
// errors.KindOf reports them uniformly in logs and events.
var (
	ErrHandshakeTimeout = errors.New(errors.KindTransport, "ws.upgrade", "handshake timed out")
	ErrServerShutdown   = errors.New(errors.KindTransport, "ws.shutdown", "server shutting down")
	ErrClientGone       = errors.New(errors.KindTransport, "ws.read", "client disconnected")
	ErrCallIdle         = errors.New(errors.KindTransport, "ws.idle", "no client activity")
	// ErrPlaybackAborted is returned by Play when playback was stopped or the
	// connection closed before the device acknowledged it.
	ErrPlaybackAborted = errors.New(errors.KindTransport, "ws.playback", "playback aborted")
)
