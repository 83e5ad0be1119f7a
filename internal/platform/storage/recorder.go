package storage

import (
	"context"
	"time"

	"voicecall-server-go/internal/platform/logging"
	"voicecall-server-go/internal/platform/work"
)

type callOp struct {
	finish    bool
	sessionID string
	at        time.Time
	turns     int
	failures  int
	reason    string
}

// AsyncRecorder moves call record writes off the call goroutine. Writes for
// all sessions go through one worker, so a Finish never overtakes its Start.
type AsyncRecorder struct {
	repo   *CallRepository
	queue  *work.Queue[callOp]
	logger *logging.Logger
}

func NewAsyncRecorder(repo *CallRepository, logger *logging.Logger) *AsyncRecorder {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &AsyncRecorder{repo: repo, logger: logger}
	r.queue = work.NewQueue(work.Config{
		Buffer:     256,
		MaxRetries: 2,
		Backoff:    200 * time.Millisecond,
	}, r.apply, func(op callOp, err error) {
		r.logger.ErrorTag("存储", "通话记录写入失败 session=%s: %v", op.sessionID, err)
	})
	return r
}

func (r *AsyncRecorder) apply(ctx context.Context, op callOp) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if op.finish {
		return r.repo.Finish(ctx, op.sessionID, op.at, op.turns, op.failures, op.reason)
	}
	return r.repo.Start(ctx, op.sessionID, op.at)
}

func (r *AsyncRecorder) Start(_ context.Context, sessionID string, at time.Time) error {
	return r.queue.Submit(callOp{sessionID: sessionID, at: at})
}

func (r *AsyncRecorder) Finish(_ context.Context, sessionID string, at time.Time, turns, failures int, reason string) error {
	return r.queue.Submit(callOp{
		finish:    true,
		sessionID: sessionID,
		at:        at,
		turns:     turns,
		failures:  failures,
		reason:    reason,
	})
}

// Close flushes queued writes.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	return r.queue.Stop(ctx)
}
