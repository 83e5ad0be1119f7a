package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	platformerrors "voicecall-server-go/internal/platform/errors"
	"voicecall-server-go/internal/platform/logging"
)

// IsTransient reports whether a failed inference is worth repeating:
// timeouts, network failures and 408/429/5xx responses. Caller cancellation
// and other 4xx responses are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch code := platformerrors.CodeOf(err); {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return true
	case code != 0:
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type retrying struct {
	inner    Inferencer
	attempts int
	timeout  time.Duration
	logger   *logging.Logger
	onRetry  func(attempt int, err error)
}

// RetryOption customises WithRetry.
type RetryOption func(*retrying)

// OnRetry registers fn to run before every repeated attempt.
func OnRetry(fn func(attempt int, err error)) RetryOption {
	return func(r *retrying) { r.onRetry = fn }
}

// WithRetry repeats transient failures with the identical payload, up to
// attempts calls in total. Each call gets its own timeout when timeout > 0.
//
// Deltas reach onDelta at most once: a repeated attempt is forwarded only
// past the text earlier attempts already delivered. A repeat that disagrees
// with that text is abandoned with ErrRetryDiverged, so the concatenated
// deltas always equal the returned reply.
func WithRetry(inner Inferencer, attempts int, timeout time.Duration, logger *logging.Logger, opts ...RetryOption) Inferencer {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &retrying{inner: inner, attempts: attempts, timeout: timeout, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrRetryDiverged reports a repeated attempt whose text contradicts deltas
// that were already delivered.
var ErrRetryDiverged = platformerrors.New(platformerrors.KindInference, "llm.retry", "重试结果与已输出内容不一致")

// deltaSink forwards deltas across attempts without repeating text.
type deltaSink struct {
	out      DeltaFunc
	sent     string
	cur      strings.Builder
	diverged bool
	cancel   context.CancelFunc
}

func (d *deltaSink) begin(cancel context.CancelFunc) {
	d.cur.Reset()
	d.diverged = false
	d.cancel = cancel
}

func (d *deltaSink) deliver(delta string) {
	if d.diverged {
		return
	}
	d.cur.WriteString(delta)
	cur := d.cur.String()
	switch {
	case len(cur) <= len(d.sent):
		if !strings.HasPrefix(d.sent, cur) {
			d.diverge()
		}
	case strings.HasPrefix(cur, d.sent):
		d.out(cur[len(d.sent):])
		d.sent = cur
	default:
		d.diverge()
	}
}

func (d *deltaSink) diverge() {
	d.diverged = true
	d.cancel()
}

// complete reports whether the finished attempt covered everything sent.
func (d *deltaSink) complete() bool {
	return !d.diverged && d.cur.Len() >= len(d.sent)
}

func (r *retrying) Infer(ctx context.Context, messages []Message, onDelta DeltaFunc) (string, error) {
	var sink *deltaSink
	if onDelta != nil {
		sink = &deltaSink{out: onDelta}
	}
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		var (
			attemptCtx context.Context
			cancel     context.CancelFunc
		)
		if r.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
		} else {
			attemptCtx, cancel = context.WithCancel(ctx)
		}
		var deliver DeltaFunc
		if sink != nil {
			sink.begin(cancel)
			deliver = sink.deliver
		}
		text, err := r.inner.Infer(attemptCtx, messages, deliver)
		cancel()
		if sink != nil && (sink.diverged || (err == nil && !sink.complete())) {
			r.logger.WarnTag("LLM", "第 %d 次尝试与已输出内容不一致，放弃重试 (上次错误: %v)", attempt, lastErr)
			return "", ErrRetryDiverged
		}
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) || attempt == r.attempts {
			break
		}
		r.logger.WarnTag("LLM", "推理失败，第 %d 次重试: %v", attempt, err)
		if r.onRetry != nil {
			r.onRetry(attempt, err)
		}
	}
	if !platformerrors.IsKind(lastErr, platformerrors.KindInference) {
		lastErr = platformerrors.Wrap(platformerrors.KindInference, "llm.infer", "推理失败", lastErr)
	}
	return "", lastErr
}
