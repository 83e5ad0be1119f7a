package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Collectors(t *testing.T) {
	m := NewMetrics()
	m.CallStarted()
	m.CallStarted()
	m.CallEnded()
	m.Transition("listening", "processing")
	m.TurnCompleted(1500 * time.Millisecond)
	m.Failure("inference")
	m.FrameDropped("frame_decode")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveCalls))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("listening", "processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("inference")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "voicecall_turns_total 1")
	assert.Contains(t, string(body), `voicecall_frames_dropped_total{reason="frame_decode"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CallStarted()
		m.CallEnded()
		m.Transition("a", "b")
		m.TurnCompleted(time.Second)
		m.Failure("x")
		m.Retry()
		m.WindowSent()
		m.FrameDropped("x")
		m.HTTPRequest("/", "200", time.Millisecond)
	})
	assert.Nil(t, m.Registry())
}

func TestSetup_SpansAndMetrics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	metrics, shutdown, err := Setup(context.Background(), Config{Tracing: true}, logger)
	require.NoError(t, err)
	require.NotNil(t, metrics)
	assert.True(t, Tracing())

	ctx := WithSession(context.Background(), "s1")
	_, end := StartSpan(ctx, "llm", "infer")
	end(errors.New("boom"))
	_, end = StartSpan(ctx, "asr", "connect")
	end(nil)

	out := buf.String()
	assert.Contains(t, out, "span end")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "session=s1")
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.StageDuration))

	require.NoError(t, shutdown(context.Background()))
	assert.False(t, Tracing())
}

func TestSetup_MetricsWithoutTracing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	metrics, shutdown, err := Setup(context.Background(), Config{}, logger)
	require.NoError(t, err)
	defer shutdown(context.Background())
	require.NotNil(t, metrics)
	assert.False(t, Tracing())

	_, end := StartSpan(context.Background(), "tts", "speak")
	end(nil)
	assert.NotContains(t, buf.String(), "span")

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(),
		`voicecall_stage_duration_seconds_count{component="tts",operation="speak",outcome="ok"} 1`)
}
