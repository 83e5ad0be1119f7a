package errors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type wrapper struct{ err error }

func (w wrapper) Error() string { return "outer: " + w.err.Error() }
func (w wrapper) Unwrap() error { return w.err }

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with cause",
			err:  Wrap(KindTransport, "asr.read", "read failed", io.ErrUnexpectedEOF),
			want: "[transport:asr.read] read failed: unexpected EOF",
		},
		{
			name: "without cause",
			err:  New(KindDomain, "chat.validate", "empty content"),
			want: "[domain:chat.validate] empty content",
		},
		{
			name: "with code",
			err:  WithCode(KindInference, "llm.stream", 503, "upstream unavailable", nil),
			want: "[inference:llm.stream:503] upstream unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	wrapped := Wrap(KindTransport, "asr.dial", "dial failed", io.EOF)
	assert.ErrorIs(t, wrapped, io.EOF)

	inner := New(KindFrameCompression, "protocol.gunzip", "bad gzip")
	outer := Wrap(KindTransport, "asr.read", "read failed", wrapper{inner})
	assert.Same(t, inner, outer, "the innermost classification wins")

	assert.Nil(t, Wrap(KindTransport, "noop", "nil", nil))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"typed", New(KindCapture, "mic.start", "denied"), KindCapture},
		{"wrapped by another error", wrapper{New(KindProtocolServer, "asr.server", "x")}, KindProtocolServer},
		{"plain", errors.New("plain"), KindUnknown},
		{"nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.kind != KindUnknown, IsKind(tt.err, tt.kind))
		})
	}
	assert.False(t, IsKind(New(KindCapture, "mic", "x"), KindTransport))
}

func TestCodeOf(t *testing.T) {
	err := wrapper{WithCode(KindProtocolServer, "asr.server", 45000001, "invalid params", nil)}
	assert.Equal(t, 45000001, CodeOf(err))
	assert.Zero(t, CodeOf(errors.New("plain")))
	assert.Zero(t, CodeOf(New(KindDomain, "x", "no code")))
}

func TestSentinelIdentity(t *testing.T) {
	sentinel := New(KindTransport, "ws.idle", "no client activity")
	assert.True(t, Is(wrapper{sentinel}, sentinel))

	var target *Error
	assert.True(t, As(wrapper{sentinel}, &target))
	assert.Equal(t, "ws.idle", target.Op)
}
