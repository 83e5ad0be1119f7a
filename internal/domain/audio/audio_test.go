package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAV_HeaderSizes(t *testing.T) {
	for _, l := range []int{0, 1, 2, 320, 32000, 44101} {
		pcm := make([]byte, l)
		out := EncodeWAV(pcm, DefaultFormat)

		require.Len(t, out, WAVHeaderSize+l)
		assert.Equal(t, uint32(36+l), binary.LittleEndian.Uint32(out[4:8]), "RIFF size for %d", l)
		assert.Equal(t, uint32(l), binary.LittleEndian.Uint32(out[40:44]), "data size for %d", l)

		h, err := ParseWAVHeader(out)
		require.NoError(t, err)
		assert.Equal(t, uint32(16000), h.SampleRate)
		assert.Equal(t, uint32(32000), h.ByteRate)
		assert.Equal(t, uint16(2), h.BlockAlign)
	}
}

func TestEncodeWAV_DecodableByGoAudio(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768, 42}
	out := EncodeWAV(PCM16(samples), DefaultFormat)

	dec := wav.NewDecoder(bytes.NewReader(out))
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)

	assert.Equal(t, 16000, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	assert.Equal(t, 16, buf.SourceBitDepth)
	got := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		got[i] = int16(v)
	}
	assert.Equal(t, samples, got)
}

func TestParseWAVHeader_Rejects(t *testing.T) {
	_, err := ParseWAVHeader(make([]byte, 10))
	assert.Error(t, err)

	bad := EncodeWAV([]byte{1, 2}, DefaultFormat)
	copy(bad[0:4], "RIFX")
	_, err = ParseWAVHeader(bad)
	assert.Error(t, err)
}

func TestAccumulator_WallClockWindows(t *testing.T) {
	var windows []Window
	acc := NewAccumulator(DefaultFormat, time.Second, func(w Window) { windows = append(windows, w) })

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	frame := []byte{1, 0, 2, 0}

	// Frames at irregular intervals: window boundary depends on time only.
	acc.OnFrame(Frame{PCM: frame, At: t0})
	acc.OnFrame(Frame{PCM: frame, At: t0.Add(300 * time.Millisecond)})
	acc.OnFrame(Frame{PCM: frame, At: t0.Add(999 * time.Millisecond)})
	require.Empty(t, windows)

	// The frame at the boundary closes the first window and opens the next.
	acc.OnFrame(Frame{PCM: frame, At: t0.Add(1000 * time.Millisecond)})
	require.Len(t, windows, 1)
	assert.Len(t, windows[0].PCM, 12)
	assert.Equal(t, 0, windows[0].Seq)
	assert.Equal(t, t0, windows[0].Start)
	assert.False(t, windows[0].IsLast)

	acc.OnFrame(Frame{PCM: frame, At: t0.Add(1500 * time.Millisecond)})
	acc.OnFrame(Frame{PCM: frame, At: t0.Add(2100 * time.Millisecond)})
	require.Len(t, windows, 2)
	assert.Len(t, windows[1].PCM, 8)
	assert.Equal(t, 1, windows[1].Seq)
	assert.Equal(t, t0.Add(time.Second), windows[1].Start)

	require.True(t, acc.Flush())
	require.Len(t, windows, 3)
	assert.True(t, windows[2].IsLast)
	assert.Len(t, windows[2].PCM, 4)
	assert.Equal(t, t0.Add(2100*time.Millisecond), windows[2].Start)

	for i, w := range windows {
		assert.Equal(t, i, w.Seq)
		assert.Len(t, w.WAV, WAVHeaderSize+len(w.PCM))
	}
}

func TestAccumulator_FlushEmpty(t *testing.T) {
	var windows []Window
	acc := NewAccumulator(DefaultFormat, time.Second, func(w Window) { windows = append(windows, w) })

	require.True(t, acc.Flush())
	require.Len(t, windows, 1)
	assert.True(t, windows[0].IsLast)
	assert.Empty(t, windows[0].PCM)
	assert.Len(t, windows[0].WAV, WAVHeaderSize)
}

func TestAccumulator_FlushPartial(t *testing.T) {
	var windows []Window
	acc := NewAccumulator(DefaultFormat, time.Second, func(w Window) { windows = append(windows, w) })

	t0 := time.Now()
	acc.OnFrame(Frame{PCM: []byte{1, 2, 3, 4}, At: t0})
	acc.OnFrame(Frame{PCM: []byte{5, 6}, At: t0.Add(200 * time.Millisecond)})

	require.True(t, acc.Flush())
	require.False(t, acc.Flush(), "second flush is a no-op")
	require.Len(t, windows, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, windows[0].PCM)
	assert.True(t, windows[0].IsLast)

	// Ignored after flush until reset.
	acc.OnFrame(Frame{PCM: []byte{7, 8}, At: t0.Add(2 * time.Second)})
	assert.Len(t, windows, 1)

	acc.Reset()
	acc.OnFrame(Frame{PCM: []byte{7, 8}, At: t0.Add(3 * time.Second)})
	require.True(t, acc.Flush())
	require.Len(t, windows, 2)
	assert.Equal(t, 0, windows[1].Seq)
	assert.Equal(t, []byte{7, 8}, windows[1].PCM)
}

func TestAccumulator_CopiesFrames(t *testing.T) {
	var got Window
	acc := NewAccumulator(DefaultFormat, time.Second, func(w Window) { got = w })

	buf := []byte{1, 2}
	acc.OnFrame(Frame{PCM: buf, At: time.Now()})
	buf[0] = 99
	acc.Flush()

	assert.Equal(t, []byte{1, 2}, got.PCM)
}

func TestRMSAndLevel(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.Equal(t, 0.0, RMS(PCM16([]int16{0, 0, 0})))
	assert.InDelta(t, 0.5, RMS(PCM16([]int16{16384, -16384})), 1e-9)

	acc := NewAccumulator(DefaultFormat, time.Second, nil)
	acc.OnFrame(Frame{PCM: PCM16([]int16{16384, -16384}), At: time.Now()})
	assert.InDelta(t, 0.5, acc.Level(), 1e-9)

	assert.Equal(t, []int16{1, -2, 300}, Samples16(PCM16([]int16{1, -2, 300})))
	assert.Equal(t, 3200, DefaultFormat.BytesFor(0.1))
}
