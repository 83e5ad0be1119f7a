package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const WAVHeaderSize = 44

// Format describes raw little-endian PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 16 kHz mono 16-bit, what the transcription service expects.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func (f Format) BlockAlign() int { return f.Channels * f.BitsPerSample / 8 }

func (f Format) ByteRate() int { return f.SampleRate * f.BlockAlign() }

// BytesFor returns the block-aligned byte count of the given duration.
func (f Format) BytesFor(seconds float64) int {
	n := int(float64(f.ByteRate()) * seconds)
	if align := f.BlockAlign(); align > 0 {
		n -= n % align
	}
	return n
}

// WAVHeader is the canonical 44-byte PCM header.
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data size
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // data size
}

func newWAVHeader(dataSize int, f Format) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.BlockAlign()),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}
}

// EncodeWAV wraps pcm in a 44-byte header. The result is always 44+len(pcm) bytes.
func EncodeWAV(pcm []byte, f Format) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	// Writing a fixed-size struct into a bytes.Buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, newWAVHeader(len(pcm), f))
	buf.Write(pcm)
	return buf.Bytes()
}

// ParseWAVHeader reads and validates a canonical header.
func ParseWAVHeader(data []byte) (*WAVHeader, error) {
	if len(data) < WAVHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}
	var h WAVHeader
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE container")
	}
	if string(h.Subchunk1ID[:]) != "fmt " || string(h.Subchunk2ID[:]) != "data" {
		return nil, fmt.Errorf("non-canonical WAV layout")
	}
	if h.AudioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format %d", h.AudioFormat)
	}
	return &h, nil
}
