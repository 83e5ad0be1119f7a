// Package protocol implements the binary framing used on the streaming
// transcription socket: a 4-byte header, optional fixed-offset fields, a
// big-endian uint32 payload size and a (usually gzip-compressed) payload.
package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/sonic"

	platformerrors "voicecall-server-go/internal/platform/errors"
)

type MessageType uint8

const (
	ClientConfig   MessageType = 0x1
	ClientAudio    MessageType = 0x2
	ServerResponse MessageType = 0x9
	ServerAck      MessageType = 0xB
	ServerError    MessageType = 0xF
)

func (t MessageType) String() string {
	switch t {
	case ClientConfig:
		return "client-config"
	case ClientAudio:
		return "client-audio"
	case ServerResponse:
		return "server-response"
	case ServerAck:
		return "server-ack"
	case ServerError:
		return "server-error"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint8(t))
	}
}

// Message flags (low nibble of byte1).
const (
	FlagSequence  uint8 = 0x1 // client frames: a sequence number follows the header
	FlagLastChunk uint8 = 0x2 // final audio chunk / final server result
)

type Serialization uint8

const (
	SerializationNone Serialization = 0x0
	SerializationJSON Serialization = 0x1
)

type Compression uint8

const (
	CompressionNone Compression = 0x0
	CompressionGzip Compression = 0x1
)

const (
	Version     = 0x1
	headerUnits = 0x1
	headerLen   = 4

	// MaxPayloadSize bounds a single decoded payload.
	MaxPayloadSize = 16 << 20
)

// Frame is one message on the transcription socket. Payload is always the
// uncompressed body; compression is applied by Encode and removed by Decode.
type Frame struct {
	Version       uint8
	Type          MessageType
	Flags         uint8
	Serialization Serialization
	Compression   Compression
	// Sequence is present on server-response and server-ack frames and on
	// client frames carrying FlagSequence.
	Sequence int32
	// Code is the server error code of a ServerError frame.
	Code    uint32
	Payload []byte
}

// IsLast reports whether the frame carries the last-chunk flag.
func (f *Frame) IsLast() bool {
	return f.Flags&FlagLastChunk != 0
}

func (f *Frame) hasSequence() bool {
	switch f.Type {
	case ServerResponse, ServerAck:
		return true
	case ClientConfig, ClientAudio:
		return f.Flags&FlagSequence != 0
	}
	return false
}

// ServerErr returns the decoded server error for a ServerError frame, nil otherwise.
func (f *Frame) ServerErr() error {
	if f.Type != ServerError {
		return nil
	}
	return platformerrors.WithCode(platformerrors.KindProtocolServer, "protocol.server_error",
		int(f.Code), string(f.Payload), nil)
}

// Encode serializes f. Error frames always carry an uncompressed message.
func Encode(f Frame) ([]byte, error) {
	if f.Type == 0 || f.Type > 0xF {
		return nil, platformerrors.New(platformerrors.KindFrameDecode, "protocol.encode",
			fmt.Sprintf("invalid message type %d", f.Type))
	}
	if f.Flags > 0xF {
		return nil, platformerrors.New(platformerrors.KindFrameDecode, "protocol.encode",
			fmt.Sprintf("invalid flags 0x%x", f.Flags))
	}

	compression := f.Compression
	if f.Type == ServerError {
		compression = CompressionNone
	}
	payload := f.Payload
	if compression == CompressionGzip {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindFrameCompression, "protocol.gzip", "压缩负载失败", err)
		}
		payload = compressed
	}
	if len(payload) > MaxPayloadSize {
		return nil, platformerrors.New(platformerrors.KindFrameDecode, "protocol.encode",
			fmt.Sprintf("payload of %d bytes exceeds limit", len(payload)))
	}

	buf := make([]byte, 0, headerLen+12+len(payload))
	buf = append(buf,
		Version<<4|headerUnits,
		uint8(f.Type)<<4|f.Flags,
		uint8(f.Serialization)<<4|uint8(compression),
		0x00,
	)
	if f.Type == ServerError {
		buf = binary.BigEndian.AppendUint32(buf, f.Code)
	} else if f.hasSequence() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.Sequence))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// Decode parses a frame. Length and layout problems return a frame_decode
// error, gzip failures a frame_compression error. Neither is fatal to the
// connection; callers drop the frame and keep reading.
func Decode(data []byte) (*Frame, error) {
	if len(data) < headerLen {
		return nil, decodeErr("frame shorter than header: %d bytes", len(data))
	}
	f := &Frame{
		Version:       data[0] >> 4,
		Type:          MessageType(data[1] >> 4),
		Flags:         data[1] & 0x0F,
		Serialization: Serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0F),
	}
	if f.Version != Version {
		return nil, decodeErr("unsupported protocol version %d", f.Version)
	}
	hs := int(data[0]&0x0F) * 4
	if hs < headerLen || hs > len(data) {
		return nil, decodeErr("invalid header size %d for %d byte frame", hs, len(data))
	}
	body := data[hs:]

	switch f.Type {
	case ServerError:
		if len(body) < 8 {
			return nil, decodeErr("error frame too short: %d bytes", len(body))
		}
		f.Code = binary.BigEndian.Uint32(body[:4])
		msg, err := sized(body[4:])
		if err != nil {
			return nil, err
		}
		if f.Compression == CompressionGzip && isGzip(msg) {
			if msg, err = gunzip(msg); err != nil {
				return nil, err
			}
		}
		f.Payload = msg
		return f, nil

	case ServerResponse, ServerAck, ClientConfig, ClientAudio:
		if f.hasSequence() {
			if len(body) < 4 {
				return nil, decodeErr("%s frame missing sequence", f.Type)
			}
			f.Sequence = int32(binary.BigEndian.Uint32(body[:4]))
			body = body[4:]
		}
		// An ack may end right after its sequence number.
		if f.Type == ServerAck && len(body) == 0 {
			return f, nil
		}
		payload, err := sized(body)
		if err != nil {
			return nil, err
		}
		if f.Compression == CompressionGzip && len(payload) > 0 {
			if payload, err = gunzip(payload); err != nil {
				return nil, err
			}
		}
		f.Payload = payload
		return f, nil

	default:
		return nil, decodeErr("unknown message type 0x%x", uint8(f.Type))
	}
}

// sized reads a uint32 length followed by that many bytes.
func sized(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, decodeErr("missing payload size")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if n > MaxPayloadSize {
		return nil, decodeErr("payload size %d exceeds limit", n)
	}
	if int(n) > len(b)-4 {
		return nil, decodeErr("payload size %d exceeds remaining %d bytes", n, len(b)-4)
	}
	return b[4 : 4+int(n)], nil
}

func decodeErr(format string, args ...any) error {
	return platformerrors.New(platformerrors.KindFrameDecode, "protocol.decode", fmt.Sprintf(format, args...))
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindFrameCompression, "protocol.gunzip", "解压负载失败", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, MaxPayloadSize+1))
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindFrameCompression, "protocol.gunzip", "读取解压数据失败", err)
	}
	if len(out) > MaxPayloadSize {
		return nil, platformerrors.New(platformerrors.KindFrameCompression, "protocol.gunzip", "解压后负载过大")
	}
	return out, nil
}

// EncodeConfig builds the gzip-compressed JSON configuration frame.
func EncodeConfig(v any) ([]byte, error) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindFrameDecode, "protocol.encode_json", "序列化配置失败", err)
	}
	return Encode(Frame{
		Type:          ClientConfig,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
		Payload:       payload,
	})
}

// EncodeAudio builds a gzip-compressed audio frame.
func EncodeAudio(audio []byte, isLast bool) ([]byte, error) {
	var flags uint8
	if isLast {
		flags = FlagLastChunk
	}
	return Encode(Frame{
		Type:          ClientAudio,
		Flags:         flags,
		Serialization: SerializationNone,
		Compression:   CompressionGzip,
		Payload:       audio,
	})
}
