package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platformerrors "voicecall-server-go/internal/platform/errors"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name: "config json gzip",
			frame: Frame{Type: ClientConfig, Serialization: SerializationJSON, Compression: CompressionGzip,
				Payload: []byte(`{"audio":{"rate":16000}}`)},
		},
		{
			name:  "audio chunk",
			frame: Frame{Type: ClientAudio, Compression: CompressionGzip, Payload: []byte{1, 2, 3, 4, 5}},
		},
		{
			name:  "last audio chunk",
			frame: Frame{Type: ClientAudio, Flags: FlagLastChunk, Compression: CompressionGzip, Payload: []byte{9, 9}},
		},
		{
			name:  "audio with sequence",
			frame: Frame{Type: ClientAudio, Flags: FlagSequence | FlagLastChunk, Sequence: -4, Compression: CompressionGzip, Payload: []byte{7}},
		},
		{
			name: "server response",
			frame: Frame{Type: ServerResponse, Flags: FlagSequence, Sequence: 12, Serialization: SerializationJSON,
				Compression: CompressionGzip, Payload: []byte(`{"result":{"text":"hi"}}`)},
		},
		{
			name:  "uncompressed empty payload",
			frame: Frame{Type: ClientAudio, Compression: CompressionNone, Payload: []byte{}},
		},
		{
			name:  "server error",
			frame: Frame{Type: ServerError, Code: 45000001, Payload: []byte("invalid request")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.frame)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)

			assert.Equal(t, tt.frame.Type, got.Type)
			assert.Equal(t, tt.frame.Flags, got.Flags)
			assert.Equal(t, tt.frame.IsLast(), got.IsLast())
			assert.Equal(t, tt.frame.Sequence, got.Sequence)
			assert.Equal(t, tt.frame.Code, got.Code)
			assert.Equal(t, string(tt.frame.Payload), string(got.Payload))
		})
	}
}

func TestEncode_HeaderLayout(t *testing.T) {
	data, err := EncodeAudio([]byte("pcm"), true)
	require.NoError(t, err)

	assert.Equal(t, byte(0x11), data[0], "version 1, one header unit")
	assert.Equal(t, byte(uint8(ClientAudio)<<4|FlagLastChunk), data[1])
	assert.Equal(t, byte(uint8(SerializationNone)<<4|uint8(CompressionGzip)), data[2])
	assert.Equal(t, byte(0), data[3])

	size := binary.BigEndian.Uint32(data[4:8])
	assert.Equal(t, len(data)-8, int(size))
}

func TestDecode_Malformed(t *testing.T) {
	valid, err := Encode(Frame{Type: ServerResponse, Sequence: 1, Serialization: SerializationJSON,
		Compression: CompressionGzip, Payload: []byte(`{"result":{"text":"x"}}`)})
	require.NoError(t, err)

	oversized := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(oversized[8:12], uint32(len(valid)))

	badGzip := []byte{0x11, 0x90, 0x11, 0x00, 0, 0, 0, 1, 0, 0, 0, 3, 'a', 'b', 'c'}

	tests := []struct {
		name string
		data []byte
		kind platformerrors.Kind
	}{
		{"empty", nil, platformerrors.KindFrameDecode},
		{"short header", []byte{0x11, 0x90}, platformerrors.KindFrameDecode},
		{"bad version", []byte{0x21, 0x90, 0x11, 0x00, 0, 0, 0, 0}, platformerrors.KindFrameDecode},
		{"header size beyond buffer", []byte{0x1F, 0x90, 0x11, 0x00}, platformerrors.KindFrameDecode},
		{"missing sequence", []byte{0x11, 0x90, 0x11, 0x00, 0, 0}, platformerrors.KindFrameDecode},
		{"truncated", valid[:len(valid)-3], platformerrors.KindFrameDecode},
		{"size exceeds buffer", oversized, platformerrors.KindFrameDecode},
		{"unknown type", []byte{0x11, 0x50, 0x00, 0x00, 0, 0, 0, 0}, platformerrors.KindFrameDecode},
		{"short error frame", []byte{0x11, 0xF0, 0x00, 0x00, 0, 0, 0, 1}, platformerrors.KindFrameDecode},
		{"bad gzip", badGzip, platformerrors.KindFrameCompression},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.data)
			assert.Nil(t, f)
			require.Error(t, err)
			assert.True(t, platformerrors.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestDecode_ServerError(t *testing.T) {
	data, err := Encode(Frame{Type: ServerError, Code: 45000081, Payload: []byte("会话超时")})
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)

	serverErr := f.ServerErr()
	require.Error(t, serverErr)
	assert.True(t, platformerrors.IsKind(serverErr, platformerrors.KindProtocolServer))
	assert.Equal(t, 45000081, platformerrors.CodeOf(serverErr))
	assert.Contains(t, serverErr.Error(), "会话超时")
}

func TestDecode_AckWithoutPayload(t *testing.T) {
	data := []byte{0x11, 0xB0, 0x00, 0x00, 0, 0, 0, 5}
	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ServerAck, f.Type)
	assert.Equal(t, int32(5), f.Sequence)
	assert.Empty(t, f.Payload)
	assert.NoError(t, f.ServerErr())
}

func TestDecodeResponse(t *testing.T) {
	t.Run("bad json", func(t *testing.T) {
		_, err := DecodeResponse(&Frame{Payload: []byte(`{"result":`)})
		require.Error(t, err)
		assert.True(t, platformerrors.IsKind(err, platformerrors.KindFrameDecode))
	})

	t.Run("empty payload", func(t *testing.T) {
		resp, err := DecodeResponse(&Frame{})
		require.NoError(t, err)
		assert.Equal(t, "", resp.Transcript())
	})
}

func TestResponse_Transcript(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{
			name: "plain text",
			resp: Response{Result: Result{Text: " what time is it "}},
			want: "what time is it",
		},
		{
			name: "utterances supersede text",
			resp: Response{Result: Result{
				Text: "stale",
				Utterances: []Utterance{
					{Text: "hello", Definite: true},
					{Text: "world", Definite: true},
				},
			}},
			want: "hello world",
		},
		{
			name: "trailing partial kept",
			resp: Response{Result: Result{Utterances: []Utterance{
				{Text: "first", Definite: true},
				{Text: "second in prog", Definite: false},
			}}},
			want: "first second in prog",
		},
		{
			name: "superseded partial dropped",
			resp: Response{Result: Result{Utterances: []Utterance{
				{Text: "draft", Definite: false},
				{Text: "final", Definite: true},
			}}},
			want: "final",
		},
		{
			name: "all partial",
			resp: Response{Result: Result{Utterances: []Utterance{
				{Text: "a"}, {Text: " "}, {Text: "b"},
			}}},
			want: "a b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.Transcript())
		})
	}
}
