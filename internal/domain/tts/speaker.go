package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"
	"github.com/wujunwei928/edge-tts-go/edge_tts"

	"voicecall-server-go/internal/domain/audio"
	"voicecall-server-go/internal/platform/logging"
)

// Speaker turns text into audible speech. Speak returns once playback has
// finished, or with an error when synthesis or playback fails.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Stop()
}

// Player renders PCM16 audio. Play blocks until the audio has been played.
type Player interface {
	Play(ctx context.Context, pcm []byte, format audio.Format) error
	Stop()
}

// SynthesizeFunc returns MP3 audio for text.
type SynthesizeFunc func(ctx context.Context, text, voice string) ([]byte, error)

// DecodeFunc turns encoded audio into mono PCM16.
type DecodeFunc func(data []byte) ([]byte, audio.Format, error)

// EdgeSpeaker synthesizes with Edge TTS and plays the decoded PCM.
type EdgeSpeaker struct {
	voice  string
	player Player
	logger *logging.Logger

	synthesize SynthesizeFunc
	decode     DecodeFunc

	mu     sync.Mutex
	cancel context.CancelFunc
}

type Option func(*EdgeSpeaker)

// WithSynthesizer replaces the Edge TTS call.
func WithSynthesizer(fn SynthesizeFunc) Option {
	return func(s *EdgeSpeaker) { s.synthesize = fn }
}

// WithDecoder replaces MP3 decoding.
func WithDecoder(fn DecodeFunc) Option {
	return func(s *EdgeSpeaker) { s.decode = fn }
}

func NewEdgeSpeaker(voice string, player Player, logger *logging.Logger, opts ...Option) *EdgeSpeaker {
	if voice == "" {
		voice = "zh-CN-XiaoxiaoNeural"
	}
	s := &EdgeSpeaker{
		voice:      voice,
		player:     player,
		logger:     logger,
		synthesize: edgeSynthesize,
		decode:     DecodeMP3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EdgeSpeaker) Speak(ctx context.Context, text string) error {
	text = CleanText(text)
	if text == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	start := time.Now()
	encoded, err := s.synthesize(ctx, text, s.voice)
	if err != nil {
		s.logger.ErrorTag("TTS", "语音合成失败: %v", err)
		return err
	}
	pcm, format, err := s.decode(encoded)
	if err != nil {
		return fmt.Errorf("decode speech: %w", err)
	}
	s.logger.DebugTag("TTS", "语音合成耗时: %v, 文本长度: %d", time.Since(start), len(text))

	if err := ctx.Err(); err != nil {
		return err
	}
	return s.player.Play(ctx, pcm, format)
}

// Stop cancels synthesis and playback in progress. Safe when idle.
func (s *EdgeSpeaker) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	if s.player != nil {
		s.player.Stop()
	}
}

func edgeSynthesize(ctx context.Context, text, voice string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := edge_tts.NewCommunicate(text, edge_tts.SetVoice(voice))
		if err != nil {
			done <- result{err: fmt.Errorf("failed to create Edge TTS communicator: %w", err)}
			return
		}
		data, err := conn.Stream()
		if err != nil {
			err = fmt.Errorf("edge TTS synthesis failed: %w", err)
		}
		done <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.data, r.err
	}
}

// DecodeMP3 decodes MP3 into mono PCM16 at the stream's sample rate.
func DecodeMP3(data []byte) ([]byte, audio.Format, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, audio.Format{}, err
	}
	stereo, err := io.ReadAll(dec)
	if err != nil {
		return nil, audio.Format{}, err
	}
	format := audio.Format{SampleRate: dec.SampleRate(), Channels: 1, BitsPerSample: 16}
	return DownmixStereo(stereo), format, nil
}

// DownmixStereo averages interleaved 16-bit stereo frames into mono.
func DownmixStereo(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}
