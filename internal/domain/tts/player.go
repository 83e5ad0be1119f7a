package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"voicecall-server-go/internal/domain/audio"
)

// WAVFilePlayer "plays" audio by writing each utterance to a WAV file.
type WAVFilePlayer struct {
	dir string

	mu    sync.Mutex
	count int
	paths []string
}

func NewWAVFilePlayer(dir string) *WAVFilePlayer {
	return &WAVFilePlayer{dir: dir}
}

func (p *WAVFilePlayer) Play(ctx context.Context, pcm []byte, format audio.Format) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	p.mu.Lock()
	p.count++
	name := fmt.Sprintf("tts_%d_%03d.wav", time.Now().Unix(), p.count)
	p.mu.Unlock()

	path := filepath.Join(p.dir, name)
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, format), 0o644); err != nil {
		return err
	}

	p.mu.Lock()
	p.paths = append(p.paths, path)
	p.mu.Unlock()
	return nil
}

func (p *WAVFilePlayer) Stop() {}

// Paths lists the files written so far.
func (p *WAVFilePlayer) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}
