// live-transcribe streams a WAV file to the transcription service in 100 ms
// frames and prints partial and final transcripts as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"voicecall-server-go/internal/domain/asr"
	"voicecall-server-go/internal/domain/audio"
	platformconfig "voicecall-server-go/internal/platform/config"
	"voicecall-server-go/internal/platform/logging"
)

var (
	configPath = flag.String("c", "", "the config path")
	input      = flag.String("i", "", "the input wav path")
	frame      = flag.Duration("f", 100*time.Millisecond, "the frame duration")
	realtime   = flag.Bool("r", true, "pace frames in real time")
	logLevel   = flag.String("l", "info", "the log level")
	wait       = flag.Duration("w", 15*time.Second, "how long to wait for the final transcript")
)

func main() {
	flag.Parse()
	if *input == "" {
		fmt.Fprintln(os.Stderr, "use -i to indicate the input path")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "live-transcribe failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger, err := logging.New(logging.Config{Level: *logLevel})
	if err != nil {
		return err
	}
	defer logger.Close()

	result, err := platformconfig.NewLoader().WithPath(*configPath).Load()
	if err != nil {
		return err
	}
	cfg := result.Config

	pcm, format, err := readWAV(*input)
	if err != nil {
		return err
	}
	if format != audio.DefaultFormat {
		logger.WarnTag("ASR", "输入格式 %d Hz/%d ch/%d bit 与服务默认格式不同", format.SampleRate, format.Channels, format.BitsPerSample)
	}

	final := make(chan string, 1)
	handlers := asr.Handlers{
		OnReady: func() { logger.InfoTag("ASR", "识别服务已就绪") },
		OnTranscript: func(tr asr.Transcript) {
			if tr.Final {
				fmt.Printf("[final]   %s\n", tr.Text)
				select {
				case final <- tr.Text:
				default:
				}
				return
			}
			fmt.Printf("[partial] %s\n", tr.Text)
		},
		OnError: func(err error) { logger.WarnTag("ASR", "识别错误: %v", err) },
		OnClosed: func(err error) {
			if err != nil {
				logger.ErrorTag("ASR", "连接中断: %v", err)
			}
		},
	}

	stream := asr.NewStream(asr.Config{
		URL:           cfg.ASR.URL,
		AppID:         cfg.ASR.AppID,
		AccessToken:   cfg.ASR.AccessToken,
		ResourceID:    cfg.ASR.ResourceID,
		Model:         cfg.ASR.Model,
		Language:      cfg.ASR.Language,
		EndWindowSize: cfg.ASR.EndWindowSize,
		EnablePunc:    cfg.ASR.EnablePunc,
		EnableITN:     cfg.ASR.EnableITN,
		Format:        format,
		DialTimeout:   cfg.ASR.DialTimeout,
		DialAttempts:  cfg.ASR.DialAttempts,
	}, cfg.Audio.Window, handlers, logger)
	defer stream.Close()

	if err := stream.Start(ctx); err != nil {
		return err
	}

	chunk := format.BytesFor(frame.Seconds())
	if chunk <= 0 {
		return fmt.Errorf("frame %s is too short", *frame)
	}
	ticker := time.NewTicker(*frame)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		stream.Write(pcm[off:end], time.Now())
		if !*realtime {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stream.Done():
			return fmt.Errorf("transcription stream closed early")
		case <-ticker.C:
		}
	}
	stream.Finish()
	logger.InfoTag("ASR", "音频发送完毕，共 %.1f 秒", float64(len(pcm))/float64(format.ByteRate()))

	select {
	case <-final:
	case <-stream.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(*wait):
		logger.WarnTag("ASR", "等待最终结果超时")
	}
	return nil
}

// readWAV decodes a PCM WAV file into little-endian 16-bit samples.
func readWAV(path string) ([]byte, audio.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, audio.Format{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("decoding %s failed: %w", path, err)
	}

	format := audio.Format{
		SampleRate:    int(dec.SampleRate),
		Channels:      int(dec.NumChans),
		BitsPerSample: 16,
	}
	return audio.PCM16(to16(buf, int(dec.BitDepth))), format, nil
}

func to16(buf *goaudio.IntBuffer, depth int) []int16 {
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case depth > 16:
			v >>= depth - 16
		case depth == 8:
			v = (v - 128) << 8
		}
		out[i] = int16(v)
	}
	return out
}
