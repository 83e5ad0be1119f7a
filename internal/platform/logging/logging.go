package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config captures logging configuration options.
type Config struct {
	Level    string `yaml:"level"`
	Dir      string `yaml:"dir"`
	Filename string `yaml:"filename"`
}

const retentionDays = 7

// Logger writes colored text to the console and JSON lines to a daily rotated
// file. A Logger without a file only writes to the console writer.
type Logger struct {
	cfg     Config
	level   slog.Level
	console *slog.Logger
	file    *slog.Logger

	mu          sync.RWMutex
	logFile     *os.File
	currentDate string
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// New creates a Logger. An empty Dir disables the JSON file sink.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)
	l := &Logger{
		cfg:     cfg,
		level:   level,
		console: slog.New(&textHandler{writer: os.Stdout, level: level}),
		stopCh:  make(chan struct{}),
	}
	if cfg.Dir == "" {
		return l, nil
	}
	if cfg.Filename == "" {
		cfg.Filename = "server.log"
		l.cfg.Filename = cfg.Filename
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	l.currentDate = time.Now().Format("2006-01-02")
	go l.rotationLoop()
	return l, nil
}

// NewWriter builds a console-only Logger writing to w.
func NewWriter(w io.Writer, level string) *Logger {
	lvl := parseLevel(level)
	return &Logger{
		level:   lvl,
		console: slog.New(&textHandler{writer: w, level: lvl}),
		stopCh:  make(chan struct{}),
	}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return NewWriter(io.Discard, "error")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) openFile() error {
	path := filepath.Join(l.cfg.Dir, l.cfg.Filename)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	l.logFile = f
	l.file = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: l.level}))
	return nil
}

func (l *Logger) rotationLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			today := time.Now().Format("2006-01-02")
			if today != l.currentDate {
				l.rotate(today)
				l.cleanOld(time.Now())
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *Logger) rotate(newDate string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		_ = l.logFile.Close()
	}
	base := strings.TrimSuffix(l.cfg.Filename, filepath.Ext(l.cfg.Filename))
	ext := filepath.Ext(l.cfg.Filename)
	current := filepath.Join(l.cfg.Dir, l.cfg.Filename)
	archived := filepath.Join(l.cfg.Dir, fmt.Sprintf("%s-%s%s", base, l.currentDate, ext))
	if err := os.Rename(current, archived); err != nil && !os.IsNotExist(err) {
		l.console.Error("重命名日志文件失败", slog.String("error", err.Error()))
	}
	if err := l.openFile(); err != nil {
		l.console.Error("创建新日志文件失败", slog.String("error", err.Error()))
		l.file = nil
		return
	}
	l.currentDate = newDate
}

// cleanOld removes archived files older than the retention window.
func (l *Logger) cleanOld(now time.Time) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	base := strings.TrimSuffix(l.cfg.Filename, filepath.Ext(l.cfg.Filename))
	ext := filepath.Ext(l.cfg.Filename)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, base+"-") || !strings.HasSuffix(name, ext) {
			continue
		}
		date, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, base+"-"), ext))
		if err != nil || !date.Before(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(l.cfg.Dir, name))
	}
}

// Close stops rotation and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.logFile != nil {
			err = l.logFile.Close()
			l.logFile = nil
			l.file = nil
		}
	})
	return err
}

// Slog exposes the console logger for structured integrations.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return slog.New(&textHandler{writer: io.Discard, level: slog.LevelError})
	}
	return l.console
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	var attrs []slog.Attr
	if len(args) > 0 && strings.Contains(msg, "%") {
		msg = fmt.Sprintf(msg, args...)
	} else if len(args) > 0 {
		attrs = fieldsToAttrs(args)
	}

	ctx := context.Background()
	l.mu.RLock()
	file := l.file
	l.mu.RUnlock()
	if file != nil {
		file.LogAttrs(ctx, level, msg, attrs...)
	}
	l.console.LogAttrs(ctx, level, msg, attrs...)
}

func fieldsToAttrs(args []any) []slog.Attr {
	if fields, ok := args[0].(map[string]any); ok {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make([]slog.Attr, 0, len(keys))
		for _, k := range keys {
			attrs = append(attrs, slog.Any(k, fields[k]))
		}
		return attrs
	}
	return []slog.Attr{slog.Any("fields", args[0])}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// FormatLog prefixes message with a single category tag, e.g. "[ASR] connected".
// A message that already starts with "[" is returned unchanged.
func FormatLog(tag, message string) string {
	tag = strings.TrimSpace(tag)
	message = strings.TrimSpace(message)
	if tag == "" || strings.HasPrefix(message, "[") {
		return message
	}
	return fmt.Sprintf("[%s] %s", tag, message)
}

func (l *Logger) DebugTag(tag, msg string, args ...any) {
	l.log(slog.LevelDebug, FormatLog(tag, msg), args...)
}

func (l *Logger) InfoTag(tag, msg string, args ...any) {
	l.log(slog.LevelInfo, FormatLog(tag, msg), args...)
}

func (l *Logger) WarnTag(tag, msg string, args ...any) {
	l.log(slog.LevelWarn, FormatLog(tag, msg), args...)
}

func (l *Logger) ErrorTag(tag, msg string, args ...any) {
	l.log(slog.LevelError, FormatLog(tag, msg), args...)
}
