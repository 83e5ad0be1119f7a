package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoader_Load(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, ".config.yaml")

	configContent := `
server:
  ip: "127.0.0.1"
  port: 8080
log:
  log_level: "DEBUG"
  log_dir: "/tmp/logs"
  log_file: "test.log"
silence:
  window: 2s
  countdown: 5s
llm:
  type: openai
history:
  type: redis
`

	if err := os.WriteFile(configFile, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	res, err := NewLoader().WithDotEnv(false).WithPath(configFile).WithEnv(noEnv).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg := res.Config

	if res.Path != configFile {
		t.Errorf("expected path %s, got %s", configFile, res.Path)
	}
	if cfg.Server.IP != "127.0.0.1" {
		t.Errorf("expected server IP 127.0.0.1, got %s", cfg.Server.IP)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "DEBUG" {
		t.Errorf("expected log level DEBUG, got %s", cfg.Log.Level)
	}
	if cfg.Silence.Window != 2*time.Second || cfg.Silence.Countdown != 5*time.Second {
		t.Errorf("unexpected silence config: %+v", cfg.Silence)
	}
	// Untouched keys keep their defaults.
	if cfg.Silence.CheckInterval != 500*time.Millisecond {
		t.Errorf("expected default check interval, got %s", cfg.Silence.CheckInterval)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("expected default sample rate, got %d", cfg.Audio.SampleRate)
	}
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	res, err := NewLoader().WithDotEnv(false).
		WithPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithEnv(noEnv).
		Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.Path != "" {
		t.Errorf("expected empty path, got %s", res.Path)
	}
	if res.Config.Call.ThinkingDelay != 4*time.Second {
		t.Errorf("expected 4s thinking delay, got %s", res.Config.Call.ThinkingDelay)
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"LLM_API_KEY":      "sk-test",
		"ASR_ACCESS_TOKEN": "tok",
		"SERVER_PORT":      "9001",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	res, err := NewLoader().WithDotEnv(false).
		WithPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithEnv(lookup).
		Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.Config.LLM.APIKey != "sk-test" || res.Config.ASR.AccessToken != "tok" {
		t.Errorf("env secrets not applied: %+v", res.Config)
	}
	if res.Config.Server.Port != 9001 {
		t.Errorf("expected port 9001, got %d", res.Config.Server.Port)
	}

	env["SERVER_PORT"] = "abc"
	if _, err := NewLoader().WithDotEnv(false).WithPath("absent.yaml").WithEnv(lookup).Load(); err == nil {
		t.Error("expected error for non-numeric SERVER_PORT")
	}
}

func TestLoader_Validate(t *testing.T) {
	loader := NewLoader()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "invalid server port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{name: "zero audio window", mutate: func(c *Config) { c.Audio.Window = 0 }, wantErr: true},
		{name: "zero silence window", mutate: func(c *Config) { c.Silence.Window = 0 }, wantErr: true},
		{name: "negative renewals", mutate: func(c *Config) { c.Silence.MaxRenewals = -1 }, wantErr: true},
		{name: "odd bit depth", mutate: func(c *Config) { c.Audio.BitsPerSample = 12 }, wantErr: true},
		{name: "unknown llm type", mutate: func(c *Config) { c.LLM.Type = "grpc" }, wantErr: true},
		{name: "unknown history store", mutate: func(c *Config) { c.History.Type = "mongo" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := loader.validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
