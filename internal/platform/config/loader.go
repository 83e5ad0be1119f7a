package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	platformerrors "voicecall-server-go/internal/platform/errors"
)

const defaultConfigFile = ".config.yaml"

// Loader reads .config.yaml over DefaultConfig and applies environment overrides.
type Loader struct {
	useDotEnv bool
	path      string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader that reads .config.yaml from the working directory.
func NewLoader() *Loader {
	return &Loader{
		useDotEnv: true,
		path:      defaultConfigFile,
		lookupEnv: os.LookupEnv,
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath overrides the configuration file path.
func (l *Loader) WithPath(path string) *Loader {
	if path != "" {
		l.path = path
	}
	return l
}

// WithEnv replaces the environment lookup (useful for tests).
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	if lookup != nil {
		l.lookupEnv = lookup
	}
	return l
}

// Result captures the loaded configuration and its origin path.
type Result struct {
	Config *Config
	// Path is empty when no file was found and defaults were used.
	Path string
}

func (l *Loader) Load() (*Result, error) {
	if l.useDotEnv {
		if err := godotenv.Load(); err != nil {
			fmt.Println("未找到 .env 文件，使用系统环境变量")
		}
	}

	cfg := DefaultConfig()
	path := ""
	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindConfig, "config.parse", "解析配置文件失败", err)
		}
		path = l.path
	case os.IsNotExist(err):
	default:
		return nil, platformerrors.Wrap(platformerrors.KindConfig, "config.read", "读取配置文件失败", err)
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := l.validate(cfg); err != nil {
		return nil, err
	}
	return &Result{Config: cfg, Path: path}, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"ASR_APP_ID":       &cfg.ASR.AppID,
		"ASR_ACCESS_TOKEN": &cfg.ASR.AccessToken,
		"ASR_URL":          &cfg.ASR.URL,
		"LLM_API_KEY":      &cfg.LLM.APIKey,
		"LLM_BASE_URL":     &cfg.LLM.BaseURL,
		"LLM_MODEL":        &cfg.LLM.ModelName,
		"AUTH_SECRET":      &cfg.Server.Auth.Secret,
		"REDIS_ADDR":       &cfg.History.Redis.Addr,
		"REDIS_PASSWORD":   &cfg.History.Redis.Password,
	}
	for key, dst := range strs {
		if v, ok := l.lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := l.lookupEnv("SERVER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return platformerrors.Wrap(platformerrors.KindConfig, "config.env", "SERVER_PORT 不是整数", err)
		}
		cfg.Server.Port = port
	}
	return nil
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return platformerrors.New(platformerrors.KindConfig, "config.validate",
			fmt.Sprintf("invalid server port: %d", cfg.Server.Port))
	}
	if cfg.Audio.Window <= 0 {
		return platformerrors.New(platformerrors.KindConfig, "config.validate", "audio.window must be positive")
	}
	if cfg.Silence.Window <= 0 || cfg.Silence.CheckInterval <= 0 || cfg.Silence.Countdown <= 0 {
		return platformerrors.New(platformerrors.KindConfig, "config.validate", "silence durations must be positive")
	}
	if cfg.Silence.MaxRenewals < 0 {
		return platformerrors.New(platformerrors.KindConfig, "config.validate", "silence.max_renewals must not be negative")
	}
	switch cfg.Audio.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return platformerrors.New(platformerrors.KindConfig, "config.validate",
			fmt.Sprintf("unsupported bits per sample: %d", cfg.Audio.BitsPerSample))
	}
	switch cfg.LLM.Type {
	case "stream", "openai":
	default:
		return platformerrors.New(platformerrors.KindConfig, "config.validate",
			fmt.Sprintf("unknown llm type: %q", cfg.LLM.Type))
	}
	switch cfg.History.Type {
	case "memory", "sqlite", "redis":
	default:
		return platformerrors.New(platformerrors.KindConfig, "config.validate",
			fmt.Sprintf("unknown history store: %q", cfg.History.Type))
	}
	return nil
}
