package config

import (
	"time"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	ASR     ASRConfig     `yaml:"asr" mapstructure:"asr"`
	Audio   AudioConfig   `yaml:"audio" mapstructure:"audio"`
	Silence SilenceConfig `yaml:"silence" mapstructure:"silence"`
	Call    CallConfig    `yaml:"call" mapstructure:"call"`
	LLM     LLMConfig     `yaml:"llm" mapstructure:"llm"`
	TTS     TTSConfig     `yaml:"tts" mapstructure:"tts"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
}

type ServerConfig struct {
	IP   string     `yaml:"ip" mapstructure:"ip"`
	Port int        `yaml:"port" mapstructure:"port"`
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`
	// CORSOrigins lists allowed browser origins; empty allows all.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// AuthConfig enables HS256 bearer tokens on the API and call endpoints when
// Secret is set.
type AuthConfig struct {
	Secret string `yaml:"secret" mapstructure:"secret"`
	Issuer string `yaml:"issuer" mapstructure:"issuer"`
}

func (a AuthConfig) Enabled() bool { return a.Secret != "" }

type LogConfig struct {
	Level string `yaml:"log_level" mapstructure:"log_level"`
	Dir   string `yaml:"log_dir" mapstructure:"log_dir"`
	File  string `yaml:"log_file" mapstructure:"log_file"`
}

// ASRConfig describes the streaming transcription service connection.
type ASRConfig struct {
	URL           string        `yaml:"url" mapstructure:"url"`
	AppID         string        `yaml:"appid" mapstructure:"appid"`
	AccessToken   string        `yaml:"access_token" mapstructure:"access_token"`
	ResourceID    string        `yaml:"resource_id" mapstructure:"resource_id"`
	Model         string        `yaml:"model_name" mapstructure:"model_name"`
	Language      string        `yaml:"language" mapstructure:"language"`
	EndWindowSize int           `yaml:"end_window_size" mapstructure:"end_window_size"`
	EnablePunc    bool          `yaml:"enable_punc" mapstructure:"enable_punc"`
	EnableITN     bool          `yaml:"enable_itn" mapstructure:"enable_itn"`
	DialTimeout   time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	DialAttempts  int           `yaml:"dial_attempts" mapstructure:"dial_attempts"`
}

type AudioConfig struct {
	SampleRate    int           `yaml:"sample_rate" mapstructure:"sample_rate"`
	Channels      int           `yaml:"channels" mapstructure:"channels"`
	BitsPerSample int           `yaml:"bits_per_sample" mapstructure:"bits_per_sample"`
	Window        time.Duration `yaml:"window" mapstructure:"window"`
}

type SilenceConfig struct {
	Window        time.Duration `yaml:"window" mapstructure:"window"`
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	Countdown     time.Duration `yaml:"countdown" mapstructure:"countdown"`
	// MaxRenewals bounds consecutive empty-transcript countdown resets. 0 means unbounded.
	MaxRenewals int `yaml:"max_renewals" mapstructure:"max_renewals"`
}

type CallConfig struct {
	ThinkingDelay    time.Duration `yaml:"thinking_delay" mapstructure:"thinking_delay"`
	HistoryWindow    int           `yaml:"history_window" mapstructure:"history_window"`
	ApologyText      string        `yaml:"apology_text" mapstructure:"apology_text"`
	CaptureAttempts  int           `yaml:"capture_attempts" mapstructure:"capture_attempts"`
	CaptureBackoff   time.Duration `yaml:"capture_backoff" mapstructure:"capture_backoff"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	// IdleTimeout closes a call after the device sent nothing for that long. 0 disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

type LLMConfig struct {
	// Type selects the client: "stream" (SSE completions) or "openai" (direct response).
	Type         string        `yaml:"type" mapstructure:"type"`
	ModelName    string        `yaml:"model_name" mapstructure:"model_name"`
	BaseURL      string        `yaml:"url" mapstructure:"url"`
	APIKey       string        `yaml:"api_key" mapstructure:"api_key"`
	Temperature  float32       `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens    int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string        `yaml:"prompt" mapstructure:"prompt"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Attempts     int           `yaml:"attempts" mapstructure:"attempts"`
}

type TTSConfig struct {
	Type  string `yaml:"type" mapstructure:"type"`
	Voice string `yaml:"voice" mapstructure:"voice"`
}

type HistoryConfig struct {
	// Type is one of memory, sqlite, redis.
	Type   string             `yaml:"type" mapstructure:"type"`
	MaxLen int                `yaml:"max_len" mapstructure:"max_len"`
	TTL    time.Duration      `yaml:"ttl" mapstructure:"ttl"`
	SQLite HistorySQLiteStore `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Redis  HistoryRedisStore  `yaml:"redis,omitempty" mapstructure:"redis"`
}

type HistorySQLiteStore struct {
	DSN string `yaml:"dsn,omitempty" mapstructure:"dsn"`
}

type HistoryRedisStore struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	DB       int    `yaml:"db,omitempty" mapstructure:"db"`
	Prefix   string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}
