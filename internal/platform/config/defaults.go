package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:   "0.0.0.0",
			Port: 8000,
			Auth: AuthConfig{
				Issuer: "voicecall-server",
			},
		},
		Log: LogConfig{
			Level: "INFO",
			Dir:   "data/logs",
			File:  "server.log",
		},
		ASR: ASRConfig{
			URL:           "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel",
			ResourceID:    "volc.bigasr.sauc.duration",
			Model:         "bigmodel",
			Language:      "zh-CN",
			EndWindowSize: 800,
			EnablePunc:    true,
			EnableITN:     true,
			DialTimeout:   10 * time.Second,
			DialAttempts:  3,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			BitsPerSample: 16,
			Window:        time.Second,
		},
		Silence: SilenceConfig{
			Window:        3 * time.Second,
			CheckInterval: 500 * time.Millisecond,
			Countdown:     3 * time.Second,
		},
		Call: CallConfig{
			ThinkingDelay:    4 * time.Second,
			HistoryWindow:    20,
			ApologyText:      "抱歉，我刚才没有听清楚，请再说一遍。",
			CaptureAttempts:  3,
			CaptureBackoff:   500 * time.Millisecond,
			HandshakeTimeout: 10 * time.Second,
			IdleTimeout:      2 * time.Minute,
		},
		LLM: LLMConfig{
			Type:         "stream",
			ModelName:    "glm-4-flash",
			BaseURL:      "https://open.bigmodel.cn/api/paas/v4/",
			Temperature:  0.7,
			MaxTokens:    1024,
			SystemPrompt: "你是一个语音助手。回答要简短、口语化，不要使用表情符号或Markdown。",
			Timeout:      30 * time.Second,
			Attempts:     2,
		},
		TTS: TTSConfig{
			Type:  "edge",
			Voice: "zh-CN-XiaoxiaoNeural",
		},
		History: HistoryConfig{
			Type:   "memory",
			MaxLen: 50,
			TTL:    24 * time.Hour,
			SQLite: HistorySQLiteStore{DSN: "data/history.db"},
			Redis: HistoryRedisStore{
				Addr:   "127.0.0.1:6379",
				Prefix: "voicecall:history:",
			},
		},
	}
}
