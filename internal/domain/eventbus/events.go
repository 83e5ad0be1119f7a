package eventbus

import "time"

// 事件类型定义
const (
	// 通话状态
	EventCallState    = "call:state"
	EventCallThinking = "call:thinking"
	EventCallListen   = "call:listen"
	EventCallEnded    = "call:ended"

	// 识别结果
	EventTranscript = "asr:transcript"

	// 回复
	EventResponseDelta = "llm:delta"
	EventResponse      = "llm:response"

	// 语音播放
	EventSpeechStarted  = "tts:started"
	EventSpeechFinished = "tts:finished"

	// 错误与降级
	EventError    = "call:error"
	EventFallback = "call:fallback"
)

type StateEventData struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

type TranscriptEventData struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	// Remaining is the silence countdown in whole seconds.
	Remaining int `json:"remaining"`
}

type ResponseEventData struct {
	SessionID string `json:"session_id"`
	Round     int    `json:"round"`
	Content   string `json:"content"`
	IsFinal   bool   `json:"is_final"`
}

type SpeechEventData struct {
	SessionID string `json:"session_id"`
	Round     int    `json:"round"`
	Text      string `json:"text"`
	Apology   bool   `json:"apology,omitempty"`
}

type ErrorEventData struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message"`
}

type FallbackEventData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type EndedEventData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Turns     int    `json:"turns"`
	Failures  int    `json:"failures"`
}

// ListenEventData is published when a listening phase starts and on every
// countdown renewal.
type ListenEventData struct {
	SessionID string `json:"session_id"`
	Remaining int    `json:"remaining"`
	Renewals  int    `json:"renewals"`
}

type ThinkingEventData struct {
	SessionID string        `json:"session_id"`
	Elapsed   time.Duration `json:"elapsed"`
}
