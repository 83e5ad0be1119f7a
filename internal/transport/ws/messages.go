package ws

// 客户端控制消息类型
const (
	ClientStart        = "start"
	ClientEnd          = "end"
	ClientText         = "text"
	ClientPlaybackDone = "playback_done"
)

// 服务端消息类型
const (
	ServerState      = "state"
	ServerTranscript = "transcript"
	ServerThinking   = "thinking"
	ServerResponse   = "response"
	ServerError      = "error"
	ServerFallback   = "fallback"
	ServerListen     = "listen"
	ServerEnded      = "ended"
	ServerTTS        = "tts"
)

// ClientMessage is a JSON text frame from the device. Binary frames carry
// PCM16 microphone audio instead.
type ClientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Envelope is every JSON frame sent to the device. State is only set on tts
// frames ("start" or "stop").
type Envelope struct {
	Type  string `json:"type"`
	State string `json:"state,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// PlaybackFormat describes the PCM that follows a tts start frame.
type PlaybackFormat struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}
