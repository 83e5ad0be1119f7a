package call

import (
	"time"
)

// State 通话状态
type State int32

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
	// StateErrorSpeaking 播放道歉语音，结束后回到 Listening
	StateErrorSpeaking
)

var allStates = []State{StateIdle, StateListening, StateProcessing, StateSpeaking, StateErrorSpeaking}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateErrorSpeaking:
		return "error_speaking"
	default:
		return "unknown"
	}
}

// EventType 驱动状态机的事件
type EventType int

const (
	EventStart EventType = iota
	EventTranscript
	EventTranscriptFinal
	EventSilenceTick
	EventUtteranceComplete
	EventTextInput
	EventInferenceDone
	EventInferenceFailed
	EventSpeechDone
	EventThinkingTimeout
	EventTransportFailed
	EventCaptureFailed
	EventCaptureRetry
	EventEnd
)

var allEvents = []EventType{
	EventStart, EventTranscript, EventTranscriptFinal, EventSilenceTick,
	EventUtteranceComplete, EventTextInput, EventInferenceDone, EventInferenceFailed,
	EventSpeechDone, EventThinkingTimeout, EventTransportFailed, EventCaptureFailed,
	EventCaptureRetry, EventEnd,
}

func (e EventType) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventTranscript:
		return "transcript"
	case EventTranscriptFinal:
		return "transcript_final"
	case EventSilenceTick:
		return "silence_tick"
	case EventUtteranceComplete:
		return "utterance_complete"
	case EventTextInput:
		return "text_input"
	case EventInferenceDone:
		return "inference_done"
	case EventInferenceFailed:
		return "inference_failed"
	case EventSpeechDone:
		return "speech_done"
	case EventThinkingTimeout:
		return "thinking_timeout"
	case EventTransportFailed:
		return "transport_failed"
	case EventCaptureFailed:
		return "capture_failed"
	case EventCaptureRetry:
		return "capture_retry"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// external events come from the owner of the session and are never stale.
func (e EventType) external() bool {
	return e == EventStart || e == EventEnd || e == EventTextInput
}

// Event carries plain values extracted at callback time. Phase identifies
// the state entry that produced it; events from an earlier phase are dropped.
type Event struct {
	Type    EventType
	Text    string
	Err     error
	Phase   uint64
	Attempt int
	At      time.Time
}

type handler func(s *Session, ev Event)

// rule is one cell of the transition table. A nil handle is a no-op and
// note records why the event is ignored in that state.
type rule struct {
	handle handler
	note   string
}

func on(h handler) rule       { return rule{handle: h} }
func ignore(note string) rule { return rule{note: note} }

var transitions map[State]map[EventType]rule

func init() {
	transitions = map[State]map[EventType]rule{
		StateIdle: {
			EventStart:             on((*Session).onStart),
			EventTranscript:        ignore("no transcription stream while idle"),
			EventTranscriptFinal:   ignore("no transcription stream while idle"),
			EventSilenceTick:       ignore("silence timer is stopped while idle"),
			EventUtteranceComplete: ignore("silence timer is stopped while idle"),
			EventTextInput:         on((*Session).onTextInput),
			EventInferenceDone:     ignore("no inference in flight"),
			EventInferenceFailed:   ignore("no inference in flight"),
			EventSpeechDone:        ignore("nothing is being spoken"),
			EventThinkingTimeout:   ignore("no inference in flight"),
			EventTransportFailed:   ignore("utterance already aborted"),
			EventCaptureFailed:     ignore("capture is stopped while idle"),
			EventCaptureRetry:      ignore("capture gave up or was stopped"),
			EventEnd:               on((*Session).onEnd),
		},
		StateListening: {
			EventStart:             ignore("already listening"),
			EventTranscript:        on((*Session).onTranscript),
			EventTranscriptFinal:   on((*Session).onTranscriptFinal),
			EventSilenceTick:       on((*Session).onSilenceTick),
			EventUtteranceComplete: on((*Session).onUtteranceComplete),
			EventTextInput:         on((*Session).onTextInput),
			EventInferenceDone:     ignore("no inference in flight"),
			EventInferenceFailed:   ignore("no inference in flight"),
			EventSpeechDone:        ignore("speech finished before this phase"),
			EventThinkingTimeout:   ignore("no inference in flight"),
			EventTransportFailed:   on((*Session).onTransportFailed),
			EventCaptureFailed:     on((*Session).onCaptureFailed),
			EventCaptureRetry:      on((*Session).onCaptureRetry),
			EventEnd:               on((*Session).onEnd),
		},
		StateProcessing: {
			EventStart:             ignore("a turn is in progress"),
			EventTranscript:        ignore("one utterance in flight"),
			EventTranscriptFinal:   ignore("one utterance in flight"),
			EventSilenceTick:       ignore("one utterance in flight"),
			EventUtteranceComplete: ignore("one utterance in flight"),
			EventTextInput:         ignore("one utterance in flight"),
			EventInferenceDone:     on((*Session).onInferenceDone),
			EventInferenceFailed:   on((*Session).onInferenceFailed),
			EventSpeechDone:        ignore("nothing is being spoken"),
			EventThinkingTimeout:   on((*Session).onThinking),
			EventTransportFailed:   ignore("transcription stream closed on dispatch"),
			EventCaptureFailed:     ignore("capture stopped on dispatch"),
			EventCaptureRetry:      ignore("capture stopped on dispatch"),
			EventEnd:               on((*Session).onEnd),
		},
		StateSpeaking: {
			EventStart:             ignore("a turn is in progress"),
			EventTranscript:        ignore("capture is off while speaking"),
			EventTranscriptFinal:   ignore("capture is off while speaking"),
			EventSilenceTick:       ignore("capture is off while speaking"),
			EventUtteranceComplete: ignore("capture is off while speaking"),
			EventTextInput:         ignore("one utterance in flight"),
			EventInferenceDone:     ignore("response already received"),
			EventInferenceFailed:   ignore("response already received"),
			EventSpeechDone:        on((*Session).onSpeechDone),
			EventThinkingTimeout:   ignore("response already received"),
			EventTransportFailed:   ignore("transcription stream closed on dispatch"),
			EventCaptureFailed:     ignore("capture is off while speaking"),
			EventCaptureRetry:      ignore("capture is off while speaking"),
			EventEnd:               on((*Session).onEnd),
		},
		StateErrorSpeaking: {
			EventStart:             ignore("a turn is in progress"),
			EventTranscript:        ignore("capture is off while speaking"),
			EventTranscriptFinal:   ignore("capture is off while speaking"),
			EventSilenceTick:       ignore("capture is off while speaking"),
			EventUtteranceComplete: ignore("capture is off while speaking"),
			EventTextInput:         ignore("apology in progress"),
			EventInferenceDone:     ignore("turn already failed"),
			EventInferenceFailed:   ignore("turn already failed"),
			EventSpeechDone:        on((*Session).onSpeechDone),
			EventThinkingTimeout:   ignore("turn already failed"),
			EventTransportFailed:   ignore("transcription stream closed on dispatch"),
			EventCaptureFailed:     ignore("capture is off while speaking"),
			EventCaptureRetry:      ignore("capture is off while speaking"),
			EventEnd:               on((*Session).onEnd),
		},
	}
}

// lookup returns the rule for (state, event). ok is false only for pairs
// missing from the table, which the table test forbids.
func lookup(state State, ev EventType) (rule, bool) {
	row, ok := transitions[state]
	if !ok {
		return rule{}, false
	}
	r, ok := row[ev]
	return r, ok
}
