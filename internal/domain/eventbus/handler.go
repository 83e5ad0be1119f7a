package eventbus

import (
	"voicecall-server-go/internal/platform/logging"
)

// LogHandler writes session events to the logger.
type LogHandler struct {
	logger *logging.Logger
}

func NewLogHandler(logger *logging.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (h *LogHandler) handleState(data StateEventData) {
	h.logger.InfoTag("通话", "会话=%s 状态 %s -> %s %s", data.SessionID, data.From, data.To, data.Reason)
}

func (h *LogHandler) handleTranscript(data TranscriptEventData) {
	if data.IsFinal {
		h.logger.InfoTag("ASR", "会话=%s 最终识别: %s", data.SessionID, data.Text)
		return
	}
	h.logger.DebugTag("ASR", "会话=%s 识别中: %s", data.SessionID, data.Text)
}

func (h *LogHandler) handleResponse(data ResponseEventData) {
	h.logger.InfoTag("LLM", "会话=%s 轮次=%d 回复: %s", data.SessionID, data.Round, data.Content)
}

func (h *LogHandler) handleError(data ErrorEventData) {
	h.logger.WarnTag("通话", "会话=%s 错误[%s]: %s", data.SessionID, data.Kind, data.Message)
}

func (h *LogHandler) handleEnded(data EndedEventData) {
	h.logger.InfoTag("通话", "会话=%s 结束, 原因=%s, 轮次=%d, 失败=%d",
		data.SessionID, data.Reason, data.Turns, data.Failures)
}

// Attach subscribes the handler to b.
func (h *LogHandler) Attach(b *Bus) error {
	subs := map[string]interface{}{
		EventCallState:  h.handleState,
		EventTranscript: h.handleTranscript,
		EventResponse:   h.handleResponse,
		EventError:      h.handleError,
		EventCallEnded:  h.handleEnded,
	}
	for topic, fn := range subs {
		if err := b.Subscribe(topic, fn); err != nil {
			return err
		}
	}
	return nil
}
