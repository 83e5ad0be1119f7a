package httptransport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"voicecall-server-go/internal/domain/history"
	"voicecall-server-go/internal/domain/llm"
	"voicecall-server-go/internal/platform/errors"
	"voicecall-server-go/internal/platform/logging"
	"voicecall-server-go/internal/platform/observability"
)

// ChatRequest is the body of POST /api/chat. Either Text (with optional
// ImageURL) continues the stored conversation of SessionID, or Messages
// carries the whole conversation and nothing is stored.
type ChatRequest struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	ImageURL  string        `json:"image_url"`
	Messages  []llm.Message `json:"messages"`
}

// ChatOptions configures the text chat endpoint.
type ChatOptions struct {
	Inferencer    llm.Inferencer
	History       history.Store
	SystemPrompt  string
	HistoryWindow int
	Logger        *logging.Logger
}

// ChatService streams assistant replies as server-sent events: one "delta"
// per text fragment, then "done" with the full reply or "error".
type ChatService struct {
	opts   ChatOptions
	logger *logging.Logger
}

func NewChatService(opts ChatOptions) *ChatService {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	return &ChatService{opts: opts, logger: logger}
}

func (s *ChatService) Register(_ context.Context, router *gin.RouterGroup) error {
	router.POST("/chat", s.handleChat)
	return nil
}

func (s *ChatService) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, 0, "invalid request body",
			errors.Wrap(errors.KindFrameDecode, "chat.bind", "invalid request body", err))
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" && req.ImageURL == "" && len(req.Messages) == 0 {
		RespondError(c, http.StatusBadRequest, "text, image_url or messages is required", nil)
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		RespondError(c, 0, err.Error(), err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx := observability.WithSession(c.Request.Context(), req.SessionID)
	messages, err := s.prompt(ctx, req)
	if err != nil {
		RespondError(c, 0, "failed to load history",
			errors.Wrap(errors.KindStorage, "chat.history", "failed to load history", err))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Session-Id", req.SessionID)
	c.Status(http.StatusOK)

	reply, err := s.opts.Inferencer.Infer(ctx, messages, func(delta string) {
		c.SSEvent("delta", gin.H{"content": delta})
		c.Writer.Flush()
	})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New(errors.KindInference, "chat.infer", "empty reply")
	}
	if err != nil {
		s.logger.WarnTag("LLM", "文本对话失败 session=%s: %v", req.SessionID, err)
		c.SSEvent("error", gin.H{
			"kind":    errors.KindOf(err),
			"message": err.Error(),
		})
		c.Writer.Flush()
		return
	}

	if s.opts.History != nil && len(req.Messages) == 0 {
		now := time.Now()
		turns := []history.Turn{
			{Role: llm.RoleUser, Content: req.Text, ImageURL: req.ImageURL, At: now},
			{Role: llm.RoleAssistant, Content: reply, At: now},
		}
		if err := s.opts.History.Append(ctx, req.SessionID, turns...); err != nil {
			s.logger.WarnTag("存储", "保存对话失败 session=%s: %v", req.SessionID, err)
		}
	}

	c.SSEvent("done", gin.H{"session_id": req.SessionID, "content": reply})
	c.Writer.Flush()
}

func (s *ChatService) prompt(ctx context.Context, req ChatRequest) ([]llm.Message, error) {
	if len(req.Messages) > 0 {
		out := make([]llm.Message, 0, len(req.Messages)+1)
		if s.opts.SystemPrompt != "" && req.Messages[0].Role != llm.RoleSystem {
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: s.opts.SystemPrompt})
		}
		return append(out, req.Messages...), nil
	}
	window := history.NewWindow(s.opts.HistoryWindow)
	if s.opts.History != nil {
		turns, err := s.opts.History.Recent(ctx, req.SessionID, s.opts.HistoryWindow)
		if err != nil {
			return nil, err
		}
		window.Append(turns...)
	}
	window.Append(history.Turn{Role: llm.RoleUser, Content: req.Text, ImageURL: req.ImageURL, At: time.Now()})
	return window.Messages(s.opts.SystemPrompt), nil
}

func validateMessages(msgs []llm.Message) error {
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return errors.New(errors.KindDomain, "chat.validate", fmt.Sprintf("messages[%d]: unknown role %q", i, m.Role))
		}
		if strings.TrimSpace(m.Content) == "" && m.ImageURL == "" {
			return errors.New(errors.KindDomain, "chat.validate", fmt.Sprintf("messages[%d]: empty content", i))
		}
	}
	return nil
}
