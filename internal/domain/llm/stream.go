package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"

	platformerrors "voicecall-server-go/internal/platform/errors"
	"voicecall-server-go/internal/platform/logging"
)

// Config holds completion endpoint settings shared by both clients.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
}

// StreamClient posts a streaming completion request and parses the SSE body
// with a Responder.
type StreamClient struct {
	cfg    Config
	http   *http.Client
	logger *logging.Logger
}

func NewStreamClient(cfg Config, httpClient *http.Client, logger *logging.Logger) *StreamClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StreamClient{cfg: cfg, http: httpClient, logger: logger}
}

func (c *StreamClient) endpoint() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
}

// Infer implements Inferencer.
func (c *StreamClient) Infer(ctx context.Context, messages []Message, onDelta DeltaFunc) (string, error) {
	return c.Stream(ctx, messages, onDelta)
}

// Stream sends messages and delivers deltas as they arrive. A non-2xx status
// returns an inference error carrying the status code.
func (c *StreamClient) Stream(ctx context.Context, messages []Message, onDelta DeltaFunc) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    toOpenAIMessages(messages),
		Stream:      true,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	body, err := sonic.Marshal(req)
	if err != nil {
		return "", platformerrors.Wrap(platformerrors.KindInference, "llm.encode", "序列化请求失败", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", platformerrors.Wrap(platformerrors.KindInference, "llm.request", "构造请求失败", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", platformerrors.Wrap(platformerrors.KindInference, "llm.stream", "请求推理服务失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", platformerrors.WithCode(platformerrors.KindInference, "llm.stream", resp.StatusCode,
			fmt.Sprintf("推理服务返回 %s", resp.Status), errors.New(strings.TrimSpace(string(snippet))))
	}

	responder := NewResponder(onDelta)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			responder.Feed(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", platformerrors.Wrap(platformerrors.KindInference, "llm.stream_read", "读取流式响应失败", readErr)
		}
	}

	text := responder.Close()
	if skipped := responder.Skipped(); skipped > 0 {
		c.logger.WarnTag("LLM", "跳过 %d 行无法解析的流式数据", skipped)
	}
	c.logger.DebugTag("LLM", "流式响应完成，长度=%d", len(text))
	return text, nil
}
