package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"

	platformerrors "voicecall-server-go/internal/platform/errors"
	"voicecall-server-go/internal/platform/logging"
)

// OpenAIClient is the non-streaming call API: one request, one full reply.
type OpenAIClient struct {
	cfg    Config
	client *openai.Client
	logger *logging.Logger
}

func NewOpenAIClient(cfg Config, logger *logging.Logger) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &OpenAIClient{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger,
	}
}

// Infer implements Inferencer. onDelta, when set, receives the whole reply once.
func (c *OpenAIClient) Infer(ctx context.Context, messages []Message, onDelta DeltaFunc) (string, error) {
	text, err := c.Complete(ctx, messages)
	if err == nil && onDelta != nil && text != "" {
		onDelta(text)
	}
	return text, err
}

func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    toOpenAIMessages(messages),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", platformerrors.New(platformerrors.KindInference, "llm.complete", "推理服务未返回结果")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.logger.DebugTag("LLM", "直接响应完成，tokens=%d", resp.Usage.TotalTokens)
	return text, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return platformerrors.WithCode(platformerrors.KindInference, "llm.complete", apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return platformerrors.WithCode(platformerrors.KindInference, "llm.complete", reqErr.HTTPStatusCode, "推理服务请求失败", err)
	}
	return platformerrors.Wrap(platformerrors.KindInference, "llm.complete", "请求推理服务失败", err)
}
