package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

type Role string

const (
	RoleSystem    Role = openai.ChatMessageRoleSystem
	RoleUser      Role = openai.ChatMessageRoleUser
	RoleAssistant Role = openai.ChatMessageRoleAssistant
)

// Message is one turn sent to the completion endpoint. ImageURL, when set on a
// user message, is sent as an image part next to the text.
type Message struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

// DeltaFunc receives text deltas in arrival order.
type DeltaFunc func(delta string)

// Inferencer produces an assistant reply for a conversation. Streaming
// implementations call onDelta as text arrives; onDelta may be nil.
type Inferencer interface {
	Infer(ctx context.Context, messages []Message, onDelta DeltaFunc) (string, error)
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		if m.ImageURL == "" {
			out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := []openai.ChatMessagePart{}
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    m.ImageURL,
				Detail: openai.ImageURLDetailAuto,
			},
		})
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), MultiContent: parts})
	}
	return out
}
