package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAI struct {
	client *openai.Client
}

// NewOpenAI builds a client for api.openai.com, or for any OpenAI-compatible
// endpoint when the provider's base-URL environment variable is set.
func NewOpenAI(apiKey string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if spec, ok := Builtin("openai"); ok && spec.BaseURLEnv != "" {
		if base := os.Getenv(spec.BaseURLEnv); base != "" {
			cfg.BaseURL = base
		}
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("openai: request has no messages")
	}

	creq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		creq.Temperature = float32(req.Temperature)
	}

	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	out := &Response{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.TotalTokens,
		},
		StopReason: string(resp.Choices[0].FinishReason),
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		out.Usage.Cached = d.CachedTokens
	}
	return out, nil
}

func classifyOpenAIError(err error) error {
	var apierr *openai.APIError
	if errors.As(err, &apierr) {
		return ErrorFromHTTPStatus("openai", apierr.HTTPStatusCode, apierr.Message, nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRequestTimeoutError("openai", err.Error())
	}
	return fmt.Errorf("openai: %w", err)
}
