package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicMaxTokens applies when a person does not set max_tokens;
// the Messages API requires a positive cap.
const defaultAnthropicMaxTokens = 4096

type Anthropic struct {
	client sdk.Client
}

func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{client: sdk.NewClient(option.WithAPIKey(apiKey))}
}

func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("anthropic: request has no messages")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(req.Model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	u := msg.Usage
	return &Response{
		Text: sb.String(),
		Usage: Usage{
			Input:  int(u.InputTokens),
			Output: int(u.OutputTokens),
			Total:  int(u.InputTokens + u.OutputTokens),
			Cached: int(u.CacheReadInputTokens + u.CacheCreationInputTokens),
		},
		StopReason: string(msg.StopReason),
	}, nil
}

func classifyAnthropicError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		var retryAfter *time.Duration
		if apierr.Response != nil {
			retryAfter = ParseRetryAfter(apierr.Response.Header.Get("Retry-After"), time.Now())
		}
		return ErrorFromHTTPStatus("anthropic", apierr.StatusCode, apierr.Error(), retryAfter)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRequestTimeoutError("anthropic", err.Error())
	}
	return fmt.Errorf("anthropic: %w", err)
}
