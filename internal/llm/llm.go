// Package llm provides the chat-completion clients consumed by person_job
// handlers. The engine core never talks to a provider directly; it resolves
// the Service from the service registry and asks it for a client matching
// the person's configured provider.
package llm

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation input, already role-rewritten by the
// conversation store.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage is the provider-reported token breakdown.
type Usage struct {
	Input  int
	Output int
	Total  int
	Cached int
}

// Response carries the completion text and usage.
type Response struct {
	Text       string
	Usage      Usage
	StopReason string
}

// Client is one provider connection bound to an API key.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Service hands out clients by provider name, caching per provider and key.
type Service struct {
	mu      sync.Mutex
	clients map[string]Client
	log     zerolog.Logger
}

func NewService(log zerolog.Logger) *Service {
	return &Service{clients: map[string]Client{}, log: log}
}

// ClientFor resolves a provider tag (as written in a person definition) and
// API key to a client. Tags are matched loosely: "claude" and "anthropic"
// are the same provider, as are "chatgpt", "gpt" and "openai".
func (s *Service) ClientFor(provider, apiKey string) (Client, error) {
	canonical, err := canonicalProvider(provider)
	if err != nil {
		return nil, err
	}
	key := canonical + ":" + fingerprint(apiKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	var c Client
	switch canonical {
	case "anthropic":
		c = NewAnthropic(apiKey)
	case "openai":
		c = NewOpenAI(apiKey)
	}
	c = &retryingClient{inner: c, cfg: defaultBackoffConfig(), log: s.log}
	s.clients[key] = c
	s.log.Debug().Str("provider", canonical).Msg("llm client created")
	return c, nil
}

func canonicalProvider(provider string) (string, error) {
	if strings.TrimSpace(provider) == "" {
		return "", fmt.Errorf("llm: empty provider")
	}
	key := CanonicalProviderKey(provider)
	if _, ok := builtinSpecs[key]; !ok {
		return "", fmt.Errorf("llm: unknown provider %q", provider)
	}
	return key, nil
}

// fingerprint keys the client cache without holding the secret itself.
func fingerprint(apiKey string) string {
	sum := blake3.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}
