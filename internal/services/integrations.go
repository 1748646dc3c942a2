package services

import (
	"context"
	"fmt"
)

// IntegrationRequest is one provider operation requested by an
// integrated_api node.
type IntegrationRequest struct {
	Provider   string
	Operation  string
	ResourceID string
	Config     map[string]any
	Inputs     map[string]any
}

// Integrations dispatches provider operations. The engine embeds no
// provider; deployments register whatever backends they support.
type Integrations interface {
	Invoke(ctx context.Context, req IntegrationRequest) (any, error)
}

// IntegrationsFunc adapts a function to the Integrations interface.
type IntegrationsFunc func(ctx context.Context, req IntegrationRequest) (any, error)

func (f IntegrationsFunc) Invoke(ctx context.Context, req IntegrationRequest) (any, error) {
	return f(ctx, req)
}

// ProviderMux routes by provider name.
type ProviderMux struct {
	providers map[string]Integrations
}

func NewProviderMux() *ProviderMux {
	return &ProviderMux{providers: map[string]Integrations{}}
}

func (m *ProviderMux) Register(provider string, impl Integrations) {
	m.providers[provider] = impl
}

func (m *ProviderMux) Invoke(ctx context.Context, req IntegrationRequest) (any, error) {
	impl, ok := m.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("no integration registered for provider %q", req.Provider)
	}
	return impl.Invoke(ctx, req)
}
