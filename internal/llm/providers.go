package llm

import (
	"strings"
	"sync"
)

// ProviderSpec describes one supported chat-completion provider: its
// canonical key, the aliases person definitions may use for it, and the
// environment variables the CLI reads keys and endpoint overrides from.
type ProviderSpec struct {
	Key        string
	Aliases    []string
	APIKeyEnv  string
	BaseURLEnv string
}

var builtinSpecs = map[string]ProviderSpec{
	"anthropic": {
		Key:       "anthropic",
		Aliases:   []string{"claude"},
		APIKeyEnv: "ANTHROPIC_API_KEY",
	},
	"openai": {
		Key:        "openai",
		Aliases:    []string{"chatgpt", "gpt"},
		APIKeyEnv:  "OPENAI_API_KEY",
		BaseURLEnv: "OPENAI_BASE_URL",
	},
}

func Builtin(key string) (ProviderSpec, bool) {
	s, ok := builtinSpecs[CanonicalProviderKey(key)]
	if !ok {
		return ProviderSpec{}, false
	}
	return cloneSpec(s), true
}

func Builtins() map[string]ProviderSpec {
	out := make(map[string]ProviderSpec, len(builtinSpecs))
	for key, spec := range builtinSpecs {
		out[key] = cloneSpec(spec)
	}
	return out
}

func cloneSpec(in ProviderSpec) ProviderSpec {
	out := in
	out.Aliases = append([]string{}, in.Aliases...)
	return out
}

var (
	providerAliasOnce  sync.Once
	providerAliasIndex map[string]string
)

// CanonicalProviderKey maps a provider name or alias to its canonical key.
// Unknown names come back lowercased and trimmed so callers can report them.
func CanonicalProviderKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := providerAliases()[key]; ok {
		return canonical
	}
	return key
}

func providerAliases() map[string]string {
	providerAliasOnce.Do(func() {
		providerAliasIndex = map[string]string{}
		for key, spec := range builtinSpecs {
			providerAliasIndex[key] = key
			for _, alias := range spec.Aliases {
				providerAliasIndex[strings.ToLower(strings.TrimSpace(alias))] = key
			}
		}
	})
	return providerAliasIndex
}
