package llm

import (
	"fmt"
	"strings"

	"github.com/samsaffron/mdstream/internal/config"
)

// builtInProviders lists every name NewProvider understands.
var builtInProviders = []string{"anthropic", "openai", "gemini", "ollama", "openai_compat", "debug"}

// ProviderNames returns the provider names accepted by NewProvider.
func ProviderNames() []string {
	return append([]string(nil), builtInProviders...)
}

// ParseProviderModel parses "provider:model" or just "provider" from a flag value.
// Returns (provider, model, error). Model will be empty if not specified.
func ParseProviderModel(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	provider := strings.TrimSpace(parts[0])
	if provider == "" {
		return "", "", fmt.Errorf("invalid provider format: %q", s)
	}
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}
	if provider == "openai-compat" {
		provider = "openai_compat"
	}
	for _, name := range builtInProviders {
		if provider == name {
			return provider, model, nil
		}
	}
	return "", "", fmt.Errorf("unknown provider: %s", provider)
}

// NewProvider creates the provider named by cfg.Provider. Network providers
// are wrapped with automatic retry for rate limits (429) and transient errors.
func NewProvider(cfg *config.Config) (Provider, error) {
	provider, err := newProviderInternal(cfg)
	if err != nil {
		return nil, err
	}
	if _, ok := provider.(*DebugProvider); ok {
		return provider, nil
	}
	return WrapWithRetry(provider, RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff,
		MaxBackoff:  cfg.Retry.MaxBackoff,
	}), nil
}

func newProviderInternal(cfg *config.Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic: api key not configured (set ANTHROPIC_API_KEY)")
		}
		return NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens), nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai: api key not configured (set OPENAI_API_KEY)")
		}
		return NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL), nil
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini: api key not configured (set GEMINI_API_KEY)")
		}
		return NewGeminiProvider(cfg.Gemini.APIKey, cfg.Gemini.Model), nil
	case "ollama":
		return NewOllamaProvider(cfg.Ollama.BaseURL, cfg.Ollama.Model), nil
	case "openai_compat", "openai-compat":
		if cfg.OpenAICompat.BaseURL == "" {
			return nil, fmt.Errorf("openai_compat: base_url not configured")
		}
		return NewOpenAICompatProvider(cfg.OpenAICompat.BaseURL, cfg.OpenAICompat.APIKey, cfg.OpenAICompat.Model, ""), nil
	case "debug":
		if cfg.Debug.File != "" {
			return NewDebugProviderFromFile(cfg.Debug.Variant, cfg.Debug.File)
		}
		return NewDebugProvider(cfg.Debug.Variant), nil
	case "":
		return nil, fmt.Errorf("no provider configured")
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
