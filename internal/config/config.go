package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppName is used for config and data directories.
const AppName = "mdstream"

type Config struct {
	Provider     string             `mapstructure:"provider"`
	Log          LogConfig          `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`
	Render       RenderConfig       `mapstructure:"render"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Store        StoreConfig        `mapstructure:"store"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	Gemini       GeminiConfig       `mapstructure:"gemini"`
	Ollama       OllamaConfig       `mapstructure:"ollama"`
	OpenAICompat OpenAICompatConfig `mapstructure:"openai_compat"`
	Debug        DebugConfig        `mapstructure:"debug"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// RenderRateLimit is the number of render requests per second allowed
	// on one websocket connection. Zero disables the limit.
	RenderRateLimit float64       `mapstructure:"render_rate_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PersistTimeout  time.Duration `mapstructure:"persist_timeout"`
}

type RenderConfig struct {
	InitTimeout time.Duration `mapstructure:"init_timeout"`
	LightStyle  string        `mapstructure:"light_style"`
	DarkStyle   string        `mapstructure:"dark_style"`
	CacheSize   int           `mapstructure:"cache_size"`
}

type StreamConfig struct {
	SplitTokens bool `mapstructure:"split_tokens"`
	MaxPending  int  `mapstructure:"max_pending"`
}

type StoreConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"` // empty uses the XDG data dir
	MaxAgeDays    int    `mapstructure:"max_age_days"`
	PruneSchedule string `mapstructure:"prune_schedule"` // cron expression
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// OllamaConfig targets the native /api/chat endpoint, which streams
// newline-delimited JSON.
type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// OpenAICompatConfig targets any server speaking the chat completions SSE
// protocol.
type OpenAICompatConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// DebugConfig drives the offline provider that replays canned markdown.
type DebugConfig struct {
	Variant string `mapstructure:"variant"` // fast, normal, slow, realtime, burst
	File    string `mapstructure:"file"`    // optional markdown file to replay
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "anthropic")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.render_rate_limit", 20.0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.persist_timeout", 15*time.Second)

	v.SetDefault("render.init_timeout", 3*time.Second)
	v.SetDefault("render.light_style", "github")
	v.SetDefault("render.dark_style", "github-dark")
	v.SetDefault("render.cache_size", 512)

	v.SetDefault("stream.split_tokens", false)
	v.SetDefault("stream.max_pending", 0)

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", "")
	v.SetDefault("store.max_age_days", 0)
	v.SetDefault("store.prune_schedule", "@daily")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)

	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("openai.model", "gpt-5.2")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("gemini.model", "gemini-3-flash-preview")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3.2")
	v.SetDefault("openai_compat.base_url", "")
	v.SetDefault("openai_compat.api_key", "")
	v.SetDefault("openai_compat.model", "")
	v.SetDefault("debug.variant", "normal")
	v.SetDefault("debug.file", "")
}

// Load reads config.yaml from path, or from the XDG config directory and
// the working directory when path is empty. A missing file is not an error.
// Every key can be overridden with an MDSTREAM_ environment variable, for
// example MDSTREAM_SERVER_PORT.
func Load(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolveCredentials()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Settings returns the merged settings as a nested map, with credentials
// replaced by "<set>" or "". The second result is the file that was read,
// empty when only defaults and environment apply.
func Settings(path string) (map[string]any, string, error) {
	v, err := read(path)
	if err != nil {
		return nil, "", err
	}
	settings := v.AllSettings()
	redact(settings)
	return settings, v.ConfigFileUsed(), nil
}

func read(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MDSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		configDir, err := GetConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config dir: %w", err)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

func redact(settings map[string]any) {
	for key, value := range settings {
		switch val := value.(type) {
		case map[string]any:
			redact(val)
		case string:
			if key == "api_key" && val != "" {
				settings[key] = "<set>"
			}
		}
	}
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Render.InitTimeout <= 0 {
		return fmt.Errorf("render.init_timeout must be positive, got %s", c.Render.InitTimeout)
	}
	if c.Stream.MaxPending < 0 {
		return fmt.Errorf("stream.max_pending must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// ApplyOverrides applies provider and model overrides to the config.
// If provider is non-empty, it overrides the global provider.
// If model is non-empty, it overrides the model for the active provider.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model == "" {
		return
	}
	switch c.Provider {
	case "anthropic":
		c.Anthropic.Model = model
	case "openai":
		c.OpenAI.Model = model
	case "gemini":
		c.Gemini.Model = model
	case "ollama":
		c.Ollama.Model = model
	case "openai_compat", "openai-compat":
		c.OpenAICompat.Model = model
	case "debug":
		c.Debug.Variant = model
	}
}

// resolveCredentials expands $VAR references and falls back to the
// provider's conventional environment variable.
func (c *Config) resolveCredentials() {
	c.Anthropic.APIKey = keyOrEnv(c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	c.OpenAI.APIKey = keyOrEnv(c.OpenAI.APIKey, "OPENAI_API_KEY")
	c.Gemini.APIKey = keyOrEnv(c.Gemini.APIKey, "GEMINI_API_KEY")
	c.OpenAICompat.APIKey = expandEnv(c.OpenAICompat.APIKey)
	c.OpenAICompat.BaseURL = expandEnv(c.OpenAICompat.BaseURL)
	c.Ollama.BaseURL = expandEnv(c.Ollama.BaseURL)
}

func keyOrEnv(value, envVar string) string {
	value = expandEnv(value)
	if value == "" {
		value = os.Getenv(envVar)
	}
	return value
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for mdstream.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, AppName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", AppName), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}
