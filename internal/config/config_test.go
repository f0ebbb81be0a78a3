package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		Provider: "anthropic",
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-5.2",
		},
		Gemini: GeminiConfig{
			Model: "gemini-3-flash-preview",
		},
	}

	cfg.ApplyOverrides("openai", "gpt-4o")
	if cfg.Provider != "openai" {
		t.Fatalf("provider=%q, want %q", cfg.Provider, "openai")
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "gpt-4o")
	}
	if cfg.Anthropic.Model != "claude-sonnet-4-5" {
		t.Fatalf("anthropic model changed unexpectedly: %q", cfg.Anthropic.Model)
	}

	cfg.ApplyOverrides("", "gpt-4.1-mini")
	if cfg.Provider != "openai" {
		t.Fatalf("provider changed unexpectedly: %q", cfg.Provider)
	}
	if cfg.OpenAI.Model != "gpt-4.1-mini" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "gpt-4.1-mini")
	}

	cfg.ApplyOverrides("debug", "burst")
	if cfg.Debug.Variant != "burst" {
		t.Fatalf("debug variant=%q, want burst", cfg.Debug.Variant)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("provider=%q", cfg.Provider)
	}
	if cfg.Render.InitTimeout != 3*time.Second {
		t.Errorf("init timeout=%s, want 3s", cfg.Render.InitTimeout)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port=%d", cfg.Server.Port)
	}
	if !cfg.Store.Enabled {
		t.Error("store should be enabled by default")
	}
	if cfg.Anthropic.APIKey != "sk-test" {
		t.Errorf("api key=%q, want env fallback", cfg.Anthropic.APIKey)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `provider: ollama
server:
  port: 9000
render:
  init_timeout: 500ms
  dark_style: dracula
stream:
  split_tokens: true
openai_compat:
  api_key: ${MY_COMPAT_KEY}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MY_COMPAT_KEY", "compat-secret")
	t.Setenv("MDSTREAM_SERVER_PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "ollama" {
		t.Errorf("provider=%q", cfg.Provider)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port=%d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Render.InitTimeout != 500*time.Millisecond {
		t.Errorf("init timeout=%s", cfg.Render.InitTimeout)
	}
	if cfg.Render.DarkStyle != "dracula" {
		t.Errorf("dark style=%q", cfg.Render.DarkStyle)
	}
	if !cfg.Stream.SplitTokens {
		t.Error("split tokens not loaded")
	}
	if cfg.OpenAICompat.APIKey != "compat-secret" {
		t.Errorf("compat key=%q", cfg.OpenAICompat.APIKey)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SOME_VAR", "value")
	tests := map[string]string{
		"${SOME_VAR}": "value",
		"$SOME_VAR":   "value",
		"literal":     "literal",
		"":            "",
	}
	for in, want := range tests {
		if got := expandEnv(in); got != want {
			t.Errorf("expandEnv(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestSettingsRedactsKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "anthropic:\n  api_key: sk-secret\nserver:\n  port: 9001\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	settings, used, err := Settings(path)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if used != path {
		t.Errorf("config file used=%q, want %q", used, path)
	}
	anthropic, ok := settings["anthropic"].(map[string]any)
	if !ok {
		t.Fatalf("anthropic section missing: %#v", settings)
	}
	if anthropic["api_key"] != "<set>" {
		t.Errorf("api_key=%v, want redacted", anthropic["api_key"])
	}
	openai := settings["openai"].(map[string]any)
	if openai["api_key"] != "" {
		t.Errorf("unset openai api_key=%v, want empty", openai["api_key"])
	}
	server := settings["server"].(map[string]any)
	if fmt.Sprint(server["port"]) != "9001" {
		t.Errorf("port=%v (%T)", server["port"], server["port"])
	}
}
