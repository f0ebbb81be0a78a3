package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	var out, errOut bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

const sampleMarkdown = "Intro\n\n```go:main.go\npackage main\n```\n\n```python\nprint(1)\n```\n\n```go\nfunc x() {}\n```\n"

func TestExtractJSON(t *testing.T) {
	extractOutput = ""
	out, err := execute(t, sampleMarkdown, "extract")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var blocks []extractedBlock
	if err := json.Unmarshal([]byte(out), &blocks); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	want := []string{"main.go", "snippet-2.py", "snippet-3.go"}
	for i, b := range blocks {
		if b.Filename != want[i] {
			t.Errorf("block %d filename=%q, want %q", i, b.Filename, want[i])
		}
	}
	if blocks[0].Text != "package main" {
		t.Errorf("block 0 text=%q", blocks[0].Text)
	}
}

func TestExtractToDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	extractOutput = ""
	defer func() { extractOutput = "" }()

	if _, err := execute(t, sampleMarkdown, "extract", "-o", dir); err != nil {
		t.Fatalf("extract: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "snippet-2.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "print(1)" {
		t.Errorf("snippet-2.py=%q", data)
	}
}

func TestUniqueFilenames(t *testing.T) {
	blocks := []extractedBlock{{Filename: "main.go"}, {Filename: "main.go"}, {Filename: "util.go"}, {Filename: "main.go"}}
	uniqueFilenames(blocks)
	got := []string{blocks[0].Filename, blocks[1].Filename, blocks[2].Filename, blocks[3].Filename}
	want := []string{"main.go", "main-2.go", "util.go", "main-3.go"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("name %d=%q, want %q", i, got[i], want[i])
		}
	}
}

func TestLanguagesTable(t *testing.T) {
	languagesJSON = false
	out, err := execute(t, "", "languages")
	if err != nil {
		t.Fatalf("languages: %v", err)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("missing header: %q", out)
	}
	if !strings.Contains(out, "javascript") || !strings.Contains(out, ".js") {
		t.Errorf("javascript row missing: %q", out)
	}
}

func TestRenderHTML(t *testing.T) {
	renderHTML = false
	defer func() { renderHTML = false }()

	out, err := execute(t, "# Title\n\n```go\nx := 1\n```\n", "render", "--html")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "<h1>Title</h1>") {
		t.Errorf("heading missing: %q", out)
	}
	if !strings.Contains(out, `class="md-code"`) {
		t.Errorf("code placeholder missing: %q", out)
	}
}

func TestReplayWritesEverything(t *testing.T) {
	replayChunk, replayShow = 0, false
	defer func() { replayChunk = 0 }()

	out, err := execute(t, "", "replay", "--chunk", "2", "-")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out != "" {
		t.Errorf("empty stdin produced %q", out)
	}

	path := filepath.Join(t.TempDir(), "reply.md")
	if err := os.WriteFile(path, []byte(sampleMarkdown), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "", "replay", "--chunk", "3", path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out != sampleMarkdown {
		t.Errorf("replayed %q, want %q", out, sampleMarkdown)
	}
}

func TestTimingSinkShow(t *testing.T) {
	var buf bytes.Buffer
	s := &timingSink{out: &buf, show: true}
	n, err := s.Write([]byte("**bold**"))
	if err != nil || n != 8 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if _, err := s.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if s.writes != 2 {
		t.Errorf("writes=%d", s.writes)
	}
	if !strings.Contains(buf.String(), `"**bold**"`) {
		t.Errorf("emission not quoted: %q", buf.String())
	}
}

func TestConfigShowRedacts(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("anthropic:\n  api_key: sk-live\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	defer func() { configFile = "" }()

	out, err := execute(t, "", "--config", path, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if strings.Contains(out, "sk-live") {
		t.Errorf("api key leaked: %q", out)
	}
	if !strings.Contains(out, "<set>") {
		t.Errorf("redacted key missing: %q", out)
	}
}

func TestAskWithDebugProvider(t *testing.T) {
	askNoStore = false
	defer func() { askProvider, askNoStore = "", false }()

	out, err := execute(t, "", "ask", "-p", "debug:instant", "--no-store", "hello")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(out, "# Debug Provider Output") {
		t.Errorf("debug markdown missing: %q", out)
	}
}
