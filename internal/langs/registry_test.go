package langs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryLoads(t *testing.T) {
	r := Default()
	require.NotNil(t, r)
	assert.Positive(t, r.Version())
	assert.NotEmpty(t, r.Languages())
}

func TestLookups(t *testing.T) {
	tests := []struct {
		id        string
		supported bool
		ext       string
		name      string
	}{
		{"js", true, "js", "JavaScript"},
		{"JavaScript", true, "js", "JavaScript"},
		{"python", true, "py", "Python"},
		{" go ", true, "go", "Go"},
		{"yml", true, "yaml", "YAML"},
		{"text", true, "txt", "Plain Text"},
		{"not-a-real-language", false, "txt", "Unknown"},
		{"", false, "txt", "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.supported, IsSupported(tt.id))
			assert.Equal(t, tt.ext, ExtensionFor(tt.id))
			assert.Equal(t, tt.name, DisplayNameFor(tt.id))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "js", Normalize("JS"))
	assert.Equal(t, "python", Normalize("python"))
	assert.Equal(t, FallbackID, Normalize("brainfudge"))
	assert.Equal(t, FallbackID, Normalize(""))
}

func TestParseRejectsDuplicateAlias(t *testing.T) {
	_, err := Parse([]byte(`
languages:
  - {id: a, extension: a, name: A, aliases: [x]}
  - {id: b, extension: b, name: B, aliases: [X]}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"x"`)
}

func TestParseRejectsMissingExtension(t *testing.T) {
	_, err := Parse([]byte("languages:\n  - {id: a, name: A}\n"))
	require.Error(t, err)
}

func TestLanguagesReturnsCopy(t *testing.T) {
	r := Default()
	list := r.Languages()
	list[0].ID = "mutated"
	assert.NotEqual(t, "mutated", r.Languages()[0].ID)
}
