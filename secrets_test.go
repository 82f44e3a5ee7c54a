package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSecrets(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		values, err := loadSecrets(filepath.Join(dir, "absent.env"))
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("no path", func(t *testing.T) {
		values, err := loadSecrets("")
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("reads values", func(t *testing.T) {
		path := filepath.Join(dir, "secrets.env")
		require.NoError(t, os.WriteFile(path, []byte("OPENAI_API_KEY=\"sk-from-file\"\n# comment\nOLLAMA_API_TOKEN=token\n"), 0600))

		values, err := loadSecrets(path)
		require.NoError(t, err)
		assert.Equal(t, "sk-from-file", values["OPENAI_API_KEY"])
		assert.Equal(t, "token", values["OLLAMA_API_TOKEN"])
	})
}

func TestApplySecrets(t *testing.T) {
	openaiKey, googleKey, ollamaToken := openaiAPIKey, googleaiAPIKey, ollamaAPIToken
	t.Cleanup(func() {
		openaiAPIKey, googleaiAPIKey, ollamaAPIToken = openaiKey, googleKey, ollamaToken
	})

	openaiAPIKey = " sk-env "
	googleaiAPIKey = "google-env"
	ollamaAPIToken = ""

	applySecrets(map[string]string{"GOOGLEAI_API_KEY": " google-file ", "OPENAI_API_KEY": "  "})
	assert.Equal(t, "sk-env", openaiAPIKey, "blank secrets keep the environment value")
	assert.Equal(t, "google-file", googleaiAPIKey)
	assert.Empty(t, ollamaAPIToken)

	applySecrets(map[string]string{"OPENAI_API_KEY": "sk-file"})
	assert.Equal(t, "sk-file", openaiAPIKey)
}
