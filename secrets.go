package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// loadSecrets reads KEY=value pairs from the secrets file.
// A missing file is not an error, credentials then come from the environment.
func loadSecrets(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debugf("No secrets file at %s, using environment", path)
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("error reading secrets file %s: %w", path, err)
	}
	log.Infof("Loaded %d secret(s) from %s", len(values), path)
	return values, nil
}

// applySecrets copies the credentials found in the secrets file over the environment values.
// Secrets are held in memory only and never written back.
func applySecrets(values map[string]string) {
	if v := strings.TrimSpace(values["OPENAI_API_KEY"]); v != "" {
		openaiAPIKey = v
	}
	if v := strings.TrimSpace(values["GOOGLEAI_API_KEY"]); v != "" {
		googleaiAPIKey = v
	}
	if v := strings.TrimSpace(values["OLLAMA_API_TOKEN"]); v != "" {
		ollamaAPIToken = v
	}
	openaiAPIKey = strings.TrimSpace(openaiAPIKey)
}
