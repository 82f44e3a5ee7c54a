package main

import (
	"bytes"
	"fmt"
	"text/template"

	"api-mapping-assistant/assistant"
)

// getAvailableTokensForContent calculates how many tokens are available for content
// by rendering the template with empty content and counting tokens
func getAvailableTokensForContent(tmpl *template.Template, data map[string]interface{}) (int, error) {
	if tokenLimit <= 0 {
		return -1, nil // No limit when disabled
	}

	// Create a copy of data and set "Content" to empty
	templateData := make(map[string]interface{})
	for k, v := range data {
		templateData[k] = v
	}
	templateData["Content"] = ""

	// Execute template with empty content
	var promptBuffer bytes.Buffer
	if err := tmpl.Execute(&promptBuffer, templateData); err != nil {
		return 0, fmt.Errorf("error executing template: %w", err)
	}
	log.Debugf("Prompt template uses %d tokens", assistant.CountTokens(llmModel, promptBuffer.String()))

	return assistant.AvailableTokens(llmModel, tokenLimit, promptBuffer.String())
}

// truncateContentByTokens truncates the content so that its token count does not exceed availableTokens
func truncateContentByTokens(content string, availableTokens int) (string, error) {
	if tokenLimit <= 0 {
		return content, nil
	}
	return assistant.TruncateByTokens(llmModel, content, availableTokens)
}
