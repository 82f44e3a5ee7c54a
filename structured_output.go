package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"api-mapping-assistant/knowledge"

	"github.com/tmc/langchaingo/llms"
)

var (
	errInvalidMappingRequest = errors.New("at least one of source_fields or sample is required")
	errUnusableOutput        = errors.New("the model returned an unusable mapping suggestion")
)

// callLLMWithStructuredOutput makes a text-only LLM call asking for a JSON reply
func (app *App) callLLMWithStructuredOutput(ctx context.Context, prompt string) (*llms.ContentResponse, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, app.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	return app.LLM.GenerateContent(ctx, messages, llms.WithJSONMode())
}

// suggestMappings asks the LLM for field mappings grounded on the knowledge base excerpts relevant to req
func (app *App) suggestMappings(ctx context.Context, req MappingRequest) (*MappingResponse, error) {
	fields := make([]string, 0, len(req.SourceFields))
	for _, f := range req.SourceFields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 && strings.TrimSpace(req.Sample) == "" {
		return nil, errInvalidMappingRequest
	}

	var excerpts []knowledge.Excerpt
	if app.Index != nil {
		query := strings.Join(append([]string{req.TargetAPI, req.Sample}, fields...), " ")
		found, err := app.Index.Search(ctx, query, app.topK)
		if err != nil {
			return nil, fmt.Errorf("error searching knowledge base: %w", err)
		}
		excerpts = found
	}

	templateMutex.RLock()
	tmpl := mappingTemplate
	templateMutex.RUnlock()
	if tmpl == nil {
		return nil, errors.New("mapping prompt template is not loaded")
	}

	data := map[string]interface{}{
		"SourceFields": fields,
		"Sample":       req.Sample,
		"TargetAPI":    strings.TrimSpace(req.TargetAPI),
	}

	availableTokens, err := getAvailableTokensForContent(tmpl, data)
	if err != nil {
		return nil, fmt.Errorf("error calculating available tokens: %w", err)
	}
	content, err := truncateContentByTokens(formatExcerpts(excerpts), availableTokens)
	if err != nil {
		return nil, fmt.Errorf("error truncating knowledge base excerpts: %w", err)
	}
	data["Content"] = content

	var promptBuffer bytes.Buffer
	if err := tmpl.Execute(&promptBuffer, data); err != nil {
		return nil, fmt.Errorf("error executing mapping template: %w", err)
	}
	log.Debugf("Mapping prompt: %s", promptBuffer.String())

	resp, err := app.callLLMWithStructuredOutput(ctx, promptBuffer.String())
	if err != nil {
		return nil, fmt.Errorf("error getting response from LLM: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", errUnusableOutput)
	}

	var mapping MappingResponse
	if err := parseStructuredResponse(resp.Choices[0].Content, &mapping); err != nil {
		log.Warnf("Unusable mapping reply: %v", err)
		return nil, fmt.Errorf("%w: %v", errUnusableOutput, err)
	}
	return cleanMappings(&mapping), nil
}

// formatExcerpts renders excerpts as "[source]" headed blocks
func formatExcerpts(excerpts []knowledge.Excerpt) string {
	if len(excerpts) == 0 {
		return "(no matching documentation found)"
	}
	blocks := make([]string, len(excerpts))
	for i, e := range excerpts {
		blocks[i] = fmt.Sprintf("[%s]\n%s", e.Source, e.Content)
	}
	return strings.Join(blocks, "\n\n")
}

// cleanMappings drops mappings missing a source or target field
func cleanMappings(m *MappingResponse) *MappingResponse {
	kept := make([]FieldMapping, 0, len(m.Mappings))
	for _, fm := range m.Mappings {
		fm.SourceField = strings.TrimSpace(fm.SourceField)
		fm.TargetField = strings.TrimSpace(fm.TargetField)
		if fm.SourceField == "" || fm.TargetField == "" {
			continue
		}
		kept = append(kept, fm)
	}
	m.Mappings = kept
	if m.Unmapped == nil {
		m.Unmapped = []string{}
	}
	return m
}

// parseStructuredResponse parses a JSON reply after removing reasoning and markdown code fences
func parseStructuredResponse(response string, target interface{}) error {
	cleaned := stripCodeFences(stripReasoning(response))
	if cleaned == "" {
		return errors.New("empty response")
	}
	if err := json.Unmarshal([]byte(cleaned), target); err != nil {
		return fmt.Errorf("failed to parse structured response: %w", err)
	}
	return nil
}

// stripReasoning removes the reasoning from the content indicated by <think> and </think> tags.
func stripReasoning(content string) string {
	reasoningStart := strings.Index(content, "<think>")
	if reasoningStart != -1 {
		reasoningEnd := strings.Index(content, "</think>")
		if reasoningEnd != -1 {
			content = content[:reasoningStart] + content[reasoningEnd+len("</think>"):]
		}
	}
	return strings.TrimSpace(content)
}

// stripCodeFences unwraps a reply enclosed in ``` or ```json fences
func stripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if nl := strings.Index(content, "\n"); nl != -1 {
		content = content[nl+1:]
	} else {
		content = ""
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
