package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

const mappingPromptFile = "mapping_prompt.tmpl"

var errInvalidPrompt = errors.New("invalid prompt")

var (
	mappingTemplate *template.Template
	templateMutex   sync.RWMutex

	// Default templates
	defaultMappingTemplate = `You are an expert in mapping business data to {{ .TargetAPI | default "our compliance screening APIs" }}.
Suggest how each source field maps to a field of the API described in the documentation below.
{{- if .SourceFields }}

Source fields:
{{- range .SourceFields }}
- {{ . | trim }}
{{- end }}
{{- end }}
{{- if .Sample }}

Sample data:
{{ .Sample | trim }}
{{- end }}

API documentation:
{{ .Content }}

Respond only with a JSON object of this form, without any additional text:
{"think": "short reasoning", "mappings": [{"source_field": "...", "target_field": "...", "transformation": "...", "required": true, "notes": "..."}], "unmapped": ["..."]}
Only use target fields described in the documentation. List source fields without a sensible target under "unmapped".
`

	defaultSystemPrompt = `You are an expert API mapping assistant specializing in compliance screening APIs.

Your primary role is to:
1. Help users understand how to map their business data to compliance screening API endpoints
2. Provide guidance on data transformation and field mapping
3. Answer questions about API integration and best practices
4. Explain compliance screening concepts and requirements

You have access to comprehensive knowledge base documentation about the compliance screening APIs. Use this knowledge to provide accurate, detailed guidance.

When users upload their business data files, analyze them and provide specific mapping recommendations. Always be helpful, accurate, and provide practical implementation guidance.`

	// promptDefaults lists every editable prompt file with its default content
	promptDefaults = map[string]string{
		mappingPromptFile: defaultMappingTemplate,
	}
)

// parsePromptTemplate parses a prompt with the sprig function map
func parsePromptTemplate(name, content string) (*template.Template, error) {
	return template.New(name).Funcs(sprig.FuncMap()).Parse(content)
}

// loadTemplates loads the prompt templates from dir, writing the defaults for missing files
func loadTemplates(dir string) error {
	templateMutex.Lock()
	defer templateMutex.Unlock()

	// Ensure prompts directory exists
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create prompts directory: %w", err)
	}

	mappingTemplatePath := filepath.Join(dir, mappingPromptFile)
	content, err := os.ReadFile(mappingTemplatePath)
	if err != nil {
		log.Infof("Could not read %s, using default template: %v", mappingTemplatePath, err)
		content = []byte(defaultMappingTemplate)
		if err := os.WriteFile(mappingTemplatePath, content, 0644); err != nil {
			return fmt.Errorf("failed to write default mapping template to disk: %w", err)
		}
	}

	tmpl, err := parsePromptTemplate("mapping", string(content))
	if err != nil {
		return fmt.Errorf("failed to parse mapping template: %w", err)
	}
	mappingTemplate = tmpl
	return nil
}

// readPrompts returns the content of every editable prompt, falling back to the defaults
func readPrompts(dir string) map[string]string {
	templateMutex.RLock()
	defer templateMutex.RUnlock()

	prompts := make(map[string]string, len(promptDefaults))
	for name, fallback := range promptDefaults {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			content = []byte(fallback)
		}
		prompts[name] = string(content)
	}
	return prompts
}

// promptFileNames returns the editable prompt files in stable order
func promptFileNames() []string {
	names := make([]string, 0, len(promptDefaults))
	for name := range promptDefaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// savePrompt validates and stores a prompt template, replacing the active template
func savePrompt(dir, filename, content string) error {
	if filename == "" || filename != filepath.Base(filename) || strings.Contains(filename, "..") {
		return fmt.Errorf("%w: invalid filename %q", errInvalidPrompt, filename)
	}
	if _, ok := promptDefaults[filename]; !ok {
		return fmt.Errorf("%w: unknown prompt %q, expected one of %s", errInvalidPrompt, filename, strings.Join(promptFileNames(), ", "))
	}

	tmpl, err := parsePromptTemplate(strings.TrimSuffix(filename, filepath.Ext(filename)), content)
	if err != nil {
		return fmt.Errorf("%w: invalid template: %v", errInvalidPrompt, err)
	}

	templateMutex.Lock()
	defer templateMutex.Unlock()

	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0644); err != nil {
		log.Errorf("Failed to write %s: %v", filename, err)
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	mappingTemplate = tmpl
	return nil
}

// loadSystemPrompt reads the assistant instructions, using the built-in prompt when the file is missing or empty
func loadSystemPrompt(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		log.Infof("System prompt file %s not found, using default instructions", path)
		return defaultSystemPrompt
	}
	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		log.Warnf("System prompt file %s is empty, using default instructions", path)
		return defaultSystemPrompt
	}
	return prompt
}
