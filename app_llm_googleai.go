package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"google.golang.org/genai"
)

// GoogleAIProvider implements llms.Model and the embeddings client for the Gemini API using google.golang.org/genai
type GoogleAIProvider struct {
	client *genai.Client
	model  string
}

// NewGoogleAIProvider creates a new GoogleAIProvider instance
func NewGoogleAIProvider(ctx context.Context, model string, apiKey string) (*GoogleAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLEAI_API_KEY environment variable is not set")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create googleai client: %w", err)
	}

	return &GoogleAIProvider{
		client: client,
		model:  model,
	}, nil
}

// toGeminiContents converts a langchaingo conversation. System messages become the system instruction.
func toGeminiContents(messages []llms.MessageContent) ([]*genai.Content, *genai.Content) {
	var (
		contents []*genai.Content
		system   []string
	)
	for _, m := range messages {
		var parts []*genai.Part
		for _, p := range m.Parts {
			if text, ok := p.(llms.TextContent); ok && text.Text != "" {
				parts = append(parts, &genai.Part{Text: text.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}

		switch m.Role {
		case llms.ChatMessageTypeSystem:
			for _, p := range parts {
				system = append(system, p.Text)
			}
		case llms.ChatMessageTypeAI:
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		}
	}

	if len(system) == 0 {
		return contents, nil
	}
	return contents, &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
}

/*
GenerateContent implements the llms.Model interface for GoogleAIProvider.
It maps the conversation to Gemini contents and wraps the first candidate.
*/
func (p *GoogleAIProvider) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if p.client == nil {
		return nil, fmt.Errorf("googleai client not initialized")
	}

	contents, system := toGeminiContents(messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no prompt provided")
	}

	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	genConfig := &genai.GenerateContentConfig{SystemInstruction: system}
	if opts.JSONMode {
		genConfig.ResponseMIMEType = "application/json"
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, genConfig)
	if err != nil {
		return nil, fmt.Errorf("googleai GenerateContent API error: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("googleai GenerateContent API returned empty response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("googleai GenerateContent API returned a candidate with no content parts")
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{
				Content:    sb.String(),
				StopReason: string(candidate.FinishReason),
			},
		},
	}, nil
}

// Call implements the llms.Model interface for compatibility with langchaingo.
// It takes a plain string prompt and returns the generated text.
func (p *GoogleAIProvider) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, p, prompt, options...)
}

// CreateEmbedding implements embeddings.EmbedderClient
func (p *GoogleAIProvider) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{Role: "user", Parts: []*genai.Part{{Text: text}}}
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("googleai EmbedContent API error: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("googleai EmbedContent API returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vectors[i] = e.Values
	}
	return vectors, nil
}

// ProviderName returns the provider name
func (p *GoogleAIProvider) ProviderName() string {
	return "googleai"
}
