package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// createLLM creates the appropriate LLM client based on the provider, wrapped with rate limiting and retries
func createLLM() (llms.Model, error) {
	var (
		llm llms.Model
		err error
	)

	switch strings.ToLower(llmProvider) {
	case "openai":
		if openaiAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is not set")
		}
		opts := []openai.Option{
			openai.WithModel(llmModel),
			openai.WithToken(openaiAPIKey),
		}
		if openaiBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(openaiBaseURL))
		}
		llm, err = openai.New(opts...)
	case "ollama":
		llm, err = ollama.New(ollamaOptions(llmModel)...)
	case "googleai":
		llm, err = NewGoogleAIProvider(context.Background(), llmModel, googleaiAPIKey)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", llmProvider)
	}
	if err != nil {
		return nil, err
	}

	log.WithField("provider", llmProvider).WithField("model", llmModel).Info("LLM client created")
	return NewRateLimitedLLM(llm, RateLimitConfig{
		RequestsPerMinute: requestsPerMinute,
		MaxRetries:        maxRetries,
		BackoffMaxWait:    backoffMaxWait,
	}), nil
}

// createEmbedder returns the embedder for the local index, or nil when EMBEDDING_MODEL is unset
func createEmbedder() (embeddings.Embedder, error) {
	if embeddingModel == "" {
		log.Info("EMBEDDING_MODEL not set, the local index ranks by term overlap")
		return nil, nil
	}

	var client embeddings.EmbedderClient
	switch strings.ToLower(llmProvider) {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(openaiAPIKey),
			openai.WithEmbeddingModel(embeddingModel),
		}
		if openaiBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(openaiBaseURL))
		}
		c, err := openai.New(opts...)
		if err != nil {
			return nil, err
		}
		client = c
	case "ollama":
		c, err := ollama.New(ollamaOptions(embeddingModel)...)
		if err != nil {
			return nil, err
		}
		client = c
	case "googleai":
		c, err := NewGoogleAIProvider(context.Background(), embeddingModel, googleaiAPIKey)
		if err != nil {
			return nil, err
		}
		client = c
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", llmProvider)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, err
	}
	log.WithField("model", embeddingModel).Info("Embedding retrieval enabled")
	return embedder, nil
}

// ollamaOptions builds the client options, authenticating with OLLAMA_API_TOKEN when set
func ollamaOptions(model string) []ollama.Option {
	opts := []ollama.Option{
		ollama.WithModel(model),
		ollama.WithServerURL(ollamaHost),
	}
	if ollamaAPIToken != "" {
		opts = append(opts, ollama.WithHTTPClient(NewHttpClientWithBearerTransport(ollamaAPIToken)))
	}
	return opts
}
