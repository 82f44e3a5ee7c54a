package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"api-mapping-assistant/knowledge"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
)

// CompletionBackend answers from the local knowledge index with a chat completion LLM
type CompletionBackend struct {
	llm          llms.Model
	model        string
	systemPrompt string
	kbDir        string
	index        *knowledge.Index
	history      *HistoryStore
	state        *StateStore
	topK         int
	tokenLimit   int
}

func newCompletionBackend(config Config) *CompletionBackend {
	topK := config.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &CompletionBackend{
		llm:          config.LLM,
		model:        config.Model,
		systemPrompt: config.SystemPrompt,
		kbDir:        config.KnowledgeBaseDir,
		index:        config.Index,
		history:      config.History,
		state:        config.State,
		topK:         topK,
		tokenLimit:   config.TokenLimit,
	}
}

// Initialize indexes the knowledge base unless it is already indexed
func (b *CompletionBackend) Initialize(ctx context.Context) (Resources, InitStatus, error) {
	indexStatus := InitRetrieved
	count, err := b.index.Count(ctx, knowledge.OriginKnowledgeBase)
	if err != nil {
		return Resources{}, "", fmt.Errorf("error reading local index: %w", err)
	}

	state := b.state.Load()
	if count == 0 || state.KnowledgeBaseFiles == nil {
		n, err := b.index.SyncKnowledgeBase(ctx, b.kbDir)
		if err != nil {
			return Resources{}, "", fmt.Errorf("error indexing knowledge base: %w", err)
		}
		indexStatus = InitCreated
		state, err = b.state.Update(func(s *State) {
			s.CreatedAt = unixNow()
			s.KnowledgeBaseFiles = &n
		})
		if err != nil {
			log.Warnf("Failed to save assistant config: %v", err)
		}
	}

	assistantStatus := InitRetrieved
	if state.AssistantCreatedAt == 0 {
		assistantStatus = InitCreated
		if _, err := b.state.Update(func(s *State) { s.AssistantCreatedAt = unixNow() }); err != nil {
			log.Warnf("Failed to save assistant config: %v", err)
		}
	}

	status := combineStatus(indexStatus, assistantStatus)
	log.WithField("status", status).Info("Completion backend initialized")
	return Resources{}, status, nil
}

// CreateThread starts a local conversation
func (b *CompletionBackend) CreateThread(ctx context.Context) (string, error) {
	return b.history.CreateThread(ctx, "")
}

// SendMessage only validates the message. The conversation itself is kept in the history store.
func (b *CompletionBackend) SendMessage(_ context.Context, threadID, content string) error {
	if threadID == "" {
		return fmt.Errorf("missing thread id")
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("empty message")
	}
	return nil
}

// Run answers the latest user message of the thread
func (b *CompletionBackend) Run(ctx context.Context, threadID string) (string, RunStatus, error) {
	logger := log.WithField("thread_id", threadID)

	history, err := b.history.Messages(ctx, threadID)
	if err != nil {
		return "", RunFailed, fmt.Errorf("error loading conversation: %w", err)
	}
	question := lastUserMessage(history)
	if question == "" {
		return "", RunFailed, fmt.Errorf("thread %s has no user message", threadID)
	}

	excerpts, err := b.index.Search(ctx, question, b.topK)
	if err != nil {
		return "", RunFailed, fmt.Errorf("error searching knowledge base: %w", err)
	}

	system, err := b.systemMessage(history, excerpts)
	if err != nil {
		return "", RunFailed, err
	}

	messages := make([]llms.MessageContent, 0, len(history)+1)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	for _, m := range history {
		role := llms.ChatMessageTypeHuman
		if m.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, m.Content))
	}

	logger.WithFields(logrus.Fields{
		"messages": len(messages),
		"excerpts": len(excerpts),
	}).Debug("Calling LLM")

	resp, err := b.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", RunFailed, fmt.Errorf("error getting response from LLM: %w", err)
	}
	if len(resp.Choices) == 0 {
		logger.Warn("LLM returned no choices")
		return "", RunFailed, nil
	}

	return strings.TrimSpace(resp.Choices[0].Content), RunCompleted, nil
}

// systemMessage combines the system prompt with the excerpts that fit the token budget
func (b *CompletionBackend) systemMessage(history []Message, excerpts []knowledge.Excerpt) (string, error) {
	if len(excerpts) == 0 {
		return b.systemPrompt, nil
	}

	var sb strings.Builder
	for _, e := range excerpts {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", e.Source, strings.TrimSpace(e.Content))
	}
	block := strings.TrimSpace(sb.String())

	fixed := []string{b.systemPrompt}
	for _, m := range history {
		fixed = append(fixed, m.Content)
	}
	available, err := AvailableTokens(b.model, b.tokenLimit, fixed...)
	if err != nil {
		return "", err
	}
	block, err = TruncateByTokens(b.model, block, available)
	if err != nil {
		return "", err
	}
	if block == "" {
		return b.systemPrompt, nil
	}

	return b.systemPrompt + "\n\nRelevant knowledge base excerpts:\n\n" + block, nil
}

// AddFiles is a no-op: uploads are indexed locally before they reach the backend
func (b *CompletionBackend) AddFiles(_ context.Context, files []knowledge.File) error {
	log.WithField("files", len(files)).Debug("Uploaded files are served from the local index")
	return nil
}

// Cleanup drops the local index, every conversation and the config file
func (b *CompletionBackend) Cleanup(ctx context.Context) []CleanupResult {
	var results []CleanupResult

	if err := b.index.Clear(ctx); err != nil {
		results = append(results, cleanupError(ResourceLocalIndex, err))
	} else {
		results = append(results, CleanupResult{Resource: ResourceLocalIndex, Result: "deleted"})
	}

	if err := b.history.Clear(ctx); err != nil {
		results = append(results, cleanupError(ResourceThreads, err))
	} else {
		results = append(results, CleanupResult{Resource: ResourceThreads, Result: "deleted"})
	}

	return removeStateFile(b.state, results)
}

// Status reports the local index as the vector store and the initialized model as the assistant
func (b *CompletionBackend) Status() SystemStatus {
	return b.state.Status(BackendCompletion)
}

func lastUserMessage(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
