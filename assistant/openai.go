package assistant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"api-mapping-assistant/knowledge"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNotInitialized is returned when a remote resource is used before Initialize
var ErrNotInitialized = errors.New("assistant is not initialized")

// citationMarker matches file_search annotations such as 【4:0†source】
var citationMarker = regexp.MustCompile(`【[^】]*】`)

// AssistantsBackend implements Backend on top of the OpenAI Assistants API
type AssistantsBackend struct {
	client        *openai.Client
	model         string
	systemPrompt  string
	kbDir         string
	state         *StateStore
	pollInterval  time.Duration
	runTimeout    time.Duration
	uploadWorkers int
}

func newAssistantsBackend(config Config) *AssistantsBackend {
	logger := log.WithField("backend", BackendAssistants)

	// Configure retryablehttp client
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 1 * time.Second
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.Logger = logger

	clientConfig := openai.DefaultConfig(config.OpenAIAPIKey)
	if config.OpenAIBaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.OpenAIBaseURL, "/")
	}
	clientConfig.HTTPClient = httpClient.StandardClient()

	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	runTimeout := config.RunTimeout
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}
	workers := config.UploadWorkers
	if workers <= 0 {
		workers = 1
	}

	return &AssistantsBackend{
		client:        openai.NewClientWithConfig(clientConfig),
		model:         config.Model,
		systemPrompt:  config.SystemPrompt,
		kbDir:         config.KnowledgeBaseDir,
		state:         config.State,
		pollInterval:  pollInterval,
		runTimeout:    runTimeout,
		uploadWorkers: workers,
	}
}

// Initialize reuses or creates the vector store and the assistant
func (b *AssistantsBackend) Initialize(ctx context.Context) (Resources, InitStatus, error) {
	vectorStoreID, vsStatus, err := b.ensureVectorStore(ctx)
	if err != nil {
		return Resources{}, "", fmt.Errorf("error creating vector store: %w", err)
	}

	assistantID, assistantStatus, err := b.ensureAssistant(ctx, vectorStoreID, vsStatus == InitCreated)
	if err != nil {
		return Resources{}, "", fmt.Errorf("error creating assistant: %w", err)
	}

	status := combineStatus(vsStatus, assistantStatus)
	log.WithFields(logrus.Fields{
		"vector_store_id": vectorStoreID,
		"assistant_id":    assistantID,
		"status":          status,
	}).Info("Assistant initialized")

	return Resources{AssistantID: assistantID, VectorStoreID: vectorStoreID}, status, nil
}

func (b *AssistantsBackend) ensureVectorStore(ctx context.Context) (string, InitStatus, error) {
	state := b.state.Load()
	if state.VectorStoreID != "" {
		vs, err := b.client.RetrieveVectorStore(ctx, state.VectorStoreID)
		if err == nil {
			return vs.ID, InitRetrieved, nil
		}
		log.WithError(err).WithField("vector_store_id", state.VectorStoreID).Warn("Previous vector store no longer exists")
		if _, err := b.state.Update(func(s *State) { s.VectorStoreID = "" }); err != nil {
			log.Warnf("Failed to save assistant config: %v", err)
		}
	}

	// Read the knowledge base before creating anything remote
	paths, err := knowledge.ListFiles(b.kbDir)
	if err != nil {
		return "", "", err
	}
	files, err := knowledge.ReadFiles(paths, knowledge.OriginKnowledgeBase)
	if err != nil {
		return "", "", err
	}

	vs, err := b.client.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: vectorStoreName})
	if err != nil {
		return "", "", err
	}
	log.WithField("vector_store_id", vs.ID).Info("Created vector store")

	if len(files) > 0 {
		if err := b.uploadToVectorStore(ctx, vs.ID, files); err != nil {
			return "", "", err
		}
	}

	n := len(files)
	if _, err := b.state.Update(func(s *State) {
		s.VectorStoreID = vs.ID
		s.CreatedAt = unixNow()
		s.KnowledgeBaseFiles = &n
	}); err != nil {
		log.Warnf("Failed to save assistant config: %v", err)
	}

	return vs.ID, InitCreated, nil
}

func (b *AssistantsBackend) ensureAssistant(ctx context.Context, vectorStoreID string, rebind bool) (string, InitStatus, error) {
	state := b.state.Load()
	if state.AssistantID != "" {
		a, err := b.client.RetrieveAssistant(ctx, state.AssistantID)
		if err == nil {
			if rebind {
				// The stored assistant still points at the vector store that disappeared
				if _, err := b.client.ModifyAssistant(ctx, a.ID, b.assistantRequest(vectorStoreID)); err != nil {
					return "", "", fmt.Errorf("error attaching vector store to assistant: %w", err)
				}
				log.WithField("assistant_id", a.ID).Info("Attached new vector store to assistant")
			}
			return a.ID, InitRetrieved, nil
		}
		log.WithError(err).WithField("assistant_id", state.AssistantID).Warn("Previous assistant no longer exists")
		if _, err := b.state.Update(func(s *State) { s.AssistantID = "" }); err != nil {
			log.Warnf("Failed to save assistant config: %v", err)
		}
	}

	a, err := b.client.CreateAssistant(ctx, b.assistantRequest(vectorStoreID))
	if err != nil {
		return "", "", err
	}
	log.WithField("assistant_id", a.ID).Info("Created assistant")

	if _, err := b.state.Update(func(s *State) {
		s.AssistantID = a.ID
		s.AssistantCreatedAt = unixNow()
	}); err != nil {
		log.Warnf("Failed to save assistant config: %v", err)
	}

	return a.ID, InitCreated, nil
}

func (b *AssistantsBackend) assistantRequest(vectorStoreID string) openai.AssistantRequest {
	name := assistantName
	instructions := b.systemPrompt
	return openai.AssistantRequest{
		Model:        b.model,
		Name:         &name,
		Instructions: &instructions,
		Tools: []openai.AssistantTool{
			{Type: openai.AssistantToolTypeFileSearch},
		},
		ToolResources: &openai.AssistantToolResource{
			FileSearch: &openai.AssistantToolFileSearch{
				VectorStoreIDs: []string{vectorStoreID},
			},
		},
	}
}

// uploadToVectorStore uploads files concurrently, attaches them as one batch and waits for indexing
func (b *AssistantsBackend) uploadToVectorStore(ctx context.Context, vectorStoreID string, files []knowledge.File) error {
	logger := log.WithFields(logrus.Fields{
		"vector_store_id": vectorStoreID,
		"files":           len(files),
	})

	fileIDs := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.uploadWorkers)
	for i, f := range files {
		g.Go(func() error {
			uploaded, err := b.client.CreateFileBytes(gctx, openai.FileBytesRequest{
				Name:    f.Name,
				Bytes:   f.Data,
				Purpose: openai.PurposeAssistants,
			})
			if err != nil {
				return fmt.Errorf("error uploading %s: %w", f.Name, err)
			}
			fileIDs[i] = uploaded.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Debug("Uploaded files")

	batch, err := b.client.CreateVectorStoreFileBatch(ctx, vectorStoreID, openai.VectorStoreFileBatchRequest{
		FileIDs: fileIDs,
	})
	if err != nil {
		return fmt.Errorf("error creating file batch: %w", err)
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for batch.Status == "in_progress" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			batch, err = b.client.RetrieveVectorStoreFileBatch(ctx, vectorStoreID, batch.ID)
			if err != nil {
				return fmt.Errorf("error polling file batch: %w", err)
			}
		}
	}

	if batch.Status != "completed" {
		return fmt.Errorf("file batch %s ended with status %s", batch.ID, batch.Status)
	}
	logger.Info("Files added to vector store")
	return nil
}

// CreateThread creates a remote conversation thread
func (b *AssistantsBackend) CreateThread(ctx context.Context) (string, error) {
	thread, err := b.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("error creating thread: %w", err)
	}
	return thread.ID, nil
}

// SendMessage adds a user message to the thread
func (b *AssistantsBackend) SendMessage(ctx context.Context, threadID, content string) error {
	_, err := b.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	})
	if err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}
	return nil
}

// Run starts a run of the stored assistant on the thread and polls it until it ends
func (b *AssistantsBackend) Run(ctx context.Context, threadID string) (string, RunStatus, error) {
	assistantID := b.state.Load().AssistantID
	if assistantID == "" {
		return "", RunFailed, ErrNotInitialized
	}
	logger := log.WithFields(logrus.Fields{
		"thread_id":    threadID,
		"assistant_id": assistantID,
	})

	run, err := b.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return "", RunFailed, fmt.Errorf("error running assistant: %w", err)
	}
	logger = logger.WithField("run_id", run.ID)
	logger.Debug("Started run")

	ctx, cancel := context.WithTimeout(ctx, b.runTimeout)
	defer cancel()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	status := RunStatus(run.Status)
	for !status.Terminal() {
		select {
		case <-ctx.Done():
			return "", RunExpired, fmt.Errorf("run %s did not finish within %v: %w", run.ID, b.runTimeout, ctx.Err())
		case <-ticker.C:
			run, err = b.client.RetrieveRun(ctx, threadID, run.ID)
			if err != nil {
				if ctx.Err() != nil {
					return "", RunExpired, fmt.Errorf("run did not finish within %v: %w", b.runTimeout, ctx.Err())
				}
				return "", RunFailed, fmt.Errorf("error polling run: %w", err)
			}
			status = RunStatus(run.Status)
		}
	}

	if status != RunCompleted {
		logger.WithField("status", status).Warn("Run did not complete")
		return "", status, nil
	}

	reply, err := b.latestReply(ctx, threadID, run.ID)
	if err != nil {
		return "", RunFailed, err
	}
	logger.Debug("Run completed")
	return reply, RunCompleted, nil
}

func (b *AssistantsBackend) latestReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := 1
	order := "desc"
	list, err := b.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", fmt.Errorf("error listing messages: %w", err)
	}
	if len(list.Messages) == 0 {
		return "", fmt.Errorf("run %s produced no message", runID)
	}

	for _, content := range list.Messages[0].Content {
		if content.Text != nil {
			return strings.TrimSpace(citationMarker.ReplaceAllString(content.Text.Value, "")), nil
		}
	}
	return "", fmt.Errorf("run %s produced no text", runID)
}

// AddFiles uploads user documents to the knowledge base vector store
func (b *AssistantsBackend) AddFiles(ctx context.Context, files []knowledge.File) error {
	vectorStoreID := b.state.Load().VectorStoreID
	if vectorStoreID == "" {
		return ErrNotInitialized
	}
	if len(files) == 0 {
		return nil
	}
	if err := b.uploadToVectorStore(ctx, vectorStoreID, files); err != nil {
		return fmt.Errorf("error adding files to vector store: %w", err)
	}
	return nil
}

// Cleanup deletes the vector store, the assistant and the config file
func (b *AssistantsBackend) Cleanup(ctx context.Context) []CleanupResult {
	state := b.state.Load()
	var results []CleanupResult

	if state.VectorStoreID != "" {
		if _, err := b.client.DeleteVectorStore(ctx, state.VectorStoreID); err != nil {
			results = append(results, cleanupError(ResourceVectorStore, err))
		} else {
			results = append(results, CleanupResult{Resource: ResourceVectorStore, Result: "deleted"})
		}
	}

	if state.AssistantID != "" {
		if _, err := b.client.DeleteAssistant(ctx, state.AssistantID); err != nil {
			results = append(results, cleanupError(ResourceAssistant, err))
		} else {
			results = append(results, CleanupResult{Resource: ResourceAssistant, Result: "deleted"})
		}
	}

	return removeStateFile(b.state, results)
}

// Status reports the stored resource ids
func (b *AssistantsBackend) Status() SystemStatus {
	return b.state.Status(BackendAssistants)
}
