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

var log = logrus.New()

// InitStatus reports whether Initialize created remote resources or reused stored ones
type InitStatus string

const (
	InitCreated   InitStatus = "created"
	InitRetrieved InitStatus = "retrieved"
	InitMixed     InitStatus = "mixed"
)

// RunStatus is the terminal status of a run
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunCancelling     RunStatus = "cancelling"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
	RunRequiresAction RunStatus = "requires_action"
)

// Terminal reports whether polling can stop
func (s RunStatus) Terminal() bool {
	switch s {
	case RunQueued, RunInProgress, RunCancelling:
		return false
	}
	return true
}

// Cleanup resource names
const (
	ResourceVectorStore = "vector_store"
	ResourceAssistant   = "assistant"
	ResourceConfigFile  = "config_file"
	ResourceLocalIndex  = "local_index"
	ResourceThreads     = "threads"
)

// Resources identifies what Initialize set up
type Resources struct {
	AssistantID   string `json:"assistant_id"`
	VectorStoreID string `json:"vector_store_id"`
}

// CleanupResult is the outcome of removing one resource
type CleanupResult struct {
	Resource string `json:"resource"`
	Result   string `json:"result"`
}

// Failed reports whether the resource could not be removed
func (r CleanupResult) Failed() bool {
	return strings.HasPrefix(r.Result, "error:")
}

func cleanupError(resource string, err error) CleanupResult {
	return CleanupResult{Resource: resource, Result: fmt.Sprintf("error: %v", err)}
}

// SystemStatus summarizes the persistent state
type SystemStatus struct {
	Backend           string `json:"backend"`
	HasConfig         bool   `json:"has_config"`
	VectorStoreActive bool   `json:"vector_store_active"`
	AssistantActive   bool   `json:"assistant_active"`
	Config            State  `json:"config"`
}

// Backend answers questions about API mappings using the knowledge base
type Backend interface {
	// Initialize makes sure every long-lived resource exists
	Initialize(ctx context.Context) (Resources, InitStatus, error)
	CreateThread(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, threadID, content string) error
	// Run produces the reply to the pending messages of a thread
	Run(ctx context.Context, threadID string) (string, RunStatus, error)
	// AddFiles makes user-uploaded documents available to the backend
	AddFiles(ctx context.Context, files []knowledge.File) error
	Cleanup(ctx context.Context) []CleanupResult
	Status() SystemStatus
}

// Config holds the backend configuration
type Config struct {
	// Backend type ("assistants" or "completion")
	Backend string

	// Shared settings
	Model            string
	SystemPrompt     string
	KnowledgeBaseDir string
	State            *StateStore

	// Assistants API settings
	OpenAIAPIKey  string
	OpenAIBaseURL string
	PollInterval  time.Duration
	RunTimeout    time.Duration
	UploadWorkers int

	// Completion settings
	LLM        llms.Model
	Index      *knowledge.Index
	History    *HistoryStore
	TopK       int
	TokenLimit int
}

const (
	BackendAssistants = "assistants"
	BackendCompletion = "completion"
)

const (
	assistantName   = "API Mapping Assistant"
	vectorStoreName = "API Mapping Assistant Knowledge Base"

	defaultPollInterval = time.Second
	defaultRunTimeout   = 5 * time.Minute
	defaultTopK         = 5
)

// NewBackend creates a backend based on configuration
func NewBackend(config Config) (Backend, error) {
	log.Info("Initializing assistant backend: ", config.Backend)

	if config.State == nil {
		return nil, fmt.Errorf("missing state store")
	}

	switch config.Backend {
	case BackendAssistants, "":
		if config.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("missing OpenAI API key for the assistants backend")
		}
		log.WithFields(logrus.Fields{
			"model":    config.Model,
			"base_url": config.OpenAIBaseURL,
		}).Info("Using OpenAI Assistants backend")
		return newAssistantsBackend(config), nil

	case BackendCompletion:
		if config.LLM == nil || config.Index == nil || config.History == nil {
			return nil, fmt.Errorf("completion backend requires an LLM, an index and a history store")
		}
		log.WithFields(logrus.Fields{
			"model": config.Model,
			"top_k": config.TopK,
		}).Info("Using local retrieval completion backend")
		return newCompletionBackend(config), nil

	default:
		return nil, fmt.Errorf("unsupported assistant backend: %s", config.Backend)
	}
}

// combineStatus folds per-resource statuses into one InitStatus.
// Any created resource makes the whole initialization "created".
func combineStatus(statuses ...InitStatus) InitStatus {
	retrieved := 0
	for _, s := range statuses {
		switch s {
		case InitCreated:
			return InitCreated
		case InitRetrieved:
			retrieved++
		}
	}
	if len(statuses) > 0 && retrieved == len(statuses) {
		return InitRetrieved
	}
	return InitMixed
}

// SetLogLevel sets the logging level for the assistant package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
