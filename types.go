package main

import (
	"sync"
	"time"

	"api-mapping-assistant/assistant"
	"api-mapping-assistant/knowledge"

	"github.com/tmc/langchaingo/llms"
	"gorm.io/gorm"
)

// App struct to hold dependencies
type App struct {
	Database     *gorm.DB
	Backend      assistant.Backend
	LLM          llms.Model
	Index        *knowledge.Index
	History      *assistant.HistoryStore
	SystemPrompt string

	knowledgeBaseDir string
	topK             int

	sessions *SessionStore
	jobs     *JobStore
	jobQueue chan *Job

	initMu      sync.Mutex
	initialized bool
	resources   assistant.Resources

	// kbFingerprints holds the last synced fingerprint per knowledge base file
	kbMu           sync.Mutex
	kbFingerprints map[string]string
}

// AppOptions configures NewApp
type AppOptions struct {
	Database     *gorm.DB
	Backend      assistant.Backend
	LLM          llms.Model
	Index        *knowledge.Index
	History      *assistant.HistoryStore
	SystemPrompt string

	KnowledgeBaseDir string
	TopK             int
	SessionTTL       time.Duration
	QueueSize        int
}

// NewApp creates the App with its session and job stores
func NewApp(opts AppOptions) *App {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}
	return &App{
		Database:         opts.Database,
		Backend:          opts.Backend,
		LLM:              opts.LLM,
		Index:            opts.Index,
		History:          opts.History,
		SystemPrompt:     opts.SystemPrompt,
		knowledgeBaseDir: opts.KnowledgeBaseDir,
		topK:             topK,
		sessions:         NewSessionStore(opts.SessionTTL),
		jobs:             NewJobStore(),
		jobQueue:         make(chan *Job, queueSize),
		kbFingerprints:   make(map[string]string),
	}
}

// UIConfig is returned by GET /api/config
type UIConfig struct {
	Title             string   `json:"title"`
	Caption           string   `json:"caption"`
	WelcomeMessage    string   `json:"welcome_message"`
	AllowedExtensions []string `json:"allowed_extensions"`
	Backend           string   `json:"backend"`
}

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	assistant.SystemStatus
	AssistantReady     bool   `json:"assistant_ready"`
	ThreadID           string `json:"thread_id,omitempty"`
	UploadedFilesCount int    `json:"uploaded_files_count"`
}

// InitializeResponse is returned by POST /api/initialize
type InitializeResponse struct {
	Status        assistant.InitStatus `json:"status"`
	AssistantID   string               `json:"assistant_id,omitempty"`
	VectorStoreID string               `json:"vector_store_id,omitempty"`
	ThreadID      string               `json:"thread_id"`
	Message       string               `json:"message"`
}

// ChatRequest is the body of POST /api/messages
type ChatRequest struct {
	Content string `json:"content"`
}

// ChatMessage is one entry of the conversation shown in the UI
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MappingRequest is the body of POST /api/mappings
type MappingRequest struct {
	SourceFields []string `json:"source_fields"`
	Sample       string   `json:"sample"`
	TargetAPI    string   `json:"target_api"`
}

// FieldMapping is one suggested source to target field mapping
type FieldMapping struct {
	SourceField    string `json:"source_field"`
	TargetField    string `json:"target_field"`
	Transformation string `json:"transformation,omitempty"`
	Required       bool   `json:"required"`
	Notes          string `json:"notes,omitempty"`
}

// MappingResponse is the structured output schema of the mapping prompt
type MappingResponse struct {
	Think    *string        `json:"think,omitempty"` // Optional reasoning field to help models produce better results
	Mappings []FieldMapping `json:"mappings"`
	Unmapped []string       `json:"unmapped"`
}

// UpdatePromptRequest is the body of POST /api/prompts
type UpdatePromptRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}
