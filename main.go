package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"api-mapping-assistant/assistant"
	"api-mapping-assistant/internal/constants"
	"api-mapping-assistant/knowledge"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Global Variables and Constants
var (

	// Logger
	log = logrus.New()

	// Environment Variables
	listenAddress       = envOr("LISTEN_ADDRESS", ":8080")
	logLevel            = strings.ToLower(os.Getenv("LOG_LEVEL"))
	secretsFile         = envOr("SECRETS_FILE", ".env")
	assistantBackend    = strings.ToLower(envOr("ASSISTANT_BACKEND", assistant.BackendAssistants))
	llmProvider         = strings.ToLower(envOr("LLM_PROVIDER", "openai"))
	llmModel            = envOr("LLM_MODEL", "gpt-4.1-2025-04-14")
	embeddingModel      = os.Getenv("EMBEDDING_MODEL")
	openaiAPIKey        = os.Getenv("OPENAI_API_KEY")
	openaiBaseURL       = os.Getenv("OPENAI_BASE_URL")
	googleaiAPIKey      = os.Getenv("GOOGLEAI_API_KEY")
	ollamaHost          = envOr("OLLAMA_HOST", "http://127.0.0.1:11434")
	ollamaAPIToken      = os.Getenv("OLLAMA_API_TOKEN")
	knowledgeBaseDir    = envOr("KNOWLEDGE_BASE_DIR", "knowledge_base")
	systemPromptFile    = envOr("SYSTEM_PROMPT_FILE", "system-prompt.txt")
	assistantConfigFile = envOr("ASSISTANT_CONFIG_FILE", ".assistant_config.json")
	dbDir               = envOr("DB_DIR", "db")
	promptsDir          = envOr("PROMPTS_DIR", "prompts")
	tokenLimit          = envInt("TOKEN_LIMIT", 0)
	requestsPerMinute   = envFloat("REQUESTS_PER_MINUTE", 0)
	maxRetries          = envInt("MAX_RETRIES", 3)
	backoffMaxWait      = envDuration("BACKOFF_MAX_WAIT", 30*time.Second)
	runPollInterval     = envDuration("RUN_POLL_INTERVAL", time.Second)
	runTimeout          = envDuration("RUN_TIMEOUT", 5*time.Minute)
	sessionTTL          = envDuration("SESSION_TTL", 12*time.Hour)
	retrievalTopK       = envInt("RETRIEVAL_TOP_K", 5)
	kbSyncInterval      = envDuration("KB_SYNC_INTERVAL", 0)
	uploadWorkers       = envInt("UPLOAD_WORKERS", 1)
)

const missingAPIKeyMessage = "OpenAI API key not found. Please add it to your secrets."

var rootCmd = &cobra.Command{
	Use:   "api-mapping-assistant",
	Short: "API Mapping Assistant - map business data to compliance screening APIs",
	Long: `API Mapping Assistant answers questions about mapping business data to the
compliance screening APIs, backed by the documents in the knowledge base folder.

  api-mapping-assistant serve     Start the web UI and API (default)
  api-mapping-assistant status    Show the persistent assistant resources
  api-mapping-assistant reset     Delete the vector store, the assistant and the config file`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web UI and API",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persistent assistant resources",
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the persistent assistant resources",
	RunE:  runReset,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&listenAddress, "listen", listenAddress, "HTTP listen address")
	rootCmd.PersistentFlags().StringVar(&secretsFile, "secrets", secretsFile, "secrets file with OPENAI_API_KEY")
	rootCmd.AddCommand(serveCmd, statusCmd, resetCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	app, err := buildApp()
	if err != nil {
		log.Fatalf("%v", err)
	}

	// Start upload ingestion workers
	app.startWorkerPool(ctx, uploadWorkers)

	// Start background knowledge base sync
	if kbSyncInterval > 0 {
		StartBackgroundTasks(ctx, app, kbSyncInterval)
	}

	router := app.setupRouter()

	log.Infoln("Server started on", listenAddress)
	if err := router.Run(listenAddress); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	initLogger()
	state := assistant.NewStateStore(assistantConfigFile)
	printStatus(cmd, state.Status(assistantBackend))
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}

	results := app.resetSystem(cmd.Context())
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "Nothing to clean up.")
		return nil
	}
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
			fmt.Fprintf(out, "%s %s: %s\n", color.RedString("✗"), r.Resource, r.Result)
		} else {
			fmt.Fprintf(out, "%s %s: %s\n", color.GreenString("✓"), r.Resource, r.Result)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d resource(s) could not be cleaned up", failed)
	}
	return nil
}

func printStatus(cmd *cobra.Command, status assistant.SystemStatus) {
	out := cmd.OutOrStdout()
	headline := color.New(color.Bold).SprintFunc()
	fmt.Fprintln(out, headline("System Status"), "("+status.Backend+")")

	if !status.HasConfig {
		fmt.Fprintln(out, color.YellowString("No persistent configuration found. The assistant will be created on first use."))
		return
	}

	active := func(ok bool) string {
		if ok {
			return color.GreenString("Active")
		}
		return color.RedString("Inactive")
	}
	fmt.Fprintf(out, "Vector Store: %s %s\n", active(status.VectorStoreActive), shortID(status.Config.VectorStoreID))
	if status.Config.KnowledgeBaseFiles != nil {
		fmt.Fprintf(out, "  Knowledge base files: %d\n", *status.Config.KnowledgeBaseFiles)
	}
	fmt.Fprintf(out, "Assistant: %s %s\n", active(status.AssistantActive), shortID(status.Config.AssistantID))
	if status.Config.CreatedAt > 0 {
		created := time.Unix(int64(status.Config.CreatedAt), 0)
		fmt.Fprintf(out, "  Created: %s\n", created.Format("2006-01-02 15:04"))
	}
}

// shortID truncates remote ids to 20 characters for display
func shortID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) > 20 {
		return "(ID: " + id[:20] + "...)"
	}
	return "(ID: " + id + ")"
}

// buildApp loads secrets and configuration and wires every dependency of the App
func buildApp() (*App, error) {
	// Initialize logrus logger
	initLogger()

	// Load secrets before validating, the key may only live in the secrets file
	secrets, err := loadSecrets(secretsFile)
	if err != nil {
		return nil, err
	}
	applySecrets(secrets)

	if err := validateEnvVars(); err != nil {
		return nil, err
	}

	// Initialize Database
	database, err := InitializeDB(dbDir)
	if err != nil {
		return nil, err
	}

	// Load Templates
	if err := loadTemplates(promptsDir); err != nil {
		return nil, err
	}
	systemPrompt := loadSystemPrompt(systemPromptFile)
	log.Infof("Using knowledge base folder %s", resolvePath(knowledgeBaseDir))

	// Initialize LLM
	llm, err := createLLM()
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	embedder, err := createEmbedder()
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	index, err := knowledge.NewIndex(database, embedder, knowledge.DefaultChunkSize, knowledge.DefaultChunkOverlap)
	if err != nil {
		return nil, err
	}
	history, err := assistant.NewHistoryStore(database)
	if err != nil {
		return nil, err
	}

	backend, err := assistant.NewBackend(assistant.Config{
		Backend:          assistantBackend,
		Model:            llmModel,
		SystemPrompt:     systemPrompt,
		KnowledgeBaseDir: knowledgeBaseDir,
		State:            assistant.NewStateStore(assistantConfigFile),
		OpenAIAPIKey:     openaiAPIKey,
		OpenAIBaseURL:    openaiBaseURL,
		PollInterval:     runPollInterval,
		RunTimeout:       runTimeout,
		UploadWorkers:    uploadWorkers,
		LLM:              llm,
		Index:            index,
		History:          history,
		TopK:             retrievalTopK,
		TokenLimit:       tokenLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create assistant backend: %w", err)
	}

	return NewApp(AppOptions{
		Database:     database,
		Backend:      backend,
		LLM:          llm,
		Index:        index,
		History:      history,
		SystemPrompt: systemPrompt,

		KnowledgeBaseDir: knowledgeBaseDir,
		TopK:             retrievalTopK,
		SessionTTL:       sessionTTL,
	}), nil
}

func initLogger() {
	switch logLevel {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		if logLevel != "" {
			log.Fatalf("Invalid log level: '%s'.", logLevel)
		}
	}

	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	assistant.SetLogLevel(log.GetLevel())
	knowledge.SetLogLevel(log.GetLevel())
}

// validateEnvVars checks the configuration combination and fills in the dummy key for OpenAI-compatible servers
func validateEnvVars() error {
	switch assistantBackend {
	case assistant.BackendAssistants, assistant.BackendCompletion:
	default:
		return fmt.Errorf("please set ASSISTANT_BACKEND to '%s' or '%s'", assistant.BackendAssistants, assistant.BackendCompletion)
	}

	switch llmProvider {
	case "openai", "ollama", "googleai":
	default:
		return fmt.Errorf("please set LLM_PROVIDER to 'openai', 'ollama' or 'googleai'")
	}

	if llmModel == "" {
		return fmt.Errorf("please set the LLM_MODEL environment variable")
	}

	needsOpenAI := assistantBackend == assistant.BackendAssistants || llmProvider == "openai"
	if needsOpenAI && openaiAPIKey == "" {
		if openaiBaseURL == "" {
			return fmt.Errorf("%s", missingAPIKeyMessage)
		}
		log.Warnf("No OpenAI API key set, using a placeholder for %s", openaiBaseURL)
		openaiAPIKey = constants.DummyAPIKey
	}

	if llmProvider == "googleai" && googleaiAPIKey == "" {
		return fmt.Errorf("please set GOOGLEAI_API_KEY for the googleai provider")
	}

	if retrievalTopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	if uploadWorkers <= 0 {
		return fmt.Errorf("UPLOAD_WORKERS must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("Invalid %s value '%s', using %d", key, v, fallback)
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warnf("Invalid %s value '%s', using %v", key, v, fallback)
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		log.Warnf("Invalid %s value '%s', using %v", key, v, fallback)
		return fallback
	}
	return parsed
}

// resolvePath makes p absolute relative to the working directory, for log output
func resolvePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
