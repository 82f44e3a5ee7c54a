package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"api-mapping-assistant/assistant"
	"api-mapping-assistant/knowledge"

	"github.com/gin-gonic/gin"
)

const (
	maxUploadSize = 25 << 20 // Per file

	uiTitle   = "🛡️ API Mapping Assistant"
	uiCaption = "I'll help you map your business data to our compliance screening APIs. Upload your business data and ask me questions!"

	welcomeMessage = `👋 **Welcome to the API Mapping Assistant!**

I'm here to help you map your business data to our compliance screening APIs. Here's what I can do:

🔍 **Analyze your data structure** and recommend API mappings
📋 **Explain API endpoints** and their requirements
🛠️ **Provide implementation guidance** and best practices

**To get started:**
1. Upload your ERP data files using the sidebar
2. Ask me questions about Compliance Screening API mapping
3. Get specific recommendations for your data

Try asking: *"How do I map customer data to the screening API?"* or *"What fields are required for entity screening?"*`
)

// setupRouter registers the API routes and the embedded UI
func (app *App) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	api := router.Group("/api")
	{
		api.GET("/config", app.getConfigHandler)
		api.GET("/status", app.getStatusHandler)
		api.POST("/initialize", app.initializeHandler)

		api.GET("/messages", app.getMessagesHandler)
		api.POST("/messages", app.sendMessageHandler)
		api.POST("/conversation/reset", app.resetConversationHandler)

		api.POST("/files", app.uploadFilesHandler)
		api.GET("/jobs/:job_id", app.getJobStatusHandler)
		api.GET("/jobs", app.getAllJobsHandler)

		api.POST("/system/reset", app.resetSystemHandler)
		api.POST("/mappings", app.suggestMappingsHandler)

		api.GET("/prompts", getPromptsHandler)
		api.POST("/prompts", updatePromptsHandler)
	}

	// Catch-all route for serving the frontend
	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		serveUI(c, c.Request.URL.Path)
	})

	return router
}

// requestLogger logs every request through logrus
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Debug("Request handled")
	}
}

func (app *App) getConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, UIConfig{
		Title:             uiTitle,
		Caption:           uiCaption,
		WelcomeMessage:    welcomeMessage,
		AllowedExtensions: knowledge.AllowedUploadExtensions,
		Backend:           app.Backend.Status().Backend,
	})
}

func (app *App) getStatusHandler(c *gin.Context) {
	session := app.session(c)
	c.JSON(http.StatusOK, StatusResponse{
		SystemStatus:       app.Backend.Status(),
		AssistantReady:     app.isInitialized(),
		ThreadID:           session.ThreadID,
		UploadedFilesCount: session.UploadedFiles,
	})
}

func (app *App) initializeHandler(c *gin.Context) {
	ctx := c.Request.Context()
	session := app.session(c)

	resources, status, err := app.ensureInitialized(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	threadID, err := app.sessionThread(ctx, session)
	if err != nil {
		log.Errorf("Error creating thread for session %s: %v", session.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Error creating conversation: %v", err)})
		return
	}

	c.JSON(http.StatusOK, InitializeResponse{
		Status:        status,
		AssistantID:   resources.AssistantID,
		VectorStoreID: resources.VectorStoreID,
		ThreadID:      threadID,
		Message:       initMessage(status),
	})
}

func initMessage(status assistant.InitStatus) string {
	switch status {
	case assistant.InitCreated:
		return "API Mapping Assistant set up with the knowledge base."
	case assistant.InitMixed:
		return "API Mapping Assistant ready, some resources were recreated."
	default:
		return "Connected to the existing assistant and knowledge base."
	}
}

func (app *App) getMessagesHandler(c *gin.Context) {
	session := app.session(c)
	messages, err := app.conversation(c.Request.Context(), session)
	if err != nil {
		log.Errorf("Error reading conversation of session %s: %v", session.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error reading conversation"})
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (app *App) sendMessageHandler(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	session := app.session(c)
	reply, err := app.chat(c.Request.Context(), session, req.Content)
	if err != nil {
		var (
			ie *initError
			re *runError
		)
		switch {
		case errors.Is(err, errEmptyMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &ie):
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		case errors.Is(err, assistant.ErrNotInitialized):
			c.JSON(http.StatusConflict, gin.H{"error": "Assistant is not initialized"})
		case errors.As(err, &re):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "status": re.status})
		default:
			log.Errorf("Error communicating with the assistant: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("An error occurred while communicating with the assistant: %v", err)})
		}
		return
	}

	c.JSON(http.StatusOK, ChatMessage{Role: assistant.RoleAssistant, Content: reply})
}

func (app *App) resetConversationHandler(c *gin.Context) {
	session := app.session(c)
	threadID, err := app.resetConversation(c.Request.Context(), session)
	if err != nil {
		log.Errorf("Error resetting conversation: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Error resetting conversation: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "message": "Conversation reset!"})
}

func (app *App) uploadFilesHandler(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected a multipart form with files"})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No files uploaded"})
		return
	}

	uploads := make([]knowledge.File, 0, len(headers))
	for _, header := range headers {
		if header.Size > maxUploadSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s exceeds the maximum size of %d MB", header.Filename, maxUploadSize>>20)})
			return
		}
		f, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Error reading %s", header.Filename)})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Error reading %s", header.Filename)})
			return
		}
		if err := knowledge.ValidateUpload(header.Filename, data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		uploads = append(uploads, knowledge.File{Name: header.Filename, Data: data, Origin: knowledge.OriginUpload})
	}

	ctx := c.Request.Context()
	if _, _, err := app.ensureInitialized(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	session := app.session(c)
	job, err := app.enqueueUpload(session.ID, uploads)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	// Return the job ID to the client
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

func jobResponse(job Job) gin.H {
	response := gin.H{
		"job_id":     job.ID,
		"status":     job.Status,
		"files":      job.Files,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
		"files_done": job.FilesDone,
	}

	if job.Status == JobCompleted {
		response["result"] = job.Result
	} else if job.Status == JobFailed {
		response["error"] = job.Error
	}
	return response
}

func (app *App) getJobStatusHandler(c *gin.Context) {
	job, exists := app.jobs.getJob(c.Param("job_id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, jobResponse(job))
}

func (app *App) getAllJobsHandler(c *gin.Context) {
	jobs := app.jobs.GetAllJobs()

	jobList := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		jobList = append(jobList, jobResponse(job))
	}

	c.JSON(http.StatusOK, jobList)
}

func (app *App) resetSystemHandler(c *gin.Context) {
	results := app.resetSystem(c.Request.Context())
	if results == nil {
		results = []assistant.CleanupResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"message": "System reset complete! Refresh the page to restart.",
	})
}

func (app *App) suggestMappingsHandler(c *gin.Context) {
	var req MappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	mapping, err := app.suggestMappings(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, mapping)
	case errors.Is(err, errInvalidMappingRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errUnusableOutput):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		log.Errorf("Error suggesting mappings: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Error suggesting mappings: %v", err)})
	}
}

// getPromptsHandler handles the GET /api/prompts endpoint
func getPromptsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, readPrompts(promptsDir))
}

// updatePromptsHandler handles the POST /api/prompts endpoint
func updatePromptsHandler(c *gin.Context) {
	var req UpdatePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	if err := savePrompt(promptsDir, req.Filename, req.Content); err != nil {
		if errors.Is(err, errInvalidPrompt) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusOK)
}
