package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"api-mapping-assistant/assistant"
	"api-mapping-assistant/knowledge"
)

var errEmptyMessage = errors.New("message content must not be empty")

// initError is returned when the backend could not set up its resources
type initError struct {
	err error
}

func (e *initError) Error() string {
	return fmt.Sprintf("Failed to initialize assistant: %v", e.err)
}

func (e *initError) Unwrap() error {
	return e.err
}

// runError is returned when a run ends in a status other than completed
type runError struct {
	status assistant.RunStatus
}

func (e *runError) Error() string {
	return fmt.Sprintf("The assistant run failed with status: %s", e.status)
}

// ensureInitialized runs Backend.Initialize once. A failed attempt is retried on the next call.
func (app *App) ensureInitialized(ctx context.Context) (assistant.Resources, assistant.InitStatus, error) {
	app.initMu.Lock()
	defer app.initMu.Unlock()

	if app.initialized {
		return app.resources, assistant.InitRetrieved, nil
	}

	resources, status, err := app.Backend.Initialize(ctx)
	if err != nil {
		log.Errorf("Error initializing assistant: %v", err)
		return assistant.Resources{}, "", &initError{err: err}
	}

	app.indexKnowledgeBase(ctx)

	app.resources = resources
	app.initialized = true
	log.WithField("status", status).Info("Assistant ready")
	return resources, status, nil
}

func (app *App) isInitialized() bool {
	app.initMu.Lock()
	defer app.initMu.Unlock()
	return app.initialized
}

// indexKnowledgeBase fills the local index used for mapping suggestions and records the synced fingerprints
func (app *App) indexKnowledgeBase(ctx context.Context) {
	if app.Index == nil {
		return
	}

	count, err := app.Index.Count(ctx, knowledge.OriginKnowledgeBase)
	if err != nil {
		log.Warnf("Failed to read local index: %v", err)
		return
	}
	if count == 0 {
		if _, err := app.Index.SyncKnowledgeBase(ctx, app.knowledgeBaseDir); err != nil {
			log.Warnf("Failed to index knowledge base locally: %v", err)
			return
		}
	}

	paths, err := knowledge.ListFiles(app.knowledgeBaseDir)
	if err != nil {
		return
	}
	fingerprints, err := knowledge.Fingerprints(paths)
	if err != nil {
		log.Warnf("Failed to fingerprint knowledge base: %v", err)
		return
	}

	app.kbMu.Lock()
	app.kbFingerprints = fingerprints
	app.kbMu.Unlock()
}

// sessionThread returns the thread of the session, creating one when the session has none
func (app *App) sessionThread(ctx context.Context, session Session) (string, error) {
	if session.ThreadID != "" {
		return session.ThreadID, nil
	}
	return app.newSessionThread(ctx, session.ID)
}

func (app *App) newSessionThread(ctx context.Context, sessionID string) (string, error) {
	threadID, err := app.Backend.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("error creating thread: %w", err)
	}
	// Remote threads are mirrored locally so the conversation can be listed
	if _, err := app.History.CreateThread(ctx, threadID); err != nil {
		return "", err
	}
	app.sessions.SetThread(sessionID, threadID)
	log.Debugf("Session %s bound to thread %s", sessionID, threadID)
	return threadID, nil
}

// chat sends content on the session thread and blocks until the assistant replied
func (app *App) chat(ctx context.Context, session Session, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errEmptyMessage
	}

	if _, _, err := app.ensureInitialized(ctx); err != nil {
		return "", err
	}

	threadID, err := app.sessionThread(ctx, session)
	if err != nil {
		return "", err
	}

	if err := app.History.AppendMessage(ctx, threadID, assistant.RoleUser, content); err != nil {
		return "", err
	}
	if err := app.Backend.SendMessage(ctx, threadID, content); err != nil {
		return "", fmt.Errorf("error sending message: %w", err)
	}

	reply, status, err := app.Backend.Run(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("error running assistant: %w", err)
	}
	if status != assistant.RunCompleted {
		log.Warnf("Run on thread %s ended with status %s", threadID, status)
		return "", &runError{status: status}
	}

	if err := app.History.AppendMessage(ctx, threadID, assistant.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// conversation returns the messages of the session thread
func (app *App) conversation(ctx context.Context, session Session) ([]ChatMessage, error) {
	messages := []ChatMessage{}
	if session.ThreadID == "" {
		return messages, nil
	}

	history, err := app.History.Messages(ctx, session.ThreadID)
	if err != nil {
		return nil, err
	}
	for _, m := range history {
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return messages, nil
}

// resetConversation starts a fresh thread for the session and drops the old messages
func (app *App) resetConversation(ctx context.Context, session Session) (string, error) {
	if session.ThreadID != "" {
		if err := app.History.DeleteThread(ctx, session.ThreadID); err != nil {
			log.Warnf("Failed to delete thread %s: %v", session.ThreadID, err)
		}
	}

	if !app.isInitialized() {
		app.sessions.SetThread(session.ID, "")
		return "", nil
	}
	return app.newSessionThread(ctx, session.ID)
}

// resetSystem deletes every resource of the backend and forgets all sessions
func (app *App) resetSystem(ctx context.Context) []assistant.CleanupResult {
	app.initMu.Lock()
	defer app.initMu.Unlock()

	results := app.Backend.Cleanup(ctx)

	if app.Index != nil {
		if err := app.Index.RemoveOrigin(ctx, knowledge.OriginUpload); err != nil {
			log.Warnf("Failed to remove uploaded documents from the local index: %v", err)
		}
	}

	app.sessions.Purge()
	app.initialized = false
	app.resources = assistant.Resources{}

	app.kbMu.Lock()
	app.kbFingerprints = make(map[string]string)
	app.kbMu.Unlock()

	for _, r := range results {
		if r.Failed() {
			log.Warnf("Cleanup of %s failed: %s", r.Resource, r.Result)
		}
	}
	log.Info("System reset")
	return results
}
