package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"api-mapping-assistant/assistant"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient sends requests to the router and keeps the session cookie like a browser
type testClient struct {
	t      *testing.T
	router *gin.Engine
	cookie *http.Cookie
}

func newTestClient(t *testing.T, app *App) *testClient {
	t.Helper()
	return &testClient{t: t, router: app.setupRouter()}
}

func (tc *testClient) do(req *http.Request) *httptest.ResponseRecorder {
	tc.t.Helper()
	if tc.cookie != nil {
		req.AddCookie(tc.cookie)
	}
	w := httptest.NewRecorder()
	tc.router.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			tc.cookie = c
		}
	}
	return w
}

func (tc *testClient) get(path string) *httptest.ResponseRecorder {
	return tc.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (tc *testClient) postJSON(path string, body interface{}) *httptest.ResponseRecorder {
	tc.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(tc.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return tc.do(req)
}

func (tc *testClient) upload(files map[string]string) *httptest.ResponseRecorder {
	tc.t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(tc.t, err)
		_, err = part.Write([]byte(content))
		require.NoError(tc.t, err)
	}
	require.NoError(tc.t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return tc.do(req)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// withPromptsDir points the prompt handlers at a fresh directory with the default templates
func withPromptsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	previous := promptsDir
	promptsDir = dir
	t.Cleanup(func() { promptsDir = previous })
	require.NoError(t, loadTemplates(dir))
	return dir
}

func TestGetConfigHandler(t *testing.T) {
	client := newTestClient(t, newTestApp(t, &fakeBackend{}, &stubLLM{}))

	w := client.get("/api/config")
	require.Equal(t, http.StatusOK, w.Code)

	config := decode[UIConfig](t, w)
	assert.Equal(t, "🛡️ API Mapping Assistant", config.Title)
	assert.Contains(t, config.Caption, "compliance screening APIs")
	assert.Contains(t, config.WelcomeMessage, "Welcome to the API Mapping Assistant")
	assert.Equal(t, []string{".pdf", ".txt", ".md", ".docx", ".csv", ".xlsx"}, config.AllowedExtensions)
	assert.Equal(t, "fake", config.Backend)
}

func TestInitializeAndStatus(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, newTestApp(t, backend, &stubLLM{}))

	status := decode[StatusResponse](t, client.get("/api/status"))
	assert.False(t, status.AssistantReady)
	assert.Empty(t, status.ThreadID)
	assert.True(t, status.HasConfig)

	w := client.postJSON("/api/initialize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	initResp := decode[InitializeResponse](t, w)
	assert.Equal(t, assistant.InitCreated, initResp.Status)
	assert.Equal(t, "asst_test", initResp.AssistantID)
	assert.Equal(t, "vs_test", initResp.VectorStoreID)
	assert.Equal(t, "thread_1", initResp.ThreadID)

	status = decode[StatusResponse](t, client.get("/api/status"))
	assert.True(t, status.AssistantReady)
	assert.Equal(t, "thread_1", status.ThreadID)

	// Initializing again keeps the session thread
	initResp = decode[InitializeResponse](t, client.postJSON("/api/initialize", nil))
	assert.Equal(t, assistant.InitRetrieved, initResp.Status)
	assert.Equal(t, "thread_1", initResp.ThreadID)
	assert.Equal(t, 1, backend.initCalls)
}

func TestInitializeHandlerFailure(t *testing.T) {
	client := newTestClient(t, newTestApp(t, &fakeBackend{initErr: errors.New("invalid api key")}, &stubLLM{}))

	w := client.postJSON("/api/initialize", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "Failed to initialize assistant: invalid api key", body["error"])
}

func TestMessagesHandlers(t *testing.T) {
	backend := &fakeBackend{reply: "Use the name field."}
	client := newTestClient(t, newTestApp(t, backend, &stubLLM{}))

	messages := decode[[]ChatMessage](t, client.get("/api/messages"))
	assert.Empty(t, messages)

	w := client.postJSON("/api/messages", ChatRequest{Content: "Where does Name1 go?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reply := decode[ChatMessage](t, w)
	assert.Equal(t, "assistant", reply.Role)
	assert.Equal(t, "Use the name field.", reply.Content)

	messages = decode[[]ChatMessage](t, client.get("/api/messages"))
	require.Len(t, messages, 2)
	assert.Equal(t, "Where does Name1 go?", messages[0].Content)

	w = client.postJSON("/api/conversation/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "thread_2", decode[map[string]string](t, w)["thread_id"])
	assert.Empty(t, decode[[]ChatMessage](t, client.get("/api/messages")))
}

func TestSendMessageHandlerErrors(t *testing.T) {
	tests := []struct {
		name       string
		backend    *fakeBackend
		body       interface{}
		wantStatus int
		wantError  string
	}{
		{
			name:       "invalid payload",
			backend:    &fakeBackend{},
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request payload",
		},
		{
			name:       "empty content",
			backend:    &fakeBackend{},
			body:       ChatRequest{Content: " "},
			wantStatus: http.StatusBadRequest,
			wantError:  errEmptyMessage.Error(),
		},
		{
			name:       "initialization fails",
			backend:    &fakeBackend{initErr: errors.New("no quota")},
			body:       ChatRequest{Content: "hi"},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Failed to initialize assistant: no quota",
		},
		{
			name:       "run failed",
			backend:    &fakeBackend{runStatus: assistant.RunExpired},
			body:       ChatRequest{Content: "hi"},
			wantStatus: http.StatusBadGateway,
			wantError:  "The assistant run failed with status: expired",
		},
		{
			name:       "resources gone",
			backend:    &fakeBackend{runErr: assistant.ErrNotInitialized},
			body:       ChatRequest{Content: "hi"},
			wantStatus: http.StatusConflict,
			wantError:  "Assistant is not initialized",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, newTestApp(t, tc.backend, &stubLLM{}))
			w := client.postJSON("/api/messages", tc.body)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantError, decode[map[string]interface{}](t, w)["error"])
		})
	}
}

func TestUploadFilesHandler(t *testing.T) {
	backend := &fakeBackend{}
	app := newTestApp(t, backend, &stubLLM{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.startWorkerPool(ctx, 1)
	client := newTestClient(t, app)

	t.Run("rejects unsupported extensions", func(t *testing.T) {
		w := client.upload(map[string]string{"payload.exe": "MZ"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode[map[string]string](t, w)["error"], "unsupported file type")
	})

	t.Run("rejects content that does not match the extension", func(t *testing.T) {
		w := client.upload(map[string]string{"report.pdf": "just text"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects empty forms", func(t *testing.T) {
		w := client.upload(map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("accepts business data", func(t *testing.T) {
		w := client.upload(map[string]string{"partners.csv": "name,country\nACME GmbH,DE\n"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		jobID := decode[map[string]string](t, w)["job_id"]
		require.NotEmpty(t, jobID)

		assert.Eventually(t, func() bool {
			job := decode[map[string]interface{}](t, client.get("/api/jobs/"+jobID))
			return job["status"] == JobCompleted
		}, 2*time.Second, 10*time.Millisecond)

		status := decode[StatusResponse](t, client.get("/api/status"))
		assert.Equal(t, 1, status.UploadedFilesCount)
		assert.Equal(t, []string{"partners.csv"}, backend.addedNames())

		jobs := decode[[]map[string]interface{}](t, client.get("/api/jobs"))
		assert.Len(t, jobs, 1)
	})
}

func TestGetJobStatusHandlerNotFound(t *testing.T) {
	client := newTestClient(t, newTestApp(t, &fakeBackend{}, &stubLLM{}))
	w := client.get("/api/jobs/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetSystemHandler(t *testing.T) {
	backend := &fakeBackend{reply: "ok"}
	client := newTestClient(t, newTestApp(t, backend, &stubLLM{}))
	require.Equal(t, http.StatusOK, client.postJSON("/api/messages", ChatRequest{Content: "hi"}).Code)

	w := client.postJSON("/api/system/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Results []assistant.CleanupResult `json:"results"`
		Message string                    `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Results, 3)
	assert.Equal(t, assistant.ResourceVectorStore, body.Results[0].Resource)
	assert.Equal(t, "error: not found", body.Results[1].Result)
	assert.Contains(t, body.Message, "System reset complete!")

	// The old session is gone
	status := decode[StatusResponse](t, client.get("/api/status"))
	assert.False(t, status.AssistantReady)
	assert.Empty(t, status.ThreadID)
}

func TestSuggestMappingsHandler(t *testing.T) {
	withPromptsDir(t)

	t.Run("ok", func(t *testing.T) {
		llm := &stubLLM{reply: `{"mappings":[{"source_field":"Name1","target_field":"name","required":true}],"unmapped":[]}`}
		client := newTestClient(t, newTestApp(t, &fakeBackend{}, llm))
		w := client.postJSON("/api/mappings", MappingRequest{SourceFields: []string{"Name1"}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[MappingResponse](t, w)
		require.Len(t, resp.Mappings, 1)
		assert.Equal(t, "name", resp.Mappings[0].TargetField)
	})

	t.Run("bad request", func(t *testing.T) {
		client := newTestClient(t, newTestApp(t, &fakeBackend{}, &stubLLM{}))
		w := client.postJSON("/api/mappings", MappingRequest{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unusable reply", func(t *testing.T) {
		client := newTestClient(t, newTestApp(t, &fakeBackend{}, &stubLLM{reply: "no json here"}))
		w := client.postJSON("/api/mappings", MappingRequest{Sample: "Name1;Land"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestGetPromptsHandler(t *testing.T) {
	dir := withPromptsDir(t)
	client := newTestClient(t, newTestApp(t, &fakeBackend{}, &stubLLM{}))

	promptContent := "Map {{.SourceFields | join \", \"}}\n{{.Content}}"
	require.NoError(t, os.WriteFile(filepath.Join(dir, mappingPromptFile), []byte(promptContent), 0644))

	w := client.get("/api/prompts")
	assert.Equal(t, http.StatusOK, w.Code)

	response := decode[map[string]string](t, w)
	assert.Equal(t, promptContent, response[mappingPromptFile])
}

func TestUpdatePromptsHandler(t *testing.T) {
	dir := withPromptsDir(t)
	client := newTestClient(t, newTestApp(t, &fakeBackend{}, &stubLLM{}))

	t.Run("valid template", func(t *testing.T) {
		content := "Fields: {{ .SourceFields | join \", \" }}\n{{ .Content }}"
		w := client.postJSON("/api/prompts", UpdatePromptRequest{Filename: mappingPromptFile, Content: content})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		saved, err := os.ReadFile(filepath.Join(dir, mappingPromptFile))
		require.NoError(t, err)
		assert.Equal(t, content, string(saved))

		templateMutex.RLock()
		defer templateMutex.RUnlock()
		var sb bytes.Buffer
		require.NoError(t, mappingTemplate.Execute(&sb, map[string]interface{}{"SourceFields": []string{"a", "b"}, "Content": "docs"}))
		assert.Equal(t, "Fields: a, b\ndocs", sb.String())
	})

	t.Run("invalid template", func(t *testing.T) {
		w := client.postJSON("/api/prompts", UpdatePromptRequest{Filename: mappingPromptFile, Content: "{{ .Broken "})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("path traversal", func(t *testing.T) {
		w := client.postJSON("/api/prompts", UpdatePromptRequest{Filename: "../mapping_prompt.tmpl", Content: "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown prompt", func(t *testing.T) {
		w := client.postJSON("/api/prompts", UpdatePromptRequest{Filename: "other.tmpl", Content: "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEmbeddedUI(t *testing.T) {
	client := newTestClient(t, newTestApp(t, &fakeBackend{}, &stubLLM{}))

	w := client.get("/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "API Mapping Assistant")

	w = client.get("/assets/app.js")
	assert.Equal(t, http.StatusOK, w.Code)

	// Client side routes fall back to the UI
	w = client.get("/conversation")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<html")

	w = client.get("/assets/missing.js")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = client.get("/api/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEmbeddedUICacheHeaders(t *testing.T) {
	client := newTestClient(t, newTestApp(t, &fakeBackend{}, &stubLLM{}))

	assert.Equal(t, "no-cache", client.get("/").Header().Get("Cache-Control"))
	assert.Contains(t, client.get("/assets/app.css").Header().Get("Cache-Control"), "max-age")
}
