package assistant

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"api-mapping-assistant/knowledge"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// mockLLM records the messages it receives and answers with a fixed reply
type mockLLM struct {
	reply     string
	noChoices bool
	received  [][]llms.MessageContent
}

func (m *mockLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return m.reply, nil
}

func (m *mockLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.received = append(m.received, messages)
	if m.noChoices {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: "  " + m.reply + "\n"}},
	}, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type completionFixture struct {
	backend *CompletionBackend
	llm     *mockLLM
	history *HistoryStore
	index   *knowledge.Index
	state   *StateStore
}

func newCompletionFixture(t *testing.T, kbDir string) completionFixture {
	t.Helper()
	db := newTestDB(t)
	history, err := NewHistoryStore(db)
	require.NoError(t, err)
	index, err := knowledge.NewIndex(db, nil, 500, 0)
	require.NoError(t, err)

	llm := &mockLLM{reply: "Map name to entity_name."}
	state := NewStateStore(filepath.Join(t.TempDir(), ".assistant_config.json"))
	backend, err := NewBackend(Config{
		Backend:          BackendCompletion,
		Model:            "gpt-4.1-2025-04-14",
		SystemPrompt:     "You are an expert API mapping assistant.",
		KnowledgeBaseDir: kbDir,
		State:            state,
		LLM:              llm,
		Index:            index,
		History:          history,
		TopK:             2,
	})
	require.NoError(t, err)

	return completionFixture{
		backend: backend.(*CompletionBackend),
		llm:     llm,
		history: history,
		index:   index,
		state:   state,
	}
}

func TestNewBackend(t *testing.T) {
	state := NewStateStore(filepath.Join(t.TempDir(), "state.json"))

	_, err := NewBackend(Config{Backend: "langgraph", State: state})
	assert.ErrorContains(t, err, "unsupported assistant backend")

	_, err = NewBackend(Config{Backend: BackendAssistants, State: state})
	assert.ErrorContains(t, err, "missing OpenAI API key")

	_, err = NewBackend(Config{Backend: BackendCompletion, State: state})
	assert.Error(t, err)

	_, err = NewBackend(Config{Backend: BackendCompletion})
	assert.ErrorContains(t, err, "missing state store")
}

func TestCombineStatus(t *testing.T) {
	testCases := []struct {
		name     string
		statuses []InitStatus
		want     InitStatus
	}{
		{name: "All retrieved", statuses: []InitStatus{InitRetrieved, InitRetrieved}, want: InitRetrieved},
		{name: "Vector store created", statuses: []InitStatus{InitCreated, InitRetrieved}, want: InitCreated},
		{name: "Assistant created", statuses: []InitStatus{InitRetrieved, InitCreated}, want: InitCreated},
		{name: "Mixed component", statuses: []InitStatus{InitRetrieved, InitMixed}, want: InitMixed},
		{name: "Nothing", statuses: nil, want: InitMixed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, combineStatus(tc.statuses...))
		})
	}
}

func TestCompletionInitialize(t *testing.T) {
	ctx := context.Background()
	kbDir := writeKnowledgeBase(t, map[string]string{
		"screening.md": "The screening API needs the entity name and the country.",
	})
	f := newCompletionFixture(t, kbDir)

	_, status, err := f.backend.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, InitCreated, status)

	count, err := f.index.Count(ctx, knowledge.OriginKnowledgeBase)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, status, err = f.backend.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, InitRetrieved, status)

	st := f.backend.Status()
	assert.Equal(t, BackendCompletion, st.Backend)
	assert.True(t, st.HasConfig)
	assert.True(t, st.VectorStoreActive)
	assert.True(t, st.AssistantActive)
}

func TestCompletionInitializeMissingKnowledgeBase(t *testing.T) {
	f := newCompletionFixture(t, filepath.Join(t.TempDir(), "missing"))
	_, _, err := f.backend.Initialize(context.Background())
	assert.ErrorIs(t, err, knowledge.ErrKnowledgeBaseMissing)
}

func TestCompletionRun(t *testing.T) {
	ctx := context.Background()
	kbDir := writeKnowledgeBase(t, map[string]string{
		"screening.md": "The screening API needs the entity name and the country.",
		"billing.md":   "Invoices are exported nightly.",
	})
	f := newCompletionFixture(t, kbDir)
	_, _, err := f.backend.Initialize(ctx)
	require.NoError(t, err)

	threadID, err := f.backend.CreateThread(ctx)
	require.NoError(t, err)

	require.NoError(t, f.history.AppendMessage(ctx, threadID, RoleUser, "Hello"))
	require.NoError(t, f.history.AppendMessage(ctx, threadID, RoleAssistant, "Hi, how can I help?"))
	question := "What does the screening API need?"
	require.NoError(t, f.history.AppendMessage(ctx, threadID, RoleUser, question))
	require.NoError(t, f.backend.SendMessage(ctx, threadID, question))

	reply, status, err := f.backend.Run(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, status)
	assert.Equal(t, "Map name to entity_name.", reply)

	require.Len(t, f.llm.received, 1)
	messages := f.llm.received[0]
	require.Len(t, messages, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, messages[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, messages[2].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, messages[3].Role)

	system := messages[0].Parts[0].(llms.TextContent).Text
	assert.True(t, strings.HasPrefix(system, "You are an expert API mapping assistant."))
	assert.Contains(t, system, "[screening.md]")
	assert.NotContains(t, system, "Invoices")
}

func TestCompletionRunWithoutChoices(t *testing.T) {
	ctx := context.Background()
	f := newCompletionFixture(t, t.TempDir())
	f.llm.noChoices = true

	threadID, err := f.backend.CreateThread(ctx)
	require.NoError(t, err)
	require.NoError(t, f.history.AppendMessage(ctx, threadID, RoleUser, "anything"))

	reply, status, err := f.backend.Run(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, status)
	assert.Empty(t, reply)
}

func TestCompletionSendMessageValidates(t *testing.T) {
	f := newCompletionFixture(t, t.TempDir())
	assert.Error(t, f.backend.SendMessage(context.Background(), "", "hi"))
	assert.Error(t, f.backend.SendMessage(context.Background(), "thread", "   "))
	assert.NoError(t, f.backend.AddFiles(context.Background(), []knowledge.File{{Name: "a.csv"}}))
}

func TestCompletionCleanup(t *testing.T) {
	ctx := context.Background()
	kbDir := writeKnowledgeBase(t, map[string]string{"api.md": "Screening endpoints"})
	f := newCompletionFixture(t, kbDir)
	_, _, err := f.backend.Initialize(ctx)
	require.NoError(t, err)
	threadID, err := f.backend.CreateThread(ctx)
	require.NoError(t, err)
	require.NoError(t, f.history.AppendMessage(ctx, threadID, RoleUser, "hi"))

	results := f.backend.Cleanup(ctx)
	assert.Equal(t, []CleanupResult{
		{Resource: ResourceLocalIndex, Result: "deleted"},
		{Resource: ResourceThreads, Result: "deleted"},
		{Resource: ResourceConfigFile, Result: "removed"},
	}, results)

	messages, err := f.history.Messages(ctx, threadID)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.False(t, f.backend.Status().HasConfig)
}
