package assistant

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// State holds the ids of the long-lived remote resources
type State struct {
	VectorStoreID      string  `json:"vector_store_id,omitempty"`
	AssistantID        string  `json:"assistant_id,omitempty"`
	CreatedAt          float64 `json:"created_at,omitempty"`
	AssistantCreatedAt float64 `json:"assistant_created_at,omitempty"`
	KnowledgeBaseFiles *int    `json:"knowledge_base_files,omitempty"`
}

// IsEmpty reports whether nothing has been stored yet
func (s State) IsEmpty() bool {
	return s.VectorStoreID == "" && s.AssistantID == "" && s.CreatedAt == 0 &&
		s.AssistantCreatedAt == 0 && s.KnowledgeBaseFiles == nil
}

// StateStore persists State as a JSON file
type StateStore struct {
	path string
	mu   sync.Mutex
}

// NewStateStore returns a store for the file at path
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the location of the state file
func (s *StateStore) Path() string {
	return s.path
}

// Load reads the state. A missing or unparsable file yields an empty state.
func (s *StateStore) Load() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *StateStore) loadLocked() State {
	var state State
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("Failed to read assistant config %s: %v", s.path, err)
		}
		return State{}
	}
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warnf("Failed to parse assistant config %s, ignoring it: %v", s.path, err)
		return State{}
	}
	return state
}

// Save replaces the stored state
func (s *StateStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(state)
}

// saveLocked performs the actual saving without locking the mutex.
func (s *StateStore) saveLocked(state State) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}

// Update applies fn to the stored state and saves the result
func (s *StateStore) Update(fn func(*State)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.loadLocked()
	fn(&state)
	return state, s.saveLocked(state)
}

// Remove deletes the state file and reports whether it existed
func (s *StateStore) Remove() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Status derives the system status of backend from the stored state.
// The completion backend has no remote ids: its index counts as the vector
// store once indexed, and the assistant is active once initialized.
func (s *StateStore) Status(backend string) SystemStatus {
	state := s.Load()
	status := SystemStatus{
		Backend:           backend,
		HasConfig:         !state.IsEmpty(),
		VectorStoreActive: state.VectorStoreID != "",
		AssistantActive:   state.AssistantID != "",
		Config:            state,
	}
	if backend == BackendCompletion {
		status.VectorStoreActive = state.KnowledgeBaseFiles != nil
		status.AssistantActive = state.AssistantCreatedAt != 0
	}
	return status
}

// removeStateFile appends the config_file cleanup result, if there was a file
func removeStateFile(store *StateStore, results []CleanupResult) []CleanupResult {
	existed, err := store.Remove()
	switch {
	case err != nil:
		results = append(results, cleanupError(ResourceConfigFile, err))
	case existed:
		results = append(results, CleanupResult{Resource: ResourceConfigFile, Result: "removed"})
	}
	return results
}
