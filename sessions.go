package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	sessionCookieName = "ama_session"
	maxSessions       = 1024
)

// Session is the per-browser conversation state
type Session struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id"`
	UploadedFiles int       `json:"uploaded_files_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// SessionStore keeps sessions in an expiring LRU cache
type SessionStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache *expirable.LRU[string, *Session]
}

// NewSessionStore creates a store whose sessions expire ttl after their last use
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SessionStore{
		ttl:   ttl,
		cache: expirable.NewLRU[string, *Session](maxSessions, nil, ttl),
	}
}

// GetOrCreate returns a copy of the session with the given id, creating a new one if it is unknown or expired
func (s *SessionStore) GetOrCreate(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if session, ok := s.cache.Get(id); ok {
			// Re-adding refreshes the expiry
			s.cache.Add(id, session)
			return *session
		}
	}

	session := &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}
	s.cache.Add(session.ID, session)
	return *session
}

// Get returns a copy of the session
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.cache.Get(id)
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// SetThread binds a conversation thread to the session
func (s *SessionStore) SetThread(id, threadID string) {
	s.update(id, func(session *Session) { session.ThreadID = threadID })
}

// AddUploaded increases the uploaded file count of the session
func (s *SessionStore) AddUploaded(id string, n int) {
	s.update(id, func(session *Session) { session.UploadedFiles += n })
}

func (s *SessionStore) update(id string, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.cache.Get(id); ok {
		fn(session)
		s.cache.Add(id, session)
	}
}

// Purge drops every session
func (s *SessionStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}

// Len returns the number of live sessions
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// session resolves the browser session from its cookie and refreshes the cookie
func (app *App) session(c *gin.Context) Session {
	id, _ := c.Cookie(sessionCookieName)
	session := app.sessions.GetOrCreate(id)

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, session.ID, int(app.sessions.ttl.Seconds()), "/", "", false, true)
	return session
}
