package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Thread represents the schema of the conversation_threads table
type Thread struct {
	ID        string `gorm:"primaryKey;size:64"` // Local uuid or remote thread id
	CreatedAt time.Time
}

// TableName overrides the gorm default
func (Thread) TableName() string {
	return "conversation_threads"
}

// Message represents the schema of the conversation_messages table
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	ThreadID  string    `gorm:"size:64;index;not null" json:"-"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName overrides the gorm default
func (Message) TableName() string {
	return "conversation_messages"
}

// HistoryStore keeps conversations in SQLite
type HistoryStore struct {
	db *gorm.DB
}

// NewHistoryStore migrates the conversation tables and returns a store backed by db
func NewHistoryStore(db *gorm.DB) (*HistoryStore, error) {
	if err := db.AutoMigrate(&Thread{}, &Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate conversation tables: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// CreateThread registers a thread. An empty id gets a new uuid.
func (h *HistoryStore) CreateThread(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}
	thread := Thread{ID: id}
	if err := h.db.WithContext(ctx).FirstOrCreate(&thread, Thread{ID: id}).Error; err != nil {
		return "", fmt.Errorf("error creating thread: %w", err)
	}
	return id, nil
}

// AppendMessage stores a message at the end of a thread
func (h *HistoryStore) AppendMessage(ctx context.Context, threadID, role, content string) error {
	if threadID == "" {
		return fmt.Errorf("missing thread id")
	}
	msg := Message{ThreadID: threadID, Role: role, Content: content}
	if err := h.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("error storing message: %w", err)
	}
	return nil
}

// Messages returns the messages of a thread, oldest first
func (h *HistoryStore) Messages(ctx context.Context, threadID string) ([]Message, error) {
	var messages []Message
	err := h.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("id").
		Find(&messages).Error
	return messages, err
}

// DeleteThread removes a thread and its messages
func (h *HistoryStore) DeleteThread(ctx context.Context, threadID string) error {
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", threadID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", threadID).Delete(&Thread{}).Error
	})
}

// Clear removes every conversation
func (h *HistoryStore) Clear(ctx context.Context) error {
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&Thread{}).Error
	})
}
