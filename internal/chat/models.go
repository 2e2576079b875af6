package chat

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of speakers a message may carry. External input
// is mapped through ParseRole at the boundary; free-form role strings are
// rejected there.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	case "system":
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("chat: unknown role %q", s)
	}
}

type Session struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID    string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID       uint64    `gorm:"index;not null" json:"-"`
	MemoryPrompt string    `gorm:"type:text" json:"memory_prompt"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session_id,priority:2" json:"session_id"`
	UserID    uint64    `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1;index:idx_chat_msg_user_created" json:"-"`
	Role      Role      `gorm:"type:varchar(16);index;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	ModelID   string    `gorm:"type:varchar(64)" json:"model_id,omitempty"`
	CreatedAt time.Time `gorm:"index:idx_chat_msg_user_created" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// ModelRef maps a client-facing model id to the provider's canonical
// model name and the registry key of the provider serving it.
type ModelRef struct {
	ModelID  string `gorm:"primaryKey;type:varchar(64)" json:"model_id"`
	Name     string `gorm:"type:varchar(128);not null" json:"name"`
	Provider string `gorm:"type:varchar(32);not null" json:"provider"`
}

func (ModelRef) TableName() string { return "model_refs" }

// SessionSummary is a session row annotated with its message count,
// returned by ListRecent without loading message bodies.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	MemoryPrompt string    `json:"memory_prompt"`
	MessageCount int64     `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}
