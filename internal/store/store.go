// Package store defines the persistence interface for the relay and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Session status values persisted in the store.
const (
	StatusStarting = "starting"
	StatusActive   = "active"
	StatusStopped  = "stopped"
	StatusErrored  = "errored"
)

// Message kinds persisted in a session transcript.
const (
	KindUser               = "user"
	KindAssistant          = "assistant"
	KindSystem             = "system"
	KindPermissionRequest  = "permission_request"
	KindPermissionResponse = "permission_response"
	KindToolUse            = "tool_use"
)

// StatusExtras carries the optional fields of a status update. Nil/empty
// fields leave the stored value untouched.
type StatusExtras struct {
	Error        string
	Capabilities string // JSON-encoded protocol.Capabilities
	ResultStats  string // JSON-encoded protocol.ResultStats
}

// Store is the persistence interface for the relay.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]Session, error)
	ValidateAccessToken(ctx context.Context, id, token string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string, extras *StatusExtras) error
	SetSessionTaskRef(ctx context.Context, id, taskRef string) error
	RecordSessionActivity(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a browser-side account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Session is the durable record of one agent run. AccessToken is the
// per-session capability presented by the agent container; it is never sent
// to browsers.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Status         string     `json:"status"`
	AccessToken    string     `json:"-"`
	InitialPrompt  string     `json:"initial_prompt,omitempty"`
	WorkerContext  string     `json:"worker_context,omitempty"`
	Capabilities   string     `json:"capabilities,omitempty"` // JSON
	ResultStats    string     `json:"result_stats,omitempty"` // JSON
	TaskRef        string     `json:"task_ref,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
}

// Message is a stored transcript entry.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Metadata  string    `json:"metadata,omitempty"` // JSON
	CreatedAt time.Time `json:"created_at"`
}
