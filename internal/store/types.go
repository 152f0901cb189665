package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Session is the durable record of one connection to the messaging network.
// The store owns the record; the engine holds the live client keyed by ID
// but never trusts IsConnected from storage (connection state is re-derived
// after every restart).
type Session struct {
	ID              string            `json:"id" db:"id"`
	PhoneNumber     string            `json:"phone_number" db:"phone_number"`
	RemoteUserID    int64             `json:"remote_user_id" db:"remote_user_id"`
	IsAuthenticated bool              `json:"is_authenticated" db:"is_authenticated"`
	IsConnected     bool              `json:"is_connected" db:"is_connected"`
	SessionToken    string            `json:"session_token" db:"session_token"`
	TenantID        string            `json:"tenant_id,omitempty" db:"tenant_id"`
	Generation      string            `json:"generation" db:"generation"`
	LastActivity    time.Time         `json:"last_activity" db:"last_activity"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// Metadata keys used by the engine.
const (
	MetaCodeHash   = "code_hash"   // pending auth verification handle
	MetaWebhookURL = "webhook_url" // per-session CRM webhook config
)

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ErrSessionNotFound is returned by Get for unknown session ids.
var ErrSessionNotFound = errors.New("store: session not found")

// SessionStore persists sessions. Save is an idempotent upsert keyed by ID
// and must be durable before it returns: an authenticated session's token
// survives a crash between two writes.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// List returns every session, optionally filtered by tenant
	// ("" = all tenants), newest first.
	List(ctx context.Context, tenantID string) ([]*Session, error)
	// ListAuthenticated returns authenticated sessions, optionally filtered
	// by tenant ("" = all tenants). Used for startup restore.
	ListAuthenticated(ctx context.Context, tenantID string) ([]*Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Config configures the store layer.
type Config struct {
	// PostgresDSN selects managed mode when set together with Mode.
	PostgresDSN string

	// Mode: "standalone" (default, sqlite) or "managed" (postgres).
	Mode string

	// SQLitePath is the database file for standalone mode
	// (default: ~/.telebridge/sessions.db).
	SQLitePath string
}

// IsManaged returns true if the system is in managed (Postgres) mode.
func (c Config) IsManaged() bool {
	return c.PostgresDSN != "" && c.Mode == "managed"
}
