// Package sqlite implements the standalone-mode session store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sablecrm/telebridge/internal/store"
)

// SessionStore implements store.SessionStore on a local SQLite database.
// synchronous=FULL keeps the token durable across a crash between writes.
type SessionStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SessionStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("session store opened", "backend", "sqlite", "path", path)
	return s, nil
}

func (s *SessionStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL,
			remote_user_id INTEGER NOT NULL DEFAULT 0,
			is_authenticated INTEGER NOT NULL DEFAULT 0,
			session_token TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			generation TEXT NOT NULL DEFAULT 'modern',
			last_activity INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_auth ON sessions(is_authenticated)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// Save upserts the session. IsConnected is process-local and deliberately
// not a column: loaded sessions always start disconnected.
func (s *SessionStore) Save(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, phone_number, remote_user_id, is_authenticated, session_token,
			tenant_id, generation, last_activity, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			phone_number = excluded.phone_number,
			remote_user_id = excluded.remote_user_id,
			is_authenticated = excluded.is_authenticated,
			session_token = excluded.session_token,
			tenant_id = excluded.tenant_id,
			generation = excluded.generation,
			last_activity = excluded.last_activity,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		sess.ID, sess.PhoneNumber, sess.RemoteUserID, boolInt(sess.IsAuthenticated), sess.SessionToken,
		sess.TenantID, sess.Generation, sess.LastActivity.Unix(), string(meta),
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, remote_user_id, is_authenticated, session_token,
			tenant_id, generation, last_activity, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) List(ctx context.Context, tenantID string) ([]*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, phone_number, remote_user_id, is_authenticated, session_token,
			tenant_id, generation, last_activity, metadata, created_at, updated_at
		  FROM sessions`
	args := []any{}
	if tenantID != "" {
		q += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY created_at DESC`
	return s.querySessions(ctx, q, args...)
}

func (s *SessionStore) ListAuthenticated(ctx context.Context, tenantID string) ([]*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, phone_number, remote_user_id, is_authenticated, session_token,
			tenant_id, generation, last_activity, metadata, created_at, updated_at
		  FROM sessions WHERE is_authenticated = 1`
	args := []any{}
	if tenantID != "" {
		q += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY created_at`
	return s.querySessions(ctx, q, args...)
}

func (s *SessionStore) querySessions(ctx context.Context, q string, args ...any) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*store.Session, error) {
	var (
		sess                           store.Session
		auth                           int
		lastActivity, created, updated int64
		meta                           string
	)
	err := r.Scan(&sess.ID, &sess.PhoneNumber, &sess.RemoteUserID, &auth, &sess.SessionToken,
		&sess.TenantID, &sess.Generation, &lastActivity, &meta, &created, &updated)
	if err != nil {
		return nil, err
	}
	sess.IsAuthenticated = auth != 0
	sess.LastActivity = time.Unix(lastActivity, 0).UTC()
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.UpdatedAt = time.Unix(updated, 0).UTC()
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sess, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
