package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sablecrm/telebridge/internal/store"
)

// SessionStore implements store.SessionStore backed by Postgres.
type SessionStore struct {
	db *sqlx.DB
}

// NewSessionStore opens the Postgres store and applies migrations.
func NewSessionStore(dsn string) (*SessionStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SessionStore{db: db}, nil
}

// sessionRow mirrors the sessions table. IsConnected has no column: the
// engine re-derives connection state on every restart.
type sessionRow struct {
	ID              string    `db:"id"`
	PhoneNumber     string    `db:"phone_number"`
	RemoteUserID    int64     `db:"remote_user_id"`
	IsAuthenticated bool      `db:"is_authenticated"`
	SessionToken    string    `db:"session_token"`
	TenantID        string    `db:"tenant_id"`
	Generation      string    `db:"generation"`
	LastActivity    time.Time `db:"last_activity"`
	Metadata        []byte    `db:"metadata"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *sessionRow) toSession() (*store.Session, error) {
	s := &store.Session{
		ID:              r.ID,
		PhoneNumber:     r.PhoneNumber,
		RemoteUserID:    r.RemoteUserID,
		IsAuthenticated: r.IsAuthenticated,
		SessionToken:    r.SessionToken,
		TenantID:        r.TenantID,
		Generation:      r.Generation,
		LastActivity:    r.LastActivity,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "{}" {
		if err := json.Unmarshal(r.Metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return s, nil
}

func (s *SessionStore) Save(ctx context.Context, sess *store.Session) error {
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if meta == nil || string(meta) == "null" {
		meta = []byte("{}")
	}

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, phone_number, remote_user_id, is_authenticated, session_token,
			tenant_id, generation, last_activity, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			phone_number = EXCLUDED.phone_number,
			remote_user_id = EXCLUDED.remote_user_id,
			is_authenticated = EXCLUDED.is_authenticated,
			session_token = EXCLUDED.session_token,
			tenant_id = EXCLUDED.tenant_id,
			generation = EXCLUDED.generation,
			last_activity = EXCLUDED.last_activity,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.PhoneNumber, sess.RemoteUserID, sess.IsAuthenticated, sess.SessionToken,
		sess.TenantID, sess.Generation, sess.LastActivity, meta, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, phone_number, remote_user_id, is_authenticated, session_token,
			tenant_id, generation, last_activity, metadata, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toSession()
}

func (s *SessionStore) List(ctx context.Context, tenantID string) ([]*store.Session, error) {
	q := `SELECT id, phone_number, remote_user_id, is_authenticated, session_token,
			tenant_id, generation, last_activity, metadata, created_at, updated_at
		  FROM sessions`
	args := []any{}
	if tenantID != "" {
		q += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	q += ` ORDER BY created_at DESC`
	return s.selectSessions(ctx, q, args...)
}

func (s *SessionStore) ListAuthenticated(ctx context.Context, tenantID string) ([]*store.Session, error) {
	q := `SELECT id, phone_number, remote_user_id, is_authenticated, session_token,
			tenant_id, generation, last_activity, metadata, created_at, updated_at
		  FROM sessions WHERE is_authenticated`
	args := []any{}
	if tenantID != "" {
		q += ` AND tenant_id = $1`
		args = append(args, tenantID)
	}
	q += ` ORDER BY created_at`
	return s.selectSessions(ctx, q, args...)
}

func (s *SessionStore) selectSessions(ctx context.Context, q string, args ...any) ([]*store.Session, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]*store.Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}
