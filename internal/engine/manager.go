// Package engine owns session lifecycle: creation, the two-step login flow,
// token-based resume, startup restore, and the registry of live clients.
// Every other component reaches the network through a client handed out
// here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sablecrm/telebridge/internal/flood"
	"github.com/sablecrm/telebridge/internal/peers"
	"github.com/sablecrm/telebridge/internal/store"
	"github.com/sablecrm/telebridge/internal/updates"
	"github.com/sablecrm/telebridge/internal/wire"
)

const restoreConcurrency = 8

type liveSession struct {
	client wire.Client
	sc     *peers.SessionContext
}

// Manager is the session registry. All maps are keyed by session id.
type Manager struct {
	logger      *slog.Logger
	store       store.SessionStore
	dial        wire.Dialer
	governor    *flood.Governor
	resolver    *peers.Resolver
	cache       *peers.Cache
	source      *updates.Source
	tracer      trace.Tracer
	defaultGen  wire.Generation
	callTimeout time.Duration

	mu   sync.Mutex
	live map[string]*liveSession
}

// NewManager wires the engine together. The dialer decides how each
// generation reaches the network.
func NewManager(logger *slog.Logger, st store.SessionStore, dial wire.Dialer,
	governor *flood.Governor, cache *peers.Cache, source *updates.Source,
	defaultGen wire.Generation) *Manager {
	return &Manager{
		logger:     logger.With("component", "engine"),
		store:      st,
		dial:       dial,
		governor:   governor,
		resolver:   peers.NewResolver(cache),
		cache:      cache,
		source:     source,
		tracer:     otel.Tracer("telebridge/engine"),
		defaultGen: defaultGen,
		live:       make(map[string]*liveSession),
	}
}

// SetCallTimeout bounds every interactive network call. Zero leaves calls
// limited only by the caller's context.
func (m *Manager) SetCallTimeout(d time.Duration) { m.callTimeout = d }

// interactive routes a call through the flood governor with the configured
// deadline applied.
func (m *Manager) interactive(ctx context.Context, fn func(context.Context) error) error {
	if m.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
	}
	return m.governor.Interactive(ctx, fn)
}

// CreateSession persists a fresh, unauthenticated session record.
func (m *Manager) CreateSession(ctx context.Context, tenantID, phoneNumber, generation string) (*store.Session, error) {
	if phoneNumber == "" {
		return nil, fmt.Errorf("phone number required")
	}
	gen := wire.Generation(generation)
	if gen == "" {
		gen = m.defaultGen
	}
	if gen != wire.GenerationLegacy && gen != wire.GenerationModern {
		return nil, fmt.Errorf("unknown generation %q", generation)
	}

	now := time.Now().UTC()
	s := &store.Session{
		ID:          store.GenNewID(),
		PhoneNumber: phoneNumber,
		TenantID:    tenantID,
		Generation:  string(gen),
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.logger.Info("session created", "session_id", s.ID, "generation", s.Generation)
	return s, nil
}

// InitiateAuth starts the login flow: connects the transport and asks the
// network to deliver a one-time code. The verification handle is persisted
// so the flow survives a restart between the two steps.
func (m *Manager) InitiateAuth(ctx context.Context, sessionID string) error {
	ctx, span := m.tracer.Start(ctx, "engine.initiate_auth",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return m.notFound(err)
	}

	ls, err := m.ensureLive(ctx, s)
	if err != nil {
		span.RecordError(err)
		return &AuthInitiationError{Err: err}
	}

	var codeHash string
	err = m.interactive(ctx, func(ctx context.Context) error {
		var cerr error
		codeHash, cerr = ls.client.RequestCode(ctx, s.PhoneNumber)
		return cerr
	})
	if err != nil {
		span.RecordError(err)
		var rl *flood.RateLimitedError
		if errors.As(err, &rl) {
			return err
		}
		return &AuthInitiationError{Err: err}
	}

	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[store.MetaCodeHash] = codeHash
	s.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, s); err != nil {
		return fmt.Errorf("persist code hash: %w", err)
	}
	m.logger.Info("login code requested", "session_id", sessionID)
	return nil
}

// CompleteAuth submits the one-time code (and the account password when the
// network demands a second factor). On success the authorization token is
// persisted before the call returns, and the session's update producer
// starts.
func (m *Manager) CompleteAuth(ctx context.Context, sessionID, code, password string) (*store.Session, error) {
	ctx, span := m.tracer.Start(ctx, "engine.complete_auth",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, m.notFound(err)
	}
	codeHash := s.Metadata[store.MetaCodeHash]
	if codeHash == "" {
		return nil, ErrNoPendingAuth
	}

	ls, err := m.ensureLive(ctx, s)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var auth *wire.Authorization
	err = m.interactive(ctx, func(ctx context.Context) error {
		var serr error
		auth, serr = ls.client.SignIn(ctx, s.PhoneNumber, codeHash, code, password)
		return serr
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case wire.IsCode(err, wire.CodeCodeInvalid):
			return nil, &InvalidCodeError{}
		case wire.IsCode(err, wire.CodeCodeExpired):
			// The pending flow is dead; drop the stale handle.
			delete(s.Metadata, store.MetaCodeHash)
			s.UpdatedAt = time.Now().UTC()
			if serr := m.store.Save(ctx, s); serr != nil {
				m.logger.Warn("failed to clear expired code hash", "session_id", sessionID, "error", serr)
			}
			return nil, &CodeExpiredError{}
		case wire.IsCode(err, wire.CodePasswordNeeded):
			return nil, &TwoFactorRequiredError{}
		}
		return nil, err
	}

	delete(s.Metadata, store.MetaCodeHash)
	s.IsAuthenticated = true
	s.SessionToken = auth.Token
	s.RemoteUserID = auth.UserID
	s.LastActivity = time.Now().UTC()
	s.UpdatedAt = s.LastActivity
	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("persist authorization: %w", err)
	}
	ls.sc.SelfUserID = auth.UserID

	m.startProducer(sessionID, wire.Generation(s.Generation), ls)
	m.logger.Info("session authenticated",
		"session_id", sessionID, "remote_user_id", auth.UserID)
	return s, nil
}

// GetClient returns the session's live client, resuming from the persisted
// token when the client is not connected. It never triggers code delivery:
// an unauthenticated session fails with ErrNotAuthenticated.
func (m *Manager) GetClient(ctx context.Context, sessionID string) (wire.Client, error) {
	ls, _, err := m.liveFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ls.client, nil
}

// liveFor loads the session, requires authentication, and ensures a
// connected, token-resumed client.
func (m *Manager) liveFor(ctx context.Context, sessionID string) (*liveSession, *store.Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, m.notFound(err)
	}
	if !s.IsAuthenticated || s.SessionToken == "" {
		return nil, nil, ErrNotAuthenticated
	}

	m.mu.Lock()
	ls, ok := m.live[sessionID]
	m.mu.Unlock()
	if ok && ls.client.Connected() {
		return ls, s, nil
	}

	ls, err = m.resume(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	return ls, s, nil
}

// ensureLive returns the registered live session or dials a fresh connected
// client without authenticating it.
func (m *Manager) ensureLive(ctx context.Context, s *store.Session) (*liveSession, error) {
	m.mu.Lock()
	if ls, ok := m.live[s.ID]; ok && ls.client.Connected() {
		m.mu.Unlock()
		return ls, nil
	}
	m.mu.Unlock()

	client, err := m.dial(wire.Generation(s.Generation))
	if err != nil {
		return nil, fmt.Errorf("dial %s client: %w", s.Generation, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	ls := &liveSession{
		client: client,
		sc: &peers.SessionContext{
			SessionID:  s.ID,
			SelfUserID: s.RemoteUserID,
			Client:     client,
		},
	}
	m.mu.Lock()
	m.live[s.ID] = ls
	m.mu.Unlock()
	return ls, nil
}

// resume dials and authenticates from the stored token. A rejected token
// demotes the session to unauthenticated so operators see it needs a fresh
// login.
func (m *Manager) resume(ctx context.Context, s *store.Session) (*liveSession, error) {
	ls, err := m.ensureLive(ctx, s)
	if err != nil {
		return nil, err
	}

	auth, err := ls.client.ImportToken(ctx, s.SessionToken)
	if err != nil {
		// The dialed client is connected but never resumed the session; it
		// must not stay registered or the next caller would get it back
		// without a token import.
		m.dropLive(s.ID)
		if wire.IsCode(err, wire.CodeTokenInvalid) {
			m.logger.Warn("stored token rejected, session needs re-auth", "session_id", s.ID)
			s.IsAuthenticated = false
			s.SessionToken = ""
			s.UpdatedAt = time.Now().UTC()
			if serr := m.store.Save(ctx, s); serr != nil {
				m.logger.Error("failed to demote session", "session_id", s.ID, "error", serr)
			}
			return nil, ErrNotAuthenticated
		}
		return nil, fmt.Errorf("token resume: %w", err)
	}

	ls.sc.SelfUserID = auth.UserID
	if auth.UserID != s.RemoteUserID {
		s.RemoteUserID = auth.UserID
	}
	s.LastActivity = time.Now().UTC()
	s.UpdatedAt = s.LastActivity
	if err := m.store.Save(ctx, s); err != nil {
		m.logger.Warn("failed to record resume", "session_id", s.ID, "error", err)
	}

	m.startProducer(s.ID, wire.Generation(s.Generation), ls)
	m.logger.Info("session resumed", "session_id", s.ID, "generation", s.Generation)
	return ls, nil
}

// startProducer picks the update discovery mode for the session: push
// events where the generation supports them, differential polling
// otherwise.
func (m *Manager) startProducer(sessionID string, gen wire.Generation, ls *liveSession) {
	if m.source == nil {
		return
	}
	if gen == wire.GenerationModern {
		if err := m.source.StartEvents(sessionID, ls.client); err == nil {
			return
		} else if !errors.Is(err, wire.ErrEventsUnsupported) {
			m.logger.Warn("event subscription failed, falling back to polling",
				"session_id", sessionID, "error", err)
		}
	}
	lookup := func(ctx context.Context, identifier string) (wire.Peer, error) {
		p, err := m.resolver.Resolve(ctx, ls.sc, identifier)
		if err != nil {
			return wire.Peer{}, err
		}
		return *p, nil
	}
	if _, err := m.source.StartPolling(sessionID, ls.client, lookup); err != nil {
		m.logger.Error("failed to start polling producer", "session_id", sessionID, "error", err)
	}
}

// Disconnect tears down the live client and the session's update producer.
// The stored record keeps its token, so the session can reconnect later.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	if _, err := m.store.Get(ctx, sessionID); err != nil {
		return m.notFound(err)
	}
	if m.source != nil {
		m.source.Stop(sessionID)
	}
	m.dropLive(sessionID)
	m.logger.Info("session disconnected", "session_id", sessionID)
	return nil
}

// Reconnect forces a fresh token resume, replacing any live client.
func (m *Manager) Reconnect(ctx context.Context, sessionID string) error {
	if m.source != nil {
		m.source.Stop(sessionID)
	}
	m.dropLive(sessionID)
	_, _, err := m.liveFor(ctx, sessionID)
	return err
}

// DeleteSession disconnects and removes the stored record and caches.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if m.source != nil {
		m.source.Stop(sessionID)
	}
	m.dropLive(sessionID)
	m.cache.ClearSession(sessionID)
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return m.notFound(err)
	}
	m.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// ClearCache drops the session's peer and dialog caches.
func (m *Manager) ClearCache(sessionID string) {
	m.cache.ClearSession(sessionID)
}

// SetWebhook stores the session's CRM webhook URL. An empty url clears it.
func (m *Manager) SetWebhook(ctx context.Context, sessionID, url string) error {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return m.notFound(err)
	}
	if url == "" {
		delete(s.Metadata, store.MetaWebhookURL)
	} else {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string)
		}
		s.Metadata[store.MetaWebhookURL] = url
	}
	s.UpdatedAt = time.Now().UTC()
	return m.store.Save(ctx, s)
}

func (m *Manager) dropLive(sessionID string) {
	m.mu.Lock()
	ls, ok := m.live[sessionID]
	delete(m.live, sessionID)
	m.mu.Unlock()
	if ok {
		_ = ls.client.Close()
	}
}

// RestoreAll resumes every authenticated session after a restart. Sessions
// are restored concurrently with a bound, and one failure never stops the
// rest.
func (m *Manager) RestoreAll(ctx context.Context, tenantID string) error {
	sessions, err := m.store.ListAuthenticated(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}
	m.logger.Info("restoring sessions", "count", len(sessions))

	sem := make(chan struct{}, restoreConcurrency)
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		sem <- struct{}{}
		go func(s *store.Session) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := m.resume(ctx, s); err != nil {
				m.logger.Error("session restore failed", "session_id", s.ID, "error", err)
			}
		}(s)
	}
	wg.Wait()
	return nil
}

// Counts reports registry totals for health reporting.
func (m *Manager) Counts(ctx context.Context) (total, authenticated, connected int) {
	sessions, err := m.store.List(ctx, "")
	if err == nil {
		total = len(sessions)
		for _, s := range sessions {
			if s.IsAuthenticated {
				authenticated++
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ls := range m.live {
		if ls.client.Connected() {
			connected++
		}
	}
	return total, authenticated, connected
}

// ListSessions returns every stored session, newest first.
func (m *Manager) ListSessions(ctx context.Context, tenantID string) ([]*store.Session, error) {
	return m.store.List(ctx, tenantID)
}

// Session loads the stored record.
func (m *Manager) Session(ctx context.Context, sessionID string) (*store.Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, m.notFound(err)
	}
	return s, nil
}

// Close disconnects everything. The store is closed by the caller that
// opened it.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if m.source != nil {
			m.source.Stop(id)
		}
		m.dropLive(id)
	}
}

func (m *Manager) notFound(err error) error {
	if errors.Is(err, store.ErrSessionNotFound) {
		return ErrSessionNotFound
	}
	return err
}
