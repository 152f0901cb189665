package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sablecrm/telebridge/internal/flood"
	"github.com/sablecrm/telebridge/internal/peers"
	"github.com/sablecrm/telebridge/internal/store"
	"github.com/sablecrm/telebridge/internal/updates"
	"github.com/sablecrm/telebridge/internal/wire"
	"github.com/sablecrm/telebridge/internal/wire/wiretest"
)

// memStore is an in-memory SessionStore for engine tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*store.Session)}
}

func cloneSession(s *store.Session) *store.Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (m *memStore) Save(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *memStore) List(ctx context.Context, tenantID string) ([]*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Session
	for _, s := range m.sessions {
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		out = append(out, cloneSession(s))
	}
	return out, nil
}

func (m *memStore) ListAuthenticated(ctx context.Context, tenantID string) ([]*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Session
	for _, s := range m.sessions {
		if !s.IsAuthenticated {
			continue
		}
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		out = append(out, cloneSession(s))
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return store.ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *memStore) Close() error { return nil }

type fixture struct {
	st     *memStore
	fake   *wiretest.FakeClient
	source *updates.Source
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newMemStore()
	fake := wiretest.NewFakeClient()
	source := updates.NewSource(slog.Default(), flood.NewGovernor(), time.Hour, 20)
	t.Cleanup(source.Close)

	dial := func(gen wire.Generation) (wire.Client, error) { return fake, nil }
	mgr := NewManager(slog.Default(), st, dial, flood.NewGovernor(), peers.NewCache(), source, wire.GenerationModern)
	t.Cleanup(mgr.Close)
	return &fixture{st: st, fake: fake, source: source, mgr: mgr}
}

func (fx *fixture) createAndAuth(t *testing.T) *store.Session {
	t.Helper()
	ctx := context.Background()
	s, err := fx.mgr.CreateSession(ctx, "t1", "+4670000001", "modern")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.mgr.InitiateAuth(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	authed, err := fx.mgr.CompleteAuth(ctx, s.ID, "12345", "")
	if err != nil {
		t.Fatal(err)
	}
	return authed
}

func TestCreateSessionValidatesGeneration(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.mgr.CreateSession(ctx, "t1", "+4670000001", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Generation != "modern" {
		t.Errorf("default generation = %q, want modern", s.Generation)
	}

	if _, err := fx.mgr.CreateSession(ctx, "t1", "+4670000002", "quantum"); err == nil {
		t.Error("unknown generation must be rejected")
	}
	if _, err := fx.mgr.CreateSession(ctx, "t1", "", "modern"); err == nil {
		t.Error("empty phone number must be rejected")
	}
}

func TestInitiateAuthPersistsCodeHash(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fake.CodeHash = "hash-abc"

	s, err := fx.mgr.CreateSession(ctx, "t1", "+4670000001", "modern")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.mgr.InitiateAuth(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	stored, _ := fx.st.Get(ctx, s.ID)
	if stored.Metadata[store.MetaCodeHash] != "hash-abc" {
		t.Errorf("code hash not persisted, metadata = %v", stored.Metadata)
	}
	if fx.fake.CallCount("RequestCode") != 1 {
		t.Error("RequestCode not called")
	}
}

// deadlineClient records whether an interactive call carried a deadline.
type deadlineClient struct {
	*wiretest.FakeClient
	sawDeadline bool
}

func (d *deadlineClient) RequestCode(ctx context.Context, phone string) (string, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.FakeClient.RequestCode(ctx, phone)
}

func TestCallTimeoutBoundsInteractiveCalls(t *testing.T) {
	st := newMemStore()
	dc := &deadlineClient{FakeClient: wiretest.NewFakeClient()}
	source := updates.NewSource(slog.Default(), flood.NewGovernor(), time.Hour, 20)
	t.Cleanup(source.Close)

	dial := func(gen wire.Generation) (wire.Client, error) { return dc, nil }
	mgr := NewManager(slog.Default(), st, dial, flood.NewGovernor(), peers.NewCache(), source, wire.GenerationModern)
	t.Cleanup(mgr.Close)
	mgr.SetCallTimeout(30 * time.Second)

	ctx := context.Background()
	s, err := mgr.CreateSession(ctx, "t1", "+4670000001", "modern")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.InitiateAuth(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if !dc.sawDeadline {
		t.Error("interactive call ran without a deadline")
	}
}

func TestCompleteAuthPersistsTokenBeforeReturn(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Auth = &wire.Authorization{UserID: 777, Handle: "me", Token: "tok-1"}

	s := fx.createAndAuth(t)

	stored, _ := fx.st.Get(context.Background(), s.ID)
	if !stored.IsAuthenticated || stored.SessionToken != "tok-1" || stored.RemoteUserID != 777 {
		t.Errorf("authorization not durable: %+v", stored)
	}
	if stored.Metadata[store.MetaCodeHash] != "" {
		t.Error("pending code hash must be cleared on success")
	}
	// Modern generation gets the push producer.
	if mode := fx.source.ModeFor(s.ID); mode != updates.ModeEvents {
		t.Errorf("producer mode = %q, want events", mode)
	}
}

func TestCompleteAuthWithoutInitiate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	s, _ := fx.mgr.CreateSession(ctx, "t1", "+4670000001", "modern")

	if _, err := fx.mgr.CompleteAuth(ctx, s.ID, "12345", ""); !errors.Is(err, ErrNoPendingAuth) {
		t.Fatalf("got %v, want ErrNoPendingAuth", err)
	}
}

func TestCompleteAuthErrorMapping(t *testing.T) {
	cases := []struct {
		wireCode string
		check    func(error) bool
	}{
		{wire.CodeCodeInvalid, func(err error) bool {
			var e *InvalidCodeError
			return errors.As(err, &e)
		}},
		{wire.CodeCodeExpired, func(err error) bool {
			var e *CodeExpiredError
			return errors.As(err, &e)
		}},
		{wire.CodePasswordNeeded, func(err error) bool {
			var e *TwoFactorRequiredError
			return errors.As(err, &e)
		}},
	}

	for _, c := range cases {
		fx := newFixture(t)
		ctx := context.Background()
		s, _ := fx.mgr.CreateSession(ctx, "t1", "+4670000001", "modern")
		if err := fx.mgr.InitiateAuth(ctx, s.ID); err != nil {
			t.Fatal(err)
		}
		fx.fake.FailNext("SignIn", &wire.Error{Code: c.wireCode, Message: c.wireCode})

		_, err := fx.mgr.CompleteAuth(ctx, s.ID, "00000", "")
		if !c.check(err) {
			t.Errorf("%s mapped to %v", c.wireCode, err)
		}

		stored, _ := fx.st.Get(ctx, s.ID)
		if stored.IsAuthenticated {
			t.Errorf("%s: session must stay unauthenticated", c.wireCode)
		}
		hash := stored.Metadata[store.MetaCodeHash]
		if c.wireCode == wire.CodeCodeExpired && hash != "" {
			t.Error("expired code must clear the pending hash")
		}
		if c.wireCode == wire.CodeCodeInvalid && hash == "" {
			t.Error("invalid code must keep the flow pending for a retry")
		}
	}
}

func TestGetClientResumesFromToken(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Session authenticated in a previous process life.
	s := &store.Session{
		ID: store.GenNewID(), PhoneNumber: "+4670000001",
		IsAuthenticated: true, SessionToken: "tok-99",
		RemoteUserID: 5, Generation: "modern",
	}
	fx.st.Save(ctx, s)

	if _, err := fx.mgr.GetClient(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if fx.fake.CallCount("ImportToken") != 1 {
		t.Errorf("ImportToken called %d times, want 1", fx.fake.CallCount("ImportToken"))
	}
	if fx.fake.CallCount("RequestCode") != 0 {
		t.Error("a token resume must never trigger code delivery")
	}

	// Second call finds the live connected client: no second resume.
	if _, err := fx.mgr.GetClient(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if fx.fake.CallCount("ImportToken") != 1 {
		t.Error("live client must be reused, not re-resumed")
	}
}

func TestGetClientUnauthenticatedSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	s, _ := fx.mgr.CreateSession(ctx, "t1", "+4670000001", "modern")

	if _, err := fx.mgr.GetClient(ctx, s.ID); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("got %v, want ErrNotAuthenticated", err)
	}
	if _, err := fx.mgr.GetClient(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestRejectedTokenDemotesSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s := &store.Session{
		ID: store.GenNewID(), PhoneNumber: "+4670000001",
		IsAuthenticated: true, SessionToken: "stale",
		Generation: "modern",
	}
	fx.st.Save(ctx, s)
	fx.fake.FailNext("ImportToken", &wire.Error{Code: wire.CodeTokenInvalid, Message: "revoked"})

	if _, err := fx.mgr.GetClient(ctx, s.ID); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("got %v, want ErrNotAuthenticated", err)
	}
	stored, _ := fx.st.Get(ctx, s.ID)
	if stored.IsAuthenticated || stored.SessionToken != "" {
		t.Errorf("session not demoted: %+v", stored)
	}
}

func TestTransientResumeFailureDropsClient(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s := &store.Session{
		ID: store.GenNewID(), PhoneNumber: "+4670000001",
		IsAuthenticated: true, SessionToken: "tok-1",
		Generation: "modern",
	}
	fx.st.Save(ctx, s)
	fx.fake.FailNext("ImportToken", &wire.Error{Code: wire.CodeInternal, Message: "gateway hiccup"})

	if _, err := fx.mgr.GetClient(ctx, s.ID); err == nil {
		t.Fatal("first GetClient must surface the resume failure")
	}

	// The half-connected client must not have stayed registered: the retry
	// has to import the token again, not reuse the unresumed transport.
	if _, err := fx.mgr.GetClient(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if n := fx.fake.CallCount("ImportToken"); n != 2 {
		t.Errorf("ImportToken called %d times, want 2", n)
	}

	stored, _ := fx.st.Get(ctx, s.ID)
	if !stored.IsAuthenticated || stored.SessionToken != "tok-1" {
		t.Errorf("transient failure must not demote the session: %+v", stored)
	}
}

func TestRestoreAllContinuesPastFailures(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()

	good := wiretest.NewFakeClient()
	bad := wiretest.NewFakeClient()
	bad.FailNext("Connect", errors.New("gateway down"))

	s1 := &store.Session{ID: store.GenNewID(), PhoneNumber: "+1", IsAuthenticated: true, SessionToken: "t1", Generation: "legacy"}
	s2 := &store.Session{ID: store.GenNewID(), PhoneNumber: "+2", IsAuthenticated: true, SessionToken: "t2", Generation: "modern"}
	st.Save(ctx, s1)
	st.Save(ctx, s2)

	var mu sync.Mutex
	dial := func(gen wire.Generation) (wire.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if gen == wire.GenerationLegacy {
			return bad, nil
		}
		return good, nil
	}

	source := updates.NewSource(slog.Default(), flood.NewGovernor(), time.Hour, 20)
	defer source.Close()
	mgr := NewManager(slog.Default(), st, dial, flood.NewGovernor(), peers.NewCache(), source, wire.GenerationModern)
	defer mgr.Close()

	if err := mgr.RestoreAll(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if good.CallCount("ImportToken") != 1 {
		t.Error("the healthy session must still be restored")
	}
	total, _, connected := mgr.Counts(ctx)
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if connected != 1 {
		t.Errorf("connected = %d, want 1", connected)
	}
}

func TestSendTextResolvesAndEmits(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Handles["alice"] = &wire.Peer{ID: 42, Kind: wire.PeerUser, Handle: "alice", AccessKey: "k"}
	s := fx.createAndAuth(t)

	sent, err := fx.mgr.SendText(context.Background(), s.ID, "@alice", "hi there")
	if err != nil {
		t.Fatal(err)
	}
	if sent.ChatID != 42 || !sent.Outgoing {
		t.Errorf("sent = %+v", sent)
	}

	select {
	case u := <-fx.source.Updates():
		if u.Direction != updates.DirectionOutbound || u.SessionID != s.ID {
			t.Errorf("outbound update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no outbound update emitted")
	}
}

func TestSendTextFloodWaitSurfacesAsRateLimited(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Handles["alice"] = &wire.Peer{ID: 42, Kind: wire.PeerUser, Handle: "alice", AccessKey: "k"}
	s := fx.createAndAuth(t)

	fx.fake.FailNext("SendMessage", &wire.Error{Code: wire.CodeFloodWait, RetryAfterSec: 42, Message: "slow"})

	_, err := fx.mgr.SendText(context.Background(), s.ID, "@alice", "hi")
	var rl *flood.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("got %v, want RateLimitedError", err)
	}
	if rl.RetryAfter != 42*time.Second {
		t.Errorf("RetryAfter = %s", rl.RetryAfter)
	}
	if fx.fake.CallCount("SendMessage") != 1 {
		t.Error("flood-limited interactive calls must not be retried")
	}
}

func TestDisconnectKeepsToken(t *testing.T) {
	fx := newFixture(t)
	s := fx.createAndAuth(t)
	ctx := context.Background()

	if err := fx.mgr.Disconnect(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if fx.source.ModeFor(s.ID) != updates.ModeNone {
		t.Error("producer still running after disconnect")
	}
	stored, _ := fx.st.Get(ctx, s.ID)
	if !stored.IsAuthenticated || stored.SessionToken == "" {
		t.Error("disconnect must keep the stored authorization")
	}
}

func TestDeleteSessionRemovesRecord(t *testing.T) {
	fx := newFixture(t)
	s := fx.createAndAuth(t)
	ctx := context.Background()

	if err := fx.mgr.DeleteSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.st.Get(ctx, s.ID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Error("record still present after delete")
	}
}
