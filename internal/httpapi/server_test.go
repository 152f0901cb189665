package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sablecrm/telebridge/internal/config"
	"github.com/sablecrm/telebridge/internal/engine"
	"github.com/sablecrm/telebridge/internal/flood"
	"github.com/sablecrm/telebridge/internal/peers"
	"github.com/sablecrm/telebridge/internal/store"
	"github.com/sablecrm/telebridge/internal/updates"
	"github.com/sablecrm/telebridge/internal/wire"
	"github.com/sablecrm/telebridge/internal/wire/wiretest"
)

// memStore is a minimal in-memory SessionStore for handler tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
}

func (m *memStore) Save(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	c := *s
	return &c, nil
}

func (m *memStore) List(ctx context.Context, tenantID string) ([]*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Session
	for _, s := range m.sessions {
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	return out, nil
}

func (m *memStore) ListAuthenticated(ctx context.Context, tenantID string) ([]*store.Session, error) {
	return nil, nil
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

func newTestAPI(t *testing.T, cfg config.AdminConfig) (*Server, *wiretest.FakeClient) {
	t.Helper()
	st := &memStore{sessions: make(map[string]*store.Session)}
	fake := wiretest.NewFakeClient()
	source := updates.NewSource(slog.Default(), flood.NewGovernor(), time.Hour, 20)
	t.Cleanup(source.Close)

	dial := func(gen wire.Generation) (wire.Client, error) { return fake, nil }
	eng := engine.NewManager(slog.Default(), st, dial, flood.NewGovernor(), peers.NewCache(), source, wire.GenerationModern)
	t.Cleanup(eng.Close)

	return NewServer(cfg, slog.Default(), eng), fake
}

func doJSON(t *testing.T, s *Server, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if apiKey != "" {
		r.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, r)
	return w
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{APIKey: "k"})

	w := doJSON(t, s, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestAuthRejectsMissingKey(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{APIKey: "k"})

	w := doJSON(t, s, "POST", "/sessions", "", `{"phoneNumber":"+1"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	w = doJSON(t, s, "POST", "/sessions", "wrong", `{"phoneNumber":"+1"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestEmptyKeyDisablesAuth(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{})

	w := doJSON(t, s, "POST", "/sessions", "", `{"phoneNumber":"+4670000001"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{APIKey: "k"})

	w := doJSON(t, s, "POST", "/sessions", "k", `{"tenantId":"acme","phoneNumber":"+4670000001","generation":"legacy"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	var created struct {
		ID          string `json:"id"`
		PhoneNumber string `json:"phoneNumber"`
		Generation  string `json:"generation"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Generation != "legacy" {
		t.Errorf("created = %+v", created)
	}

	w = doJSON(t, s, "GET", "/sessions/"+created.ID, "k", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	// The session token must never appear in API responses.
	if strings.Contains(w.Body.String(), "session_token") || strings.Contains(w.Body.String(), "sessionToken") {
		t.Error("session view leaks the token field")
	}
}

func TestListSessions(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{APIKey: "k"})

	doJSON(t, s, "POST", "/sessions", "k", `{"tenantId":"acme","phoneNumber":"+1"}`)
	doJSON(t, s, "POST", "/sessions", "k", `{"tenantId":"acme","phoneNumber":"+2"}`)
	doJSON(t, s, "POST", "/sessions", "k", `{"tenantId":"other","phoneNumber":"+3"}`)

	w := doJSON(t, s, "GET", "/sessions", "k", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, body %s", w.Code, w.Body)
	}
	var body struct {
		Sessions []struct {
			ID          string `json:"id"`
			PhoneNumber string `json:"phoneNumber"`
		} `json:"sessions"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 3 || len(body.Sessions) != 3 {
		t.Errorf("total = %d, sessions = %d, want 3", body.Total, len(body.Sessions))
	}

	w = doJSON(t, s, "GET", "/sessions?tenantId=acme", "k", "")
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Total != 2 {
		t.Errorf("tenant filter total = %d, want 2", body.Total)
	}

	// The list is guarded like every other session endpoint.
	if w := doJSON(t, s, "GET", "/sessions", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list status = %d, want 401", w.Code)
	}
}

func TestHealthReportsSessionCounts(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{APIKey: "k"})

	doJSON(t, s, "POST", "/sessions", "k", `{"phoneNumber":"+4670000001"}`)
	w := doJSON(t, s, "POST", "/sessions", "k", `{"phoneNumber":"+4670000002"}`)
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	doJSON(t, s, "POST", "/sessions/"+created.ID+"/auth/initiate", "k", "")
	doJSON(t, s, "POST", "/sessions/"+created.ID+"/auth/complete", "k", `{"code":"12345"}`)

	w = doJSON(t, s, "GET", "/health", "", "")
	var body struct {
		Sessions      int `json:"sessions"`
		Authenticated int `json:"authenticated"`
		Connected     int `json:"connected"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Sessions != 2 || body.Authenticated != 1 || body.Connected != 1 {
		t.Errorf("health counts = %+v, want 2 total, 1 authenticated, 1 connected", body)
	}
}

func TestGetSessionUnknown(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{APIKey: "k"})

	w := doJSON(t, s, "GET", "/sessions/nope", "k", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error.Code != "SESSION_NOT_FOUND" {
		t.Errorf("error code = %q", body.Error.Code)
	}
}

func TestSendMessageRequiresAuthenticatedSession(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{APIKey: "k"})

	w := doJSON(t, s, "POST", "/sessions", "k", `{"phoneNumber":"+4670000001"}`)
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)

	w = doJSON(t, s, "POST", "/sessions/"+created.ID+"/messages", "k", `{"chatId":"@alice","text":"hi"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body %s", w.Code, w.Body)
	}
}

func TestAuthFlowOverAPI(t *testing.T) {
	s, fake := newTestAPI(t, config.AdminConfig{APIKey: "k"})
	fake.Handles["alice"] = &wire.Peer{ID: 42, Kind: wire.PeerUser, Handle: "alice", AccessKey: "ak"}

	w := doJSON(t, s, "POST", "/sessions", "k", `{"phoneNumber":"+4670000001"}`)
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)

	w = doJSON(t, s, "POST", "/sessions/"+created.ID+"/auth/initiate", "k", "")
	if w.Code != http.StatusOK {
		t.Fatalf("initiate status = %d, body %s", w.Code, w.Body)
	}

	w = doJSON(t, s, "POST", "/sessions/"+created.ID+"/auth/complete", "k", `{"code":"12345"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", w.Code, w.Body)
	}
	var authed struct {
		IsAuthenticated bool `json:"isAuthenticated"`
	}
	json.Unmarshal(w.Body.Bytes(), &authed)
	if !authed.IsAuthenticated {
		t.Error("session not reported authenticated")
	}

	w = doJSON(t, s, "POST", "/sessions/"+created.ID+"/messages", "k", `{"chatId":"@alice","text":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d, body %s", w.Code, w.Body)
	}
	var sent struct {
		ChatID   int64 `json:"chatId"`
		Outgoing bool  `json:"outgoing"`
	}
	json.Unmarshal(w.Body.Bytes(), &sent)
	if sent.ChatID != 42 || !sent.Outgoing {
		t.Errorf("sent = %+v", sent)
	}
}

func TestFloodWaitMapsTo429(t *testing.T) {
	s, fake := newTestAPI(t, config.AdminConfig{APIKey: "k"})
	fake.Handles["alice"] = &wire.Peer{ID: 42, Kind: wire.PeerUser, Handle: "alice", AccessKey: "ak"}

	w := doJSON(t, s, "POST", "/sessions", "k", `{"phoneNumber":"+4670000001"}`)
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	doJSON(t, s, "POST", "/sessions/"+created.ID+"/auth/initiate", "k", "")
	doJSON(t, s, "POST", "/sessions/"+created.ID+"/auth/complete", "k", `{"code":"12345"}`)

	fake.FailNext("SendMessage", &wire.Error{Code: wire.CodeFloodWait, RetryAfterSec: 30, Message: "slow"})

	w = doJSON(t, s, "POST", "/sessions/"+created.ID+"/messages", "k", `{"chatId":"@alice","text":"hi"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body %s", w.Code, w.Body)
	}
	var body struct {
		Error struct {
			Code          string `json:"code"`
			RetryAfterSec int    `json:"retryAfterSec"`
		} `json:"error"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error.Code != "RATE_LIMITED" || body.Error.RetryAfterSec != 30 {
		t.Errorf("error body = %+v", body.Error)
	}
}

func TestInvalidCodeMapsTo400(t *testing.T) {
	s, fake := newTestAPI(t, config.AdminConfig{APIKey: "k"})

	w := doJSON(t, s, "POST", "/sessions", "k", `{"phoneNumber":"+4670000001"}`)
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	doJSON(t, s, "POST", "/sessions/"+created.ID+"/auth/initiate", "k", "")

	fake.FailNext("SignIn", &wire.Error{Code: wire.CodeCodeInvalid, Message: "wrong"})
	w = doJSON(t, s, "POST", "/sessions/"+created.ID+"/auth/complete", "k", `{"code":"00000"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body)
	}
}

func TestWebhookLifecycle(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{APIKey: "k"})

	w := doJSON(t, s, "POST", "/sessions", "k", `{"phoneNumber":"+4670000001"}`)
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)

	w = doJSON(t, s, "PUT", "/sessions/"+created.ID+"/webhook", "k", `{"url":"https://crm.example/hook"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set status = %d, body %s", w.Code, w.Body)
	}
	w = doJSON(t, s, "PUT", "/sessions/"+created.ID+"/webhook", "k", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty url status = %d, want 400", w.Code)
	}
	w = doJSON(t, s, "DELETE", "/sessions/"+created.ID+"/webhook", "k", "")
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	s, _ := newTestAPI(t, config.AdminConfig{APIKey: "k", RPM: 60, Burst: 2})

	for i := 0; i < 2; i++ {
		if w := doJSON(t, s, "GET", "/sessions/nope", "k", ""); w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d rate limited inside burst", i)
		}
	}
	w := doJSON(t, s, "GET", "/sessions/nope", "k", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}
