package egress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sablecrm/telebridge/internal/store"
	"github.com/sablecrm/telebridge/internal/updates"
)

type oneSessionStore struct {
	session *store.Session
}

func (s *oneSessionStore) Save(ctx context.Context, sess *store.Session) error { return nil }

func (s *oneSessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	if s.session == nil || s.session.ID != id {
		return nil, store.ErrSessionNotFound
	}
	return s.session, nil
}

func (s *oneSessionStore) List(ctx context.Context, tenantID string) ([]*store.Session, error) {
	if s.session == nil {
		return nil, nil
	}
	return []*store.Session{s.session}, nil
}

func (s *oneSessionStore) ListAuthenticated(ctx context.Context, tenantID string) ([]*store.Session, error) {
	return nil, nil
}

func (s *oneSessionStore) Delete(ctx context.Context, id string) error { return nil }
func (s *oneSessionStore) Close() error                                { return nil }

func TestNotifyPostsEnvelope(t *testing.T) {
	var got atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode body: %v", err)
		}
		got.Store(env)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := &oneSessionStore{session: &store.Session{
		ID:       "sess-1",
		Metadata: map[string]string{store.MetaWebhookURL: ts.URL},
	}}
	wh := NewWebhook(st, slog.Default())

	u := updates.Update{Type: updates.TypeNewMessage, SessionID: "sess-1", ChatID: "100", MessageID: 7, Text: "hi"}
	if err := wh.Notify(context.Background(), u); err != nil {
		t.Fatal(err)
	}

	env, ok := got.Load().(envelope)
	if !ok {
		t.Fatal("endpoint never called")
	}
	if env.Kind != updates.TypeNewMessage || env.Update.MessageID != 7 || env.ID == "" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestNotifySkipsSessionsWithoutURL(t *testing.T) {
	st := &oneSessionStore{session: &store.Session{ID: "sess-1"}}
	wh := NewWebhook(st, slog.Default())

	if err := wh.Notify(context.Background(), updates.Update{SessionID: "sess-1"}); err != nil {
		t.Fatalf("unset URL must be a no-op, got %v", err)
	}
}

func TestNotifySurfacesEndpointFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	st := &oneSessionStore{session: &store.Session{
		ID:       "sess-1",
		Metadata: map[string]string{store.MetaWebhookURL: ts.URL},
	}}
	wh := NewWebhook(st, slog.Default())

	if err := wh.Notify(context.Background(), updates.Update{SessionID: "sess-1"}); err == nil {
		t.Fatal("non-2xx response must be an error")
	}
}
