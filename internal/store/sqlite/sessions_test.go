package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sablecrm/telebridge/internal/store"
)

func openTemp(t *testing.T) *SessionStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sample() *store.Session {
	return &store.Session{
		ID:              store.GenNewID(),
		PhoneNumber:     "+4670000001",
		RemoteUserID:    777,
		IsAuthenticated: true,
		SessionToken:    "tok-1",
		TenantID:        "acme",
		Generation:      "modern",
		LastActivity:    time.Now().UTC().Truncate(time.Second),
		Metadata:        map[string]string{store.MetaWebhookURL: "https://crm.example/hook"},
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	in := sample()

	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}

	out, err := s.Get(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.PhoneNumber != in.PhoneNumber || out.RemoteUserID != in.RemoteUserID ||
		!out.IsAuthenticated || out.SessionToken != in.SessionToken ||
		out.TenantID != in.TenantID || out.Generation != in.Generation {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if !out.LastActivity.Equal(in.LastActivity) {
		t.Errorf("last activity = %s, want %s", out.LastActivity, in.LastActivity)
	}
	if out.Metadata[store.MetaWebhookURL] != "https://crm.example/hook" {
		t.Errorf("metadata lost: %v", out.Metadata)
	}
	if out.CreatedAt.IsZero() || out.UpdatedAt.IsZero() {
		t.Error("timestamps not populated")
	}
}

func TestSaveIsUpsert(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	in := sample()
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}

	in.SessionToken = "tok-2"
	in.IsAuthenticated = false
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}

	out, err := s.Get(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.SessionToken != "tok-2" || out.IsAuthenticated {
		t.Errorf("second save not applied: %+v", out)
	}
}

func TestGetUnknownID(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestListAuthenticatedFiltersByTenant(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	a := sample()
	a.TenantID = "acme"
	b := sample()
	b.TenantID = "globex"
	c := sample()
	c.TenantID = "acme"
	c.IsAuthenticated = false

	for _, sess := range []*store.Session{a, b, c} {
		if err := s.Save(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListAuthenticated(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all tenants: got %d sessions, want 2", len(all))
	}

	acme, err := s.ListAuthenticated(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(acme) != 1 || acme[0].ID != a.ID {
		t.Errorf("acme filter wrong: %+v", acme)
	}
}

func TestListIncludesUnauthenticated(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	a := sample()
	b := sample()
	b.TenantID = "globex"
	b.IsAuthenticated = false

	for _, sess := range []*store.Session{a, b} {
		if err := s.Save(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d sessions, want 2", len(all))
	}

	globex, err := s.List(ctx, "globex")
	if err != nil {
		t.Fatal(err)
	}
	if len(globex) != 1 || globex[0].ID != b.ID {
		t.Errorf("tenant filter wrong: %+v", globex)
	}
}

func TestDelete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	in := sample()
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, in.ID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatal("session survived delete")
	}
}

func TestEmptyMetadataStaysNil(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	in := sample()
	in.Metadata = nil
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}
	out, err := s.Get(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Metadata != nil {
		t.Errorf("metadata = %v, want nil", out.Metadata)
	}
}
