package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sablecrm/telebridge/internal/store"
	"github.com/sablecrm/telebridge/internal/updates"
)

const webhookTimeout = 10 * time.Second

// Webhook delivers updates to the per-session HTTP endpoint the CRM
// configures in session metadata. Sessions without a webhook URL are
// skipped.
type Webhook struct {
	store  store.SessionStore
	client *http.Client
	logger *slog.Logger
}

func NewWebhook(st store.SessionStore, logger *slog.Logger) *Webhook {
	return &Webhook{
		store:  st,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.With("component", "webhook"),
	}
}

// Notify posts the update to the session's webhook URL, if one is set.
// The body is the same envelope the AMQP publisher emits.
func (w *Webhook) Notify(ctx context.Context, u updates.Update) error {
	sess, err := w.store.Get(ctx, u.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	url := sess.Metadata[store.MetaWebhookURL]
	if url == "" {
		return nil
	}

	body, err := json.Marshal(envelope{
		ID:        uuid.NewString(),
		Kind:      u.Type,
		EmittedAt: time.Now().UTC(),
		Update:    u,
	})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	w.logger.Debug("webhook delivered",
		"session_id", u.SessionID, "chat_id", u.ChatID, "kind", u.Type)
	return nil
}
