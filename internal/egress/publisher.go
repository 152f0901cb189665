// Package egress pushes normalized updates to the CRM over AMQP. Delivery
// is best-effort: the realtime gateway is the primary surface and the CRM
// re-syncs through the history API.
package egress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/sablecrm/telebridge/internal/updates"
)

const (
	dialAttempts = 5
	dialBaseWait = 2 * time.Second
	dialMaxWait  = 60 * time.Second
)

// Publisher fans normalized updates out to a topic exchange. Routing key is
// "update.<type>", one message per update.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// envelope is the published message body.
type envelope struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	EmittedAt time.Time      `json:"emittedAt"`
	Update    updates.Update `json:"update"`
}

// Dial connects with exponential backoff, declares the exchange, and
// returns a ready publisher.
func Dial(ctx context.Context, url, exchange string, logger *slog.Logger) (*Publisher, error) {
	logger = logger.With("component", "egress")
	conn, err := dialWithRetry(ctx, url, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{conn: conn, exchange: exchange, logger: logger}, nil
}

// dialWithRetry tries the broker with capped exponential backoff, honoring
// ctx for shutdown.
func dialWithRetry(ctx context.Context, url string, logger *slog.Logger) (*amqp091.Connection, error) {
	var lastErr error
	for i := 1; i <= dialAttempts; i++ {
		conn, err := amqp091.Dial(url)
		if err == nil {
			if i > 1 {
				logger.Info("broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		sleep := dialBaseWait << (i - 1)
		if sleep > dialMaxWait {
			sleep = dialMaxWait
		}
		logger.Warn("broker dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("broker unreachable after %d attempts: %w", dialAttempts, lastErr)
}

// Publish sends one update. A per-call channel keeps the connection usable
// after individual channel errors.
func (p *Publisher) Publish(ctx context.Context, u updates.Update) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(envelope{
		ID:        uuid.NewString(),
		Kind:      u.Type,
		EmittedAt: time.Now().UTC(),
		Update:    u,
	})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	err = ch.PublishWithContext(ctx, p.exchange, "update."+u.Type, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err == nil {
		p.logger.Debug("update published",
			"session_id", u.SessionID, "chat_id", u.ChatID, "kind", u.Type)
	}
	return err
}

// Close tears down the broker connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}
