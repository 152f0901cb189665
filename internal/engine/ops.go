package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sablecrm/telebridge/internal/store"
	"github.com/sablecrm/telebridge/internal/transfer"
	"github.com/sablecrm/telebridge/internal/updates"
	"github.com/sablecrm/telebridge/internal/wire"
)

// SendText delivers a text message to the chat identified by chatID
// (numeric id or @handle). Peer resolution, the invalid-peer retry, and
// flood-control conversion all happen here; callers see either the sent
// message or a typed error.
func (m *Manager) SendText(ctx context.Context, sessionID, chatID, text string) (*wire.Message, error) {
	ctx, span := m.tracer.Start(ctx, "engine.send_text",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("chat.id", chatID),
		))
	defer span.End()

	ls, s, err := m.liveFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var sent *wire.Message
	err = m.interactive(ctx, func(ctx context.Context) error {
		return m.resolver.WithPeer(ctx, ls.sc, chatID, func(peer wire.Peer) error {
			var serr error
			sent, serr = ls.client.SendMessage(ctx, peer, text)
			return serr
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.touch(ctx, s)
	m.emitOutbound(sessionID, updates.TypeNewMessage, sent)
	return sent, nil
}

// SendFile uploads data (single-shot or chunked depending on size) and
// attaches it to a message in the chat.
func (m *Manager) SendFile(ctx context.Context, sessionID, chatID, fileName string, data []byte, caption string) (*wire.Message, error) {
	ctx, span := m.tracer.Start(ctx, "engine.send_file",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("chat.id", chatID),
			attribute.Int("file.size", len(data)),
		))
	defer span.End()

	ls, s, err := m.liveFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ref, err := transfer.Upload(ctx, ls.client, fileName, data)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var sent *wire.Message
	err = m.interactive(ctx, func(ctx context.Context) error {
		return m.resolver.WithPeer(ctx, ls.sc, chatID, func(peer wire.Peer) error {
			var serr error
			sent, serr = ls.client.SendFile(ctx, peer, ref, caption)
			return serr
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.touch(ctx, s)
	m.emitOutbound(sessionID, updates.TypeFileUploaded, sent)
	return sent, nil
}

// History fetches up to limit messages of the chat with id above minID,
// newest first.
func (m *Manager) History(ctx context.Context, sessionID, chatID string, limit int, minID int64) ([]wire.Message, error) {
	ls, _, err := m.liveFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var history []wire.Message
	err = m.interactive(ctx, func(ctx context.Context) error {
		return m.resolver.WithPeer(ctx, ls.sc, chatID, func(peer wire.Peer) error {
			var herr error
			history, herr = ls.client.GetHistory(ctx, peer, limit, minID)
			return herr
		})
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// Dialogs returns the session's recent chat list.
func (m *Manager) Dialogs(ctx context.Context, sessionID string, limit int) ([]wire.Dialog, error) {
	ls, _, err := m.liveFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var dialogs []wire.Dialog
	err = m.interactive(ctx, func(ctx context.Context) error {
		var derr error
		dialogs, derr = ls.client.GetDialogs(ctx, limit)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return dialogs, nil
}

// ResolvePeer exposes peer resolution for callers that need the identity
// without performing an operation.
func (m *Manager) ResolvePeer(ctx context.Context, sessionID, identifier string) (*wire.Peer, error) {
	ls, _, err := m.liveFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.resolver.Resolve(ctx, ls.sc, identifier)
}

// DownloadMedia fetches the full content of an attachment.
func (m *Manager) DownloadMedia(ctx context.Context, sessionID string, media *wire.MediaRef) (*transfer.Result, error) {
	ctx, span := m.tracer.Start(ctx, "engine.download_media",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("file.id", media.FileID),
		))
	defer span.End()

	ls, _, err := m.liveFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var res *transfer.Result
	err = m.interactive(ctx, func(ctx context.Context) error {
		var derr error
		res, derr = transfer.Download(ctx, ls.client, media)
		return derr
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

// TrackChat adds a chat to the session's polling set. Fails when the
// session's active discovery mode is not polling.
func (m *Manager) TrackChat(ctx context.Context, sessionID, chatID string) error {
	if m.source == nil {
		return fmt.Errorf("no update source configured")
	}
	if _, _, err := m.liveFor(ctx, sessionID); err != nil {
		return err
	}
	p, ok := m.source.PollerFor(sessionID)
	if !ok {
		return fmt.Errorf("session %s does not use polling (mode %q)", sessionID, m.source.ModeFor(sessionID))
	}
	return p.Track(ctx, chatID)
}

// UntrackChat removes a chat from the session's polling set.
func (m *Manager) UntrackChat(sessionID, chatID string) error {
	if m.source == nil {
		return fmt.Errorf("no update source configured")
	}
	p, ok := m.source.PollerFor(sessionID)
	if !ok {
		return fmt.Errorf("session %s does not use polling", sessionID)
	}
	p.Untrack(chatID)
	return nil
}

// PollingStatus snapshots the session's tracked chats and watermarks.
func (m *Manager) PollingStatus(sessionID string) ([]updates.ChatStatus, error) {
	if m.source == nil {
		return nil, fmt.Errorf("no update source configured")
	}
	p, ok := m.source.PollerFor(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s does not use polling", sessionID)
	}
	return p.Status(), nil
}

// emitOutbound pushes a locally originated message into the update stream so
// observers see the session's own sends.
func (m *Manager) emitOutbound(sessionID, typ string, msg *wire.Message) {
	if m.source == nil || msg == nil {
		return
	}
	u := updates.FromMessage(sessionID, typ, *msg)
	u.Direction = updates.DirectionOutbound
	m.source.Emit(u)
}

func (m *Manager) touch(ctx context.Context, s *store.Session) {
	s.LastActivity = time.Now().UTC()
	s.UpdatedAt = s.LastActivity
	if err := m.store.Save(ctx, s); err != nil {
		m.logger.Warn("failed to record activity", "session_id", s.ID, "error", err)
	}
}
