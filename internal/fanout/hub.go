// Package fanout routes normalized updates to gateway subscribers, applying
// role-based visibility before anything leaves the process.
package fanout

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/sablecrm/telebridge/internal/updates"
	"github.com/sablecrm/telebridge/pkg/protocol"
)

// SendFunc delivers one event frame to a connection. Implementations must
// not block; the gateway backs each connection with a buffered send queue.
type SendFunc func(ev *protocol.EventFrame)

type subscriber struct {
	connID        string
	userID        string
	role          string
	assignedChats map[string]struct{}
	send          SendFunc
}

// Hub keys subscriptions by (sessionID, connID). One connection may observe
// many sessions; dropping the connection removes all of them at once.
type Hub struct {
	logger *slog.Logger

	mu        sync.RWMutex
	bySession map[string]map[string]*subscriber
	byConn    map[string]map[string]struct{} // connID -> session ids
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger.With("component", "fanout"),
		bySession: make(map[string]map[string]*subscriber),
		byConn:    make(map[string]map[string]struct{}),
	}
}

// Subscribe registers a connection as an observer of a session. A repeat
// subscribe from the same connection replaces its previous role and chat
// assignment.
func (h *Hub) Subscribe(connID string, params protocol.SubscribeParams, send SendFunc) error {
	switch params.Role {
	case protocol.RoleFullVisibility, protocol.RoleRestricted:
	default:
		return fmt.Errorf("unknown role %q", params.Role)
	}
	if params.SessionID == "" {
		return fmt.Errorf("sessionId required")
	}

	sub := &subscriber{
		connID: connID,
		userID: params.UserID,
		role:   params.Role,
		send:   send,
	}
	if params.Role == protocol.RoleRestricted {
		sub.assignedChats = make(map[string]struct{}, len(params.AssignedChatIDs))
		for _, id := range params.AssignedChatIDs {
			sub.assignedChats[id] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bySession[params.SessionID] == nil {
		h.bySession[params.SessionID] = make(map[string]*subscriber)
	}
	h.bySession[params.SessionID][connID] = sub
	if h.byConn[connID] == nil {
		h.byConn[connID] = make(map[string]struct{})
	}
	h.byConn[connID][params.SessionID] = struct{}{}

	h.logger.Info("subscribed",
		"conn_id", connID, "session_id", params.SessionID,
		"user_id", params.UserID, "role", params.Role)
	return nil
}

// Unsubscribe removes one connection's observation of one session.
func (h *Hub) Unsubscribe(connID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connID, sessionID)
}

// Drop removes every subscription held by a connection. Called when the
// gateway connection closes.
func (h *Hub) Drop(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID := range h.byConn[connID] {
		h.removeLocked(connID, sessionID)
	}
}

func (h *Hub) removeLocked(connID, sessionID string) {
	if subs := h.bySession[sessionID]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.bySession, sessionID)
		}
	}
	if sessions := h.byConn[connID]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(h.byConn, connID)
		}
	}
}

// SubscriberCount reports how many connections observe a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}

// Publish delivers one update to every subscriber of its session.
// Restricted subscribers only see chats assigned to them, and what they see
// is redacted.
func (h *Hub) Publish(u updates.Update) {
	ev := eventName(u.Type)
	full := fullPayload(u)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.bySession[u.SessionID] {
		if sub.role == protocol.RoleRestricted {
			if _, ok := sub.assignedChats[u.ChatID]; !ok {
				continue
			}
			sub.send(protocol.NewEvent(ev, u.SessionID, u.ChatID, redact(full)))
			continue
		}
		sub.send(protocol.NewEvent(ev, u.SessionID, u.ChatID, full))
	}
}

func eventName(updateType string) string {
	switch updateType {
	case updates.TypeMessageUpdated:
		return protocol.EventMessageUpdated
	case updates.TypeFileUploaded:
		return protocol.EventFileUploaded
	default:
		return protocol.EventNewMessage
	}
}

func fullPayload(u updates.Update) *protocol.UpdatePayload {
	p := &protocol.UpdatePayload{
		MessageID:    strconv.FormatInt(u.MessageID, 10),
		Text:         u.Text,
		SentAt:       u.SentAt,
		Direction:    u.Direction,
		SenderID:     u.SenderID,
		SenderHandle: u.SenderHandle,
	}
	if u.Media != nil {
		p.Media = &protocol.MediaPayload{
			FileName:    u.Media.FileName,
			Size:        u.Media.Size,
			ContentType: u.Media.ContentType,
			FileID:      u.Media.FileID,
		}
	}
	return p
}
