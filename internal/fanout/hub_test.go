package fanout

import (
	"log/slog"
	"testing"

	"github.com/sablecrm/telebridge/internal/updates"
	"github.com/sablecrm/telebridge/pkg/protocol"
)

type captor struct {
	events []*protocol.EventFrame
}

func (c *captor) send(ev *protocol.EventFrame) { c.events = append(c.events, ev) }

func sampleUpdate() updates.Update {
	return updates.Update{
		Type:         updates.TypeNewMessage,
		SessionID:    "sess-1",
		ChatID:       "100",
		MessageID:    7,
		Text:         "hello",
		SentAt:       1700000000,
		Direction:    updates.DirectionInbound,
		SenderID:     "42",
		SenderHandle: "alice",
		Media: &updates.Media{
			FileID: "f1", FileName: "pic.png", Size: 2048, ContentType: "image/png",
		},
	}
}

func TestPublishFullVisibility(t *testing.T) {
	h := NewHub(slog.Default())
	c := &captor{}
	err := h.Subscribe("conn-1", protocol.SubscribeParams{
		SessionID: "sess-1", UserID: "u1", Role: protocol.RoleFullVisibility,
	}, c.send)
	if err != nil {
		t.Fatal(err)
	}

	h.Publish(sampleUpdate())

	if len(c.events) != 1 {
		t.Fatalf("got %d events, want 1", len(c.events))
	}
	ev := c.events[0]
	if ev.Event != protocol.EventNewMessage || ev.SessionID != "sess-1" || ev.ChatID != "100" {
		t.Errorf("event envelope = %+v", ev)
	}
	p := ev.Payload.(*protocol.UpdatePayload)
	if p.SenderID != "42" || p.SenderHandle != "alice" {
		t.Errorf("full visibility must keep sender fields, got %+v", p)
	}
	if p.Media.FileID != "f1" {
		t.Error("full visibility must keep the media file id")
	}
}

func TestPublishRestrictedRedacts(t *testing.T) {
	h := NewHub(slog.Default())
	c := &captor{}
	err := h.Subscribe("conn-1", protocol.SubscribeParams{
		SessionID: "sess-1", UserID: "u1", Role: protocol.RoleRestricted,
		AssignedChatIDs: []string{"100"},
	}, c.send)
	if err != nil {
		t.Fatal(err)
	}

	h.Publish(sampleUpdate())

	if len(c.events) != 1 {
		t.Fatalf("got %d events, want 1", len(c.events))
	}
	p := c.events[0].Payload.(*protocol.UpdatePayload)
	if p.SenderID != "" || p.SenderHandle != "" {
		t.Errorf("restricted payload leaks sender fields: %+v", p)
	}
	if p.MessageID != "7" || p.Text != "hello" || p.SentAt != 1700000000 || p.Direction != "inbound" {
		t.Errorf("restricted payload lost message substance: %+v", p)
	}
	if p.Media == nil || p.Media.FileName != "pic.png" || p.Media.Size != 2048 {
		t.Errorf("restricted media must keep filename and size: %+v", p.Media)
	}
	if p.Media.FileID != "" || p.Media.ContentType != "" {
		t.Errorf("restricted media leaks %+v", p.Media)
	}
}

func TestPublishRestrictedFiltersUnassignedChats(t *testing.T) {
	h := NewHub(slog.Default())
	c := &captor{}
	if err := h.Subscribe("conn-1", protocol.SubscribeParams{
		SessionID: "sess-1", Role: protocol.RoleRestricted,
		AssignedChatIDs: []string{"200"},
	}, c.send); err != nil {
		t.Fatal(err)
	}

	h.Publish(sampleUpdate()) // chat 100, not assigned

	if len(c.events) != 0 {
		t.Errorf("restricted observer received %d events for an unassigned chat", len(c.events))
	}
}

func TestPublishOnlyMatchingSession(t *testing.T) {
	h := NewHub(slog.Default())
	c1, c2 := &captor{}, &captor{}
	h.Subscribe("conn-1", protocol.SubscribeParams{SessionID: "sess-1", Role: protocol.RoleFullVisibility}, c1.send)
	h.Subscribe("conn-2", protocol.SubscribeParams{SessionID: "sess-2", Role: protocol.RoleFullVisibility}, c2.send)

	h.Publish(sampleUpdate()) // sess-1

	if len(c1.events) != 1 || len(c2.events) != 0 {
		t.Errorf("delivery = (%d, %d), want (1, 0)", len(c1.events), len(c2.events))
	}
}

func TestSubscribeRejectsUnknownRole(t *testing.T) {
	h := NewHub(slog.Default())
	err := h.Subscribe("conn-1", protocol.SubscribeParams{SessionID: "s", Role: "superuser"}, func(*protocol.EventFrame) {})
	if err == nil {
		t.Fatal("unknown role must be rejected")
	}
}

func TestResubscribeReplacesAssignment(t *testing.T) {
	h := NewHub(slog.Default())
	c := &captor{}
	h.Subscribe("conn-1", protocol.SubscribeParams{
		SessionID: "sess-1", Role: protocol.RoleRestricted, AssignedChatIDs: []string{"999"},
	}, c.send)
	// Re-subscribe with the chat actually carrying traffic.
	h.Subscribe("conn-1", protocol.SubscribeParams{
		SessionID: "sess-1", Role: protocol.RoleRestricted, AssignedChatIDs: []string{"100"},
	}, c.send)

	h.Publish(sampleUpdate())
	if len(c.events) != 1 {
		t.Errorf("got %d events, want 1 (replacement, not stacking)", len(c.events))
	}
}

func TestUnsubscribeAndDrop(t *testing.T) {
	h := NewHub(slog.Default())
	c := &captor{}
	h.Subscribe("conn-1", protocol.SubscribeParams{SessionID: "sess-1", Role: protocol.RoleFullVisibility}, c.send)
	h.Subscribe("conn-1", protocol.SubscribeParams{SessionID: "sess-2", Role: protocol.RoleFullVisibility}, c.send)

	h.Unsubscribe("conn-1", "sess-1")
	if h.SubscriberCount("sess-1") != 0 {
		t.Error("unsubscribe left the session subscription behind")
	}
	if h.SubscriberCount("sess-2") != 1 {
		t.Error("unsubscribe must only touch the named session")
	}

	h.Drop("conn-1")
	if h.SubscriberCount("sess-2") != 0 {
		t.Error("drop must remove all the connection's subscriptions")
	}
}
