// Package wire defines the capability interface over the messaging network's
// client protocol. Two generations of the protocol exist (a legacy binary
// framing and the current WebSocket framing); both are hidden behind Client
// and are selected per session at creation time, never mixed.
package wire

import "time"

// Generation selects which protocol client a session uses.
type Generation string

const (
	GenerationLegacy Generation = "legacy"
	GenerationModern Generation = "modern"
)

// Peer is the addressing descriptor for a chat or contact. AccessKey is the
// per-contact credential the network demands on every call referencing the
// peer; a Peer without one cannot be used for sends or history reads.
type Peer struct {
	ID        int64
	Kind      PeerKind
	Handle    string
	AccessKey string
}

// Addressable reports whether the peer carries the access credential.
func (p Peer) Addressable() bool {
	return p.ID != 0 && (p.Kind == PeerSelf || p.AccessKey != "")
}

// PeerKind discriminates what a peer id refers to.
type PeerKind string

const (
	PeerUser    PeerKind = "user"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
	PeerSelf    PeerKind = "self"
)

// Authorization is the result of a completed sign-in.
type Authorization struct {
	UserID int64
	Handle string
	// Token is the opaque serialized credential blob. Importing it into a
	// fresh client restores connectivity without repeating phone/code auth.
	Token string
}

// Message is one message as the network reports it.
type Message struct {
	ID       int64
	ChatID   int64
	SenderID int64
	Sender   string
	// SenderKey is the access credential for the sender that rides along
	// with the message. It lets a peer be addressed after merely seeing one
	// of its messages.
	SenderKey string
	Text      string
	SentAt    time.Time
	Outgoing  bool
	Media     *MediaRef
}

// MediaRef points at a remote file attached to a message.
type MediaRef struct {
	FileID     string
	Size       int64
	FileName   string // from the filename attribute on the media record; may be empty
	MimeType   string
	AccessKey  string
}

// Dialog is one entry of the account's recent chat list. The peer embedded
// here carries the access credential bundled with the dialog, which is how
// numeric-id resolution obtains credentials without a directory lookup.
type Dialog struct {
	Peer        Peer
	Title       string
	TopMessage  int64
	UnreadCount int
}

// Event is a push notification from the network's event stream.
type Event struct {
	Kind    EventKind
	Message Message
}

// EventKind discriminates push notifications.
type EventKind string

const (
	EventNewMessage    EventKind = "new_message"
	EventMessageEdited EventKind = "message_edited"
)

// FileRef identifies a fully assembled remote upload, ready to attach to a
// message send.
type FileRef struct {
	FileID     string
	TotalParts int
	Name       string
}
