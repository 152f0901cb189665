// Package updates discovers inbound activity and normalizes it into
// protocol-agnostic update records. A session has two possible discovery
// modes, push events and differential polling, and at most one may be
// active at a time, which is what keeps delivery free of duplicates.
package updates

import (
	"strconv"

	"github.com/sablecrm/telebridge/internal/wire"
)

// Update types.
const (
	TypeNewMessage     = "new_message"
	TypeMessageUpdated = "message_updated"
	TypeFileUploaded   = "file_uploaded"
)

// Directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Update is the normalized record both discovery modes emit.
type Update struct {
	Type         string
	SessionID    string
	ChatID       string
	MessageID    int64
	Text         string
	SentAt       int64 // unix seconds
	Direction    string
	SenderID     string
	SenderHandle string
	Media        *Media
}

// Media describes an attachment riding on an update.
type Media struct {
	FileID      string
	FileName    string
	Size        int64
	ContentType string
}

// FromMessage normalizes a wire message.
func FromMessage(sessionID, typ string, m wire.Message) Update {
	u := Update{
		Type:      typ,
		SessionID: sessionID,
		ChatID:    strconv.FormatInt(m.ChatID, 10),
		MessageID: m.ID,
		Text:      m.Text,
		SentAt:    m.SentAt.Unix(),
		Direction: DirectionInbound,
	}
	if m.Outgoing {
		u.Direction = DirectionOutbound
	}
	if m.SenderID != 0 {
		u.SenderID = strconv.FormatInt(m.SenderID, 10)
	}
	u.SenderHandle = m.Sender
	if m.Media != nil {
		u.Media = &Media{
			FileID:      m.Media.FileID,
			FileName:    m.Media.FileName,
			Size:        m.Media.Size,
			ContentType: m.Media.MimeType,
		}
	}
	return u
}
