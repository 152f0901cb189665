package protocol

// WebSocket event names pushed from server to client.
const (
	EventNewMessage     = "new_message"
	EventMessageUpdated = "message_updated"
	EventFileUploaded   = "file_uploaded"
	EventShutdown       = "shutdown"
)

// UpdatePayload is the event payload for message events.
// Restricted-role subscribers receive a redacted copy: sender fields are
// empty and Media (if any) keeps only filename and size.
type UpdatePayload struct {
	MessageID    string        `json:"messageId"`
	Text         string        `json:"text,omitempty"`
	SentAt       int64         `json:"sentAt"` // unix seconds
	Direction    string        `json:"direction"`
	SenderID     string        `json:"senderId,omitempty"`
	SenderHandle string        `json:"senderHandle,omitempty"`
	Media        *MediaPayload `json:"media,omitempty"`
}

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// MediaPayload describes an attachment on a message event.
type MediaPayload struct {
	FileName    string `json:"fileName,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	FileID      string `json:"fileId,omitempty"`
}
