package fanout

import "github.com/sablecrm/telebridge/pkg/protocol"

// redact strips everything a restricted observer must not see: counterparty
// identifiers go, message substance stays. Media keeps filename and size
// only; the file id would let the holder fetch content out of band.
func redact(p *protocol.UpdatePayload) *protocol.UpdatePayload {
	out := &protocol.UpdatePayload{
		MessageID: p.MessageID,
		Text:      p.Text,
		SentAt:    p.SentAt,
		Direction: p.Direction,
	}
	if p.Media != nil {
		out.Media = &protocol.MediaPayload{
			FileName: p.Media.FileName,
			Size:     p.Media.Size,
		}
	}
	return out
}
