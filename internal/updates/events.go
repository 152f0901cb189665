package updates

import (
	"context"

	"github.com/sablecrm/telebridge/internal/wire"
)

// runEvents translates the client's push stream into normalized updates.
// The stream closing (reconnect, shutdown) ends the producer; the session
// manager decides whether to resubscribe.
func (s *Source) runEvents(ctx context.Context, sessionID string, ch <-chan wire.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				s.logger.Info("event stream closed", "session_id", sessionID)
				return
			}
			typ := TypeNewMessage
			if ev.Kind == wire.EventMessageEdited {
				typ = TypeMessageUpdated
			}
			s.Emit(FromMessage(sessionID, typ, ev.Message))
		}
	}
}
