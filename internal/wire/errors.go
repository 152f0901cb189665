package wire

import (
	"errors"
	"fmt"
)

// Error codes the network returns. The string values match the wire payload.
const (
	CodeFloodWait       = "FLOOD_WAIT"
	CodePeerInvalid     = "PEER_INVALID"
	CodePhoneInvalid    = "PHONE_NUMBER_INVALID"
	CodeCodeInvalid     = "CODE_INVALID"
	CodeCodeExpired     = "CODE_EXPIRED"
	CodePasswordNeeded  = "PASSWORD_NEEDED"
	CodePasswordInvalid = "PASSWORD_INVALID"
	CodeTokenInvalid    = "TOKEN_INVALID"
	CodeFilePartMissing = "FILE_PART_MISSING"
	CodeInternal        = "INTERNAL"
)

// Error is a structured failure reported by the network. RetryAfterSec is
// only meaningful for CodeFloodWait, where it carries the mandatory wait.
type Error struct {
	Code          string
	Message       string
	RetryAfterSec int
}

func (e *Error) Error() string {
	if e.Code == CodeFloodWait {
		return fmt.Sprintf("wire: %s (%ds): %s", e.Code, e.RetryAfterSec, e.Message)
	}
	return fmt.Sprintf("wire: %s: %s", e.Code, e.Message)
}

// ErrEventsUnsupported is returned by SubscribeEvents on clients that have
// no push stream (the legacy generation).
var ErrEventsUnsupported = errors.New("wire: event subscription not supported by this client generation")

// ErrNotConnected is returned when a call is made before Connect.
var ErrNotConnected = errors.New("wire: not connected")

// ErrNotAuthenticated is returned when a call requires a signed-in client.
var ErrNotAuthenticated = errors.New("wire: not authenticated")

// AsWireError unwraps err into *Error if it is one.
func AsWireError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// FloodWait returns the mandatory wait in seconds if err is a flood-control
// error, and ok=false otherwise.
func FloodWait(err error) (seconds int, ok bool) {
	if we, isWire := AsWireError(err); isWire && we.Code == CodeFloodWait {
		return we.RetryAfterSec, true
	}
	return 0, false
}

// IsPeerInvalid reports whether err means the peer's access credential was
// rejected. Callers must evict the cached peer before retrying resolution.
func IsPeerInvalid(err error) bool {
	we, ok := AsWireError(err)
	return ok && we.Code == CodePeerInvalid
}

// IsCode reports whether err carries the given wire code.
func IsCode(err error, code string) bool {
	we, ok := AsWireError(err)
	return ok && we.Code == code
}
