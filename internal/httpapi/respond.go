package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sablecrm/telebridge/internal/engine"
	"github.com/sablecrm/telebridge/internal/flood"
	"github.com/sablecrm/telebridge/internal/peers"
)

type errorBody struct {
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		RetryAfterSec int    `json:"retryAfterSec,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, retryAfterSec int) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.RetryAfterSec = retryAfterSec
	writeJSON(w, status, body)
}

// writeEngineError maps engine and network failures onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var rl *flood.RateLimitedError
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), 0)
	case errors.Is(err, engine.ErrNotAuthenticated):
		writeError(w, http.StatusConflict, "NOT_AUTHENTICATED", err.Error(), 0)
	case errors.Is(err, engine.ErrNoPendingAuth):
		writeError(w, http.StatusConflict, "NO_PENDING_AUTH", err.Error(), 0)
	case errors.Is(err, peers.ErrPeerNotFound):
		writeError(w, http.StatusNotFound, "PEER_NOT_FOUND", err.Error(), 0)
	case errors.As(err, &rl):
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error(),
			int(rl.RetryAfter.Seconds()))
	default:
		var invalidCode *engine.InvalidCodeError
		var expired *engine.CodeExpiredError
		var twoFactor *engine.TwoFactorRequiredError
		var initiation *engine.AuthInitiationError
		switch {
		case errors.As(err, &invalidCode):
			writeError(w, http.StatusBadRequest, "CODE_INVALID", err.Error(), 0)
		case errors.As(err, &expired):
			writeError(w, http.StatusGone, "CODE_EXPIRED", err.Error(), 0)
		case errors.As(err, &twoFactor):
			writeError(w, http.StatusUnprocessableEntity, "PASSWORD_NEEDED", err.Error(), 0)
		case errors.As(err, &initiation):
			writeError(w, http.StatusBadGateway, "AUTH_INITIATION_FAILED", err.Error(), 0)
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), 0)
		}
	}
}
