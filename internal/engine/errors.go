package engine

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound means the session id is not in the store.
var ErrSessionNotFound = errors.New("engine: session not found")

// ErrNotAuthenticated means the session exists but has never completed
// authentication (or its token was invalidated).
var ErrNotAuthenticated = errors.New("engine: session not authenticated")

// ErrNoPendingAuth means CompleteAuth was called without a preceding
// InitiateAuth for the session.
var ErrNoPendingAuth = errors.New("engine: no authentication in progress")

// AuthInitiationError wraps failures to start the login flow (bad phone,
// transport down). The phone number is not echoed back.
type AuthInitiationError struct {
	Err error
}

func (e *AuthInitiationError) Error() string {
	return fmt.Sprintf("auth initiation failed: %v", e.Err)
}

func (e *AuthInitiationError) Unwrap() error { return e.Err }

// InvalidCodeError means the submitted one-time code was wrong. The flow
// stays pending; the caller may retry with a fresh code.
type InvalidCodeError struct{}

func (e *InvalidCodeError) Error() string { return "verification code invalid" }

// CodeExpiredError means the one-time code lapsed. The flow must restart
// from InitiateAuth.
type CodeExpiredError struct{}

func (e *CodeExpiredError) Error() string { return "verification code expired" }

// TwoFactorRequiredError means the account has a password set and SignIn
// must be repeated with it.
type TwoFactorRequiredError struct{}

func (e *TwoFactorRequiredError) Error() string { return "two-factor password required" }
