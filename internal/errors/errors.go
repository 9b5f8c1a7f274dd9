package errors

import "errors"

// Connection errors.
var (
	ErrNotConnected    = errors.New("not connected")
	ErrReauthRequired  = errors.New("re-authentication required")
	ErrUnableToConnect = errors.New("unable to connect")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrEngineStopped   = errors.New("engine stopped")
)

// Request errors.
var (
	ErrCompactionInFlight = errors.New("compaction already in progress")
)

// Protocol errors.
var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrMissingType      = errors.New("message missing type discriminator")
)
