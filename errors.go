package crm

import "errors"

// Sentinel errors returned across the package. Callers match them with errors.Is.
var (
	ErrNoToken        = errors.New("no credential token")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrSessionExpired = errors.New("session expired")
	ErrNotConnected   = errors.New("not connected")
	ErrNotFound       = errors.New("not found")
	ErrDuplicateTag   = errors.New("tag already assigned")

	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidEvent   = errors.New("invalid event payload")
)
