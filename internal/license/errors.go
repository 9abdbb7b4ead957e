package license

import "errors"

// Store errors
var (
	ErrNotFound     = errors.New("license not found")
	ErrKeyCollision = errors.New("license key already exists")
	// ErrAlreadyBound is returned by a conditional bind when the record is no
	// longer an unbound pending license.
	ErrAlreadyBound = errors.New("license already bound")
)

// Engine errors
var (
	ErrNoActiveLicense   = errors.New("no active license for this machine")
	ErrInvalidTransition = errors.New("invalid license status transition")
	ErrInvalidRequest    = errors.New("invalid license request")
)

// Error codes carried in problem responses
const (
	ErrCodeNotFound          = "LICENSE_NOT_FOUND"
	ErrCodeNoActiveLicense   = "NO_ACTIVE_LICENSE"
	ErrCodeKeyCollision      = "KEY_COLLISION"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeIdentity          = "MACHINE_IDENTITY_UNAVAILABLE"
)
