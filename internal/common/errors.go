// Package common defines the error taxonomy and small helpers shared by every
// filedrop component. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// repository specific errors
	ErrorNotFound = errors.New("not found")

	// service specific errors
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// crypto errors: wrong password/secret or tampered ciphertext
	ErrAuthenticationFailed = errors.New("authentication failed")

	// share token lifecycle errors
	ErrExpired             = errors.New("share token expired")
	ErrExhausted           = errors.New("share token download limit exhausted")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidShareRequest = errors.New("invalid share request")

	// scheduler errors
	ErrInvalidSchedule = errors.New("invalid schedule")

	// blob or database I/O failed
	ErrStorageFailure = errors.New("storage failure")

	// admin JWT errors
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// IsDeadToken reports whether err means the presented share token cannot be
// used. Callers that face the public internet collapse all of these into a
// single response.
func IsDeadToken(err error) bool {
	return errors.Is(err, ErrorNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrExhausted) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAuthenticationFailed)
}
