// Package services implements the patient flows on top of the request layer
// and the socket clients. This file centralizes the service-level error
// values so that callers can check them with errors.Is and the local API can
// translate them into status codes.
//
// Failures reported by the backend are passed through wrapped, so
// api.ErrValidation, api.ErrUnauthorized and friends remain matchable.
package services

import "errors"

// Session errors.
var (
	// ErrNotAuthenticated is returned by operations that need a session.
	ErrNotAuthenticated = errors.New("not signed in")

	// ErrInvalidPhone is returned when a phone number is not 8 to 15 digits
	// with an optional leading +.
	ErrInvalidPhone = errors.New("phone number is invalid")

	// ErrInvalidOTP is returned when a passcode is not 4 to 8 digits.
	ErrInvalidOTP = errors.New("one-time passcode is invalid")
)

// Service request errors.
var (
	// ErrNoActiveService is returned when an operation needs an ongoing service.
	ErrNoActiveService = errors.New("no active service")

	// ErrServiceInProgress is returned when requesting a helper while another
	// service is still running.
	ErrServiceInProgress = errors.New("a service is already in progress")

	// ErrInvalidRequest wraps validation failures of a helper request.
	ErrInvalidRequest = errors.New("invalid service request")

	// ErrInvalidPayment is returned for unknown payment methods.
	ErrInvalidPayment = errors.New("payment method is invalid")
)

// Rating errors.
var (
	// ErrInvalidRating is returned when a rating is outside 1..5.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")

	// ErrNotRateable is returned when rating a service that did not complete.
	ErrNotRateable = errors.New("only completed services can be rated")

	// ErrDuplicateRating is returned when the service was already rated.
	ErrDuplicateRating = errors.New("service already rated")
)

// Chat errors.
var (
	// ErrEmptyMessage is returned when a message has no text after trimming.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when a message exceeds the configured rune limit.
	ErrTooLong = errors.New("message too long")

	// ErrSendFailed wraps a send the chat server did not acknowledge.
	ErrSendFailed = errors.New("message not delivered")
)
