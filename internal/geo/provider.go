// Package geo tracks the patient's position: a one-shot fix for form
// pre-fill and a continuous, throttled watch while a service is active.
package geo

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

var (
	// ErrPermissionDenied is terminal until ResetPermission.
	ErrPermissionDenied = errors.New("geo: location permission denied")
	// ErrTimeout means no fix arrived within the requested timeout.
	ErrTimeout = errors.New("geo: position request timed out")
	// ErrUnavailable means the provider cannot produce a position at all.
	ErrUnavailable = errors.New("geo: position unavailable")
)

// Permission is the provider's permission state.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionPrompt  Permission = "prompt"
	PermissionDenied  Permission = "denied"
)

// PositionOptions bound a single request or each fix of a watch.
type PositionOptions struct {
	Timeout      time.Duration
	HighAccuracy bool
}

// Watch is a running position subscription. Errors reports per-fix failures
// (ErrTimeout, ErrPermissionDenied); the watch stays open until Clear.
type Watch interface {
	Samples() <-chan domain.LocationSample
	Errors() <-chan error
	Clear()
}

// Provider is a platform position source.
type Provider interface {
	Permission(ctx context.Context) (Permission, error)
	CurrentPosition(ctx context.Context, opts PositionOptions) (domain.LocationSample, error)
	Watch(ctx context.Context, opts PositionOptions) (Watch, error)
}
