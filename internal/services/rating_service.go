// Package services – RatingService
//
// This file implements RatingService, which governs how a patient rates a
// finished service (1 to 5 stars with an optional comment). It enforces the
// business rules locally before calling the backend: the rating must be in
// range, the service must have completed, and a service is rated at most
// once. A 409 from the backend maps to ErrDuplicateRating so handlers can
// translate it consistently.
package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/helpbudy-patient/internal/api"
	"github.com/tbourn/helpbudy-patient/internal/domain"
)

const maxCommentRunes = 500

// RatingAPI is the backend call RatingService needs.
type RatingAPI interface {
	RateService(ctx context.Context, id string, in domain.RatingInput) error
}

// RatingService implements the rating use-case.
type RatingService struct {
	API RatingAPI
}

// Leave rates svc.
//
// Semantics and validation:
//   - rating must be within 1..5; otherwise ErrInvalidRating.
//   - svc must be COMPLETED; otherwise ErrNotRateable.
//   - svc must not carry a rating yet, and the backend must not report a
//     conflict; otherwise ErrDuplicateRating.
//
// On success svc.Rating is set.
func (s *RatingService) Leave(ctx context.Context, svc *domain.ServiceRequest, rating int, comment string) error {
	tr := otel.Tracer("services/RatingService")
	ctx, span := tr.Start(ctx, "Leave", trace.WithAttributes(attribute.Int("rating", rating)))
	defer span.End()

	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	if svc == nil {
		return ErrNoActiveService
	}
	span.SetAttributes(attribute.String("service.id", svc.ID))
	if svc.Status != domain.StatusCompleted {
		return ErrNotRateable
	}
	if svc.Rating != nil {
		return ErrDuplicateRating
	}
	comment = strings.TrimSpace(comment)
	if utf8.RuneCountInString(comment) > maxCommentRunes {
		return ErrTooLong
	}

	err := s.API.RateService(ctx, svc.ID, domain.RatingInput{Rating: rating, Comment: comment})
	switch {
	case err == nil:
		svc.Rating = &rating
		return nil
	case api.StatusOf(err) == http.StatusConflict:
		svc.Rating = &rating
		return ErrDuplicateRating
	case errors.Is(err, api.ErrValidation) && isAlreadyRated(err):
		svc.Rating = &rating
		return ErrDuplicateRating
	default:
		return err
	}
}

// isAlreadyRated detects duplicate ratings reported as plain validation
// failures by backends that do not send 409.
func isAlreadyRated(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already rated") || strings.Contains(msg, "already been rated")
}
