// Package services – ServiceFlow
//
// ServiceFlow drives one helper request from creation to rating. It creates
// the request through the request layer, joins the realtime and chat rooms,
// starts location tracking and follows the lifecycle events pushed on the
// realtime namespace. On completion or cancellation it stops tracking and
// leaves the rooms; the finished service stays current so it can be paid
// and rated until the next request replaces it.
//
// Lifecycle handlers run on the realtime socket's handler goroutine. They
// update state under the flow's lock and call into the socket clients only
// after releasing it.
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/helpbudy-patient/internal/api"
	"github.com/tbourn/helpbudy-patient/internal/auth"
	"github.com/tbourn/helpbudy-patient/internal/domain"
	"github.com/tbourn/helpbudy-patient/internal/geo"
	"github.com/tbourn/helpbudy-patient/internal/realtime"
)

const maxNotesRunes = 500

// PaymentMethods lists the accepted payment methods.
var PaymentMethods = []string{"CASH", "CARD", "UPI", "WALLET"}

// ServiceAPI is the part of the request layer ServiceFlow uses.
type ServiceAPI interface {
	CreateService(ctx context.Context, in domain.CreateServiceInput) (*domain.ServiceRequest, error)
	ActiveService(ctx context.Context) (*domain.ServiceRequest, error)
	CancelService(ctx context.Context, id, reason string) (*domain.ServiceRequest, error)
	PayService(ctx context.Context, id string, in domain.PaymentInput) (*domain.Payment, error)
	RateService(ctx context.Context, id string, in domain.RatingInput) error
	ServiceHistory(ctx context.Context, page, pageSize int) (*api.ServiceHistoryPage, error)
}

// RealtimeRooms is the part of the realtime client ServiceFlow drives.
type RealtimeRooms interface {
	JoinService(ctx context.Context, serviceID string) error
	LeaveService(ctx context.Context, serviceID string) error
	SendLocation(ctx context.Context, s domain.LocationSample)
}

// ChatRooms is the part of the chat client ServiceFlow drives.
type ChatRooms interface {
	JoinService(ctx context.Context, serviceID string, history []domain.Message)
	LeaveService(serviceID string)
}

// LocationTracker is the part of the geolocation tracker ServiceFlow drives.
type LocationTracker interface {
	Locate(ctx context.Context) (domain.LocationSample, error)
	Start(ctx context.Context, sink geo.Sink) error
	Stop()
	Last() (domain.LocationSample, bool)
	LastError() error
	State() geo.State
}

// RequestInput is a helper request as entered by the patient. Nil
// coordinates are filled from a one-shot location fix.
type RequestInput struct {
	Hospital     string   `json:"hospital"`
	PickupLat    *float64 `json:"pickupLat,omitempty"`
	PickupLng    *float64 `json:"pickupLng,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	DurationMins int      `json:"durationMins,omitempty"`
}

// ServiceState is a snapshot of the current service for the UI.
type ServiceState struct {
	Service        *domain.ServiceRequest `json:"service"`
	HelperLocation *domain.HelperLocation `json:"helperLocation,omitempty"`
	Patient        *domain.LocationSample `json:"patientLocation,omitempty"`
	DistanceMeters *float64               `json:"distanceMeters,omitempty"`
	Tracking       geo.State              `json:"tracking"`
}

// ServiceFlow owns the current service request.
type ServiceFlow struct {
	API      ServiceAPI
	Tokens   *auth.TokenStore
	Realtime RealtimeRooms
	Chat     ChatRooms
	Tracker  LocationTracker
	Messages *MessageService
	Ratings  *RatingService

	mu      sync.Mutex
	current *domain.ServiceRequest
	helper  *domain.HelperLocation
}

// Listen registers the lifecycle handlers on rt.
func (f *ServiceFlow) Listen(rt *realtime.Client) {
	rt.OnServiceAccepted(f.HandleStatus)
	rt.OnServiceStarted(f.HandleStatus)
	rt.OnHelperArrived(f.HandleStatus)
	rt.OnServiceCompleted(f.HandleCompleted)
	rt.OnHelperLocation(f.HandleHelperLocation)
}

func validCoord(lat, lng float64) bool {
	return domain.LocationSample{Lat: lat, Lng: lng}.Valid() && !(lat == 0 && lng == 0)
}

// RequestHelper validates in, creates the service and attaches to it.
func (f *ServiceFlow) RequestHelper(ctx context.Context, in RequestInput) (*domain.ServiceRequest, error) {
	tr := otel.Tracer("services/ServiceFlow")
	ctx, span := tr.Start(ctx, "RequestHelper")
	defer span.End()

	if !f.Tokens.Authenticated(ctx) {
		return nil, ErrNotAuthenticated
	}
	if cur := f.Current(); cur != nil && !cur.Status.Terminal() {
		return nil, ErrServiceInProgress
	}

	hospital := strings.TrimSpace(in.Hospital)
	if hospital == "" {
		return nil, fmt.Errorf("%w: hospital is required", ErrInvalidRequest)
	}
	notes := Sanitize(in.Notes)
	if utf8.RuneCountInString(notes) > maxNotesRunes {
		return nil, fmt.Errorf("%w: notes exceed %d characters", ErrInvalidRequest, maxNotesRunes)
	}
	if in.DurationMins < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrInvalidRequest)
	}

	var lat, lng float64
	if in.PickupLat != nil && in.PickupLng != nil {
		lat, lng = *in.PickupLat, *in.PickupLng
	} else {
		fix, err := f.Tracker.Locate(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: pickup location unavailable: %v", ErrInvalidRequest, err)
		}
		lat, lng = fix.Lat, fix.Lng
	}
	if !validCoord(lat, lng) {
		return nil, fmt.Errorf("%w: pickup coordinates out of range", ErrInvalidRequest)
	}

	svc, err := f.API.CreateService(ctx, domain.CreateServiceInput{
		Hospital:     hospital,
		PickupLat:    lat,
		PickupLng:    lng,
		Notes:        notes,
		DurationMins: in.DurationMins,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("service.id", svc.ID))
	f.attach(ctx, svc)
	return f.Current(), nil
}

// Resume asks the backend for an ongoing service and attaches to it. It
// returns nil without error when there is none.
func (f *ServiceFlow) Resume(ctx context.Context) (*domain.ServiceRequest, error) {
	tr := otel.Tracer("services/ServiceFlow")
	ctx, span := tr.Start(ctx, "Resume")
	defer span.End()

	if !f.Tokens.Authenticated(ctx) {
		return nil, ErrNotAuthenticated
	}
	svc, err := f.API.ActiveService(ctx)
	if err != nil {
		return nil, err
	}
	if svc == nil || svc.Status.Terminal() {
		if err := f.Tokens.ClearActiveServiceID(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	span.SetAttributes(attribute.String("service.id", svc.ID))
	f.attach(ctx, svc)
	return f.Current(), nil
}

// attach makes svc current, joins its rooms and starts tracking.
func (f *ServiceFlow) attach(ctx context.Context, svc *domain.ServiceRequest) {
	f.mu.Lock()
	f.current = svc
	f.helper = nil
	f.mu.Unlock()

	if err := f.Realtime.JoinService(ctx, svc.ID); err != nil {
		log.Warn().Err(err).Str("service_id", svc.ID).Msg("join realtime room")
	}
	var history []domain.Message
	if f.Messages != nil {
		h, err := f.Messages.Seed(ctx, svc.ID)
		if err != nil {
			log.Warn().Err(err).Str("service_id", svc.ID).Msg("seed chat history")
		}
		history = h
	}
	f.Chat.JoinService(ctx, svc.ID, history)

	// Tracking outlives the request that started it.
	if err := f.Tracker.Start(context.WithoutCancel(ctx), f.Realtime.SendLocation); err != nil {
		log.Warn().Err(err).Str("service_id", svc.ID).Msg("location tracking not started")
	}
}

// detach stops tracking and leaves the rooms of serviceID.
func (f *ServiceFlow) detach(ctx context.Context, serviceID string) {
	f.Tracker.Stop()
	if err := f.Realtime.LeaveService(ctx, serviceID); err != nil {
		log.Warn().Err(err).Str("service_id", serviceID).Msg("leave realtime room")
	}
	f.Chat.LeaveService(serviceID)
	if err := f.Tokens.ClearActiveServiceID(ctx); err != nil {
		log.Warn().Err(err).Msg("clear active service")
	}
}

// Current returns a copy of the current service, or nil.
func (f *ServiceFlow) Current() *domain.ServiceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	cp := *f.current
	return &cp
}

// Active returns the state of the current service.
func (f *ServiceFlow) Active(ctx context.Context) (*ServiceState, error) {
	f.mu.Lock()
	if f.current == nil {
		f.mu.Unlock()
		return nil, ErrNoActiveService
	}
	svc := *f.current
	st := &ServiceState{Service: &svc}
	if f.helper != nil {
		h := *f.helper
		st.HelperLocation = &h
	}
	f.mu.Unlock()

	st.Tracking = f.Tracker.State()
	if p, ok := f.Tracker.Last(); ok {
		st.Patient = &p
		if st.HelperLocation != nil {
			d := geo.DistanceToHelper(p, *st.HelperLocation)
			st.DistanceMeters = &d
		}
	}
	return st, nil
}

// Cancel cancels the current service.
func (f *ServiceFlow) Cancel(ctx context.Context, reason string) (*domain.ServiceRequest, error) {
	tr := otel.Tracer("services/ServiceFlow")
	ctx, span := tr.Start(ctx, "Cancel")
	defer span.End()

	cur := f.Current()
	if cur == nil || cur.Status.Terminal() {
		return nil, ErrNoActiveService
	}
	span.SetAttributes(attribute.String("service.id", cur.ID))

	svc, err := f.API.CancelService(ctx, cur.ID, strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}
	if svc == nil {
		svc = cur
	}
	svc.Status = domain.StatusCancelled
	f.mu.Lock()
	f.current = svc
	f.helper = nil
	f.mu.Unlock()
	f.detach(ctx, cur.ID)
	return f.Current(), nil
}

func validPaymentMethod(m string) bool {
	for _, pm := range PaymentMethods {
		if m == pm {
			return true
		}
	}
	return false
}

// Pay settles the current service.
func (f *ServiceFlow) Pay(ctx context.Context, method, reference string) (*domain.Payment, error) {
	tr := otel.Tracer("services/ServiceFlow")
	ctx, span := tr.Start(ctx, "Pay", trace.WithAttributes(attribute.String("payment.method", method)))
	defer span.End()

	method = strings.ToUpper(strings.TrimSpace(method))
	if !validPaymentMethod(method) {
		return nil, ErrInvalidPayment
	}
	cur := f.Current()
	if cur == nil || cur.Status == domain.StatusCancelled {
		return nil, ErrNoActiveService
	}
	if cur.IsPaid {
		return nil, fmt.Errorf("%w: service already paid", ErrInvalidPayment)
	}
	span.SetAttributes(attribute.String("service.id", cur.ID))

	p, err := f.API.PayService(ctx, cur.ID, domain.PaymentInput{Method: method, Reference: strings.TrimSpace(reference)})
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.current != nil && f.current.ID == cur.ID {
		f.current.IsPaid = true
	}
	f.mu.Unlock()
	return p, nil
}

// Rate rates the current service once it completed.
func (f *ServiceFlow) Rate(ctx context.Context, rating int, comment string) error {
	cur := f.Current()
	if err := f.Ratings.Leave(ctx, cur, rating, comment); err != nil {
		if cur != nil && cur.Rating != nil {
			f.setRating(cur.ID, *cur.Rating)
		}
		return err
	}
	f.setRating(cur.ID, rating)
	return nil
}

func (f *ServiceFlow) setRating(id string, rating int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && f.current.ID == id && f.current.Rating == nil {
		f.current.Rating = &rating
	}
}

// History returns a page of past services.
func (f *ServiceFlow) History(ctx context.Context, page, pageSize int) (*api.ServiceHistoryPage, error) {
	tr := otel.Tracer("services/ServiceFlow")
	ctx, span := tr.Start(ctx, "History",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return f.API.ServiceHistory(ctx, page, pageSize)
}

// Reset drops the current service and stops tracking without touching the
// backend. It runs on logout.
func (f *ServiceFlow) Reset() {
	f.Tracker.Stop()
	f.mu.Lock()
	f.current = nil
	f.helper = nil
	f.mu.Unlock()
}

// apply merges ev into the current service and reports whether it matched.
func (f *ServiceFlow) apply(ev realtime.ServiceEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || f.current.ID != ev.ServiceID {
		return false
	}
	if f.current.Status.Terminal() && ev.Status != domain.StatusCompleted {
		return false
	}
	if ev.Status != "" {
		f.current.Status = ev.Status
	}
	if ev.Helper != nil {
		f.current.Helper = ev.Helper
	}
	if ev.Fare != nil {
		f.current.Fare = ev.Fare
	}
	return true
}

// HandleStatus applies accepted, started and arrived events.
func (f *ServiceFlow) HandleStatus(ev realtime.ServiceEvent) {
	if !f.apply(ev) {
		log.Debug().Str("service_id", ev.ServiceID).Str("status", string(ev.Status)).Msg("ignoring event for another service")
		return
	}
	log.Info().Str("service_id", ev.ServiceID).Str("status", string(ev.Status)).Msg("service status changed")
}

// HandleCompleted applies service:completed and detaches from the service.
func (f *ServiceFlow) HandleCompleted(ev realtime.ServiceEvent) {
	ev.Status = domain.StatusCompleted
	if !f.apply(ev) {
		return
	}
	now := time.Now().UTC()
	f.mu.Lock()
	if f.current.CompletedAt == nil {
		f.current.CompletedAt = &now
	}
	f.helper = nil
	f.mu.Unlock()

	log.Info().Str("service_id", ev.ServiceID).Msg("service completed")
	f.detach(context.Background(), ev.ServiceID)
}

// HandleHelperLocation stores the helper's latest position.
func (f *ServiceFlow) HandleHelperLocation(loc domain.HelperLocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || f.current.Status.Terminal() {
		return
	}
	if loc.ServiceID != "" && loc.ServiceID != f.current.ID {
		return
	}
	if loc.At.IsZero() {
		loc.At = time.Now()
	}
	f.helper = &loc
}
