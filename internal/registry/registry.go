// Package registry owns ride-request lifecycles. It is the only writer of
// request state and serializes responses per request.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/route-negotiation/internal/estimate"
	"github.com/example/route-negotiation/internal/models"
	"github.com/example/route-negotiation/internal/negotiation"
	"github.com/example/route-negotiation/internal/observability"
	"github.com/example/route-negotiation/internal/storage"
)

var (
	ErrConcurrentModification = errors.New("request is busy, retry")
	ErrForbidden              = errors.New("actor is not a party to this request")
	ErrProfileMismatch        = errors.New("profile does not belong to customer")
)

// RouteChecker re-validates a driver's route for a trip.
type RouteChecker interface {
	Check(ctx context.Context, driverID string, q models.TripQuery) (models.MatchResult, error)
}

type Estimator interface {
	Estimate(ctx context.Context, pickup, drop models.Coord) estimate.Quote
}

// AssignmentHook binds driver and passenger once a fare is agreed.
type AssignmentHook interface {
	Finalize(ctx context.Context, a models.Assignment) error
}

// Notifier receives committed negotiation events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev models.NegotiationEvent)
}

type Deps struct {
	Store     storage.RequestStore
	Profiles  storage.ProfileStore
	Routes    RouteChecker
	Estimator Estimator
	Hook      AssignmentHook
	Notifier  Notifier
	Logger    *slog.Logger
}

type Options struct {
	LockAttempts   int
	LockBackoff    time.Duration
	LockMaxBackoff time.Duration
	HookTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockAttempts <= 0 {
		o.LockAttempts = 5
	}
	if o.LockBackoff <= 0 {
		o.LockBackoff = 10 * time.Millisecond
	}
	if o.LockMaxBackoff < o.LockBackoff {
		o.LockMaxBackoff = 20 * o.LockBackoff
	}
	if o.HookTimeout <= 0 {
		o.HookTimeout = 5 * time.Second
	}
	return o
}

type Registry struct {
	store     storage.RequestStore
	profiles  storage.ProfileStore
	routes    RouteChecker
	estimator Estimator
	hook      AssignmentHook
	notifier  Notifier
	logger    *slog.Logger

	locks       *keyedLocks
	hookTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

func New(d Deps, o Options) *Registry {
	o = o.withDefaults()
	r := &Registry{
		store:       d.Store,
		profiles:    d.Profiles,
		routes:      d.Routes,
		estimator:   d.Estimator,
		hook:        d.Hook,
		notifier:    d.Notifier,
		logger:      d.Logger,
		locks:       newKeyedLocks(o.LockAttempts, o.LockBackoff, o.LockMaxBackoff),
		hookTimeout: o.HookTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	if r.estimator == nil {
		r.estimator = &estimate.Estimator{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// CreateParams opens a negotiation. Estimates are computed when nil.
// ActorID, when set, must be the customer.
type CreateParams struct {
	CustomerID        string
	DriverID          string
	ProfileID         string
	ProfileType       models.ProfileType
	OfferAmount       decimal.Decimal
	EstimatedDistance *float64
	EstimatedPrice    *decimal.Decimal
	ActorID           string
}

func (r *Registry) CreateRequest(ctx context.Context, p CreateParams) (models.RideRequest, error) {
	if p.ActorID != "" && p.ActorID != p.CustomerID {
		return models.RideRequest{}, ErrForbidden
	}
	profile, err := r.profiles.Profile(ctx, p.ProfileID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if profile.CustomerID != p.CustomerID || profile.ProfileType != p.ProfileType {
		return models.RideRequest{}, ErrProfileMismatch
	}

	q := models.TripQuery{Pickup: profile.Pickup, Drop: profile.Drop, ProfileType: p.ProfileType}
	if _, err := r.routes.Check(ctx, p.DriverID, q); err != nil {
		return models.RideRequest{}, err
	}

	req := models.RideRequest{
		ID:          r.newID(),
		CustomerID:  p.CustomerID,
		DriverID:    p.DriverID,
		ProfileID:   p.ProfileID,
		ProfileType: p.ProfileType,
	}
	if p.EstimatedDistance == nil || p.EstimatedPrice == nil {
		quote := r.estimator.Estimate(ctx, profile.Pickup, profile.Drop)
		req.EstimatedDistance = quote.DistanceKm
		req.EstimatedPrice = quote.Price
	}
	if p.EstimatedDistance != nil {
		req.EstimatedDistance = *p.EstimatedDistance
	}
	if p.EstimatedPrice != nil {
		if err := negotiation.CheckAmount(*p.EstimatedPrice); err != nil {
			return models.RideRequest{}, fmt.Errorf("estimated price: %w", err)
		}
		req.EstimatedPrice = *p.EstimatedPrice
	}

	req, opening, err := negotiation.Open(req, p.OfferAmount, r.now())
	if err != nil {
		return models.RideRequest{}, err
	}
	if _, err := r.store.CreateRequest(ctx, req, opening); err != nil {
		return models.RideRequest{}, fmt.Errorf("store request: %w", err)
	}

	observability.RequestsCreatedTotal.Inc()
	r.logger.Info("ride request created",
		"request_id", req.ID,
		"customer_id", req.CustomerID,
		"driver_id", req.DriverID,
		"amount", req.CurrentAmount.String(),
	)
	r.notify(ctx, models.EventCreated, req)
	return req, nil
}

// RespondParams is one party's move. ActorID, when set, must be the id of
// the acting party on the request.
type RespondParams struct {
	RequestID string
	Party     models.Party
	Action    models.Action
	Amount    *decimal.Decimal
	Note      *string
	ActorID   string
}

// Respond applies a move under the request's lock. Nothing is written when
// the move is illegal.
func (r *Registry) Respond(ctx context.Context, p RespondParams) (models.RideRequest, error) {
	unlock, err := r.locks.acquire(ctx, p.RequestID)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			r.logger.Debug("request lock contended", "request_id", p.RequestID)
		}
		observability.TransitionsTotal.WithLabelValues(string(p.Action), "busy").Inc()
		return models.RideRequest{}, err
	}
	defer unlock()

	cur, err := r.store.GetRequest(ctx, p.RequestID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if p.ActorID != "" && p.Party.Valid() && cur.PartyID(p.Party) != p.ActorID {
		return models.RideRequest{}, ErrForbidden
	}

	step, err := negotiation.Apply(cur, negotiation.Input{
		Party:  p.Party,
		Action: p.Action,
		Amount: p.Amount,
		Note:   p.Note,
	}, r.now())
	if err != nil {
		observability.TransitionsTotal.WithLabelValues(string(p.Action), "rejected").Inc()
		return models.RideRequest{}, err
	}

	if _, err := r.store.CommitTransition(ctx, step.Request, cur.Version, step.Offer); err != nil {
		if errors.Is(err, storage.ErrStaleVersion) {
			observability.TransitionsTotal.WithLabelValues(string(p.Action), "busy").Inc()
			return models.RideRequest{}, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		return models.RideRequest{}, fmt.Errorf("commit transition: %w", err)
	}
	next := step.Request
	observability.TransitionsTotal.WithLabelValues(string(p.Action), "ok").Inc()
	r.logger.Info("ride request transition",
		"request_id", next.ID,
		"party", p.Party,
		"action", p.Action,
		"from", cur.Status,
		"to", next.Status,
		"amount", next.CurrentAmount.String(),
	)

	r.notify(ctx, step.Event, next)
	if next.Status == models.StatusAccepted {
		r.finalize(ctx, next)
	}
	return next, nil
}

func (r *Registry) finalize(ctx context.Context, req models.RideRequest) {
	if r.hook == nil {
		return
	}
	a := models.Assignment{
		RequestID:   req.ID,
		DriverID:    req.DriverID,
		CustomerID:  req.CustomerID,
		ProfileID:   req.ProfileID,
		FinalAmount: req.CurrentAmount,
		AcceptedAt:  req.UpdatedAt,
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.hookTimeout)
	defer cancel()
	if err := r.hook.Finalize(hctx, a); err != nil {
		observability.AssignmentsTotal.WithLabelValues("error").Inc()
		r.logger.Error("finalize assignment failed", "request_id", req.ID, "error", err)
		return
	}
	observability.AssignmentsTotal.WithLabelValues("ok").Inc()
}

func (r *Registry) notify(ctx context.Context, t models.EventType, req models.RideRequest) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, models.NegotiationEvent{Type: t, Request: req})
}

func (r *Registry) Get(ctx context.Context, id string) (models.RideRequest, error) {
	return r.store.GetRequest(ctx, id)
}

func (r *Registry) ListForCustomer(ctx context.Context, customerID string) ([]models.RideRequest, error) {
	return r.store.ListByCustomer(ctx, customerID)
}

func (r *Registry) ListForDriver(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	return r.store.ListByDriver(ctx, driverID)
}

// History returns the request's offers in sequence order.
func (r *Registry) History(ctx context.Context, id string) ([]models.NegotiationOffer, error) {
	return r.store.History(ctx, id)
}
