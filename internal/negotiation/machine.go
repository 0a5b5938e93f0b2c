package negotiation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/route-negotiation/internal/models"
)

// Input is one party's response to a request.
type Input struct {
	Party  models.Party
	Action models.Action
	Amount *decimal.Decimal
	Note   *string
}

// Step is the outcome of a legal transition. Offer is set only for counters.
type Step struct {
	Request models.RideRequest
	Offer   *models.OfferDraft
	Event   models.EventType
}

// turn maps each open state to the only party allowed to respond.
var turn = map[models.Status]models.Party{
	models.StatusPending:         models.PartyDriver,
	models.StatusDriverCounter:   models.PartyCustomer,
	models.StatusCustomerCounter: models.PartyDriver,
}

var counterState = map[models.Party]models.Status{
	models.PartyDriver:   models.StatusDriverCounter,
	models.PartyCustomer: models.StatusCustomerCounter,
}

// NextActor returns the party expected to respond, or false for terminal states.
func NextActor(s models.Status) (models.Party, bool) {
	p, ok := turn[s]
	return p, ok
}

// Amounts are stored as NUMERIC(12,2).
const (
	amountScale     = 2
	amountIntDigits = 10
)

// CheckAmount reports whether a is a positive money amount with at most two
// decimal places and ten integer digits.
func CheckAmount(a decimal.Decimal) error {
	if !a.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	exp := int(a.Exponent())
	if a.NumDigits()+exp > amountIntDigits {
		return fmt.Errorf("%w: amount exceeds %d integer digits", ErrInvalidAmount, amountIntDigits)
	}
	// the shift bound keeps Round from rescaling by a huge power of ten
	if exp < -amountScale && (-exp-amountScale > a.NumDigits() || !a.Equal(a.Round(amountScale))) {
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidAmount, amountScale)
	}
	return nil
}

// Open builds a PENDING request carrying the customer's opening offer.
func Open(req models.RideRequest, amount decimal.Decimal, now time.Time) (models.RideRequest, models.OfferDraft, error) {
	if err := CheckAmount(amount); err != nil {
		return models.RideRequest{}, models.OfferDraft{}, fmt.Errorf("opening offer: %w", err)
	}
	req.Status = models.StatusPending
	req.CurrentAmount = amount
	req.CurrentProposer = models.PartyCustomer
	req.Decision = nil
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now
	return req, models.OfferDraft{OfferedBy: models.PartyCustomer, Amount: amount, At: now}, nil
}

// Apply validates in against req and returns the next state. req is not
// modified. Violations return a *TransitionError wrapping ErrInvalidTransition.
func Apply(req models.RideRequest, in Input, now time.Time) (Step, error) {
	reject := func(reason string) (Step, error) {
		return Step{}, &TransitionError{State: req.Status, Action: in.Action, Party: in.Party, Reason: reason}
	}

	if !in.Action.Valid() {
		return reject("unknown action")
	}
	if !in.Party.Valid() {
		return reject("unknown party")
	}
	if req.Status.Terminal() {
		return reject("request is closed")
	}
	expected, ok := NextActor(req.Status)
	if !ok {
		return reject("unknown state")
	}
	if in.Party != expected || in.Party == req.CurrentProposer {
		return reject("not this party's turn")
	}

	next := req
	next.UpdatedAt = now
	next.Version = req.Version + 1

	switch in.Action {
	case models.ActionCounter:
		if in.Amount == nil {
			return Step{}, fmt.Errorf("%w: counter requires an amount", ErrInvalidAmount)
		}
		if err := CheckAmount(*in.Amount); err != nil {
			return Step{}, err
		}
		next.Status = counterState[in.Party]
		next.CurrentAmount = *in.Amount
		next.CurrentProposer = in.Party
		return Step{
			Request: next,
			Offer:   &models.OfferDraft{OfferedBy: in.Party, Amount: *in.Amount, Note: in.Note, At: now},
			Event:   models.EventCountered,
		}, nil

	case models.ActionAccept:
		if in.Amount != nil {
			return Step{}, fmt.Errorf("%w: accept takes no amount", ErrInvalidAmount)
		}
		next.Status = models.StatusAccepted
		next.Decision = &models.Decision{By: in.Party, Action: in.Action, Note: in.Note, At: now}
		return Step{Request: next, Event: models.EventAccepted}, nil

	default:
		if in.Amount != nil {
			return Step{}, fmt.Errorf("%w: reject takes no amount", ErrInvalidAmount)
		}
		next.Status = models.StatusRejected
		next.Decision = &models.Decision{By: in.Party, Action: in.Action, Note: in.Note, At: now}
		return Step{Request: next, Event: models.EventRejected}, nil
	}
}
