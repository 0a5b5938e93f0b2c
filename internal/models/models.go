package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lon float64 `json:"lon" validate:"min=-180,max=180"`
}

// Valid reports whether the coordinate lies within lat/lon bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Waypoint struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (w Waypoint) Coord() Coord { return Coord{Lat: w.Latitude, Lon: w.Longitude} }

type ProfileType string

const (
	ProfileChild ProfileType = "child"
	ProfileStaff ProfileType = "staff"
)

func (p ProfileType) Valid() bool { return p == ProfileChild || p == ProfileStaff }

// Route is a driver's single active route. Serves limits the profile types the
// driver carries; empty means any.
type Route struct {
	DriverID         string        `json:"driver_id"`
	OrderedWaypoints []Waypoint    `json:"waypoints"`
	Serves           []ProfileType `json:"serves,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (r Route) Serve(p ProfileType) bool {
	if len(r.Serves) == 0 {
		return true
	}
	for _, s := range r.Serves {
		if s == p {
			return true
		}
	}
	return false
}

type TripQuery struct {
	Pickup      Coord       `json:"pickup"`
	Drop        Coord       `json:"drop"`
	ProfileType ProfileType `json:"profile_type"`
}

type MatchResult struct {
	DriverID           string  `json:"driver_id"`
	PickupDistanceKm   float64 `json:"pickup_distance_km"`
	DropDistanceKm     float64 `json:"drop_distance_km"`
	PickupSegmentIndex int     `json:"pickup_segment_index"`
	DropSegmentIndex   int     `json:"drop_segment_index"`
	IsSuitable         bool    `json:"is_suitable"`
}

// Score is the combined proximity used to rank candidates.
func (m MatchResult) Score() float64 { return m.PickupDistanceKm + m.DropDistanceKm }

// Profile is a passenger profile owned by a customer with its usual trip.
type Profile struct {
	ID          string      `json:"id"`
	CustomerID  string      `json:"customer_id"`
	ProfileType ProfileType `json:"profile_type"`
	Pickup      Coord       `json:"pickup"`
	Drop        Coord       `json:"drop"`
}

type Party string

const (
	PartyCustomer Party = "customer"
	PartyDriver   Party = "driver"
)

func (p Party) Valid() bool { return p == PartyCustomer || p == PartyDriver }

// Other returns the counterpart of p.
func (p Party) Other() Party {
	if p == PartyCustomer {
		return PartyDriver
	}
	return PartyCustomer
}

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusDriverCounter   Status = "DRIVER_COUNTER"
	StatusCustomerCounter Status = "CUSTOMER_COUNTER"
	StatusAccepted        Status = "ACCEPTED"
	StatusRejected        Status = "REJECTED"
)

func (s Status) Terminal() bool { return s == StatusAccepted || s == StatusRejected }

type Action string

const (
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionCounter Action = "counter"
)

func (a Action) Valid() bool {
	return a == ActionAccept || a == ActionReject || a == ActionCounter
}

// Decision records how a request reached a terminal state.
type Decision struct {
	By     Party     `json:"by"`
	Action Action    `json:"action"`
	Note   *string   `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

type RideRequest struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id"`
	DriverID          string          `json:"driver_id"`
	ProfileID         string          `json:"profile_id"`
	ProfileType       ProfileType     `json:"profile_type"`
	Status            Status          `json:"status"`
	CurrentAmount     decimal.Decimal `json:"current_amount"`
	CurrentProposer   Party           `json:"current_proposer"`
	EstimatedDistance float64         `json:"estimated_distance_km"`
	EstimatedPrice    decimal.Decimal `json:"estimated_price"`
	Decision          *Decision       `json:"decision,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PartyID returns the id of the customer or driver on this request.
func (r RideRequest) PartyID(p Party) string {
	if p == PartyDriver {
		return r.DriverID
	}
	return r.CustomerID
}

type NegotiationOffer struct {
	RequestID      string          `json:"request_id"`
	SequenceNumber int             `json:"sequence_number"`
	OfferedBy      Party           `json:"offered_by"`
	Amount         decimal.Decimal `json:"amount"`
	Note           *string         `json:"note,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// OfferDraft is an offer that has not yet been given a sequence number.
type OfferDraft struct {
	OfferedBy Party
	Amount    decimal.Decimal
	Note      *string
	At        time.Time
}

// Assignment is the driver-passenger binding emitted on acceptance.
type Assignment struct {
	RequestID   string          `json:"request_id"`
	DriverID    string          `json:"driver_id"`
	CustomerID  string          `json:"customer_id"`
	ProfileID   string          `json:"profile_id"`
	FinalAmount decimal.Decimal `json:"final_amount"`
	AcceptedAt  time.Time       `json:"accepted_at"`
}

type EventType string

const (
	EventCreated   EventType = "request.created"
	EventCountered EventType = "request.countered"
	EventAccepted  EventType = "request.accepted"
	EventRejected  EventType = "request.rejected"
)

type NegotiationEvent struct {
	Type    EventType   `json:"type"`
	Request RideRequest `json:"request"`
}

// RouteUpdate is the message shape of driver route changes on the route topic.
type RouteUpdate struct {
	DriverID  string        `json:"driver_id"`
	Waypoints []Waypoint    `json:"waypoints"`
	Serves    []ProfileType `json:"serves,omitempty"`
}

// Route converts the update into the stored route, stamped with at.
func (u RouteUpdate) Route(at time.Time) Route {
	return Route{DriverID: u.DriverID, OrderedWaypoints: u.Waypoints, Serves: u.Serves, UpdatedAt: at}
}
