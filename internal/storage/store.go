package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/route-negotiation/internal/models"
	"github.com/example/route-negotiation/internal/negotiation"
)

var (
	ErrRequestNotFound = errors.New("ride request not found")
	ErrProfileNotFound = errors.New("profile not found")
	ErrStaleVersion    = errors.New("ride request was modified concurrently")
	ErrDuplicate       = errors.New("ride request already exists")
)

// RequestStore persists ride requests together with their offer ledger.
// CommitTransition writes the new request state and, when draft is non-nil,
// the next ledger entry atomically, guarded by the expected version.
type RequestStore interface {
	CreateRequest(ctx context.Context, r models.RideRequest, opening models.OfferDraft) (models.NegotiationOffer, error)
	CommitTransition(ctx context.Context, r models.RideRequest, expectedVersion int64, draft *models.OfferDraft) (*models.NegotiationOffer, error)
	GetRequest(ctx context.Context, id string) (models.RideRequest, error)
	ListByCustomer(ctx context.Context, customerID string) ([]models.RideRequest, error)
	ListByDriver(ctx context.Context, driverID string) ([]models.RideRequest, error)
	History(ctx context.Context, requestID string) ([]models.NegotiationOffer, error)
}

// ProfileStore is the read-only profile collaborator.
type ProfileStore interface {
	Profile(ctx context.Context, id string) (models.Profile, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.RideRequest
	profiles map[string]models.Profile
	ledger   *negotiation.Ledger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]models.RideRequest),
		profiles: make(map[string]models.Profile),
		ledger:   negotiation.NewLedger(),
	}
}

func (m *MemoryStore) PutProfile(p models.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

func (m *MemoryStore) Profile(_ context.Context, id string) (models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return models.Profile{}, ErrProfileNotFound
	}
	return p, nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r models.RideRequest, opening models.OfferDraft) (models.NegotiationOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return models.NegotiationOffer{}, ErrDuplicate
	}
	o, err := m.ledger.Append(r.ID, opening.OfferedBy, opening.Amount, opening.Note, opening.At)
	if err != nil {
		return models.NegotiationOffer{}, err
	}
	m.requests[r.ID] = r
	return o, nil
}

func (m *MemoryStore) CommitTransition(_ context.Context, r models.RideRequest, expectedVersion int64, draft *models.OfferDraft) (*models.NegotiationOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[r.ID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrStaleVersion
	}
	var out *models.NegotiationOffer
	if draft != nil {
		o, err := m.ledger.Append(r.ID, draft.OfferedBy, draft.Amount, draft.Note, draft.At)
		if err != nil {
			return nil, err
		}
		out = &o
	}
	m.requests[r.ID] = r
	return out, nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.RideRequest{}, ErrRequestNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID string) ([]models.RideRequest, error) {
	return m.list(func(r models.RideRequest) bool { return r.CustomerID == customerID }), nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string) ([]models.RideRequest, error) {
	return m.list(func(r models.RideRequest) bool { return r.DriverID == driverID }), nil
}

// list returns matching requests newest first.
func (m *MemoryStore) list(keep func(models.RideRequest) bool) []models.RideRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideRequest, 0)
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) History(_ context.Context, requestID string) ([]models.NegotiationOffer, error) {
	m.mu.RLock()
	_, ok := m.requests[requestID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrRequestNotFound
	}
	return m.ledger.History(requestID), nil
}
