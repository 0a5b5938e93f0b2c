package routes

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/route-negotiation/internal/models"
)

var ErrRouteNotFound = errors.New("route not found")

// Source is the read side of the route-storage collaborator.
type Source interface {
	Route(ctx context.Context, driverID string) (models.Route, error)
	Routes(ctx context.Context) ([]models.Route, error)
}

// Writer stores a driver's active route, replacing any previous one.
type Writer interface {
	Put(ctx context.Context, r models.Route) error
}

// Memory is an in-process route store used for local runs and tests.
type Memory struct {
	mu     sync.RWMutex
	routes map[string]models.Route
}

func NewMemory() *Memory {
	return &Memory{routes: make(map[string]models.Route)}
}

func (m *Memory) Put(_ context.Context, r models.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	r.OrderedWaypoints = append([]models.Waypoint(nil), r.OrderedWaypoints...)
	m.routes[r.DriverID] = r
	return nil
}

func (m *Memory) Route(_ context.Context, driverID string) (models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[driverID]
	if !ok {
		return models.Route{}, ErrRouteNotFound
	}
	return r, nil
}

func (m *Memory) Routes(_ context.Context) ([]models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

// Validate checks a route is usable for matching.
func Validate(r models.Route) error {
	if r.DriverID == "" {
		return errors.New("route: driver id is required")
	}
	if len(r.OrderedWaypoints) < 2 {
		return errors.New("route: at least two waypoints are required")
	}
	for _, w := range r.OrderedWaypoints {
		if !w.Coord().Valid() {
			return errors.New("route: waypoint coordinates out of range")
		}
	}
	for _, p := range r.Serves {
		if !p.Valid() {
			return errors.New("route: unknown profile type " + string(p))
		}
	}
	return nil
}
