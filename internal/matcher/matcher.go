package matcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/route-negotiation/internal/geo"
	"github.com/example/route-negotiation/internal/models"
	"github.com/example/route-negotiation/internal/observability"
	"github.com/example/route-negotiation/internal/routes"
)

const DefaultMaxDistanceKm = 10.0

var ErrNoSuitableRoute = errors.New("no suitable route")

// IsRouteSuitable reports whether a route can carry a passenger from pickup to
// drop: both points within maxDistanceKm of the route, and the drop on a
// strictly later segment than the pickup.
func IsRouteSuitable(pickup, drop models.Coord, waypoints []models.Waypoint, maxDistanceKm float64) (models.MatchResult, error) {
	p, err := geo.NearestSegment(pickup, waypoints)
	if err != nil {
		return models.MatchResult{}, err
	}
	d, err := geo.NearestSegment(drop, waypoints)
	if err != nil {
		return models.MatchResult{}, err
	}
	res := models.MatchResult{
		PickupDistanceKm:   p.DistanceKm,
		DropDistanceKm:     d.DistanceKm,
		PickupSegmentIndex: p.Index,
		DropSegmentIndex:   d.Index,
	}
	// same segment is treated as unsuitable
	res.IsSuitable = p.DistanceKm <= maxDistanceKm && d.DistanceKm <= maxDistanceKm && d.Index > p.Index
	return res, nil
}

// FindCandidates evaluates every route independently and returns the suitable
// ones by ascending combined distance, ties by driver id. Routes that do not
// serve the query's profile type or have fewer than two waypoints are skipped.
func FindCandidates(ctx context.Context, q models.TripQuery, rs []models.Route, maxDistanceKm float64) ([]models.MatchResult, error) {
	results := make([]models.MatchResult, len(rs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range rs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := rs[i]
			if !r.Serve(q.ProfileType) {
				return nil
			}
			res, err := IsRouteSuitable(q.Pickup, q.Drop, r.OrderedWaypoints, maxDistanceKm)
			if err != nil {
				return nil
			}
			res.DriverID = r.DriverID
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.MatchResult, 0, len(results))
	for _, r := range results {
		if r.IsSuitable {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Score(), out[j].Score()
		if si != sj {
			return si < sj
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

// nearSource is implemented by route sources that can prefilter by location.
type nearSource interface {
	Near(ctx context.Context, pickup, drop models.Coord, maxDistanceKm float64) ([]models.Route, error)
}

// Service runs searches against the route-storage collaborator.
type Service struct {
	Routes        routes.Source
	MaxDistanceKm float64
}

func (s *Service) maxDistance() float64 {
	if s.MaxDistanceKm <= 0 {
		return DefaultMaxDistanceKm
	}
	return s.MaxDistanceKm
}

// Search returns ranked candidate drivers for a trip. An empty slice means no
// route is suitable.
func (s *Service) Search(ctx context.Context, q models.TripQuery) ([]models.MatchResult, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	var (
		rs  []models.Route
		err error
	)
	if ns, ok := s.Routes.(nearSource); ok {
		rs, err = ns.Near(ctx, q.Pickup, q.Drop, s.maxDistance())
	} else {
		rs, err = s.Routes.Routes(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}
	out, err := FindCandidates(ctx, q, rs, s.maxDistance())
	if err != nil {
		return nil, err
	}
	observability.MatchQueriesTotal.Inc()
	observability.MatchCandidates.Observe(float64(len(out)))
	return out, nil
}

// Check re-validates one driver's current route for a trip. It returns
// ErrNoSuitableRoute when the driver has no route or the route does not fit.
func (s *Service) Check(ctx context.Context, driverID string, q models.TripQuery) (models.MatchResult, error) {
	r, err := s.Routes.Route(ctx, driverID)
	if errors.Is(err, routes.ErrRouteNotFound) {
		return models.MatchResult{}, fmt.Errorf("driver %s: %w", driverID, ErrNoSuitableRoute)
	}
	if err != nil {
		return models.MatchResult{}, fmt.Errorf("load route: %w", err)
	}
	if !r.Serve(q.ProfileType) {
		return models.MatchResult{}, fmt.Errorf("driver %s does not serve %s: %w", driverID, q.ProfileType, ErrNoSuitableRoute)
	}
	res, err := IsRouteSuitable(q.Pickup, q.Drop, r.OrderedWaypoints, s.maxDistance())
	if errors.Is(err, geo.ErrNoRoute) {
		return models.MatchResult{}, fmt.Errorf("driver %s: %w", driverID, ErrNoSuitableRoute)
	}
	if err != nil {
		return models.MatchResult{}, err
	}
	res.DriverID = driverID
	if !res.IsSuitable {
		return res, fmt.Errorf("driver %s: %w", driverID, ErrNoSuitableRoute)
	}
	return res, nil
}
