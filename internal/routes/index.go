package routes

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/tidwall/rtree"

	"github.com/example/route-negotiation/internal/models"
)

const (
	kmPerDegreeLat = 110.574
	kmPerDegreeLon = 111.320
	// extra slack for great-circle bulge between waypoints
	padSlack = 1.05
)

// Index is an immutable rtree over route bounding boxes padded by marginKm.
// A route whose padded box misses the pickup or the drop cannot be within
// marginKm of that point.
type Index struct {
	tr   rtree.RTreeG[models.Route]
	size int
}

func NewIndex(rs []models.Route, marginKm float64) *Index {
	idx := &Index{}
	for _, r := range rs {
		if len(r.OrderedWaypoints) < 2 {
			continue
		}
		lo, hi := paddedBounds(r.OrderedWaypoints, marginKm)
		idx.tr.Insert(lo, hi, r)
		// boxes past the antimeridian are mirrored into [-180, 180]
		if hi[0] > 180 {
			idx.tr.Insert([2]float64{lo[0] - 360, lo[1]}, [2]float64{hi[0] - 360, hi[1]}, r)
		}
		if lo[0] < -180 {
			idx.tr.Insert([2]float64{lo[0] + 360, lo[1]}, [2]float64{hi[0] + 360, hi[1]}, r)
		}
		idx.size++
	}
	return idx
}

func (idx *Index) Len() int { return idx.size }

// Near returns routes whose padded box contains both points.
func (idx *Index) Near(pickup, drop models.Coord) []models.Route {
	seen := make(map[string]struct{})
	pt := [2]float64{pickup.Lon, pickup.Lat}
	idx.tr.Search(pt, pt, func(_, _ [2]float64, r models.Route) bool {
		seen[r.DriverID] = struct{}{}
		return true
	})
	out := make([]models.Route, 0, len(seen))
	dt := [2]float64{drop.Lon, drop.Lat}
	idx.tr.Search(dt, dt, func(_, _ [2]float64, r models.Route) bool {
		if _, ok := seen[r.DriverID]; ok {
			delete(seen, r.DriverID)
			out = append(out, r)
		}
		return true
	})
	return out
}

// paddedBounds returns the route's box in [lon, lat] order. A route crossing
// the antimeridian is boxed in 0..360 longitudes, so hi[0] may exceed 180.
func paddedBounds(ws []models.Waypoint, marginKm float64) (lo, hi [2]float64) {
	minLat, minLon, minLon360 := math.Inf(1), math.Inf(1), math.Inf(1)
	maxLat, maxLon, maxLon360 := math.Inf(-1), math.Inf(-1), math.Inf(-1)
	for _, w := range ws {
		minLat = math.Min(minLat, w.Latitude)
		maxLat = math.Max(maxLat, w.Latitude)
		minLon = math.Min(minLon, w.Longitude)
		maxLon = math.Max(maxLon, w.Longitude)
		lon360 := w.Longitude
		if lon360 < 0 {
			lon360 += 360
		}
		minLon360 = math.Min(minLon360, lon360)
		maxLon360 = math.Max(maxLon360, lon360)
	}
	if maxLon360-minLon360 < maxLon-minLon {
		minLon, maxLon = minLon360, maxLon360
	}
	latPad := marginKm / kmPerDegreeLat * padSlack
	edgeLat := math.Min(89.9, math.Max(math.Abs(minLat), math.Abs(maxLat))+latPad)
	lonPad := marginKm / (kmPerDegreeLon * math.Cos(edgeLat*math.Pi/180)) * padSlack
	return [2]float64{minLon - lonPad, minLat - latPad}, [2]float64{maxLon + lonPad, maxLat + latPad}
}

// IndexedSource wraps a Source with a periodically rebuilt Index.
type IndexedSource struct {
	Source
	marginKm float64
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	idx     *Index
	builtAt time.Time
}

func NewIndexedSource(src Source, marginKm float64, ttl time.Duration) *IndexedSource {
	return &IndexedSource{Source: src, marginKm: marginKm, ttl: ttl, now: time.Now}
}

// Near returns the routes that may lie within maxDistanceKm of both points.
// Queries wider than the index margin fall back to the full route list.
func (s *IndexedSource) Near(ctx context.Context, pickup, drop models.Coord, maxDistanceKm float64) ([]models.Route, error) {
	if maxDistanceKm > s.marginKm {
		return s.Routes(ctx)
	}
	idx, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Near(pickup, drop), nil
}

func (s *IndexedSource) index(ctx context.Context) (*Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx != nil && s.now().Sub(s.builtAt) < s.ttl {
		return s.idx, nil
	}
	rs, err := s.Routes(ctx)
	if err != nil {
		return nil, err
	}
	s.idx = NewIndex(rs, s.marginKm)
	s.builtAt = s.now()
	return s.idx, nil
}
