package geo

import (
	"errors"
	"math"

	"github.com/golang/geo/s2"

	"github.com/example/route-negotiation/internal/models"
)

const EarthRadiusKm = 6371.0

// ErrNoRoute is returned when a polyline has fewer than two waypoints.
var ErrNoRoute = errors.New("route needs at least two waypoints")

// Segment identifies the polyline segment nearest to a point.
type Segment struct {
	Index      int
	DistanceKm float64
}

// HaversineKm is the great-circle distance between two coordinates in km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Distance is HaversineKm over two coords.
func Distance(a, b models.Coord) float64 {
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

func toPoint(c models.Coord) s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(c.Lat, c.Lon))
}

// SegmentDistanceKm returns the great-circle distance from p to the segment
// a-b, with the projection clamped to the endpoints.
func SegmentDistanceKm(p, a, b models.Coord) float64 {
	if a == b {
		return Distance(p, a)
	}
	return s2.DistanceFromSegment(toPoint(p), toPoint(a), toPoint(b)).Radians() * EarthRadiusKm
}

// NearestSegment scans every consecutive pair of waypoints and returns the
// segment closest to point. On equal distances the lowest index wins.
func NearestSegment(point models.Coord, waypoints []models.Waypoint) (Segment, error) {
	if len(waypoints) < 2 {
		return Segment{}, ErrNoRoute
	}
	best := Segment{Index: -1, DistanceKm: math.Inf(1)}
	for i := 0; i < len(waypoints)-1; i++ {
		d := SegmentDistanceKm(point, waypoints[i].Coord(), waypoints[i+1].Coord())
		if d < best.DistanceKm {
			best = Segment{Index: i, DistanceKm: d}
		}
	}
	return best, nil
}
