package matcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/route-negotiation/internal/geo"
	"github.com/example/route-negotiation/internal/models"
	"github.com/example/route-negotiation/internal/routes"
)

func colomboWaypoints() []models.Waypoint {
	return []models.Waypoint{
		{ID: "1", Name: "Homagama", Latitude: 6.8433, Longitude: 80.0032},
		{ID: "2", Name: "Kottawa", Latitude: 6.8412, Longitude: 79.9654},
		{ID: "3", Name: "Maharagama", Latitude: 6.8478, Longitude: 79.9218},
		{ID: "4", Name: "Nugegoda", Latitude: 6.8649, Longitude: 79.8997},
	}
}

var (
	nearKottawaMaharagama = models.Coord{Lat: 6.8456, Lon: 79.9485}
	atNugegoda            = models.Coord{Lat: 6.8649, Lon: 79.8997}
	nearNugegoda          = models.Coord{Lat: 6.8640, Lon: 79.9010}
	nearHomagama          = models.Coord{Lat: 6.8430, Lon: 80.0020}
)

func TestSuitableInTravelOrder(t *testing.T) {
	res, err := IsRouteSuitable(nearKottawaMaharagama, atNugegoda, colomboWaypoints(), DefaultMaxDistanceKm)
	require.NoError(t, err)
	assert.True(t, res.IsSuitable)
	assert.Equal(t, 1, res.PickupSegmentIndex)
	assert.Equal(t, 2, res.DropSegmentIndex)
}

func TestReverseDirectionUnsuitable(t *testing.T) {
	res, err := IsRouteSuitable(nearNugegoda, nearHomagama, colomboWaypoints(), DefaultMaxDistanceKm)
	require.NoError(t, err)
	assert.False(t, res.IsSuitable)
	assert.Less(t, res.DropSegmentIndex, res.PickupSegmentIndex)
}

func TestSameSegmentIsUnsuitable(t *testing.T) {
	ws := colomboWaypoints()
	res, err := IsRouteSuitable(models.Coord{Lat: 6.8430, Lon: 79.9900}, models.Coord{Lat: 6.8420, Lon: 79.9700}, ws, DefaultMaxDistanceKm)
	require.NoError(t, err)
	assert.Equal(t, res.PickupSegmentIndex, res.DropSegmentIndex)
	assert.False(t, res.IsSuitable)
}

func TestTooFarIsUnsuitable(t *testing.T) {
	res, err := IsRouteSuitable(nearKottawaMaharagama, models.Coord{Lat: 7.2906, Lon: 80.6337}, colomboWaypoints(), DefaultMaxDistanceKm)
	require.NoError(t, err)
	assert.False(t, res.IsSuitable)
	assert.Greater(t, res.DropDistanceKm, DefaultMaxDistanceKm)
}

func TestIsRouteSuitableNoRoute(t *testing.T) {
	_, err := IsRouteSuitable(nearHomagama, atNugegoda, colomboWaypoints()[:1], DefaultMaxDistanceKm)
	assert.ErrorIs(t, err, geo.ErrNoRoute)
}

// bruteNearest projects the point onto each segment and measures the
// haversine distance to the projection.
func bruteNearest(p models.Coord, ws []models.Waypoint) []float64 {
	x := s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lon))
	out := make([]float64, len(ws)-1)
	for i := 0; i < len(ws)-1; i++ {
		a := s2.PointFromLatLng(s2.LatLngFromDegrees(ws[i].Latitude, ws[i].Longitude))
		b := s2.PointFromLatLng(s2.LatLngFromDegrees(ws[i+1].Latitude, ws[i+1].Longitude))
		ll := s2.LatLngFromPoint(s2.Project(x, a, b))
		out[i] = geo.HaversineKm(p.Lat, p.Lon, ll.Lat.Degrees(), ll.Lng.Degrees())
	}
	return out
}

func randomCoord(r *rand.Rand) models.Coord {
	return models.Coord{Lat: 6.7 + r.Float64()*0.4, Lon: 79.8 + r.Float64()*0.4}
}

func TestSuitabilityAgreesWithBruteForce(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	const tol = 1e-6
	for n := 0; n < 500; n++ {
		ws := make([]models.Waypoint, 2+r.IntN(7))
		for i := range ws {
			c := randomCoord(r)
			ws[i] = models.Waypoint{ID: fmt.Sprint(i), Latitude: c.Lat, Longitude: c.Lon}
		}
		pickup, drop := randomCoord(r), randomCoord(r)
		maxKm := 1 + r.Float64()*15

		res, err := IsRouteSuitable(pickup, drop, ws, maxKm)
		require.NoError(t, err)

		pd, dd := bruteNearest(pickup, ws), bruteNearest(drop, ws)
		minOf := func(xs []float64) float64 {
			m := xs[0]
			for _, x := range xs[1:] {
				m = min(m, x)
			}
			return m
		}
		require.InDelta(t, minOf(pd), res.PickupDistanceKm, tol)
		require.InDelta(t, minOf(dd), res.DropDistanceKm, tol)
		require.InDelta(t, minOf(pd), pd[res.PickupSegmentIndex], tol)
		require.InDelta(t, minOf(dd), dd[res.DropSegmentIndex], tol)
		require.GreaterOrEqual(t, res.PickupSegmentIndex, 0)
		require.LessOrEqual(t, res.DropSegmentIndex, len(ws)-2)

		want := res.PickupDistanceKm <= maxKm && res.DropDistanceKm <= maxKm && res.DropSegmentIndex > res.PickupSegmentIndex
		require.Equal(t, want, res.IsSuitable)
	}
}

func routeFrom(id string, ws []models.Waypoint) models.Route {
	return models.Route{DriverID: id, OrderedWaypoints: ws}
}

func TestFindCandidatesRanksAndFilters(t *testing.T) {
	base := colomboWaypoints()
	shifted := make([]models.Waypoint, len(base))
	for i, w := range base {
		w.Latitude += 0.01
		shifted[i] = w
	}
	reversed := make([]models.Waypoint, len(base))
	for i, w := range base {
		reversed[len(base)-1-i] = w
	}
	rs := []models.Route{
		routeFrom("shifted", shifted),
		routeFrom("reversed", reversed),
		routeFrom("exact-b", base),
		routeFrom("exact-a", base),
		routeFrom("broken", base[:1]),
	}
	q := models.TripQuery{Pickup: nearKottawaMaharagama, Drop: atNugegoda, ProfileType: models.ProfileChild}
	got, err := FindCandidates(context.Background(), q, rs, DefaultMaxDistanceKm)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "exact-a", got[0].DriverID)
	assert.Equal(t, "exact-b", got[1].DriverID)
	assert.Equal(t, "shifted", got[2].DriverID)
	for _, m := range got {
		assert.True(t, m.IsSuitable)
	}
}

func TestFindCandidatesRespectsProfileScope(t *testing.T) {
	staffOnly := routeFrom("staff", colomboWaypoints())
	staffOnly.Serves = []models.ProfileType{models.ProfileStaff}
	q := models.TripQuery{Pickup: nearKottawaMaharagama, Drop: atNugegoda, ProfileType: models.ProfileChild}

	got, err := FindCandidates(context.Background(), q, []models.Route{staffOnly}, DefaultMaxDistanceKm)
	require.NoError(t, err)
	assert.Empty(t, got)

	q.ProfileType = models.ProfileStaff
	got, err = FindCandidates(context.Background(), q, []models.Route{staffOnly}, DefaultMaxDistanceKm)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFindCandidatesCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := models.TripQuery{Pickup: nearKottawaMaharagama, Drop: atNugegoda}
	_, err := FindCandidates(ctx, q, []models.Route{routeFrom("a", colomboWaypoints())}, DefaultMaxDistanceKm)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceSearchIndexedMatchesFullScan(t *testing.T) {
	ctx := context.Background()
	mem := routes.NewMemory()
	r := rand.New(rand.NewPCG(3, 5))
	for i := 0; i < 60; i++ {
		ws := make([]models.Waypoint, 2+r.IntN(5))
		for j := range ws {
			c := randomCoord(r)
			ws[j] = models.Waypoint{Latitude: c.Lat, Longitude: c.Lon}
		}
		require.NoError(t, mem.Put(ctx, routeFrom(fmt.Sprintf("d%02d", i), ws)))
	}
	plain := &Service{Routes: mem, MaxDistanceKm: 5}
	indexed := &Service{Routes: routes.NewIndexedSource(mem, 5, 0), MaxDistanceKm: 5}

	for i := 0; i < 50; i++ {
		q := models.TripQuery{Pickup: randomCoord(r), Drop: randomCoord(r), ProfileType: models.ProfileStaff}
		want, err := plain.Search(ctx, q)
		require.NoError(t, err)
		got, err := indexed.Search(ctx, q)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestServiceCheck(t *testing.T) {
	ctx := context.Background()
	mem := routes.NewMemory()
	require.NoError(t, mem.Put(ctx, routeFrom("d1", colomboWaypoints())))
	s := &Service{Routes: mem}

	res, err := s.Check(ctx, "d1", models.TripQuery{Pickup: nearKottawaMaharagama, Drop: atNugegoda, ProfileType: models.ProfileChild})
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DriverID)

	_, err = s.Check(ctx, "d1", models.TripQuery{Pickup: nearNugegoda, Drop: nearHomagama, ProfileType: models.ProfileChild})
	assert.ErrorIs(t, err, ErrNoSuitableRoute)

	_, err = s.Check(ctx, "nobody", models.TripQuery{Pickup: nearKottawaMaharagama, Drop: atNugegoda})
	assert.ErrorIs(t, err, ErrNoSuitableRoute)
}
