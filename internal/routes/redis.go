package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twpayne/go-polyline"

	"github.com/example/route-negotiation/internal/models"
)

// DriversKey is the set of driver ids that have a stored route.
const DriversKey = "routes:drivers"

// coords are stored at 1e-6 degree precision
var codec = polyline.Codec{Dim: 2, Scale: 1e6}

func RouteKey(driverID string) string { return "route:" + driverID }

type waypointMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EncodeRoute flattens a route into the hash fields kept under RouteKey.
func EncodeRoute(r models.Route) (map[string]interface{}, error) {
	coords := make([][]float64, 0, len(r.OrderedWaypoints))
	meta := make([]waypointMeta, 0, len(r.OrderedWaypoints))
	for _, w := range r.OrderedWaypoints {
		coords = append(coords, []float64{w.Latitude, w.Longitude})
		meta = append(meta, waypointMeta{ID: w.ID, Name: w.Name})
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	serves := make([]string, 0, len(r.Serves))
	for _, p := range r.Serves {
		serves = append(serves, string(p))
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return map[string]interface{}{
		"polyline":  string(codec.EncodeCoords(nil, coords)),
		"waypoints": string(mb),
		"serves":    strings.Join(serves, ","),
		"updated":   updated.UTC().Format(time.RFC3339),
	}, nil
}

// DecodeRoute is the inverse of EncodeRoute.
func DecodeRoute(driverID string, m map[string]string) (models.Route, error) {
	coords, _, err := codec.DecodeCoords([]byte(m["polyline"]))
	if err != nil {
		return models.Route{}, fmt.Errorf("decode polyline for %s: %w", driverID, err)
	}
	var meta []waypointMeta
	if v := m["waypoints"]; v != "" {
		if err := json.Unmarshal([]byte(v), &meta); err != nil {
			return models.Route{}, fmt.Errorf("decode waypoints for %s: %w", driverID, err)
		}
	}
	r := models.Route{DriverID: driverID, OrderedWaypoints: make([]models.Waypoint, 0, len(coords))}
	for i, c := range coords {
		w := models.Waypoint{Latitude: c[0], Longitude: c[1]}
		if i < len(meta) {
			w.ID, w.Name = meta[i].ID, meta[i].Name
		}
		r.OrderedWaypoints = append(r.OrderedWaypoints, w)
	}
	if v := m["serves"]; v != "" {
		for _, p := range strings.Split(v, ",") {
			r.Serves = append(r.Serves, models.ProfileType(p))
		}
	}
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		r.UpdatedAt = t
	}
	return r, nil
}

// RedisSource keeps driver routes in Redis hashes, one per driver.
type RedisSource struct {
	client *redis.Client
}

func NewRedisSource(addr, password string) *RedisSource {
	return &RedisSource{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func (r *RedisSource) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisSource) Close() error { return r.client.Close() }

func (r *RedisSource) Put(ctx context.Context, route models.Route) error {
	fields, err := EncodeRoute(route)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, RouteKey(route.DriverID))
		p.HSet(ctx, RouteKey(route.DriverID), fields)
		p.SAdd(ctx, DriversKey, route.DriverID)
		return nil
	})
	return err
}

func (r *RedisSource) Route(ctx context.Context, driverID string) (models.Route, error) {
	m, err := r.client.HGetAll(ctx, RouteKey(driverID)).Result()
	if err != nil {
		return models.Route{}, err
	}
	if len(m) == 0 {
		return models.Route{}, ErrRouteNotFound
	}
	return DecodeRoute(driverID, m)
}

func (r *RedisSource) Routes(ctx context.Context) ([]models.Route, error) {
	ids, err := r.client.SMembers(ctx, DriversKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, RouteKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]models.Route, 0, len(ids))
	for i, id := range ids {
		m, err := cmds[i].Result()
		if err != nil || len(m) == 0 {
			continue
		}
		route, err := DecodeRoute(id, m)
		if err != nil {
			continue
		}
		out = append(out, route)
	}
	return out, nil
}
