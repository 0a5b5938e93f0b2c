package estimate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/route-negotiation/internal/geo"
	"github.com/example/route-negotiation/internal/models"
)

// DistanceClient returns a road distance in km between two points.
type DistanceClient interface {
	DistanceKm(ctx context.Context, from, to models.Coord) (float64, error)
}

// Quote is the baseline reference attached to a new ride request.
type Quote struct {
	DistanceKm float64
	Price      decimal.Decimal
}

// Cache is a tiny in-memory cache for distance lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Estimator prices a trip as BaseFare + PerKm * distance. Client and Cache
// are optional; without a client the straight-line distance is used.
type Estimator struct {
	Client   DistanceClient
	Cache    *Cache
	BaseFare decimal.Decimal
	PerKm    decimal.Decimal
}

func (e *Estimator) Estimate(ctx context.Context, pickup, drop models.Coord) Quote {
	km := e.distance(ctx, pickup, drop)
	price := e.BaseFare.Add(e.PerKm.Mul(decimal.NewFromFloat(km))).Round(2)
	return Quote{DistanceKm: km, Price: price}
}

func (e *Estimator) distance(ctx context.Context, pickup, drop models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(pickup, drop); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.DistanceKm(ctx, pickup, drop); err == nil {
			if e.Cache != nil {
				e.Cache.Set(pickup, drop, v)
			}
			return v
		}
	}
	// fallback is not cached so a recovered client is used next time
	return geo.Distance(pickup, drop)
}
