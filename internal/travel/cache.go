package travel

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"optiq/internal/model"
)

type pairKey struct {
	from, to model.GeoPoint
}

// Cache memoizes legs per distinct location pair for the lifetime of one
// job. Concurrent lookups of the same missing pair share a single provider
// call.
type Cache struct {
	inner Provider

	mu     sync.Mutex
	legs   map[pairKey]Leg
	hits   int64
	misses int64

	group singleflight.Group
}

// NewCache wraps a provider. A fresh cache is created per job so stale
// traffic data never leaks across solves.
func NewCache(inner Provider) *Cache {
	return &Cache{inner: inner, legs: map[pairKey]Leg{}}
}

func (c *Cache) Name() string { return c.inner.Name() }

func (c *Cache) Travel(ctx context.Context, from, to model.GeoPoint) (Leg, error) {
	k := pairKey{from, to}
	c.mu.Lock()
	if leg, ok := c.legs[k]; ok {
		c.hits++
		c.mu.Unlock()
		return leg, nil
	}
	c.misses++
	c.mu.Unlock()

	v, err, _ := c.group.Do(flightKey(from, to), func() (any, error) {
		leg, err := c.inner.Travel(ctx, from, to)
		if err != nil {
			return Leg{}, err
		}
		c.mu.Lock()
		c.legs[k] = leg
		c.mu.Unlock()
		return leg, nil
	})
	if err != nil {
		return Leg{}, err
	}
	return v.(Leg), nil
}

// Stats reports cache effectiveness for metrics and tests.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Size returns the number of distinct pairs held.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.legs)
}

func flightKey(from, to model.GeoPoint) string {
	return strconv.FormatFloat(from.Lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(from.Lng, 'f', -1, 64) + "|" +
		strconv.FormatFloat(to.Lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(to.Lng, 'f', -1, 64)
}
