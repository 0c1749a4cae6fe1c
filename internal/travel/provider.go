// Package travel supplies distance and duration legs between problem
// locations. The solver only ever sees a precomputed Matrix; providers,
// retries, and the per-job pair cache compose underneath it.
package travel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"optiq/internal/model"
)

// ErrUnavailable marks a provider failure that exhausted its retries.
var ErrUnavailable = errors.New("travel provider unavailable")

// Leg is the cost of moving between two points.
type Leg struct {
	DurationSec float64
	DistanceM   float64
}

// Provider computes one leg. Implementations may be remote and blocking;
// callers wrap them in Retry and Cache.
type Provider interface {
	Name() string
	Travel(ctx context.Context, from, to model.GeoPoint) (Leg, error)
}

// Haversine is the built-in great-circle provider with a constant speed.
type Haversine struct {
	SpeedKph float64
}

func (h Haversine) Name() string { return "haversine" }

func (h Haversine) Travel(_ context.Context, from, to model.GeoPoint) (Leg, error) {
	kph := h.SpeedKph
	if kph <= 0 {
		kph = 50
	}
	dist := haversine(from.Lat, from.Lng, to.Lat, to.Lng)
	return Leg{DurationSec: dist / (kph / 3.6), DistanceM: dist}, nil
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Retry wraps a provider with a bounded retry loop. Sleep doubles per
// attempt and the context can cut the wait short.
type Retry struct {
	Inner    Provider
	Attempts int           // total tries, min 1
	Backoff  time.Duration // first retry delay
}

func (r Retry) Name() string { return r.Inner.Name() }

func (r Retry) Travel(ctx context.Context, from, to model.GeoPoint) (Leg, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.Backoff
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Leg{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		leg, err := r.Inner.Travel(ctx, from, to)
		if err == nil {
			return leg, nil
		}
		if ctx.Err() != nil {
			return Leg{}, ctx.Err()
		}
		lastErr = err
	}
	return Leg{}, fmt.Errorf("%w: %s failed %d times: %w", ErrUnavailable, r.Inner.Name(), attempts, lastErr)
}
