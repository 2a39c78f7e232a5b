package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
)

// SingleFlightCache wraps a Backend and coalesces concurrent GetOrRecompute
// calls for the same Universal ID: the first caller computes, the rest
// wait on its result, satisfying spec §4.3/§5/§9's single-flight
// requirement.
type SingleFlightCache struct {
	backend Backend
	group   singleflight.Group
	maxAge  time.Duration
}

// NewSingleFlightCache wraps backend with single-flight coalescing. maxAge
// is the default curve_cache_max_age_seconds: a snapshot older than maxAge
// is treated as a miss and recomputed.
func NewSingleFlightCache(backend Backend, maxAge time.Duration) *SingleFlightCache {
	return &SingleFlightCache{backend: backend, maxAge: maxAge}
}

// GetOrRecompute returns the cached snapshot for universalID if fresh
// (age < maxAge), otherwise calls recompute exactly once even under
// concurrent callers for the same Universal ID, caches the result, and
// returns it to every waiter.
func (c *SingleFlightCache) GetOrRecompute(ctx context.Context, universalID contracts.UniversalID, recompute RecomputeFunc) (*FeatureSnapshot, error) {
	snap, ok, err := c.backend.Get(ctx, universalID)
	if err != nil {
		return nil, err
	}
	if ok && time.Since(snap.ComputedAt) < c.maxAge {
		return snap, nil
	}

	result, err, _ := c.group.Do(string(universalID), func() (any, error) {
		fresh, err := recompute(ctx, universalID)
		if err != nil {
			return nil, err
		}
		fresh.ComputedAt = time.Now().UTC()
		if err := c.backend.Set(ctx, universalID, fresh, c.maxAge); err != nil {
			return nil, err
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*FeatureSnapshot), nil
}
