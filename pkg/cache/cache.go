// Package cache implements the FeatureCache gateway: a keyed binary cache
// for serialized engagement curves and counters (spec §4.3 step 8), with
// single-flight coalescing of concurrent recomputes for the same
// Universal ID (spec §4.3, §5, §9).
package cache

import (
	"context"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/curve"
)

// FeatureSnapshot is what the cache stores per Universal ID: the packed
// curve, recency counters, confidence, a degraded flag, and the top-K
// peak-window summary.
type FeatureSnapshot struct {
	Curve          *curve.Curve
	Confidence     float64
	Degraded       bool
	PeakWindows    []contracts.PeakWindow
	Opens1d        int
	Opens7d        int
	Opens30d       int
	Clicks1d       int
	Clicks7d       int
	Clicks30d      int
	EarliestClick  *time.Time
	LatestClick    *time.Time
	EarliestOpen   *time.Time
	LatestOpen     *time.Time
	ComputedAt     time.Time
}

// Backend is the minimal storage contract a FeatureCache backend must
// satisfy; Redis and in-process implementations both satisfy it.
type Backend interface {
	Get(ctx context.Context, universalID contracts.UniversalID) (*FeatureSnapshot, bool, error)
	Set(ctx context.Context, universalID contracts.UniversalID, snap *FeatureSnapshot, ttl time.Duration) error
}

// RecomputeFunc builds a fresh snapshot for universalID on a cache miss or
// stale read.
type RecomputeFunc func(ctx context.Context, universalID contracts.UniversalID) (*FeatureSnapshot, error)
