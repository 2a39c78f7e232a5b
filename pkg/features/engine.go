// Package features implements the Engagement Feature Engine (spec §4.3):
// reduces a recipient's event history into a smoothed ContinuousCurve plus
// recency counters, backed by the single-flight feature cache.
package features

import (
	"context"
	"sort"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/cache"
	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/curve"
	"github.com/donutboyband/SendFlowr/pkg/grid"
	"github.com/donutboyband/SendFlowr/pkg/store"
)

// minClicksBeforeFallback is the click-volume floor below which the engine
// falls back to "opened" events (spec §4.3 step 1).
const minClicksBeforeFallback = 5

// peakSummaryK is the number of peak windows recorded for diagnostics
// (spec §4.3 step 7).
const peakSummaryK = 5

// Config controls feature-engine behavior (spec §6 configuration surface).
type Config struct {
	SmoothingSigmaMinutes float64
	LaplaceAlpha          float64
	LookbackDays          int
	PrimaryEventType      contracts.EventType
	CacheMaxAge           time.Duration
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		SmoothingSigmaMinutes: 30,
		LaplaceAlpha:          1.0,
		LookbackDays:          90,
		PrimaryEventType:      contracts.EventClicked,
		CacheMaxAge:           time.Hour,
	}
}

// Engine builds and caches feature snapshots.
type Engine struct {
	events store.EventStore
	cached *cache.SingleFlightCache
	cfg    Config
	now    func() time.Time
}

// New constructs an Engine over an EventStore gateway and a feature cache.
func New(events store.EventStore, backend cache.Backend, cfg Config) *Engine {
	return &Engine{
		events: events,
		cached: cache.NewSingleFlightCache(backend, cfg.CacheMaxAge),
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithClock overrides the engine's clock, for deterministic tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Snapshot returns the cached feature snapshot for universalID, recomputing
// it (deduplicated across concurrent callers) when missing or stale.
func (e *Engine) Snapshot(ctx context.Context, universalID contracts.UniversalID) (*cache.FeatureSnapshot, error) {
	return e.cached.GetOrRecompute(ctx, universalID, e.recompute)
}

func (e *Engine) recompute(ctx context.Context, universalID contracts.UniversalID) (*cache.FeatureSnapshot, error) {
	now := e.now().UTC()
	since := now.AddDate(0, 0, -e.cfg.LookbackDays)

	primaryEvents, err := e.events.EventsByType(ctx, universalID, e.cfg.PrimaryEventType, since)
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
	}

	events := primaryEvents
	degraded := false
	if len(primaryEvents) < minClicksBeforeFallback {
		opened, err := e.events.EventsByType(ctx, universalID, contracts.EventOpened, since)
		if err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
		}
		if len(opened) > 0 {
			events = opened
			degraded = true
		}
	}

	c := e.buildCurve(events)

	opens1d, err := e.events.CountByType(ctx, universalID, contracts.EventOpened, now.Add(-24*time.Hour))
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
	}
	opens7d, err := e.events.CountByType(ctx, universalID, contracts.EventOpened, now.AddDate(0, 0, -7))
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
	}
	opens30d, err := e.events.CountByType(ctx, universalID, contracts.EventOpened, now.AddDate(0, 0, -30))
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
	}
	clicks1d, err := e.events.CountByType(ctx, universalID, contracts.EventClicked, now.Add(-24*time.Hour))
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
	}
	clicks7d, err := e.events.CountByType(ctx, universalID, contracts.EventClicked, now.AddDate(0, 0, -7))
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
	}
	clicks30d, err := e.events.CountByType(ctx, universalID, contracts.EventClicked, now.AddDate(0, 0, -30))
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
	}

	allOpens, err := e.events.EventsByType(ctx, universalID, contracts.EventOpened, since)
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
	}
	allClicks, err := e.events.EventsByType(ctx, universalID, contracts.EventClicked, since)
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "event store read failed", err)
	}

	snap := &cache.FeatureSnapshot{
		Curve:         c,
		Confidence:    c.Confidence(),
		Degraded:      degraded,
		PeakWindows:   topPeakWindows(c, peakSummaryK),
		Opens1d:       opens1d,
		Opens7d:       opens7d,
		Opens30d:      opens30d,
		Clicks1d:      clicks1d,
		Clicks7d:      clicks7d,
		Clicks30d:     clicks30d,
		EarliestOpen:  earliestTimestamp(allOpens),
		LatestOpen:    latestTimestamp(allOpens),
		EarliestClick: earliestTimestamp(allClicks),
		LatestClick:   latestTimestamp(allClicks),
		ComputedAt:    now,
	}
	return snap, nil
}

// buildCurve implements spec §4.3 steps 2-5: histogram, Laplace prior,
// Gaussian smoothing, normalization. An empty event set (cold start) yields
// the uniform curve with confidence 0, per spec's cold-start rule.
func (e *Engine) buildCurve(events []contracts.EngagementEvent) *curve.Curve {
	if len(events) == 0 {
		return curve.Uniform()
	}
	c := curve.Zero()
	c.Suppressed = false
	for _, ev := range events {
		slot := grid.DatetimeToSlot(ev.Timestamp)
		c.Values[slot]++
	}
	prior := e.cfg.LaplaceAlpha / float64(grid.SlotCount)
	for i := range c.Values {
		c.Values[i] += prior
	}
	c.ConvolveCircular(curve.GaussianKernel(e.cfg.SmoothingSigmaMinutes))
	c.Normalize()
	return c
}

// topPeakWindows returns the k highest-probability slots as a peak-window
// summary (spec §4.3 step 7), most probable first.
func topPeakWindows(c *curve.Curve, k int) []contracts.PeakWindow {
	type slotProb struct {
		slot int
		p    float64
	}
	ranked := make([]slotProb, grid.SlotCount)
	for i := 0; i < grid.SlotCount; i++ {
		ranked[i] = slotProb{slot: i, p: c.Values[i]}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].p == ranked[j].p {
			return ranked[i].slot < ranked[j].slot
		}
		return ranked[i].p > ranked[j].p
	})
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]contracts.PeakWindow, k)
	for i := 0; i < k; i++ {
		out[i] = contracts.PeakWindow{
			Slot:        ranked[i].slot,
			Probability: ranked[i].p,
			Label:       grid.Label(ranked[i].slot),
		}
	}
	return out
}

func earliestTimestamp(events []contracts.EngagementEvent) *time.Time {
	if len(events) == 0 {
		return nil
	}
	earliest := events[0].Timestamp
	for _, ev := range events[1:] {
		if ev.Timestamp.Before(earliest) {
			earliest = ev.Timestamp
		}
	}
	return &earliest
}

func latestTimestamp(events []contracts.EngagementEvent) *time.Time {
	if len(events) == 0 {
		return nil
	}
	latest := events[0].Timestamp
	for _, ev := range events[1:] {
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	return &latest
}
