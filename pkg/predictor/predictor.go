// Package predictor defines the pluggable ML predictor ports used by the
// Timing Decision Engine (spec §4.5 steps 2 and 5): latency estimation and
// hot-path signal weighting, each with a heuristic fallback used when no
// model is loaded.
package predictor

import (
	"context"
	"math"
	"time"
)

// LatencyFeatures is the feature bundle passed to the latency predictor
// port (spec §4.5 step 2).
type LatencyFeatures struct {
	ESP              string
	HourOfDay        int
	DayOfWeek        int
	CampaignClass    string
	PayloadSizeBytes *int64
	QueueDepth       *int64
}

// LatencyPredictor estimates send-to-delivery latency in seconds.
type LatencyPredictor interface {
	PredictLatencySeconds(ctx context.Context, features LatencyFeatures) (float64, error)
}

// SignalWeightPredictor computes the acceleration weight ω_i(t) for a
// hot-path event observed minutesAgo minutes ago (spec §4.5 step 5).
type SignalWeightPredictor interface {
	PredictSignalWeight(ctx context.Context, eventType string, minutesAgo float64) (float64, error)
}

// defaultLatencySeconds is the heuristic median_recent_latency fallback.
const defaultLatencySeconds = 120.0

// LatencyClamp bounds any latency estimate, heuristic or model-sourced.
type LatencyClamp struct {
	MinSeconds float64
	MaxSeconds float64
}

// DefaultLatencyClamp matches the spec's documented [1s, 3600s] bound.
func DefaultLatencyClamp() LatencyClamp {
	return LatencyClamp{MinSeconds: 1, MaxSeconds: 3600}
}

// Clamp restricts seconds to [MinSeconds, MaxSeconds].
func (c LatencyClamp) Clamp(seconds float64) float64 {
	if seconds < c.MinSeconds {
		return c.MinSeconds
	}
	if seconds > c.MaxSeconds {
		return c.MaxSeconds
	}
	return seconds
}

// HeuristicLatencyPredictor returns the fixed median_recent_latency default
// (spec §4.5 step 2), used when no model-backed predictor is configured.
type HeuristicLatencyPredictor struct {
	DefaultSeconds float64
	Clamp          LatencyClamp
}

// NewHeuristicLatencyPredictor constructs the spec-documented heuristic.
func NewHeuristicLatencyPredictor() *HeuristicLatencyPredictor {
	return &HeuristicLatencyPredictor{DefaultSeconds: defaultLatencySeconds, Clamp: DefaultLatencyClamp()}
}

// PredictLatencySeconds implements LatencyPredictor.
func (h *HeuristicLatencyPredictor) PredictLatencySeconds(_ context.Context, _ LatencyFeatures) (float64, error) {
	return h.Clamp.Clamp(h.DefaultSeconds), nil
}

// HeuristicSignalWeightPredictor implements ω_i(t) = 2·exp(−minutes_since_event/15)
// (spec §4.5 step 5), the default used when no model is loaded.
type HeuristicSignalWeightPredictor struct {
	Coefficient  float64
	DecayMinutes float64
}

// NewHeuristicSignalWeightPredictor constructs the spec-documented heuristic.
func NewHeuristicSignalWeightPredictor() *HeuristicSignalWeightPredictor {
	return &HeuristicSignalWeightPredictor{Coefficient: 2.0, DecayMinutes: 15.0}
}

// PredictSignalWeight implements SignalWeightPredictor. The weight is
// strictly non-negative: acceleration only, never suppression.
func (h *HeuristicSignalWeightPredictor) PredictSignalWeight(_ context.Context, _ string, minutesAgo float64) (float64, error) {
	if minutesAgo < 0 {
		minutesAgo = 0
	}
	return h.Coefficient * math.Exp(-minutesAgo/h.DecayMinutes), nil
}

// CohortPrior is an optional port supplying a population-level curve prior
// for cold-start recipients. pkg/features does not consult it: a recipient
// with no events always gets the uniform curve there.
type CohortPrior interface {
	Prior(ctx context.Context, cohortKey string) ([]float64, bool, error)
}

// NoCohortPrior always reports no prior available.
type NoCohortPrior struct{}

// Prior implements CohortPrior.
func (NoCohortPrior) Prior(context.Context, string) ([]float64, bool, error) {
	return nil, false, nil
}

// NowFeatures derives the {hour_of_day, day_of_week} portion of
// LatencyFeatures from a UTC instant (spec §4.5 step 2).
func NowFeatures(now time.Time) (hourOfDay, dayOfWeek int) {
	now = now.UTC()
	return now.Hour(), (int(now.Weekday()) + 6) % 7
}

var (
	_ LatencyPredictor      = (*HeuristicLatencyPredictor)(nil)
	_ SignalWeightPredictor = (*HeuristicSignalWeightPredictor)(nil)
	_ CohortPrior           = NoCohortPrior{}
	_ LatencyPredictor      = (*HTTPClient)(nil)
)
