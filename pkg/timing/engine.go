// Package timing implements the Timing Decision Engine (spec §4.5): the
// pipeline that turns a resolved Universal ID and an optional delivery
// window into a persisted TimingDecision.
package timing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/cache"
	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/curve"
	"github.com/donutboyband/SendFlowr/pkg/features"
	"github.com/donutboyband/SendFlowr/pkg/grid"
	"github.com/donutboyband/SendFlowr/pkg/predictor"
	"github.com/donutboyband/SendFlowr/pkg/store"
)

// curveModelVersion is the curve half of a decision's ModelVersion;
// modelVersionString appends the latency tag, e.g. "curve/1:latency/heuristic-v1".
const curveModelVersion = "curve/1"

// hotPathNeighborhoodMinutes is the window immediately following now that
// acceleration weights are applied across (spec §4.5 step 5).
const hotPathNeighborhoodMinutes = 60

// hotPathLookbackMinutes bounds how far back a hot-path context signal is
// still considered "recent" (spec §4.5 step 3).
const hotPathLookbackMinutes = 30

// Config controls timing-engine behavior (spec §6 configuration surface).
type Config struct {
	HotPathEventTypes     []contracts.EventType
	HotPathWindowMinutes  float64
	CircuitBreakerWindows map[contracts.EventType]time.Duration
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		HotPathEventTypes:     contracts.HotPathEventTypes,
		HotPathWindowMinutes:  hotPathLookbackMinutes,
		CircuitBreakerWindows: contracts.DefaultCircuitBreakerWindows,
	}
}

// Engine implements the Timing Decision Engine pipeline.
type Engine struct {
	featureEngine     *features.Engine
	events            store.EventStore
	explanations      store.ExplanationStore
	latencyPredictor  predictor.LatencyPredictor
	weightPredictor   predictor.SignalWeightPredictor
	latencyClamp      predictor.LatencyClamp
	cfg               Config
	now               func() time.Time
}

// New constructs a timing Engine. latencyPredictor/weightPredictor may be
// nil, in which case the spec-documented heuristics are used.
func New(featureEngine *features.Engine, events store.EventStore, explanations store.ExplanationStore, latencyPredictor predictor.LatencyPredictor, weightPredictor predictor.SignalWeightPredictor, cfg Config) *Engine {
	if latencyPredictor == nil {
		latencyPredictor = predictor.NewHeuristicLatencyPredictor()
	}
	if weightPredictor == nil {
		weightPredictor = predictor.NewHeuristicSignalWeightPredictor()
	}
	return &Engine{
		featureEngine:    featureEngine,
		events:           events,
		explanations:     explanations,
		latencyPredictor: latencyPredictor,
		weightPredictor:  weightPredictor,
		latencyClamp:     predictor.DefaultLatencyClamp(),
		cfg:              cfg,
		now:              time.Now,
	}
}

// WithClock overrides the engine's clock, for deterministic tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Decide runs the full pipeline (spec §4.5 steps 1-10) and persists the
// resulting TimingDecision to the explanation log.
func (e *Engine) Decide(ctx context.Context, universalID contracts.UniversalID, req contracts.DecisionRequest) (*contracts.TimingDecision, error) {
	now := e.now().UTC()

	// Step 1: curve fetch.
	snap, err := e.featureEngine.Snapshot(ctx, universalID)
	if err != nil {
		return nil, contracts.NewError(contracts.KindCurveUnavailable, "feature snapshot unavailable", err)
	}
	baseCurve := snap.Curve.Clone()
	baseConfidence := snap.Confidence
	basePeak := baseCurve.PeakInWindow(0, grid.SlotCount-1)

	// Step 2: latency estimate.
	latencySeconds, predictorDegraded := e.resolveLatency(ctx, req, now)

	// Step 3: context pull.
	breakerEvents, err := e.recentBreakerEvents(ctx, universalID, now)
	if err != nil {
		return nil, err
	}
	hotPathSignals, err := e.recentHotPathSignals(ctx, universalID, now)
	if err != nil {
		return nil, err
	}

	// Step 4: suppression.
	if d := e.activeSuppression(universalID, breakerEvents, baseConfidence, now); d != nil {
		if err := e.explanations.Append(ctx, *d); err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "persist decision failed", err)
		}
		return d, nil
	}

	// Step 5: acceleration weights.
	weights, applied, err := e.accelerationWeights(ctx, hotPathSignals, now)
	if err != nil {
		return nil, err
	}

	// Step 6: reweight and clip.
	working := baseCurve.Clone()
	if len(weights) > 0 {
		working.ApplyWeights(weights)
	}
	windowStart, windowEnd, err := e.resolveWindow(req, now)
	if err != nil {
		return nil, err
	}
	if windowStart != nil {
		working.ClipToWindow(*windowStart, *windowEnd)
	}

	if working.Suppressed {
		d := e.suppressedDecision(universalID, "curve_collapsed", now, &now, now, baseConfidence, basePeak, applied)
		if err := e.explanations.Append(ctx, *d); err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "persist decision failed", err)
		}
		return d, nil
	}

	// Step 7: target pick.
	pickStart, pickEnd := 0, grid.SlotCount-1
	if windowStart != nil {
		pickStart, pickEnd = *windowStart, *windowEnd
	}
	targetSlot := working.PeakInWindow(pickStart, pickEnd)

	// Step 8: trigger compute.
	earliest := now
	if req.SendAfter != nil && req.SendAfter.After(earliest) {
		earliest = req.SendAfter.UTC()
	}
	targetInstant := grid.NextOccurrenceAfter(targetSlot, earliest)
	triggerTimestamp := targetInstant.Add(-time.Duration(latencySeconds * float64(time.Second)))
	if triggerTimestamp.Before(now) {
		targetInstant = grid.NextOccurrenceAfter(targetSlot, now)
		triggerTimestamp = targetInstant.Add(-time.Duration(latencySeconds * float64(time.Second)))
	}
	if req.SendBefore != nil && triggerTimestamp.Add(time.Duration(latencySeconds*float64(time.Second))).After(req.SendBefore.UTC()) {
		return nil, contracts.NewError(contracts.KindWindowExpired, "no viable slot before send_before", nil)
	}

	// Step 9: confidence.
	clicks7d := snap.Clicks7d
	dataSufficiency := math.Min(1, float64(clicks7d)/10.0)
	confidence := working.Confidence() * dataSufficiency

	modelVersion := modelVersionString(predictorDegraded)
	explanationRef, err := newExplanationRef()
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "generate explanation ref failed", err)
	}

	d := &contracts.TimingDecision{
		DecisionID:             explanationRef,
		UniversalID:            universalID,
		TargetMinute:           targetSlot,
		TriggerTimestampUTC:    triggerTimestamp,
		LatencyEstimateSeconds: latencySeconds,
		ConfidenceScore:        confidence,
		ModelVersion:           modelVersion,
		BaseCurvePeakMinute:    basePeak,
		AppliedWeights:         applied,
		Suppressed:             false,
		ExplanationRef:         explanationRef,
		CreatedAt:              now,
	}

	// Step 10: emit.
	if err := e.explanations.Append(ctx, *d); err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "persist decision failed", err)
	}
	return d, nil
}

func modelVersionString(predictorDegraded bool) string {
	latencyTag := "latency/heuristic-v1"
	if !predictorDegraded {
		latencyTag = "latency/model-v1"
	}
	return fmt.Sprintf("%s:%s", curveModelVersion, latencyTag)
}

// resolveLatency implements spec §4.5 step 2. Returns the clamped latency
// estimate and whether the heuristic fallback was used (predictor
// unavailable or unset).
func (e *Engine) resolveLatency(ctx context.Context, req contracts.DecisionRequest, now time.Time) (float64, bool) {
	if req.LatencyEstimateSeconds != nil {
		return e.latencyClamp.Clamp(*req.LatencyEstimateSeconds), false
	}
	hour, dow := predictor.NowFeatures(now)
	seconds, err := e.latencyPredictor.PredictLatencySeconds(ctx, predictor.LatencyFeatures{HourOfDay: hour, DayOfWeek: dow})
	if err != nil {
		heuristic := predictor.NewHeuristicLatencyPredictor()
		fallback, _ := heuristic.PredictLatencySeconds(ctx, predictor.LatencyFeatures{})
		return e.latencyClamp.Clamp(fallback), true
	}
	_, isHeuristic := e.latencyPredictor.(*predictor.HeuristicLatencyPredictor)
	return e.latencyClamp.Clamp(seconds), isHeuristic
}

func (e *Engine) recentBreakerEvents(ctx context.Context, universalID contracts.UniversalID, now time.Time) ([]contracts.ContextSignal, error) {
	oldestWindow := time.Duration(0)
	permanent := false
	for _, w := range e.cfg.CircuitBreakerWindows {
		if w == contracts.PermanentSuppression {
			permanent = true
			continue
		}
		if w > oldestWindow {
			oldestWindow = w
		}
	}
	since := now.Add(-oldestWindow)
	if permanent {
		since = time.Time{}
	}
	signals, err := e.events.RecentContextSignals(ctx, universalID, contracts.CircuitBreakerEventTypes, since)
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "context signal read failed", err)
	}
	return signals, nil
}

func (e *Engine) recentHotPathSignals(ctx context.Context, universalID contracts.UniversalID, now time.Time) ([]contracts.ContextSignal, error) {
	since := now.Add(-time.Duration(e.cfg.HotPathWindowMinutes) * time.Minute)
	signals, err := e.events.RecentContextSignals(ctx, universalID, e.cfg.HotPathEventTypes, since)
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "context signal read failed", err)
	}
	return signals, nil
}

// activeSuppression implements spec §4.5 step 4. Returns nil if no breaker
// is active.
func (e *Engine) activeSuppression(universalID contracts.UniversalID, breakerEvents []contracts.ContextSignal, baseConfidence float64, now time.Time) *contracts.TimingDecision {
	var latest *contracts.ContextSignal
	latestPermanent := false
	for i := range breakerEvents {
		ev := breakerEvents[i]
		window, ok := e.cfg.CircuitBreakerWindows[ev.EventType]
		if !ok {
			continue
		}
		if window != contracts.PermanentSuppression && now.Sub(ev.Timestamp) > window {
			continue
		}
		if latest == nil || ev.Timestamp.After(latest.Timestamp) {
			latest = &ev
			latestPermanent = window == contracts.PermanentSuppression
		}
	}
	if latest == nil {
		return nil
	}
	if latestPermanent {
		// No SuppressionUntil: this breaker never lapses, so there is no
		// future instant to report.
		return e.suppressedDecision(universalID, string(latest.EventType), latest.Timestamp, nil, now, baseConfidence, grid.DatetimeToSlot(latest.Timestamp), nil)
	}
	window := e.cfg.CircuitBreakerWindows[latest.EventType]
	suppressionUntil := latest.Timestamp.Add(window)
	return e.suppressedDecision(universalID, string(latest.EventType), suppressionUntil, &suppressionUntil, now, baseConfidence, grid.DatetimeToSlot(suppressionUntil), nil)
}

func (e *Engine) suppressedDecision(universalID contracts.UniversalID, reason string, triggerAt time.Time, until *time.Time, now time.Time, confidence float64, targetSlot int, applied []contracts.AppliedWeight) *contracts.TimingDecision {
	ref, err := newExplanationRef()
	if err != nil {
		ref = reason
	}
	return &contracts.TimingDecision{
		DecisionID:          ref,
		UniversalID:         universalID,
		TargetMinute:        targetSlot,
		TriggerTimestampUTC: triggerAt,
		ConfidenceScore:     confidence,
		ModelVersion:        modelVersionString(true),
		BaseCurvePeakMinute: targetSlot,
		AppliedWeights:      applied,
		Suppressed:          true,
		SuppressionReason:   reason,
		SuppressionUntil:    until,
		ExplanationRef:      ref,
		CreatedAt:           now,
	}
}

// accelerationWeights implements spec §4.5 step 5: applies the signal
// weight predictor to each recent hot-path event, uniformly across the
// 60-minute neighborhood immediately following now.
func (e *Engine) accelerationWeights(ctx context.Context, hotPathSignals []contracts.ContextSignal, now time.Time) ([]curve.Weight, []contracts.AppliedWeight, error) {
	if len(hotPathSignals) == 0 {
		return nil, nil, nil
	}
	nowSlot := grid.DatetimeToSlot(now)
	endSlot := grid.Mod(nowSlot + hotPathNeighborhoodMinutes)
	slots := grid.WindowSlots(nowSlot, endSlot)

	var weights []curve.Weight
	var applied []contracts.AppliedWeight
	for _, sig := range hotPathSignals {
		minutesAgo := now.Sub(sig.Timestamp).Minutes()
		magnitude, err := e.weightPredictor.PredictSignalWeight(ctx, string(sig.EventType), minutesAgo)
		if err != nil {
			continue
		}
		if magnitude < 0 {
			magnitude = 0
		}
		weights = append(weights, curve.Weight{Slots: slots, Magnitude: magnitude})
		applied = append(applied, contracts.AppliedWeight{
			Signal:     string(sig.EventType),
			Magnitude:  magnitude,
			MinutesAgo: minutesAgo,
		})
	}
	return weights, applied, nil
}

// resolveWindow converts an optional [send_after, send_before] UTC window
// into a slot window, taking the earliest viable week's footprint (spec
// §4.5 step 6, edge case "window entirely in the past").
func (e *Engine) resolveWindow(req contracts.DecisionRequest, now time.Time) (*int, *int, error) {
	if req.SendAfter == nil && req.SendBefore == nil {
		return nil, nil, nil
	}
	after := now
	if req.SendAfter != nil {
		after = req.SendAfter.UTC()
	}
	if req.SendBefore == nil {
		// No upper bound: any time from send_after onward is viable. Step 8's
		// NextOccurrenceAfter(targetSlot, earliest) already enforces the
		// send_after floor on the trigger, so leave the slot window itself
		// unconstrained rather than deriving a bogus window from
		// DatetimeToSlot(after), which collapses to a single slot since the
		// grid is a function of weekday/hour/minute only.
		return nil, nil, nil
	}
	before := req.SendBefore.UTC()
	if before.Before(now) {
		return nil, nil, contracts.NewError(contracts.KindWindowExpired, "send_before is in the past", nil)
	}
	if before.Before(after) {
		return nil, nil, contracts.NewError(contracts.KindInvalidInput, "send_before precedes send_after", nil)
	}
	startSlot := grid.DatetimeToSlot(after)
	endSlot := grid.DatetimeToSlot(before)
	return &startSlot, &endSlot, nil
}

// newExplanationRef generates an opaque reference linking a decision to its
// persisted explanation row.
func newExplanationRef() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "exp_" + hex.EncodeToString(buf), nil
}
