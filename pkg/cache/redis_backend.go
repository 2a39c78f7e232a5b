package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/curve"
)

// RedisBackend stores one JSON-encoded FeatureSnapshot per Universal ID
// under key "feature:{universal_id}", following the teacher repo's
// go-redis wiring pattern (pkg/kernel/limiter_redis.go).
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend constructs a backend against addr/password/db.
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

var _ Backend = (*RedisBackend)(nil)

func cacheKey(universalID contracts.UniversalID) string {
	return "feature:" + string(universalID)
}

// wireSnapshot is the JSON-serializable form of FeatureSnapshot. The curve
// is packed as a float32 array per spec §4.3 step 8 to keep the cached
// payload small.
type wireSnapshot struct {
	Curve         []float32              `json:"curve"`
	Suppressed    bool                   `json:"suppressed"`
	Confidence    float64                `json:"confidence"`
	Degraded      bool                   `json:"degraded"`
	PeakWindows   []contracts.PeakWindow `json:"peak_windows"`
	Opens1d       int                    `json:"opens_1d"`
	Opens7d       int                    `json:"opens_7d"`
	Opens30d      int                    `json:"opens_30d"`
	Clicks1d      int                    `json:"clicks_1d"`
	Clicks7d      int                    `json:"clicks_7d"`
	Clicks30d     int                    `json:"clicks_30d"`
	EarliestClick *time.Time             `json:"earliest_click,omitempty"`
	LatestClick   *time.Time             `json:"latest_click,omitempty"`
	EarliestOpen  *time.Time             `json:"earliest_open,omitempty"`
	LatestOpen    *time.Time             `json:"latest_open,omitempty"`
	ComputedAt    time.Time              `json:"computed_at"`
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, universalID contracts.UniversalID) (*FeatureSnapshot, bool, error) {
	raw, err := r.client.Get(ctx, cacheKey(universalID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("feature cache get: %w", err)
	}
	var w wireSnapshot
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, false, fmt.Errorf("feature cache unmarshal: %w", err)
	}
	return fromWire(w), true, nil
}

// Set implements Backend.
func (r *RedisBackend) Set(ctx context.Context, universalID contracts.UniversalID, snap *FeatureSnapshot, ttl time.Duration) error {
	raw, err := json.Marshal(toWire(snap))
	if err != nil {
		return fmt.Errorf("feature cache marshal: %w", err)
	}
	if err := r.client.Set(ctx, cacheKey(universalID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("feature cache set: %w", err)
	}
	return nil
}

func toWire(snap *FeatureSnapshot) wireSnapshot {
	w := wireSnapshot{
		Suppressed:    snap.Curve.Suppressed,
		Confidence:    snap.Confidence,
		Degraded:      snap.Degraded,
		PeakWindows:   snap.PeakWindows,
		Opens1d:       snap.Opens1d,
		Opens7d:       snap.Opens7d,
		Opens30d:      snap.Opens30d,
		Clicks1d:      snap.Clicks1d,
		Clicks7d:      snap.Clicks7d,
		Clicks30d:     snap.Clicks30d,
		EarliestClick: snap.EarliestClick,
		LatestClick:   snap.LatestClick,
		EarliestOpen:  snap.EarliestOpen,
		LatestOpen:    snap.LatestOpen,
		ComputedAt:    snap.ComputedAt,
	}
	if !snap.Curve.Suppressed {
		w.Curve = make([]float32, len(snap.Curve.Values))
		for i, v := range snap.Curve.Values {
			w.Curve[i] = float32(v)
		}
	}
	return w
}

func fromWire(w wireSnapshot) *FeatureSnapshot {
	snap := &FeatureSnapshot{
		Confidence:    w.Confidence,
		Degraded:      w.Degraded,
		PeakWindows:   w.PeakWindows,
		Opens1d:       w.Opens1d,
		Opens7d:       w.Opens7d,
		Opens30d:      w.Opens30d,
		Clicks1d:      w.Clicks1d,
		Clicks7d:      w.Clicks7d,
		Clicks30d:     w.Clicks30d,
		EarliestClick: w.EarliestClick,
		LatestClick:   w.LatestClick,
		EarliestOpen:  w.EarliestOpen,
		LatestOpen:    w.LatestOpen,
		ComputedAt:    w.ComputedAt,
	}
	snap.Curve = curveFromFloat32(w.Curve, w.Suppressed)
	return snap
}

func curveFromFloat32(packed []float32, suppressed bool) *curve.Curve {
	c := &curve.Curve{Suppressed: suppressed}
	for i, v := range packed {
		if i >= len(c.Values) {
			break
		}
		c.Values[i] = float64(v)
	}
	return c
}
