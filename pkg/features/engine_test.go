package features

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donutboyband/SendFlowr/pkg/cache"
	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/grid"
	"github.com/donutboyband/SendFlowr/pkg/store"
)

const testUID = contracts.UniversalID("sf_feature_test")

func insertClicks(t *testing.T, s *store.MemoryStore, uid contracts.UniversalID, slot int, n int, at time.Time) {
	t.Helper()
	weekStart := grid.WeekStart(at)
	ts := grid.SlotToDatetime(slot, weekStart)
	for i := 0; i < n; i++ {
		require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
			EventID:     uuid(i),
			ESP:         "klaviyo",
			UniversalID: uid,
			Timestamp:   ts,
			Type:        contracts.EventClicked,
			CampaignID:  "camp_1",
		}))
	}
}

func uuid(i int) string {
	return time.Unix(int64(i), 0).Format("eventid-20060102150405")
}

func TestFeatureEngine_ColdStartReturnsUniformCurveWithZeroConfidence(t *testing.T) {
	s := store.NewMemoryStore()
	backend := cache.NewMemoryBackend()
	e := New(s, backend, DefaultConfig())

	snap, err := e.Snapshot(context.Background(), testUID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.Confidence)
	assert.False(t, snap.Degraded)
	assert.InDelta(t, 1.0, snap.Curve.Sum(), 1e-9)
}

func TestFeatureEngine_ClicksPeakAtExpectedSlot(t *testing.T) {
	s := store.NewMemoryStore()
	backend := cache.NewMemoryBackend()
	e := New(s, backend, DefaultConfig())

	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	insertClicks(t, s, testUID, 540, 50, now)

	snap, err := e.WithClock(func() time.Time { return now }).Snapshot(context.Background(), testUID)
	require.NoError(t, err)
	assert.Equal(t, 540, snap.Curve.PeakInWindow(0, grid.SlotCount-1))
	assert.Greater(t, snap.Confidence, 0.3)
	assert.False(t, snap.Degraded)
	assert.Len(t, snap.PeakWindows, peakSummaryK)
	assert.Equal(t, 540, snap.PeakWindows[0].Slot)
}

func TestFeatureEngine_FallsBackToOpensWhenClicksSparse(t *testing.T) {
	s := store.NewMemoryStore()
	backend := cache.NewMemoryBackend()
	e := New(s, backend, DefaultConfig())

	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	weekStart := grid.WeekStart(now)
	ts := grid.SlotToDatetime(300, weekStart)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
			EventID:     uuid(1000 + i),
			ESP:         "klaviyo",
			UniversalID: testUID,
			Timestamp:   ts,
			Type:        contracts.EventOpened,
			CampaignID:  "camp_1",
		}))
	}

	snap, err := e.WithClock(func() time.Time { return now }).Snapshot(context.Background(), testUID)
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Equal(t, 300, snap.Curve.PeakInWindow(0, grid.SlotCount-1))
}

func TestFeatureEngine_RecencyCountersReflectWindow(t *testing.T) {
	s := store.NewMemoryStore()
	backend := cache.NewMemoryBackend()
	e := New(s, backend, DefaultConfig())

	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
		EventID:     "recent_click",
		ESP:         "klaviyo",
		UniversalID: testUID,
		Timestamp:   now.Add(-1 * time.Hour),
		Type:        contracts.EventClicked,
		CampaignID:  "camp_recent",
	}))
	require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
		EventID:     "old_click",
		ESP:         "klaviyo",
		UniversalID: testUID,
		Timestamp:   now.AddDate(0, 0, -20),
		Type:        contracts.EventClicked,
		CampaignID:  "camp_old",
	}))

	snap, err := e.WithClock(func() time.Time { return now }).Snapshot(context.Background(), testUID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Clicks1d)
	assert.Equal(t, 1, snap.Clicks7d)
	assert.Equal(t, 2, snap.Clicks30d)
}
