package timing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donutboyband/SendFlowr/pkg/cache"
	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/features"
	"github.com/donutboyband/SendFlowr/pkg/grid"
	"github.com/donutboyband/SendFlowr/pkg/store"
)

func newTestEngine(t *testing.T, s *store.MemoryStore, now time.Time) *Engine {
	t.Helper()
	fe := features.New(s, cache.NewMemoryBackend(), features.DefaultConfig()).WithClock(func() time.Time { return now })
	return New(fe, s, s, nil, nil, DefaultConfig()).WithClock(func() time.Time { return now })
}

func TestTimingEngine_FreshUserNoConstraints(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC) // a Monday
	e := newTestEngine(t, s, now)

	d, err := e.Decide(context.Background(), "sf_fresh", contracts.DecisionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, d.TargetMinute)
	assert.Equal(t, 120.0, d.LatencyEstimateSeconds)
	assert.Equal(t, 0.0, d.ConfidenceScore)
	assert.False(t, d.Suppressed)

	expectedTargetInstant := grid.NextOccurrenceAfter(0, now)
	expectedTrigger := expectedTargetInstant.Add(-120 * time.Second)
	assert.WithinDuration(t, expectedTrigger, d.TriggerTimestampUTC, time.Second)
}

func TestTimingEngine_LatencyCompensatedPeakPick(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 3, 6, 0, 0, 0, time.UTC) // Monday before the target window

	weekStart := grid.WeekStart(now)
	clickTime := grid.SlotToDatetime(540, weekStart) // Monday 09:00 UTC
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
			EventID:     clickTime.Add(time.Duration(i) * time.Millisecond).Format(time.RFC3339Nano),
			ESP:         "klaviyo",
			UniversalID: "sf_peak",
			Timestamp:   clickTime,
			Type:        contracts.EventClicked,
			CampaignID:  "camp_peak",
		}))
	}

	e := newTestEngine(t, s, now)

	nextMonday8am := grid.SlotToDatetime(480, weekStart)
	nextMonday10am := grid.SlotToDatetime(600, weekStart)
	latency := 300.0

	d, err := e.Decide(context.Background(), "sf_peak", contracts.DecisionRequest{
		SendAfter:              &nextMonday8am,
		SendBefore:             &nextMonday10am,
		LatencyEstimateSeconds: &latency,
	})
	require.NoError(t, err)
	assert.Equal(t, 540, d.TargetMinute)
	expectedTrigger := nextMonday10am.Add(-65 * time.Minute) // 08:55
	assert.WithinDuration(t, expectedTrigger, d.TriggerTimestampUTC, time.Second)
	assert.Greater(t, d.ConfidenceScore, 0.3)
}

func TestTimingEngine_SendAfterOnlyDoesNotCollapseWindowToSingleSlot(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 3, 6, 0, 0, 0, time.UTC) // Monday before the target window

	weekStart := grid.WeekStart(now)
	clickTime := grid.SlotToDatetime(540, weekStart) // Monday 09:00 UTC
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
			EventID:     clickTime.Add(time.Duration(i) * time.Millisecond).Format(time.RFC3339Nano),
			ESP:         "klaviyo",
			UniversalID: "sf_after_only",
			Timestamp:   clickTime,
			Type:        contracts.EventClicked,
			CampaignID:  "camp_after_only",
		}))
	}

	e := newTestEngine(t, s, now)

	nextMonday8am := grid.SlotToDatetime(480, weekStart) // an hour before the peak, no send_before given

	d, err := e.Decide(context.Background(), "sf_after_only", contracts.DecisionRequest{
		SendAfter: &nextMonday8am,
	})
	require.NoError(t, err)
	assert.Equal(t, 540, d.TargetMinute, "the peak slot must still win; a send_after-only window must not collapse to send_after's own slot")
}

func TestTimingEngine_CircuitBreakerSuppresses(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	ticketTime := now.Add(-1 * time.Hour)

	require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
		EventID:     "ticket_1",
		ESP:         "klaviyo",
		UniversalID: "sf_breaker",
		Timestamp:   ticketTime,
		Type:        contracts.EventSupportTicket,
		CampaignID:  "camp_support",
	}))

	e := newTestEngine(t, s, now)
	d, err := e.Decide(context.Background(), "sf_breaker", contracts.DecisionRequest{})
	require.NoError(t, err)
	assert.True(t, d.Suppressed)
	assert.Equal(t, "support_ticket", d.SuppressionReason)
	require.NotNil(t, d.SuppressionUntil)
	assert.WithinDuration(t, ticketTime.Add(48*time.Hour), *d.SuppressionUntil, time.Second)
	assert.WithinDuration(t, ticketTime.Add(48*time.Hour), d.TriggerTimestampUTC, time.Second)
}

func TestTimingEngine_SpamReportSuppressesPermanently(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	reportTime := now.Add(-365 * 24 * time.Hour) // a year ago, far past every finite breaker window

	require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
		EventID:     "spam_1",
		ESP:         "klaviyo",
		UniversalID: "sf_spam",
		Timestamp:   reportTime,
		Type:        contracts.EventSpamReport,
		CampaignID:  "camp_spam",
	}))

	e := newTestEngine(t, s, now)
	d, err := e.Decide(context.Background(), "sf_spam", contracts.DecisionRequest{})
	require.NoError(t, err)
	assert.True(t, d.Suppressed)
	assert.Equal(t, "spam_report", d.SuppressionReason)
	assert.Nil(t, d.SuppressionUntil, "a spam report must suppress forever, with no expiry to report")
}

func TestTimingEngine_HotPathAccelerationAppliesWeight(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 3, 6, 0, 0, 0, time.UTC)
	weekStart := grid.WeekStart(now)
	clickTime := grid.SlotToDatetime(540, weekStart)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
			EventID:     clickTime.Add(time.Duration(i) * time.Millisecond).Format(time.RFC3339Nano),
			ESP:         "klaviyo",
			UniversalID: "sf_hotpath",
			Timestamp:   clickTime,
			Type:        contracts.EventClicked,
			CampaignID:  "camp_hotpath",
		}))
	}
	require.NoError(t, s.Insert(context.Background(), contracts.EngagementEvent{
		EventID:     "visit_1",
		ESP:         "klaviyo",
		UniversalID: "sf_hotpath",
		Timestamp:   now.Add(-5 * time.Minute),
		Type:        contracts.EventSiteVisit,
		CampaignID:  "camp_hotpath",
	}))

	e := newTestEngine(t, s, now)
	d, err := e.Decide(context.Background(), "sf_hotpath", contracts.DecisionRequest{})
	require.NoError(t, err)
	require.Len(t, d.AppliedWeights, 1)
	assert.Equal(t, "site_visit", d.AppliedWeights[0].Signal)
	assert.InDelta(t, 1.43, d.AppliedWeights[0].Magnitude, 0.05)
	assert.InDelta(t, 5.0, d.AppliedWeights[0].MinutesAgo, 0.01)
}

func TestTimingEngine_TargetInPastAdvancesToNextOccurrence(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 3, 23, 0, 0, 0, time.UTC) // Monday 23:00 UTC
	e := newTestEngine(t, s, now)

	d, err := e.Decide(context.Background(), "sf_late", contracts.DecisionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, d.TargetMinute)
	assert.True(t, d.TriggerTimestampUTC.After(now) || d.TriggerTimestampUTC.Equal(now))
}
