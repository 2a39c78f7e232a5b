package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/identity"
	"github.com/donutboyband/SendFlowr/pkg/store"
)

type sliceSource struct {
	payloads [][]byte
	i        int
}

func (s *sliceSource) Next(_ context.Context) ([]byte, bool, error) {
	if s.i >= len(s.payloads) {
		return nil, false, nil
	}
	p := s.payloads[s.i]
	s.i++
	return p, true, nil
}

func TestBackfillRunner_ProcessesAllMessagesIdempotently(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	resolver := identity.New(s, identity.DefaultConfig()).WithClock(func() time.Time { return now })
	p := New(resolver, s, nil, DefaultConfig()).WithClock(func() time.Time { return now })
	runner := NewBackfillRunner(p)

	payload := rawPayload{
		EventID:    "evt_backfill",
		EventType:  "clicked",
		Timestamp:  now.Format(time.RFC3339),
		ESP:        "klaviyo",
		CampaignID: "camp_backfill",
	}
	payload.Identifiers.Email = "backfill@example.com"
	raw := mustMarshal(t, payload)

	// same message appears twice, as a re-run of an overlapping backfill
	// window would produce.
	src := &sliceSource{payloads: [][]byte{raw, raw}}
	stats, err := runner.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted) // Process reports success both times...

	res, err := identity.New(s, identity.DefaultConfig()).Resolve(context.Background(), contracts.RawIdentifiers{Email: "backfill@example.com"})
	require.NoError(t, err)
	count, err := s.CountByType(context.Background(), res.UniversalID, contracts.EventClicked, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count) // ...but the store's dedup view collapses them to one row.
}
