package store

import (
	"context"
	"testing"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_EdgeUpsertIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := contracts.Identifier{Type: contracts.IdentifierEmailHash, Value: "h1"}
	b := contracts.Identifier{Type: contracts.IdentifierKlaviyoID, Value: "k1"}
	now := time.Now().UTC()

	require.NoError(t, s.UpsertEdge(ctx, contracts.IdentityEdge{A: a, B: b, Weight: 0.8, Source: "x", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.UpsertEdge(ctx, contracts.IdentityEdge{A: b, B: a, Weight: 0.8, Source: "x", CreatedAt: now, UpdatedAt: now}))

	edges, err := s.EdgesFrom(ctx, a)
	require.NoError(t, err)
	assert.Len(t, edges, 1, "re-inserting the same unordered pair must not duplicate")
}

func TestMemoryStore_DedupOnEventIDCampaign(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ev := contracts.EngagementEvent{EventID: "e1", ESP: "klaviyo", CampaignID: "c1", UniversalID: "sf_x", Type: contracts.EventClicked, Timestamp: time.Now()}
	require.NoError(t, s.Insert(ctx, ev))
	require.NoError(t, s.Insert(ctx, ev))
	count, err := s.CountByType(ctx, "sf_x", contracts.EventClicked, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
