package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/store"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestResolver_FreshUserSynthesizesNewUniversalID(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, DefaultConfig()).WithClock(fixedClock(time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)))

	result, err := r.Resolve(context.Background(), contracts.RawIdentifiers{
		Email:     "new.customer@example.com",
		KlaviyoID: "kl_12345",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.UniversalID)
	assert.Equal(t, 1.0, result.Confidence)

	trail, err := s.AuditTrail(context.Background(), result.ResolutionID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, contracts.StepCreatedNewUniversalID, trail[0].Step)

	emailEntry, err := s.LookupResolved(context.Background(), contracts.Identifier{Type: contracts.IdentifierEmailHash, Value: HashEmail("new.customer@example.com")})
	require.NoError(t, err)
	require.NotNil(t, emailEntry)
	assert.Equal(t, result.UniversalID, emailEntry.UniversalID)

	klEntry, err := s.LookupResolved(context.Background(), contracts.Identifier{Type: contracts.IdentifierKlaviyoID, Value: "kl_12345"})
	require.NoError(t, err)
	require.NotNil(t, klEntry)
	assert.Equal(t, result.UniversalID, klEntry.UniversalID)
}

func TestResolver_RepeatResolutionIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, DefaultConfig()).WithClock(fixedClock(time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)))

	first, err := r.Resolve(context.Background(), contracts.RawIdentifiers{
		Email:     "repeat@example.com",
		KlaviyoID: "kl_99",
	})
	require.NoError(t, err)

	second, err := r.Resolve(context.Background(), contracts.RawIdentifiers{KlaviyoID: "kl_99"})
	require.NoError(t, err)

	assert.Equal(t, first.UniversalID, second.UniversalID)
}

func TestResolver_DeterministicLookupTakesPriorityOverProbabilistic(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, DefaultConfig()).WithClock(fixedClock(time.Now()))

	first, err := r.Resolve(context.Background(), contracts.RawIdentifiers{Email: "priority@example.com"})
	require.NoError(t, err)

	second, err := r.Resolve(context.Background(), contracts.RawIdentifiers{
		Email:     "priority@example.com",
		KlaviyoID: "kl_other_subject",
	})
	require.NoError(t, err)

	assert.Equal(t, first.UniversalID, second.UniversalID, "deterministic email hit must win even with an unrelated klaviyo id attached")
}

func TestResolver_ProbabilisticBFSFindsLinkedIdentifier(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, DefaultConfig()).WithClock(fixedClock(time.Now()))

	seed, err := r.Resolve(context.Background(), contracts.RawIdentifiers{ShopifyCustomerID: "shop_1"})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertEdge(context.Background(), contracts.IdentityEdge{
		A:         contracts.Identifier{Type: contracts.IdentifierShopifyCustomer, Value: "shop_1"},
		B:         contracts.Identifier{Type: contracts.IdentifierEspUser, Value: "esp_7"},
		Weight:    0.8,
		Source:    "link_edge",
		CreatedAt: now,
		UpdatedAt: now,
	}))

	result, err := r.Resolve(context.Background(), contracts.RawIdentifiers{EspUserID: "esp_7"})
	require.NoError(t, err)
	assert.Equal(t, seed.UniversalID, result.UniversalID)
	assert.LessOrEqual(t, result.Confidence, 0.8)
}

func TestResolver_BFSRespectsDepthLimit(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.BFSDepth = 1
	r := New(s, cfg).WithClock(fixedClock(time.Now()))

	seed, err := r.Resolve(context.Background(), contracts.RawIdentifiers{ShopifyCustomerID: "chain_0"})
	require.NoError(t, err)

	now := time.Now().UTC()
	chain := []string{"chain_0", "chain_1", "chain_2"}
	for i := 0; i < len(chain)-1; i++ {
		require.NoError(t, s.UpsertEdge(context.Background(), contracts.IdentityEdge{
			A:         contracts.Identifier{Type: contracts.IdentifierShopifyCustomer, Value: chain[i]},
			B:         contracts.Identifier{Type: contracts.IdentifierShopifyCustomer, Value: chain[i+1]},
			Weight:    0.9,
			Source:    "link_edge",
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	result, err := r.Resolve(context.Background(), contracts.RawIdentifiers{ShopifyCustomerID: "chain_2"})
	require.NoError(t, err)
	assert.NotEqual(t, seed.UniversalID, result.UniversalID, "two hops beyond BFSDepth=1 must not reach the seed's universal id")
}

func TestResolver_ConflictMergeKeepsOlderUniversalID(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, DefaultConfig()).WithClock(fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	older, err := r.Resolve(context.Background(), contracts.RawIdentifiers{Email: "older@example.com"})
	require.NoError(t, err)

	r2 := New(s, DefaultConfig()).WithClock(fixedClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	newer, err := r2.Resolve(context.Background(), contracts.RawIdentifiers{Email: "newer@example.com"})
	require.NoError(t, err)
	require.NotEqual(t, older.UniversalID, newer.UniversalID)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertEdge(context.Background(), contracts.IdentityEdge{
		A:         contracts.Identifier{Type: contracts.IdentifierEmailHash, Value: HashEmail("older@example.com")},
		B:         contracts.Identifier{Type: contracts.IdentifierShopifyCustomer, Value: "shop_shared"},
		Weight:    0.9,
		Source:    "link_edge",
		CreatedAt: now,
		UpdatedAt: now,
	}))
	require.NoError(t, s.UpsertEdge(context.Background(), contracts.IdentityEdge{
		A:         contracts.Identifier{Type: contracts.IdentifierEmailHash, Value: HashEmail("newer@example.com")},
		B:         contracts.Identifier{Type: contracts.IdentifierShopifyCustomer, Value: "shop_shared"},
		Weight:    0.9,
		Source:    "link_edge",
		CreatedAt: now,
		UpdatedAt: now,
	}))

	result, err := r.Resolve(context.Background(), contracts.RawIdentifiers{
		Email:             "older@example.com",
		ShopifyCustomerID: "shop_shared",
	})
	require.NoError(t, err)
	assert.Equal(t, older.UniversalID, result.UniversalID)
}

func TestResolver_ConflictMergeUsesCreationTimeNotClaimOrder(t *testing.T) {
	s := store.NewMemoryStore()

	// "newer" resolves via the deterministic email hit, so step 1 claims
	// it first. "older" resolves via a probabilistic BFS hop, so step 2
	// claims it second. A claim-order merge would wrongly keep "newer";
	// the actual creation timestamps say "older" came first and must win.
	older, err := New(s, DefaultConfig()).WithClock(fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))).
		Resolve(context.Background(), contracts.RawIdentifiers{ShopifyCustomerID: "shop_order_swap"})
	require.NoError(t, err)

	newer, err := New(s, DefaultConfig()).WithClock(fixedClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))).
		Resolve(context.Background(), contracts.RawIdentifiers{Email: "claim-order-newer@example.com"})
	require.NoError(t, err)
	require.NotEqual(t, older.UniversalID, newer.UniversalID)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertEdge(context.Background(), contracts.IdentityEdge{
		A:         contracts.Identifier{Type: contracts.IdentifierShopifyCustomer, Value: "shop_order_swap"},
		B:         contracts.Identifier{Type: contracts.IdentifierEspUser, Value: "esp_order_swap"},
		Weight:    0.9,
		Source:    "link_edge",
		CreatedAt: now,
		UpdatedAt: now,
	}))

	r := New(s, DefaultConfig()).WithClock(fixedClock(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)))
	result, err := r.Resolve(context.Background(), contracts.RawIdentifiers{
		Email:       "claim-order-newer@example.com", // deterministic, claimed in step 1
		EspUserID:   "esp_order_swap",                 // probabilistic, claimed in step 2, reaches the older id
	})
	require.NoError(t, err)
	assert.Equal(t, older.UniversalID, result.UniversalID, "older universal id must win even though the newer one was claimed first")
}

func TestResolver_EmptyIdentifiersIsInvalidInput(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, DefaultConfig())

	_, err := r.Resolve(context.Background(), contracts.RawIdentifiers{})
	require.Error(t, err)

	var sfErr *contracts.Error
	require.ErrorAs(t, err, &sfErr)
	assert.Equal(t, contracts.KindInvalidInput, sfErr.Kind)
}

func TestResolver_SynthesisDisabledReturnsIdentityUnresolved(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.DisableSynthesis = true
	r := New(s, cfg)

	_, err := r.Resolve(context.Background(), contracts.RawIdentifiers{KlaviyoID: "kl_unknown"})
	require.Error(t, err)

	var sfErr *contracts.Error
	require.ErrorAs(t, err, &sfErr)
	assert.Equal(t, contracts.KindIdentityUnresolved, sfErr.Kind)
}
