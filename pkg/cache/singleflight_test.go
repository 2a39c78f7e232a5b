package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/curve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFlightCache_CoalescesConcurrentRecomputes(t *testing.T) {
	backend := NewMemoryBackend()
	sf := NewSingleFlightCache(backend, time.Minute)

	var calls int32
	recompute := func(_ context.Context, _ contracts.UniversalID) (*FeatureSnapshot, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return &FeatureSnapshot{Curve: curve.Uniform(), Confidence: 0}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sf.GetOrRecompute(context.Background(), "sf_abc", recompute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent recomputes for the same universal id must be deduplicated")
}

func TestSingleFlightCache_ServesFreshFromCache(t *testing.T) {
	backend := NewMemoryBackend()
	sf := NewSingleFlightCache(backend, time.Minute)

	var calls int32
	recompute := func(_ context.Context, _ contracts.UniversalID) (*FeatureSnapshot, error) {
		atomic.AddInt32(&calls, 1)
		return &FeatureSnapshot{Curve: curve.Uniform()}, nil
	}

	_, err := sf.GetOrRecompute(context.Background(), "sf_abc", recompute)
	require.NoError(t, err)
	_, err = sf.GetOrRecompute(context.Background(), "sf_abc", recompute)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a fresh cache entry must not trigger recompute")
}

func TestSingleFlightCache_RecomputesWhenStale(t *testing.T) {
	backend := NewMemoryBackend()
	sf := NewSingleFlightCache(backend, time.Millisecond)

	var calls int32
	recompute := func(_ context.Context, _ contracts.UniversalID) (*FeatureSnapshot, error) {
		atomic.AddInt32(&calls, 1)
		return &FeatureSnapshot{Curve: curve.Uniform()}, nil
	}

	_, err := sf.GetOrRecompute(context.Background(), "sf_abc", recompute)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = sf.GetOrRecompute(context.Background(), "sf_abc", recompute)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
