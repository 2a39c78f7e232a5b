package predictor

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicLatencyPredictor_ReturnsClampedDefault(t *testing.T) {
	p := NewHeuristicLatencyPredictor()
	seconds, err := p.PredictLatencySeconds(context.Background(), LatencyFeatures{})
	require.NoError(t, err)
	assert.Equal(t, 120.0, seconds)
}

func TestLatencyClamp_BoundsToRange(t *testing.T) {
	c := DefaultLatencyClamp()
	assert.Equal(t, 1.0, c.Clamp(-5))
	assert.Equal(t, 3600.0, c.Clamp(10000))
	assert.Equal(t, 300.0, c.Clamp(300))
}

func TestHeuristicSignalWeightPredictor_MatchesSpecFormula(t *testing.T) {
	p := NewHeuristicSignalWeightPredictor()
	w, err := p.PredictSignalWeight(context.Background(), "site_visit", 5)
	require.NoError(t, err)
	expected := 2.0 * math.Exp(-5.0/15.0)
	assert.InDelta(t, expected, w, 1e-9)
}

func TestHeuristicSignalWeightPredictor_NeverNegative(t *testing.T) {
	p := NewHeuristicSignalWeightPredictor()
	w, err := p.PredictSignalWeight(context.Background(), "site_visit", -10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, w, 0.0)
}

func TestHTTPClient_PredictLatencySeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(latencyResponse{LatencySeconds: 245})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	seconds, err := c.PredictLatencySeconds(context.Background(), LatencyFeatures{ESP: "klaviyo", HourOfDay: 9, DayOfWeek: 0})
	require.NoError(t, err)
	assert.Equal(t, 245.0, seconds)
}

func TestHTTPClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	c.maxRetries = 0
	for i := 0; i < 5; i++ {
		_, _ = c.PredictLatencySeconds(context.Background(), LatencyFeatures{})
	}

	_, err := c.PredictLatencySeconds(context.Background(), LatencyFeatures{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
}
