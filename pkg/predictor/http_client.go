package predictor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// HTTPClient wraps http.Client with the resilience pattern the rest of the
// module's gateways use: W3C trace-context injection, a client-side rate
// limit that shapes outbound call (and retry) volume, bounded retries with
// exponential backoff and jitter, and a circuit breaker that opens after
// repeated failures so a degraded model service fails fast instead of
// stalling the decision engine's 200ms/1s deadlines.
type HTTPClient struct {
	client     *http.Client
	baseURL    string
	maxRetries int
	breaker    *circuitBreaker
	limiter    *rate.Limiter
}

// NewHTTPClient constructs a resilient client against a model service at
// baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		client:     &http.Client{Timeout: 2 * time.Second},
		baseURL:    baseURL,
		maxRetries: 2,
		breaker:    newCircuitBreaker("latency-predictor", 5, 10*time.Second),
		limiter:    rate.NewLimiter(rate.Limit(50), 10),
	}
}

type latencyRequest struct {
	ESP              string `json:"esp,omitempty"`
	HourOfDay        int    `json:"hour_of_day"`
	DayOfWeek        int    `json:"day_of_week"`
	CampaignClass    string `json:"campaign_class,omitempty"`
	PayloadSizeBytes *int64 `json:"payload_size_bytes,omitempty"`
	QueueDepth       *int64 `json:"queue_depth_estimate,omitempty"`
}

type latencyResponse struct {
	LatencySeconds float64 `json:"latency_seconds"`
}

// PredictLatencySeconds implements LatencyPredictor against a remote model
// service. On any transport, circuit, or decode failure it returns an
// error classified PredictorUnavailable by the caller (spec §7); callers
// fall back to HeuristicLatencyPredictor rather than fail the decision.
func (c *HTTPClient) PredictLatencySeconds(ctx context.Context, features LatencyFeatures) (float64, error) {
	body, err := json.Marshal(latencyRequest{
		ESP:              features.ESP,
		HourOfDay:        features.HourOfDay,
		DayOfWeek:        features.DayOfWeek,
		CampaignClass:    features.CampaignClass,
		PayloadSizeBytes: features.PayloadSizeBytes,
		QueueDepth:       features.QueueDepth,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predict/latency", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var out latencyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, err
	}
	return out.LatencySeconds, nil
}

// do executes req with trace injection, rate limiting, circuit breaking,
// and bounded exponential-backoff-with-jitter retries.
func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	propagation.TraceContext{}.Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", c.breaker.name)
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if attempt == c.maxRetries {
			break
		}
		time.Sleep(backoffWithJitter(attempt))
	}
	c.breaker.Failure()
	if err != nil {
		return nil, err
	}
	return resp, fmt.Errorf("model service returned status %d", resp.StatusCode)
}

func backoffWithJitter(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * 50 * time.Millisecond
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(25)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	return base + jitter
}

// circuitBreaker is a simple closed/open/half-open state machine guarding
// the model-service client from retrying into a known-down dependency.
type circuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

func newCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{name: name, threshold: threshold, resetTimeout: resetTimeout, state: "CLOSED"}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
