// Package config loads the timing engine's runtime configuration from a
// YAML file with environment variable overrides, and translates it into
// the per-package Config structs consumed by pkg/identity, pkg/features,
// pkg/timing, pkg/predictor and pkg/retry.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/features"
	"github.com/donutboyband/SendFlowr/pkg/identity"
	"github.com/donutboyband/SendFlowr/pkg/predictor"
	"github.com/donutboyband/SendFlowr/pkg/retry"
	"github.com/donutboyband/SendFlowr/pkg/timing"
)

// Config is the full configuration surface for a sendflowr process.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Features      FeaturesConfig      `yaml:"features"`
	Timing        TimingConfig        `yaml:"timing"`
	Identity      IdentityConfig      `yaml:"identity"`
	Predictor     PredictorConfig     `yaml:"predictor"`
	Retry         RetryConfig         `yaml:"retry"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig controls the decision API's HTTP listener.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

// StoreConfig selects and configures the backing stores.
type StoreConfig struct {
	Driver       string `yaml:"driver"` // "memory" | "postgres" | "sqlite"
	DSN          string `yaml:"dsn"`
	RedisAddr    string `yaml:"redis_addr"`
	CacheMaxAgeS int    `yaml:"cache_max_age_seconds"`
}

// FeaturesConfig mirrors features.Config in wire-friendly form.
type FeaturesConfig struct {
	SmoothingSigmaMinutes float64 `yaml:"smoothing_sigma_minutes"`
	LaplaceAlpha          float64 `yaml:"laplace_alpha"`
	LookbackDays          int     `yaml:"lookback_days"`
	PrimaryEventType      string  `yaml:"primary_event_type"`
	CacheMaxAgeSeconds    int     `yaml:"cache_max_age_seconds"`
}

// TimingConfig mirrors timing.Config in wire-friendly form.
type TimingConfig struct {
	HotPathEventTypes      []string           `yaml:"hot_path_event_types"`
	HotPathWindowMinutes   float64            `yaml:"hot_path_window_minutes"`
	CircuitBreakerWindowsH map[string]float64 `yaml:"circuit_breaker_windows"`
}

// IdentityConfig mirrors identity.Config in wire-friendly form.
type IdentityConfig struct {
	ProbabilisticWeights map[string]float64 `yaml:"probabilistic_weights"`
	BFSDepth             int                `yaml:"bfs_depth"`
	BFSBudget            int                `yaml:"bfs_budget"`
	PhoneDefaultRegion   string             `yaml:"phone_default_region"`
	DisableSynthesis     bool               `yaml:"disable_synthesis"`
}

// PredictorConfig controls the latency/signal-weight predictor ports.
type PredictorConfig struct {
	DefaultLatencySeconds  float64 `yaml:"default_latency_seconds"`
	LatencyClampMin        float64 `yaml:"latency_clamp_min_seconds"`
	LatencyClampMax        float64 `yaml:"latency_clamp_max_seconds"`
	LatencyServiceURL      string  `yaml:"latency_service_url"`
	SignalWeightServiceURL string  `yaml:"signal_weight_service_url"`
}

// RetryConfig mirrors retry.Policy in wire-friendly form.
type RetryConfig struct {
	BaseMs      int64 `yaml:"base_ms"`
	MaxMs       int64 `yaml:"max_ms"`
	MaxJitterMs int64 `yaml:"max_jitter_ms"`
	MaxAttempts int   `yaml:"max_attempts"`
}

// IngestionConfig controls the event ingestion pipeline.
type IngestionConfig struct {
	NATSURL      string             `yaml:"nats_url"`
	StreamName   string             `yaml:"stream_name"`
	ConsumerName string             `yaml:"consumer_name"`
	DLQSubject   string             `yaml:"dlq_subject"`
	WorkerCount  int                `yaml:"worker_count"`
	BotDetection BotDetectionConfig `yaml:"bot_detection"`
}

// BotDetectionConfig controls the ingestion pipeline's bot-flagging rules.
type BotDetectionConfig struct {
	InstantOpenThresholdSeconds float64  `yaml:"instant_open_threshold_seconds"`
	ScannerCIDRs                []string `yaml:"scanner_cidrs"`
}

// InstantOpenThreshold converts the configured threshold to a time.Duration.
func (b BotDetectionConfig) InstantOpenThreshold() time.Duration {
	return time.Duration(b.InstantOpenThresholdSeconds * float64(time.Second))
}

// ObservabilityConfig mirrors observability.Config in wire-friendly form.
type ObservabilityConfig struct {
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Enabled      bool    `yaml:"enabled"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the built-in configuration, matching each sub-package's
// own DefaultConfig().
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", LogLevel: "INFO"},
		Store: StoreConfig{
			Driver:       "memory",
			DSN:          "postgres://sendflowr@localhost:5432/sendflowr?sslmode=disable",
			RedisAddr:    "localhost:6379",
			CacheMaxAgeS: 3600,
		},
		Features: FeaturesConfig{
			SmoothingSigmaMinutes: 30,
			LaplaceAlpha:          1.0,
			LookbackDays:          90,
			PrimaryEventType:      string(contracts.EventClicked),
			CacheMaxAgeSeconds:    3600,
		},
		Timing: TimingConfig{
			HotPathEventTypes:    eventTypesToStrings(contracts.HotPathEventTypes),
			HotPathWindowMinutes: 30,
			CircuitBreakerWindowsH: map[string]float64{
				string(contracts.EventSupportTicket):      48,
				string(contracts.EventComplained):         48,
				string(contracts.EventUnsubscribeRequest): 168,
				string(contracts.EventSpamReport):         -1, // negative: permanent
			},
		},
		Identity: IdentityConfig{
			ProbabilisticWeights: weightsToStrings(contracts.DefaultWeights),
			BFSDepth:             3,
			BFSBudget:            128,
			PhoneDefaultRegion:   "1",
		},
		Predictor: PredictorConfig{
			DefaultLatencySeconds: 120,
			LatencyClampMin:       1,
			LatencyClampMax:       3600,
		},
		Retry: RetryConfig{BaseMs: 200, MaxMs: 30000, MaxJitterMs: 250, MaxAttempts: 5},
		Ingestion: IngestionConfig{
			NATSURL:      "nats://localhost:4222",
			StreamName:   "ENGAGEMENT_EVENTS",
			ConsumerName: "sendflowr-ingest",
			DLQSubject:   "engagement.events.dlq",
			WorkerCount:  4,
			BotDetection: BotDetectionConfig{
				InstantOpenThresholdSeconds: 2.0,
				ScannerCIDRs:                []string{"17.0.0.0/8", "66.102.0.0/16", "66.249.0.0/16"},
			},
		},
		Observability: ObservabilityConfig{
			ServiceName:  "sendflowr",
			Environment:  "development",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Enabled:      true,
		},
	}
}

// Load reads a YAML config file at path (skipped if empty or missing), then
// applies environment variable overrides (SENDFLOWR_<SECTION>_<FIELD>), on
// top of Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENDFLOWR_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SENDFLOWR_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SENDFLOWR_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("SENDFLOWR_STORE_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("SENDFLOWR_INGESTION_NATS_URL"); v != "" {
		cfg.Ingestion.NATSURL = v
	}
	if v := os.Getenv("SENDFLOWR_PREDICTOR_LATENCY_SERVICE_URL"); v != "" {
		cfg.Predictor.LatencyServiceURL = v
	}
	if v := os.Getenv("SENDFLOWR_OBSERVABILITY_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
	if v := os.Getenv("SENDFLOWR_OBSERVABILITY_ENABLED"); v != "" {
		cfg.Observability.Enabled = v == "true"
	}
}

// IdentityResolverConfig translates the wire config into identity.Config.
func (c *Config) IdentityResolverConfig() identity.Config {
	weights := make(map[contracts.IdentifierType]float64, len(c.Identity.ProbabilisticWeights))
	for k, v := range c.Identity.ProbabilisticWeights {
		weights[contracts.IdentifierType(k)] = v
	}
	if len(weights) == 0 {
		weights = contracts.DefaultWeights
	}
	return identity.Config{
		ProbabilisticWeights: weights,
		BFSDepth:             c.Identity.BFSDepth,
		BFSBudget:            c.Identity.BFSBudget,
		PhoneDefaultRegion:   c.Identity.PhoneDefaultRegion,
		DisableSynthesis:     c.Identity.DisableSynthesis,
	}
}

// FeaturesEngineConfig translates the wire config into features.Config.
func (c *Config) FeaturesEngineConfig() features.Config {
	return features.Config{
		SmoothingSigmaMinutes: c.Features.SmoothingSigmaMinutes,
		LaplaceAlpha:          c.Features.LaplaceAlpha,
		LookbackDays:          c.Features.LookbackDays,
		PrimaryEventType:      contracts.EventType(c.Features.PrimaryEventType),
		CacheMaxAge:           time.Duration(c.Features.CacheMaxAgeSeconds) * time.Second,
	}
}

// TimingEngineConfig translates the wire config into timing.Config.
func (c *Config) TimingEngineConfig() timing.Config {
	hotPath := make([]contracts.EventType, 0, len(c.Timing.HotPathEventTypes))
	for _, t := range c.Timing.HotPathEventTypes {
		hotPath = append(hotPath, contracts.EventType(t))
	}
	windows := make(map[contracts.EventType]time.Duration, len(c.Timing.CircuitBreakerWindowsH))
	for k, hours := range c.Timing.CircuitBreakerWindowsH {
		if hours < 0 {
			windows[contracts.EventType(k)] = contracts.PermanentSuppression
			continue
		}
		windows[contracts.EventType(k)] = time.Duration(hours * float64(time.Hour))
	}
	return timing.Config{
		HotPathEventTypes:     hotPath,
		HotPathWindowMinutes:  c.Timing.HotPathWindowMinutes,
		CircuitBreakerWindows: windows,
	}
}

// LatencyClamp translates the wire config into predictor.LatencyClamp.
func (c *Config) LatencyClamp() predictor.LatencyClamp {
	return predictor.LatencyClamp{
		MinSeconds: c.Predictor.LatencyClampMin,
		MaxSeconds: c.Predictor.LatencyClampMax,
	}
}

// RetryPolicy translates the wire config into retry.Policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseMs:      c.Retry.BaseMs,
		MaxMs:       c.Retry.MaxMs,
		MaxJitterMs: c.Retry.MaxJitterMs,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

func eventTypesToStrings(types []contracts.EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func weightsToStrings(weights map[contracts.IdentifierType]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for k, v := range weights {
		out[string(k)] = v
	}
	return out
}

// ParseDuration is a small helper used by YAML-adjacent CLI flags that
// accept either a Go duration string ("48h") or a bare integer of hours.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	hours, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}
