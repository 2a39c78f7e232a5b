package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesSubPackageDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30.0, cfg.Features.SmoothingSigmaMinutes)
	assert.Equal(t, 3, cfg.Identity.BFSDepth)
	assert.Equal(t, 30.0, cfg.Timing.HotPathWindowMinutes)
	assert.Equal(t, int64(200), cfg.Retry.BaseMs)
}

func TestLoad_AppliesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sendflowr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
features:
  smoothing_sigma_minutes: 45
  lookback_days: 30
identity:
  bfs_depth: 5
  phone_default_region: "44"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45.0, cfg.Features.SmoothingSigmaMinutes)
	assert.Equal(t, 30, cfg.Features.LookbackDays)
	assert.Equal(t, 5, cfg.Identity.BFSDepth)
	assert.Equal(t, "44", cfg.Identity.PhoneDefaultRegion)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Features, cfg.Features)
}

func TestLoad_EnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sendflowr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\n"), 0o644))
	t.Setenv("SENDFLOWR_STORE_DRIVER", "postgres")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestConfig_TranslatesToSubPackageConfigs(t *testing.T) {
	cfg := Default()

	ic := cfg.IdentityResolverConfig()
	assert.Equal(t, 3, ic.BFSDepth)
	assert.NotEmpty(t, ic.ProbabilisticWeights)

	fc := cfg.FeaturesEngineConfig()
	assert.Equal(t, 90, fc.LookbackDays)

	tc := cfg.TimingEngineConfig()
	assert.NotEmpty(t, tc.HotPathEventTypes)
	assert.NotEmpty(t, tc.CircuitBreakerWindows)

	clamp := cfg.LatencyClamp()
	assert.Equal(t, 1.0, clamp.MinSeconds)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
}

func TestParseDuration_AcceptsGoDurationAndBareHours(t *testing.T) {
	d, err := ParseDuration("48h")
	require.NoError(t, err)
	assert.Equal(t, float64(48), d.Hours())

	d, err = ParseDuration("72")
	require.NoError(t, err)
	assert.Equal(t, float64(72), d.Hours())

	_, err = ParseDuration("not-a-duration")
	assert.Error(t, err)
}
