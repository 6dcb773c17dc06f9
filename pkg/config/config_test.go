package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/supervisor"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"ODYSSEY_LOG_LEVEL", "ODYSSEY_LOG_FORMAT", "ODYSSEY_OTLP_ENDPOINT", "ODYSSEY_TELEMETRY", "ODYSSEY_ARCHIVE_DSN"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.False(t, cfg.TelemetryEnabled)
	assert.Empty(t, cfg.ArchiveDSN)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("ODYSSEY_LOG_LEVEL", "DEBUG")
	t.Setenv("ODYSSEY_LOG_FORMAT", "json")
	t.Setenv("ODYSSEY_TELEMETRY", "true")
	t.Setenv("ODYSSEY_ARCHIVE_DSN", "file:odyssey.db")
	t.Setenv("ODYSSEY_REDIS_ADDR", "localhost:6379")
	t.Setenv("ODYSSEY_ATTEST_KEY", "secret")

	cfg := Load()
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Equal(t, "file:odyssey.db", cfg.ArchiveDSN)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "secret", cfg.AttestKey)
}

const scenarioYAML = `
seed: 42
steps: 12
window_size: 4
rules:
  k_of_n: 2
world_state:
  target_present: true
  target_bearing_deg: 90
links:
  - a: HYDRO_A
    b: RADAR_C
    rule: {up: false, drop_rate: 0.0, latency_ticks: 0, bandwidth_limit: 10}
clock:
  epoch: 2025-06-01T00:00:00Z
  interval_ms: 500
schedule:
  - at_tick: 8
    world_state: {target_present: false}
  - at_tick: 3
    world_state: {sea_state: 6}
`

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario([]byte(scenarioYAML))
	require.NoError(t, err)

	cfg := sc.SimConfig()
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 4, cfg.WindowSize)
	assert.Equal(t, 12, sc.Steps)

	require.NotNil(t, cfg.Rules)
	def := supervisor.DefaultRules()
	assert.Equal(t, 2, cfg.Rules.KOfN)
	assert.Equal(t, def.MaxBearingSpread, cfg.Rules.MaxBearingSpread, "unlisted rules keep defaults")

	require.NotNil(t, cfg.World)
	assert.True(t, cfg.World.TargetPresent)
	assert.Equal(t, 90.0, cfg.World.TargetBearingDeg)
	assert.Equal(t, sim.DefaultWorldState().TargetRangeKM, cfg.World.TargetRangeKM)

	require.Len(t, sc.Schedule, 2)
	assert.Equal(t, 3, sc.Schedule[0].AtTick, "schedule is sorted by tick")
	assert.Equal(t, 6, sc.Schedule[0].World.SeaState)
	assert.Len(t, sc.ChangesAt(8), 1)
	assert.Empty(t, sc.ChangesAt(5))

	clock := sc.SimClock()
	require.NotNil(t, clock)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 1, 0, time.UTC), clock.TickTime(2))

	s, err := sim.New(cfg, sim.WithClock(clock))
	require.NoError(t, err)
	assert.False(t, s.LinkStates()["HYDRO_A<->RADAR_C"].Up)
}

func TestParseScenario_Empty(t *testing.T) {
	sc, err := ParseScenario([]byte("steps: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultSeed, sc.SimConfig().Seed)
	assert.Nil(t, sc.SimClock())
}

func TestParseScenario_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "seeed: 1\n",
		"bad sea state":    "world_state: {sea_state: 12}\n",
		"negative steps":   "steps: -1\n",
		"unknown link":     "links: [{a: HYDRO_A, b: NOPE, rule: {up: true, bandwidth_limit: 1}}]\n",
		"bad rule type":    "rules: {k_of_n: many}\n",
		"schedule tick 0":  "schedule: [{at_tick: 0, world_state: {}}]\n",
		"bad health range": "rules: {health_threshold: 2}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidScenario)
		})
	}
}

func TestLoadScenario_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenarioYAML), 0o600))
	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, 12, sc.Steps)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseScenario_EmptyDocument(t *testing.T) {
	sc, err := ParseScenario(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sc.Steps)
}
