package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFileAndNoEnv(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HeartbeatAddr)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logLevel: debug
heartbeatAddr: ":7000"
tunables:
  stepDisplayPause: 2s
  maxConcurrentRuns: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, ":7000", cfg.HeartbeatAddr)
	require.Equal(t, 2*time.Second, cfg.Tunables.StepDisplayPause)
	require.Equal(t, 3, cfg.Tunables.MaxConcurrentRuns)
	// Untouched keys keep defaults.
	require.Equal(t, ":8080", cfg.APIAddr)
	require.Equal(t, time.Second, cfg.Tunables.StepDebounce)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeatAddr: \":7000\"\n"), 0o644))

	t.Setenv("CONECTL_HEARTBEAT_ADDR", ":7001")
	t.Setenv("CONECTL_GLOBAL_DEBOUNCE", "750ms")
	t.Setenv("CONECTL_SKEW_THRESHOLD_MS", "500")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7001", cfg.HeartbeatAddr)
	require.Equal(t, 750*time.Millisecond, cfg.Tunables.GlobalDebounce)
	require.InDelta(t, 500.0, cfg.SkewThresholdMS, 0.01)
}

func TestLoadInvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("CONECTL_TOUCH_QUEUE_DEPTH", "many")
	t.Setenv("CONECTL_READ_DEADLINE", "soonish")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 64, cfg.TouchQueueDepth)
	require.Equal(t, 45*time.Second, cfg.ReadDeadline)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeatAddr: [\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"empty heartbeat addr", func(c *AppConfig) { c.HeartbeatAddr = "" }},
		{"empty api addr", func(c *AppConfig) { c.APIAddr = "" }},
		{"empty db path", func(c *AppConfig) { c.DBPath = "" }},
		{"zero read deadline", func(c *AppConfig) { c.ReadDeadline = 0 }},
		{"zero touch queue", func(c *AppConfig) { c.TouchQueueDepth = 0 }},
		{"zero max runs", func(c *AppConfig) { c.Tunables.MaxConcurrentRuns = 0 }},
		{"negative debounce", func(c *AppConfig) { c.Tunables.GlobalDebounce = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestTunablesHolderSwap(t *testing.T) {
	h := NewTunablesHolder(DefaultTunables())
	require.Equal(t, 5, h.Current().MaxConcurrentRuns)

	next := DefaultTunables()
	next.MaxConcurrentRuns = 2
	h.Set(next)
	require.Equal(t, 2, h.Current().MaxConcurrentRuns)
}
