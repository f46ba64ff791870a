// Package config loads controller configuration with precedence
// ENV > file > defaults, mirroring the CONECTL_* environment surface in
// an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tunables are the empirically tuned timing constants of the session
// engine. They are hot-reloadable (see Watcher) so a coach can tighten
// animation pacing without restarting the controller.
type Tunables struct {
	// StepDisplayPause is the pause after commanding each chase step
	// while displaying a pattern. Clients auto-terminate a chase after
	// 3 s; the extra buffer absorbs network variance.
	StepDisplayPause time.Duration `yaml:"stepDisplayPause"`
	// SuccessChaseBuffer is the wait for client-side green chases to
	// finish after a successful pattern submission.
	SuccessChaseBuffer time.Duration `yaml:"successChaseBuffer"`
	// ErrorFeedbackDuration is the red-chase hold after a wrong touch.
	ErrorFeedbackDuration time.Duration `yaml:"errorFeedbackDuration"`
	// ErrorBeepDelay is the pause between the red chase and the beep.
	ErrorBeepDelay time.Duration `yaml:"errorBeepDelay"`
	// CommandStagger spaces per-cone chase commands to avoid TCP
	// congestion on partial deployments.
	CommandStagger time.Duration `yaml:"commandStagger"`
	// BetweenAthletesPause separates color restore from the next
	// athlete's pattern display.
	BetweenAthletesPause time.Duration `yaml:"betweenAthletesPause"`
	// GlobalDebounce ignores any touch for a run within this window of
	// the run's previous touch, regardless of device.
	GlobalDebounce time.Duration `yaml:"globalDebounce"`
	// StepDebounce is the per-device window treating a repeat of the
	// same pattern step as hardware bounce.
	StepDebounce time.Duration `yaml:"stepDebounce"`
	// MaxConcurrentRuns caps simultaneously running athletes in
	// sequential mode.
	MaxConcurrentRuns int `yaml:"maxConcurrentRuns"`
}

// DefaultTunables returns the field-tuned defaults.
func DefaultTunables() Tunables {
	return Tunables{
		StepDisplayPause:      5 * time.Second,
		SuccessChaseBuffer:    3500 * time.Millisecond,
		ErrorFeedbackDuration: 4 * time.Second,
		ErrorBeepDelay:        500 * time.Millisecond,
		CommandStagger:        300 * time.Millisecond,
		BetweenAthletesPause:  2 * time.Second,
		GlobalDebounce:        500 * time.Millisecond,
		StepDebounce:          time.Second,
		MaxConcurrentRuns:     5,
	}
}

// AppConfig is the full controller configuration.
type AppConfig struct {
	LogLevel string `yaml:"logLevel"`

	// Listeners.
	HeartbeatAddr string `yaml:"heartbeatAddr"`
	APIAddr       string `yaml:"apiAddr"`
	MetricsAddr   string `yaml:"metricsAddr"` // empty disables the metrics listener

	DBPath      string `yaml:"dbPath"`
	MeshNetwork string `yaml:"meshNetwork"`

	// Heartbeat protocol.
	ReadDeadline     time.Duration `yaml:"readDeadline"`
	KeepaliveIdle    time.Duration `yaml:"keepaliveIdle"`
	KeepaliveProbe   time.Duration `yaml:"keepaliveProbe"`
	OfflineAfter     time.Duration `yaml:"offlineAfter"`
	SkewThresholdMS  float64       `yaml:"skewThresholdMs"`
	TouchQueueDepth  int           `yaml:"touchQueueDepth"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
	ControllerNodeID string        `yaml:"controllerNodeId"`

	Tunables Tunables `yaml:"tunables"`
}

// Default returns the built-in defaults.
func Default() AppConfig {
	return AppConfig{
		LogLevel:         "info",
		HeartbeatAddr:    ":9999",
		APIAddr:          ":8080",
		MetricsAddr:      "",
		DBPath:           "conectl.db",
		MeshNetwork:      "cone-mesh",
		ReadDeadline:     45 * time.Second,
		KeepaliveIdle:    30 * time.Second,
		KeepaliveProbe:   5 * time.Second,
		OfflineAfter:     15 * time.Second,
		SkewThresholdMS:  250,
		TouchQueueDepth:  64,
		ShutdownTimeout:  2 * time.Second,
		ControllerNodeID: "0.0.0.0",
		Tunables:         DefaultTunables(),
	}
}

// Load builds the effective config: defaults, overlaid by the YAML file
// at path (if non-empty and present), overlaid by CONECTL_* environment.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.LogLevel = ParseString("CONECTL_LOG_LEVEL", cfg.LogLevel)
	cfg.HeartbeatAddr = ParseString("CONECTL_HEARTBEAT_ADDR", cfg.HeartbeatAddr)
	cfg.APIAddr = ParseString("CONECTL_API_ADDR", cfg.APIAddr)
	cfg.MetricsAddr = ParseString("CONECTL_METRICS_ADDR", cfg.MetricsAddr)
	cfg.DBPath = ParseString("CONECTL_DB_PATH", cfg.DBPath)
	cfg.MeshNetwork = ParseString("CONECTL_MESH_NETWORK", cfg.MeshNetwork)
	cfg.ReadDeadline = ParseDuration("CONECTL_READ_DEADLINE", cfg.ReadDeadline)
	cfg.KeepaliveIdle = ParseDuration("CONECTL_KEEPALIVE_IDLE", cfg.KeepaliveIdle)
	cfg.KeepaliveProbe = ParseDuration("CONECTL_KEEPALIVE_PROBE", cfg.KeepaliveProbe)
	cfg.OfflineAfter = ParseDuration("CONECTL_OFFLINE_AFTER", cfg.OfflineAfter)
	cfg.SkewThresholdMS = ParseFloat("CONECTL_SKEW_THRESHOLD_MS", cfg.SkewThresholdMS)
	cfg.TouchQueueDepth = ParseInt("CONECTL_TOUCH_QUEUE_DEPTH", cfg.TouchQueueDepth)
	cfg.ShutdownTimeout = ParseDuration("CONECTL_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.ControllerNodeID = ParseString("CONECTL_CONTROLLER_NODE_ID", cfg.ControllerNodeID)

	cfg.Tunables.StepDisplayPause = ParseDuration("CONECTL_STEP_DISPLAY_PAUSE", cfg.Tunables.StepDisplayPause)
	cfg.Tunables.SuccessChaseBuffer = ParseDuration("CONECTL_SUCCESS_CHASE_BUFFER", cfg.Tunables.SuccessChaseBuffer)
	cfg.Tunables.ErrorFeedbackDuration = ParseDuration("CONECTL_ERROR_FEEDBACK_DURATION", cfg.Tunables.ErrorFeedbackDuration)
	cfg.Tunables.ErrorBeepDelay = ParseDuration("CONECTL_ERROR_BEEP_DELAY", cfg.Tunables.ErrorBeepDelay)
	cfg.Tunables.CommandStagger = ParseDuration("CONECTL_COMMAND_STAGGER", cfg.Tunables.CommandStagger)
	cfg.Tunables.BetweenAthletesPause = ParseDuration("CONECTL_BETWEEN_ATHLETES_PAUSE", cfg.Tunables.BetweenAthletesPause)
	cfg.Tunables.GlobalDebounce = ParseDuration("CONECTL_GLOBAL_DEBOUNCE", cfg.Tunables.GlobalDebounce)
	cfg.Tunables.StepDebounce = ParseDuration("CONECTL_STEP_DEBOUNCE", cfg.Tunables.StepDebounce)
	cfg.Tunables.MaxConcurrentRuns = ParseInt("CONECTL_MAX_CONCURRENT_RUNS", cfg.Tunables.MaxConcurrentRuns)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c AppConfig) Validate() error {
	if c.HeartbeatAddr == "" {
		return fmt.Errorf("config: heartbeatAddr must be set")
	}
	if c.APIAddr == "" {
		return fmt.Errorf("config: apiAddr must be set")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: dbPath must be set")
	}
	if c.ReadDeadline <= 0 {
		return fmt.Errorf("config: readDeadline must be > 0, got %v", c.ReadDeadline)
	}
	if c.TouchQueueDepth <= 0 {
		return fmt.Errorf("config: touchQueueDepth must be > 0, got %d", c.TouchQueueDepth)
	}
	if c.Tunables.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("config: tunables.maxConcurrentRuns must be > 0, got %d", c.Tunables.MaxConcurrentRuns)
	}
	if c.Tunables.GlobalDebounce < 0 || c.Tunables.StepDebounce < 0 {
		return fmt.Errorf("config: debounce windows must not be negative")
	}
	return nil
}
