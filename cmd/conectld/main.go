// Command conectld is the field controller daemon: it serves the cone
// heartbeat protocol, the coach API, and owns the session engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/agilityfleet/conectl/internal/api"
	"github.com/agilityfleet/conectl/internal/clock"
	"github.com/agilityfleet/conectl/internal/command"
	"github.com/agilityfleet/conectl/internal/config"
	"github.com/agilityfleet/conectl/internal/course"
	"github.com/agilityfleet/conectl/internal/heartbeat"
	"github.com/agilityfleet/conectl/internal/log"
	"github.com/agilityfleet/conectl/internal/oplog"
	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/registry"
	"github.com/agilityfleet/conectl/internal/session"
	"github.com/agilityfleet/conectl/internal/store"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if *showVersion {
		fmt.Println("conectld", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conectld:", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "conectld",
		Version: version,
	})
	logger := log.WithComponent("main")

	if err := run(cfg, *configPath); err != nil {
		logger.Error().Err(err).Msg("controller exited with error")
		os.Exit(1)
	}
}

func run(cfg config.AppConfig, configPath string) error {
	logger := log.WithComponent("main")
	clk := clock.System{}

	st, err := store.New(cfg.DBPath, clk)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	recovered, err := st.RecoverInterruptedSessions(context.Background())
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if recovered > 0 {
		logger.Warn().Int("sessions", recovered).Msg("marked interrupted sessions incomplete")
	}

	ops := oplog.New(0)
	reg := registry.New(cfg.OfflineAfter, cfg.ControllerNodeID)
	emit := command.New(reg, nil, nil)
	courses := &course.Manager{Store: st, Reg: reg, Emitter: emit, Ops: ops}
	holder := config.NewTunablesHolder(cfg.Tunables)
	engine := session.New(st, reg, emit, courses, ops, clk, holder, nil)
	hb := heartbeat.New(cfg, reg, ops, engine, clk, version)
	apiSrv := api.New(cfg, st, reg, emit, courses, engine, ops, version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hb.Run(gctx) })
	g.Go(func() error { return apiSrv.Run(gctx) })

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return runMetrics(gctx, cfg) })
	}
	if configPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, configPath, holder)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	logger.Info().
		Str("version", version).
		Str("heartbeat_addr", cfg.HeartbeatAddr).
		Str("api_addr", cfg.APIAddr).
		Msg("controller up")

	err = g.Wait()

	// Leave the field dark on the way out.
	emit.LED(reg.ControllerID(), protocol.LEDOff)
	logger.Info().Msg("controller stopped")
	return err
}

func runMetrics(ctx context.Context, cfg config.AppConfig) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger := log.WithComponent("metrics")
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener up")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
