// Command gatewayd runs the OpenAI-compatible model gateway: it loads a
// config file, builds the Registry/Lifecycle Controller/Proxy Forwarder/
// Idle Reaper, and serves the client and admin HTTP surfaces of spec §6
// until it receives SIGINT/SIGTERM, at which point it drains in-flight
// work and stops every running backend before exiting.
//
// Replaces the reference gateway's bare `flag`-based cmd/modeld/main.go
// with a cobra command tree (root = run, plus version and config check
// subcommands), since cobra is already a direct dependency of the
// reference repo's cmd/testctl — SPEC_FULL.md §4.0 adopts it uniformly
// instead of mixing flag and cobra.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modeld/internal/config"
	"modeld/internal/events"
	"modeld/internal/httpapi"
	"modeld/internal/lifecycle"
	"modeld/internal/proxy"
	"modeld/internal/reaper"
	"modeld/internal/registry"
	"modeld/internal/supervisor"
	"modeld/pkg/types"
)

// version is stamped at build time via -ldflags "-X main.version=...";
// "dev" is the fallback for local `go run`/`go build` without that flag.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var corsOrigins []string

	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "OpenAI-compatible gateway that multiplexes requests across local inference backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(resolveConfigPath(configPath), corsOrigins)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the gatewayd config file (default: $CONFIG_PATH or ./gatewayd.yaml)")
	root.Flags().StringSliceVar(&corsOrigins, "cors-origin", nil, "allowed CORS origin for the client-facing surface (repeatable); empty disables CORS")

	root.AddCommand(newVersionCmd(), newConfigCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gatewayd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Configuration file utilities"}
	var configPath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate a config file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d models)\n", path, len(cfg.Models))
			return nil
		},
	}
	check.Flags().StringVar(&configPath, "config", "", "path to the gatewayd config file")
	cfgCmd.AddCommand(check)
	return cfgCmd
}

// resolveConfigPath applies the CONFIG_PATH override (spec §6) when --config
// was not given, falling back to ./gatewayd.yaml.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return "gatewayd.yaml"
}

func newLogger(level string) zerolog.Logger {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(l).With().Timestamp().Logger()
}

func runServe(configPath string, corsOrigins []string) error {
	// A bootstrap logger at info level covers any failure before the config
	// (which carries the real log_level) has loaded.
	boot := newLogger("info")

	cfg, err := config.Load(configPath)
	if err != nil {
		boot.Error().Err(err).Str("config", configPath).Msg("fatal config error")
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)
	log.Info().Str("config", configPath).Int("models", len(cfg.Models)).Msg("configuration loaded")

	bus := events.NewBus()
	reg := registry.New(cfg.Models)
	sup := supervisor.New(supervisor.Options{
		BinPath:       cfg.LlamaServerBin,
		HealthPath:    cfg.HealthPath,
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		StartTimeout:  cfg.StartTimeout,
		StopTimeout:   cfg.StopTimeout,
		TailLines:     cfg.StderrTailLines,
		Logger:        log,
	})
	ctrl := lifecycle.New(reg, sup, lifecycle.Options{
		MaxConcurrentModels: cfg.MaxConcurrentModels,
		DefaultQueueSize:    cfg.DefaultQueueSize,
		DefaultRequestTTL:   cfg.DefaultRequestTimeout,
		Logger:              log,
		Publisher:           bus,
	})
	fwd := proxy.New(reg, ctrl, log)
	rpr := reaper.New(reg, ctrl, cfg.IdleTimeout, cfg.CleanupInterval, log)

	rejectOccupiedPorts(reg, log)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	ctrl.Bootstrap(ctx, cfg.OnDemandOnly)
	go rpr.Run(ctx)
	go sweepQueuesPeriodically(ctx, reg, ctrl)
	go watchReloadSignal(ctx, configPath, reg, ctrl, log)

	addr := fmt.Sprintf("%s:%d", cfg.ProxyHost, cfg.ProxyPort)
	router := httpapi.NewRouter(httpapi.Deps{
		Registry:  reg,
		Lifecycle: ctrl,
		Forwarder: fwd,
		Log:       log,
		StartedAt: time.Now(),
		CORS:      corsOrigins,
	})
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("gateway's own listener address is in use")
		os.Exit(2)
	}
	srv := &http.Server{Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("gatewayd listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("gateway listener failed")
			os.Exit(2)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	ctrl.Shutdown()
	log.Info().Msg("gatewayd exited cleanly")
	return nil
}

// watchReloadSignal re-reads configPath and applies the diff every time the
// process receives SIGHUP, per spec §6's "receiving a reload signal re-reads
// the config file" reload semantics. A malformed reload is logged and
// discarded; the running configuration is left untouched (ConfigError is
// fatal only at boot, per spec §7).
func watchReloadSignal(ctx context.Context, configPath string, reg *registry.Registry, ctrl *lifecycle.Controller, log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			log.Info().Str("config", configPath).Msg("reload signal received")
			newCfg, err := config.Load(configPath)
			if err != nil {
				log.Error().Err(err).Str("config", configPath).Msg("config reload failed, keeping running configuration")
				continue
			}
			diff := reg.Reconcile(newCfg.Models)
			log.Info().Int("added", len(diff.Added)).Int("removed", len(diff.Removed)).Int("changed", len(diff.Changed)).Msg("applying config reload")
			ctrl.ApplyReconcile(ctx, diff, newCfg.Models, newCfg.OnDemandOnly)
		}
	}
}

// rejectOccupiedPorts implements spec §5's crash-recovery invariant: any
// port already occupied at boot — most likely a backend orphaned by a prior
// crash of gatewayd itself — is detected before Bootstrap tries to spawn
// onto it. gatewayd holds no exec.Cmd for a process it didn't start, so it
// cannot adopt the listener and guarantee the termination contract of
// §4.1; it reports a hard error against that one model (FAILED, with
// auto_start/preload skipped) rather than crashing the whole process, per
// §7's "the gateway never crashes because of per-model failure."
func rejectOccupiedPorts(reg *registry.Registry, log zerolog.Logger) {
	for _, e := range reg.List() {
		if !supervisor.PortOccupied(e.Config.Port) {
			continue
		}
		log.Error().Str("model", e.Config.Name).Int("port", e.Config.Port).
			Msg("port already occupied at boot by a process gatewayd did not spawn; refusing to auto-start")
		e.SetReadinessErr(fmt.Sprintf("port %d already occupied at boot by a foreign process", e.Config.Port))
		e.SetState(types.StateFailed)
	}
}

// sweepQueuesPeriodically runs each model's per-model request-timeout sweep
// (spec §4.4's background timeout task) once a second, independently of the
// reaper's cleanup interval.
func sweepQueuesPeriodically(ctx context.Context, reg *registry.Registry, ctrl *lifecycle.Controller) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range reg.List() {
				if q := ctrl.Queue(e.Config.Name); q != nil {
					q.SweepTimeouts()
				}
			}
		}
	}
}
