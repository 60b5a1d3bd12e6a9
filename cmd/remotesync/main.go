// remotesync mirrors collections of an authoritative remote API into a local
// SQLite store, fully or incrementally, creating, updating and deleting local
// records so they match the remote.
//
// Usage:
//
//	remotesync sync-once [--config <path>] [--collection c --scope kind:id] [--opt key=value ...]
//	remotesync daemon [--config <path>]   # poll every job + Home Assistant change events
//	remotesync reset --collection c [--scope kind:id]
//	remotesync status [--config <path>]
//	remotesync version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/njoerd114/remotesync/internal/config"
	"github.com/njoerd114/remotesync/internal/metrics"
	"github.com/njoerd114/remotesync/internal/state"
	syncp "github.com/njoerd114/remotesync/internal/sync"
	"github.com/njoerd114/remotesync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand.
func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("no command given")
	}

	switch args[0] {
	case "sync-once":
		return runSyncOnce(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	case "reset":
		return runReset(args[1:])
	case "status":
		return runStatus(args[1:])
	case "version":
		fmt.Println("remotesync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'remotesync help' for usage", args[0])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "remotesync: mirror remote API collections into a local store")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  remotesync sync-once [--collection c] [--scope kind:id] [--opt k=v]  Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  remotesync daemon                     Poll continuously")
	fmt.Fprintln(os.Stderr, "  remotesync reset --collection c       Clear a watermark")
	fmt.Fprintln(os.Stderr, "  remotesync status                     Show config, database and watermarks")
	fmt.Fprintln(os.Stderr, "  remotesync version                    Print version")
}

// --- Shared flags -------------------------------------------------------------

type commonFlags struct {
	config  string
	verbose bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	defaultCfg, _ := config.DefaultPath()
	cf := &commonFlags{}
	fs.StringVar(&cf.config, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&cf.verbose, "verbose", false, "enable debug logging")
	return fs, cf
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// optFlag collects repeated --opt key=value pairs.
type optFlag map[string]any

func (o optFlag) String() string {
	parts := make([]string, 0, len(o))
	for k, v := range o {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (o optFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("option %q must have the form key=value", v)
	}
	o[key] = value
	return nil
}

// --- Subcommands ----------------------------------------------------------------

func runSyncOnce(args []string) error {
	fs, cf := newFlagSet("sync-once")
	collection := fs.String("collection", "", "sync only this collection")
	scope := fs.String("scope", "", "scope of --collection as kind:id (default global)")
	opts := optFlag{}
	fs.Var(opts, "opt", "call option key=value (repeatable; requires --collection)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(opts) > 0 && *collection == "" {
		return errors.New("--opt requires --collection")
	}

	// Options are checked before anything is opened.
	callOpts, err := syncp.ParseOptions(opts)
	if err != nil {
		return err
	}

	logger := newLogger(cf.verbose)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, shutdown, err := start(ctx, cf.config, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	sched := syncp.NewScheduler(a.engine, a.jobs, a.cfg.PollInterval, logger)

	if *collection != "" {
		job, err := a.findJob(*collection, *scope)
		if err != nil {
			return err
		}
		if _, err := sched.SyncJob(ctx, job, callOpts); err != nil {
			return fmt.Errorf("syncing %s (%s): %w", job.Collection, job.Scope, err)
		}
		return nil
	}

	logger.Info("running single sync pass", "jobs", len(a.jobs))
	if failed := sched.RunOnce(ctx); failed > 0 {
		return fmt.Errorf("%d of %d sync job(s) failed", failed, len(a.jobs))
	}
	return nil
}

func runDaemon(args []string) error {
	fs, cf := newFlagSet("daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(cf.verbose)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := loadConfig(cf.config, logger)
	if err != nil {
		return err
	}

	var engineOpts []syncp.Option
	var prom *metrics.Collector
	if cfg.MetricsAddr != "" {
		prom = metrics.New()
		engineOpts = append(engineOpts, syncp.WithHooks(prom.Hooks()))
	}

	a, shutdown, err := startWith(ctx, cfg, logger, engineOpts...)
	if err != nil {
		return err
	}
	defer shutdown()

	if prom != nil {
		srv := serveMetrics(cfg.MetricsAddr, prom, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var notifiers []syncp.ChangeNotifier
	if a.ha != nil {
		notifiers = append(notifiers, a.ha)
	}
	sched := syncp.NewScheduler(a.engine, a.jobs, cfg.PollInterval, logger, notifiers...)

	logger.Info("daemon starting", "poll_interval", cfg.PollInterval, "jobs", len(a.jobs))
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func runReset(args []string) error {
	fs, cf := newFlagSet("reset")
	collection := fs.String("collection", "", "collection whose watermark is cleared")
	scope := fs.String("scope", "", "scope as kind:id (default global)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *collection == "" {
		return errors.New("--collection is required")
	}

	logger := newLogger(cf.verbose)
	ctx := context.Background()
	cfg, err := loadConfig(cf.config, logger)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	job, err := a.findJob(*collection, *scope)
	if err != nil {
		return err
	}
	if err := a.engine.Reset(ctx, job.Collection, job.Scope); err != nil {
		return err
	}
	fmt.Printf("Watermark of %s (%s) reset; the next sync fetches everything.\n", job.Collection, job.Scope)
	return nil
}

func runStatus(args []string) error {
	fs, cf := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("remotesync status")
	fmt.Println("─────────────────")

	cfg, err := config.Load(cf.config)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", cf.config, err)
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", cf.config)
	fmt.Printf("  Poll:      %s\n", cfg.PollInterval)
	fmt.Printf("  Backend:   %s\n", cfg.WatermarkBackend)
	for _, c := range cfg.Collections {
		strategy := syncp.StrategyFull
		if c.Incremental() {
			strategy = syncp.StrategyIncremental
		}
		fmt.Printf("  • %-20s %s, %s, %d scope(s)\n", c.Name, c.Source, strategy, len(c.ParsedScopes()))
	}

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			return err
		}
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Printf("  State DB:  not found (%s)\n", dbPath)
		return nil
	}
	fmt.Printf("  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))

	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer store.Close()

	if cfg.WatermarkBackend == config.BackendPostgres {
		fmt.Println("  Watermarks are stored in PostgreSQL.")
		return nil
	}
	marks, err := store.ListWatermarks(context.Background())
	if err != nil {
		return err
	}
	if len(marks) == 0 {
		fmt.Println("  Watermarks: none")
	}
	for _, w := range marks {
		fmt.Printf("  Watermark: %-20s %-16s %s\n", w.Collection, w.Scope, w.LastSyncedAt.Local().Format(time.RFC3339))
	}
	return nil
}

// --- Startup ------------------------------------------------------------------

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", path, err)
	}
	logger.Info("config loaded",
		"collections", len(cfg.Collections),
		"poll_interval", cfg.PollInterval,
		"watermark_backend", cfg.WatermarkBackend,
	)
	return cfg, nil
}

// start loads the config and builds the app. The returned func releases
// everything, including telemetry.
func start(ctx context.Context, cfgPath string, logger *slog.Logger) (*app, func(), error) {
	cfg, err := loadConfig(cfgPath, logger)
	if err != nil {
		return nil, nil, err
	}
	return startWith(ctx, cfg, logger)
}

func startWith(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...syncp.Option) (*app, func(), error) {
	shutdownTel := setupTelemetry(cfg, logger)

	a, err := newApp(ctx, cfg, logger, opts...)
	if err != nil {
		shutdownTel()
		return nil, nil, err
	}
	if err := a.ping(ctx); err != nil {
		a.close()
		shutdownTel()
		return nil, nil, err
	}
	return a, func() {
		a.close()
		shutdownTel()
	}, nil
}

// setupTelemetry starts OTLP export when configured. Failures are logged and
// the process continues without telemetry.
func setupTelemetry(cfg *config.Config, logger *slog.Logger) func() {
	telCfg, ok := telemetry.FromConfig(cfg.Telemetry, version)
	if !ok {
		return func() {}
	}
	shutdown, err := telemetry.Setup(context.Background(), telCfg)
	if err != nil {
		logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return func() {}
	}
	logger.Info("telemetry enabled", "endpoint", telCfg.OTLPEndpoint)
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}
}

func serveMetrics(addr string, prom *metrics.Collector, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
