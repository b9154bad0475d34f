package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/querydeck/internal/bus"
	"github.com/basket/querydeck/internal/catalog"
	"github.com/basket/querydeck/internal/config"
	"github.com/basket/querydeck/internal/drivers"
	"github.com/basket/querydeck/internal/gateway"
	otelPkg "github.com/basket/querydeck/internal/otel"
	"github.com/basket/querydeck/internal/persistence"
	"github.com/basket/querydeck/internal/scheduler"
	"github.com/basket/querydeck/internal/security"
	"github.com/basket/querydeck/internal/tasks"
	"github.com/basket/querydeck/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the agent
  %s status                   Show agent health status (/healthz)
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  QUERYDECK_HOME          Data directory (default: ~/.querydeck)
  QUERYDECK_SECRET        Agent secret override (else <home>/agent.secret)
`)
}

func main() {
	loadDotEnv(".env")

	homeFlag := flag.String("home", "", "data directory (default: ~/.querydeck)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	homeDir := strings.TrimSpace(*homeFlag)
	if homeDir == "" {
		homeDir = strings.TrimSpace(os.Getenv("QUERYDECK_HOME"))
	}
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, homeDir, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	dbPath := filepath.Join(cfg.HomeDir, "querydeck.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	instanceID, err := store.InstanceID(ctx)
	if err != nil {
		fatalStartup(logger, "E_INSTANCE_ID", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath, "pid", store.PID(), "instance_id", instanceID)

	if err := writePIDFile(cfg.HomeDir, store.PID()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePIDFile(cfg.HomeDir)

	catalogSvc, err := catalog.NewService(store, logger, eventBus)
	if err != nil {
		fatalStartup(logger, "E_CATALOG_INIT", err)
	}

	driverRegistry := drivers.NewRegistry()
	driverRegistry.Tracer = otelProvider.Tracer
	if cfg.QueryMaxRows > 0 {
		driverRegistry.MaxRows = cfg.QueryMaxRows
	}

	agentSecret, err := loadAgentSecret(cfg)
	if err != nil {
		fatalStartup(logger, "E_AGENT_SECRET", err)
	}
	sessions, err := security.NewSessionCache(cfg.SessionCacheSize, cfg.SessionTTL())
	if err != nil {
		fatalStartup(logger, "E_SESSION_CACHE", err)
	}

	// The recurring vacuum row survives restarts; creation is idempotent.
	if _, err := store.CreateScheduledTask(ctx, persistence.TaskVacuum, uuid.Nil, time.Time{}); err != nil {
		fatalStartup(logger, "E_TASK_SEED", err)
	}

	runner := scheduler.NewRunner(scheduler.Config{
		Store:   store,
		Logger:  logger,
		Bus:     eventBus,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
		Registry: scheduler.Registry{
			persistence.TaskVacuum: &tasks.Vacuum{
				Store:     store,
				Logger:    logger,
				Retention: cfg.HistoryRetention(),
				Schedule:  cfg.VacuumSchedule,
			},
			persistence.TaskCleanupConnectionHistory: &tasks.CleanupConnectionHistory{
				Store:    store,
				Logger:   logger,
				KeepRows: cfg.ConnectionHistoryCap,
			},
		},
	})
	runner.Start(ctx)
	defer runner.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.QueryMaxRows > 0 {
				driverRegistry.MaxRows = newCfg.QueryMaxRows
			}
			logger.Info("config.yaml hot-reloaded", "path", ev.Path, "fingerprint", newCfg.Fingerprint())
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Catalog:           catalogSvc,
		Drivers:           driverRegistry,
		Sessions:          sessions,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		AgentSecret:       agentSecret,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	handler := gateway.NewCORSMiddleware(cfg.AllowOrigins)(
		gateway.RequestSizeLimitMiddleware(0)(gw.Handler()),
	)
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: handler,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "events", "/api/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let the scheduler finish its in-flight task.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	runner.Stop()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"agent","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAgentSecret resolves the shared secret: environment, config, then a
// generated <home>/agent.secret persisted on first run.
func loadAgentSecret(cfg *config.Config) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("QUERYDECK_SECRET")); raw != "" {
		return raw, nil
	}
	if cfg.AgentSecret != "" {
		return cfg.AgentSecret, nil
	}
	secretPath := filepath.Join(cfg.HomeDir, "agent.secret")
	b, err := os.ReadFile(secretPath)
	if err == nil {
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, nil
		}
	}
	secret := uuid.NewString()
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist agent secret: %w", err)
	}
	slog.Info("agent.secret generated", "path", secretPath)
	return secret, nil
}

func writePIDFile(homeDir string, pid int) error {
	return os.WriteFile(filepath.Join(homeDir, "querydeck.pid"), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func removePIDFile(homeDir string) {
	_ = os.Remove(filepath.Join(homeDir, "querydeck.pid"))
}
