package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/kkwann/midoproject2/api/config"
	"github.com/kkwann/midoproject2/api/handlers"
	"github.com/kkwann/midoproject2/api/metrics"
	"github.com/kkwann/midoproject2/budget/pkg/audit"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/loader"
	"github.com/kkwann/midoproject2/budget/pkg/reconcile"
	"github.com/kkwann/midoproject2/budget/pkg/regions"
	"github.com/kkwann/midoproject2/budget/pkg/session"
	"github.com/kkwann/midoproject2/utils/pkg/logger"
	"github.com/kkwann/midoproject2/warehouse/pkg/clickhouse"
	"github.com/kkwann/midoproject2/warehouse/pkg/warehouse"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr   = "0.0.0.0:0"
	defaultHTTPAddr      = "0.0.0.0:8080"
	sessionSweepInterval = 15 * time.Minute
	auditDrainTimeout    = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	httpAddrFlag := flag.String("http-addr", defaultHTTPAddr, "address to serve the API on (or set HTTP_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics, empty to disable")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for in-flight requests during graceful shutdown")
	allowedOriginsFlag := flag.String("allowed-origins", "", "comma-separated CORS origins (or set ALLOWED_ORIGINS env var)")
	regionsFileFlag := flag.String("regions-file", "", "path to the region coordinates JSON file (or set REGIONS_FILE env var)")

	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	flag.Parse()

	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		*httpAddrFlag = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		*allowedOriginsFlag = v
	}
	if v := os.Getenv("REGIONS_FILE"); v != "" {
		*regionsFileFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		*clickhouseDatabaseFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		*clickhouseUsernameFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if *clickhouseAddrFlag == "" {
		return errors.New("--clickhouse-addr is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized")
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()

	chClient, err := clickhouse.NewClient(ctx, log, clickhouse.Config{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer chClient.Close()

	wh, err := warehouse.NewClickHouse(warehouse.Config{Logger: log, ClickHouse: chClient})
	if err != nil {
		return err
	}

	registry, err := dataset.DefaultRegistry()
	if err != nil {
		return err
	}

	loaderCfg := loader.Config{Logger: log, Registry: registry, Warehouse: wh, Clock: clock}
	if *regionsFileFlag != "" {
		table, err := regions.Load(*regionsFileFlag)
		if err != nil {
			return err
		}
		log.Info("regions loaded", "path", *regionsFileFlag, "entries", table.Len())
		loaderCfg.Regions = table
	}
	datasets, err := loader.New(loaderCfg)
	if err != nil {
		return fmt.Errorf("failed to create loader: %w", err)
	}
	go datasets.Warm(ctx)

	store, closeStore, err := openSessionStore(ctx, log, clock)
	if err != nil {
		return err
	}
	defer closeStore()

	auth, err := session.NewAuthenticator(session.AuthenticatorConfig{
		Logger: log,
		Users:  datasets,
		Store:  store,
		Clock:  clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}

	kst, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return fmt.Errorf("failed to load Asia/Seoul location: %w", err)
	}
	recorder, err := audit.NewRecorder(audit.Config{
		Logger: log,
		Sink:   audit.NewWarehouseSink(wh, audit.DefaultTable, kst),
		Clock:  clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create audit recorder: %w", err)
	}
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), auditDrainTimeout)
		defer drainCancel()
		if err := recorder.Close(drainCtx); err != nil {
			log.Warn("audit: entries lost on shutdown", "error", err)
		}
	}()

	reconciler, err := reconcile.New(reconcile.Config{
		Logger:    log,
		Registry:  registry,
		Loader:    datasets,
		Warehouse: wh,
		Audit:     recorder,
		Clock:     clock,
		Location:  kst,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	loginLimiter, err := handlers.NewLoginLimiter(handlers.LoginLimiterConfig{Clock: clock})
	if err != nil {
		return err
	}

	var origins []string
	if *allowedOriginsFlag != "" {
		for _, o := range strings.Split(*allowedOriginsFlag, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	srv, err := handlers.NewServer(handlers.Config{
		Logger:         log,
		Loader:         datasets,
		Auth:           auth,
		Reconcile:      reconciler,
		Audit:          recorder,
		LoginLimiter:   loginLimiter,
		AllowedOrigins: origins,
		Version:        handlers.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpServer := srv.HTTPServer(*httpAddrFlag)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("api: listening", "addr", *httpAddrFlag, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, waiting for in-flight requests", "timeout", *shutdownTimeoutFlag)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down HTTP server", "error", err)
		return err
	}
	log.Info("api: stopped")
	return nil
}

// openSessionStore uses Postgres when POSTGRES_DB is set and an in-memory
// store otherwise.
func openSessionStore(ctx context.Context, log *slog.Logger, clock clockwork.Clock) (session.Store, func(), error) {
	pgCfg := config.PostgresConfig{
		Host:          os.Getenv("POSTGRES_HOST"),
		Port:          os.Getenv("POSTGRES_PORT"),
		Database:      os.Getenv("POSTGRES_DB"),
		Username:      os.Getenv("POSTGRES_USER"),
		Password:      os.Getenv("POSTGRES_PASSWORD"),
		SSLMode:       os.Getenv("POSTGRES_SSLMODE"),
		RunMigrations: os.Getenv("POSTGRES_MIGRATE") != "false",
	}
	if !pgCfg.Enabled() {
		log.Warn("POSTGRES_DB not set, sessions are kept in memory and lost on restart")
		return session.NewMemoryStore(clock), func() {}, nil
	}

	pool, err := config.OpenPostgres(ctx, log, pgCfg)
	if err != nil {
		return nil, nil, err
	}
	store := session.NewPostgresStore(pool, clock)
	go sweepSessions(ctx, log, store, clock)
	return store, pool.Close, nil
}

// sweepSessions deletes expired sessions until ctx is done.
func sweepSessions(ctx context.Context, log *slog.Logger, store *session.PostgresStore, clock clockwork.Clock) {
	ticker := clock.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := store.DeleteExpired(ctx)
			if err != nil {
				log.Warn("session: failed to delete expired sessions", "error", err)
				continue
			}
			if n > 0 {
				log.Debug("session: deleted expired sessions", "count", n)
			}
		}
	}
}
