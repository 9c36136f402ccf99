// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	adminapi "github.com/joeflack4/genonaut-sub002/internal/admin"
	"github.com/joeflack4/genonaut-sub002/internal/analyticscapture"
	"github.com/joeflack4/genonaut-sub002/internal/analyticsrollup"
	"github.com/joeflack4/genonaut-sub002/internal/analyticstransfer"
	"github.com/joeflack4/genonaut-sub002/internal/backend"
	"github.com/joeflack4/genonaut-sub002/internal/cachepriority"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/eventbuffer"
	"github.com/joeflack4/genonaut-sub002/internal/jobstore"
	"github.com/joeflack4/genonaut-sub002/internal/lifecycle"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"github.com/joeflack4/genonaut-sub002/internal/progressbus"
	"github.com/joeflack4/genonaut-sub002/internal/progressrelay"
	"github.com/joeflack4/genonaut-sub002/internal/redisclient"
	"github.com/joeflack4/genonaut-sub002/internal/taskqueue"
	"github.com/joeflack4/genonaut-sub002/internal/workerhealth"
	"github.com/joeflack4/genonaut-sub002/internal/workerruntime"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joeflack4/genonaut-sub002/pkg/clock"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminAddr string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|scheduler|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminAddr, "admin-addr", ":8090", "Listen address for the admin role")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	pgDB, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("failed to open postgres", obs.Err(err))
	}
	pgDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	pgDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	pgDB.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	defer pgDB.Close()

	store := jobstore.NewWithDB(pgDB, logger)
	checker := workerhealth.New(cfg, rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	switch role {
	case "api":
		runAPI(ctx, cfg, rdb, checker, logger)
	case "worker":
		runWorker(ctx, cfg, rdb, store, checker, logger)
	case "scheduler":
		runScheduler(ctx, cfg, rdb, pgDB, logger)
	case "admin":
		runAdmin(ctx, cfg, rdb, pgDB, store, adminAddr, logger)
	case "all":
		runAll(ctx, cfg, rdb, pgDB, store, checker, adminAddr, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// runAPI serves progress relay websockets behind the analytics capture
// middleware, plus health/readiness and Prometheus metrics.
func runAPI(ctx context.Context, cfg *config.Config, rdb *redis.Client, checker *workerhealth.Checker, logger *zap.Logger) {
	bus := progressbus.New(cfg, rdb)
	relay := progressrelay.New(bus, logger)
	buf := eventbuffer.New(cfg, rdb)
	capture := analyticscapture.New(buf, logger)

	if err := checker.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup, disabling analytics capture", obs.Err(err))
		capture.Disable()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/jobs", relay.ServeMultiJob)
	mux.HandleFunc("/ws/jobs/", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/ws/jobs/"), 10, 64)
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}
		relay.ServeJob(w, r, id)
	})
	handler := capture.Wrap(mux)

	metricsSrv := obs.StartMetricsServer(cfg)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	httpSrv := obs.StartHTTPServer(cfg, checker.Ping)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	apiSrv := &http.Server{Addr: ":8080", Handler: handler}
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", obs.Err(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
}

// runWorker starts the worker pool and the processing-list reaper.
func runWorker(ctx context.Context, cfg *config.Config, rdb *redis.Client, store *jobstore.Store, checker *workerhealth.Checker, logger *zap.Logger) {
	backends := backend.NewDefaultRegistry(cfg)
	bus := progressbus.New(cfg, rdb)
	buf := eventbuffer.New(cfg, rdb)
	queue := taskqueue.New(cfg, rdb)
	engine := lifecycle.New(cfg, store, queue, backends, bus, buf, checker, logger)
	pool := workerruntime.New(cfg, rdb, queue, engine, logger)
	reaper := taskqueue.NewReaper(cfg, rdb, logger, queue)

	go reaper.Run(ctx)
	if err := pool.Run(ctx); err != nil {
		logger.Fatal("worker pool error", obs.Err(err))
	}
}

// runScheduler registers and runs the five periodic analytics recurrences.
func runScheduler(ctx context.Context, cfg *config.Config, rdb *redis.Client, pgDB *sql.DB, logger *zap.Logger) {
	buf := eventbuffer.New(cfg, rdb)
	transferer := analyticstransfer.New(buf, pgDB, logger)
	rollup, err := analyticsrollup.New(pgDB, cfg, clock.Real, logger)
	if err != nil {
		logger.Fatal("failed to init analytics rollup", obs.Err(err))
	}

	sched := taskqueue.NewScheduler(cfg, logger)
	must := func(name, spec string, job func() error) {
		if err := sched.SchedulePeriodic(name, spec, job); err != nil {
			logger.Fatal("failed to schedule job", obs.String("job", name), obs.Err(err))
		}
	}

	must("route_analytics_transfer", cfg.Cron.RouteAnalyticsTransfer, func() error {
		_, err := transferer.TransferRouteAnalytics(context.Background())
		return err
	})
	must("generation_event_transfer", cfg.Cron.GenerationEventTransfer, func() error {
		_, err := transferer.TransferGenerationEvents(context.Background())
		return err
	})
	must("route_analytics_rollup", cfg.Cron.RouteAnalyticsRollup, func() error {
		_, err := rollup.RollupRouteAnalytics(context.Background())
		return err
	})
	must("generation_metrics_rollup", cfg.Cron.GenerationMetricsRollup, func() error {
		_, err := rollup.RollupGenerationMetrics(context.Background())
		return err
	})
	must("tag_cardinality_refresh", cfg.Cron.TagCardinalityRefresh, func() error {
		logger.Info("tag cardinality refresh tick (no-op: tag tooling is a Non-goal)")
		return nil
	})

	sched.Start()
	<-ctx.Done()
	sched.Stop()
}

// runAdmin starts the operator REST surface (stats/peek/purge/bench plus
// the cache-priority analytics reads).
func runAdmin(ctx context.Context, cfg *config.Config, rdb *redis.Client, pgDB *sql.DB, store *jobstore.Store, addr string, logger *zap.Logger) {
	analyzer := cachepriority.New(pgDB)
	apiCfg := adminapi.DefaultConfig()
	apiCfg.ListenAddr = addr

	srv, err := adminapi.NewServer(apiCfg, cfg, rdb, store, analyzer, logger)
	if err != nil {
		logger.Fatal("failed to build admin server", obs.Err(err))
	}

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", obs.Err(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runAll runs every role's components in a single process, matching the
// teacher's combined "all" role for local/dev use.
func runAll(ctx context.Context, cfg *config.Config, rdb *redis.Client, pgDB *sql.DB, store *jobstore.Store, checker *workerhealth.Checker, adminAddr string, logger *zap.Logger) {
	go runWorker(ctx, cfg, rdb, store, checker, logger)
	go runScheduler(ctx, cfg, rdb, pgDB, logger)
	go runAdmin(ctx, cfg, rdb, pgDB, store, adminAddr, logger)
	runAPI(ctx, cfg, rdb, checker, logger)
}
