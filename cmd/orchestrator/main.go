// Command orchestrator starts the RPA fleet orchestrator: the REST API, the
// robot WebSocket endpoint, and the background scheduling, dispatch, and
// recovery loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/botfleet/orchestrator/internal/adapter/httpserver"
	"github.com/botfleet/orchestrator/internal/adapter/observability"
	"github.com/botfleet/orchestrator/internal/adapter/repo/postgres"
	"github.com/botfleet/orchestrator/internal/app"
	"github.com/botfleet/orchestrator/internal/assignment"
	"github.com/botfleet/orchestrator/internal/config"
	"github.com/botfleet/orchestrator/internal/coordinator"
	"github.com/botfleet/orchestrator/internal/domain"
	obsmetrics "github.com/botfleet/orchestrator/internal/observability"
	"github.com/botfleet/orchestrator/internal/recovery"
	"github.com/botfleet/orchestrator/internal/scheduler"
	"github.com/botfleet/orchestrator/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness check interface.
type redisAdapter struct{ *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process.
	observability.InitMetrics()
	obsmetrics.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infra: DB pool and migrations.
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, cfg.DBURL); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories.
	audit, err := postgres.NewAuditRepo(ctx, pool)
	if err != nil {
		slog.Error("audit log init failed", slog.Any("error", err))
		os.Exit(1)
	}
	policy := domain.BackoffPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Multiplier: cfg.Multiplier,
		Jitter:     cfg.Jitter,
	}
	queue := postgres.NewQueueRepo(pool, policy, cfg.VisibilityTimeout, cfg.NotifyChannelName, audit)
	dlq := postgres.NewDLQRepo(pool, audit)
	robots := postgres.NewRobotRepo(pool)
	schedules := postgres.NewScheduleRepo(pool)
	workflows := postgres.NewWorkflowRepo(pool)
	keys := postgres.NewAPIKeyRepo(pool)

	// Optional Redis for the schedule rate limiter.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		ropts, rerr := redis.ParseURL(cfg.RedisURL)
		if rerr != nil {
			slog.Error("invalid redis url", slog.Any("error", rerr))
			os.Exit(1)
		}
		rdb = redis.NewClient(ropts)
		defer func() { _ = rdb.Close() }()
	}

	// Assignment: scoring engine plus warm-state affinity.
	affinity := assignment.NewStateAffinityTracker(cfg.StateTTL)
	go affinity.Run(ctx, time.Minute)
	engine := assignment.NewEngine(assignment.Weights{
		CPU: cfg.CPUWeight, Mem: cfg.MemWeight, Load: cfg.LoadWeight,
		Tag: cfg.TagWeight, Zone: cfg.ZoneWeight, Affinity: cfg.AffinityWeight,
		CPUSoft: cfg.CPUSoftLimit, CPUHard: cfg.CPUHardLimit,
		MemSoft: cfg.MemSoftLimit, MemHard: cfg.MemHardLimit,
	}, affinity)

	// Coordinator owns the robot WebSocket sessions.
	coord := coordinator.New(coordinator.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ConnectionTimeout: cfg.ConnectionTimeout,
		AssignAckTimeout:  cfg.AssignAckTimeout,
		CancelAckTimeout:  cfg.CancelAckTimeout,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		APIKeyRequired:    cfg.APIKeyRequired,
	}, queue, robots, keys, audit, affinity)

	// Recovery consumes the coordinator's failure stream.
	recov := recovery.New(recovery.Config{
		HealthCheckInterval:     cfg.HealthCheckInterval,
		HeartbeatTimeout:        cfg.HeartbeatTimeout,
		MaxConcurrentRecoveries: cfg.MaxConcurrentRecoveries,
	}, queue, robots, audit, coord.Events())

	// Scheduler: business calendars, rate limiting, SLA, dependencies.
	calendars, err := scheduler.LoadCalendars(cfg.CalendarDir)
	if err != nil {
		slog.Error("calendar load failed", slog.Any("error", err))
		os.Exit(1)
	}
	limiter := scheduler.NewSlidingWindowLimiter(rdb)
	jobsSvc := usecase.NewJobService(queue, coord, usecase.WorkflowBounds{
		MaxBytes:       cfg.MaxWorkflowBytes,
		MaxNodes:       cfg.MaxWorkflowNodes,
		MaxConnections: cfg.MaxWorkflowConnections,
		MaxDepth:       cfg.MaxWorkflowDepth,
	})
	sched := scheduler.New(scheduler.Config{
		TickInterval:    cfg.TickInterval,
		CatchUpPolicy:   cfg.CatchUpPolicy,
		DefaultTimezone: cfg.DefaultTimezone,
	}, schedules, queue, workflows, audit, calendars, limiter, jobsSvc.Cancel)
	coord.SetCompletionNotifier(sched)
	recov.SetCompletionNotifier(sched)

	// Dispatcher wakes on queue notifications and falls back to polling.
	wake, err := postgres.SubscribeQueueEvents(ctx, pool, cfg.NotifyChannelName)
	if err != nil {
		slog.Warn("queue event subscription failed; polling only", slog.Any("error", err))
		wake = nil
	}
	dispatcher := usecase.NewDispatcher(queue, engine, coord, wake, cfg.PollInterval)

	sweeper := app.NewLeaseSweeper(queue, sched, cfg.StaleSweepInterval)

	// HTTP API.
	var redisCheckClient app.RedisClient
	if rdb != nil {
		redisCheckClient = redisAdapter{rdb}
	}
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisCheckClient)
	srv := &httpserver.Server{
		Cfg:        cfg,
		Jobs:       jobsSvc,
		DLQ:        dlq,
		Schedules:  schedules,
		Sched:      sched,
		Workflows:  workflows,
		Directory:  robots,
		Fleet:      coord,
		Recovery:   recov,
		Audit:      audit,
		Keys:       keys,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	apiSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           otelhttp.NewHandler(handler, "api"),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", coord.Handler())
	wsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.WSHost, cfg.WSPort),
		Handler:           wsMux,
		ReadHeaderTimeout: 10 * time.Second,
		// No Read/Write timeouts: WebSocket sessions outlive any sane value;
		// the coordinator enforces its own deadlines.
	}

	// Background loops.
	go coord.Run(ctx)
	go recov.Run(ctx)
	go sched.Run(ctx)
	go dispatcher.Run(ctx)
	go sweeper.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		slog.Info("websocket server starting", slog.String("host", cfg.WSHost), slog.Int("port", cfg.WSPort))
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		slog.Error("server failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown failed", slog.Any("error", err))
	}
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ws server shutdown failed", slog.Any("error", err))
	}
	slog.Info("orchestrator stopped")
}
