// Command coordinatord is the coordinator core's process entrypoint: it
// wires Postgres, Redis, the condition evaluator, the dispatcher and the
// Run Controller together, then exposes the admin HTTP surface SPEC_FULL.md
// calls for (health, metrics, run submission, cancellation). Structured the
// way the teacher's cmd/orchestrator/main.go composes setupEcho /
// setupMiddleware / registerRoutes / startServer, generalized from the
// teacher's bootstrap.Setup (which carries a Kafka queue and byte-slice
// cache this core doesn't use) into a coordinator-scoped wiring function.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/lyzr/coordinator-core/internal/action"
	"github.com/lyzr/coordinator-core/internal/condition"
	"github.com/lyzr/coordinator-core/internal/config"
	"github.com/lyzr/coordinator-core/internal/ctxstore"
	"github.com/lyzr/coordinator-core/internal/dispatch"
	"github.com/lyzr/coordinator-core/internal/events"
	"github.com/lyzr/coordinator-core/internal/fanin"
	"github.com/lyzr/coordinator-core/internal/obslog"
	"github.com/lyzr/coordinator-core/internal/resource"
	"github.com/lyzr/coordinator-core/internal/runctl"
	"github.com/lyzr/coordinator-core/internal/storage"
	"github.com/lyzr/coordinator-core/internal/telemetry"
	"github.com/lyzr/coordinator-core/internal/token"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("coordinatord")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := obslog.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("starting coordinatord", "environment", cfg.Service.Environment)

	db, err := storage.New(ctx, cfg, log)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	tel := telemetry.New(registry)

	tokens := token.NewPGStore(db.Pool)
	fanInStore := fanin.NewPGStore(db.Pool)
	emitter := events.NewRedisEmitter(rdb, log, 10000)
	evaluator := condition.NewEvaluator()
	resources := resource.NewPGRepository(db.Pool)
	statusStore := runctl.NewPGStatusStore(db.Pool)

	redisExecutor := action.NewRedisExecutor(rdb, log)

	controllerRef := &controllerHolder{}
	skipAware := action.NewSkipAwareExecutor(
		redisExecutor,
		[]action.Kind{action.KindLLM, action.KindHTTP, action.KindShell, action.KindMCP, action.KindTool, action.KindContext, action.KindVector, action.KindMetric, action.KindHuman},
		controllerRef,
		log,
	)

	dispatcher := dispatch.New(tokens, fanInStore, skipAware, emitter, log)
	alarm := runctl.NewFanInAlarm(rdb, log, 2*time.Second)

	newCtxStore := func(runID string) ctxstore.Store {
		return ctxstore.NewPGStore(db.Pool, runID)
	}

	controller := runctl.New(tokens, dispatcher, evaluator, resources, emitter, statusStore, newCtxStore, alarm, log).WithTelemetry(tel)
	controllerRef.c = controller

	alarmCtx, cancelAlarm := context.WithCancel(ctx)
	defer cancelAlarm()
	go func() {
		if err := alarm.Run(alarmCtx); err != nil && alarmCtx.Err() == nil {
			log.Error("fan-in alarm poller stopped unexpectedly", "error", err)
		}
	}()

	e := setupEcho()
	setupMiddleware(e)
	registerRoutes(e, controller, db, rdb, registry, log)

	startServer(e, cfg, log)
}

// controllerHolder breaks the construction cycle between SkipAwareExecutor
// (which needs a ResultSink) and runctl.Controller (which needs the
// executor already built): the dispatcher and skip-aware executor are
// built first against this indirection, then controllerRef.c is set once
// the Controller itself exists.
type controllerHolder struct {
	c *runctl.Controller
}

func (h *controllerHolder) HandleResult(ctx context.Context, result action.Result) error {
	return h.c.HandleTaskResult(ctx, result)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
}

func startServer(e *echo.Echo, cfg *config.Config, log *obslog.Logger) {
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Service.Port)
		log.Info("admin HTTP surface listening", "addr", addr)
		if err := e.Start(addr); err != nil {
			log.Info("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	log.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
