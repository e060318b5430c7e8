package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/api"
	"github.com/careflow/scheduling-core/internal/archive"
	"github.com/careflow/scheduling-core/internal/booking"
	"github.com/careflow/scheduling-core/internal/capacity"
	"github.com/careflow/scheduling-core/internal/config"
	"github.com/careflow/scheduling-core/internal/conflict"
	"github.com/careflow/scheduling-core/internal/db"
	"github.com/careflow/scheduling-core/internal/events"
	"github.com/careflow/scheduling-core/internal/rank"
	"github.com/careflow/scheduling-core/internal/redisclient"
	"github.com/careflow/scheduling-core/internal/resolve"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
	"github.com/careflow/scheduling-core/internal/waittime"
)

const version = "0.3.0"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load error", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	// Event fan-out: Redis pub/sub always, Kafka mirror when brokers are set.
	broker := events.NewRedisBroker(rdb, logger)
	publisher := events.Fanout{broker}
	if len(cfg.KafkaBrokers) > 0 {
		sink := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("error closing kafka sink", zap.Error(err))
			}
		}()
		publisher = append(publisher, sink)
		logger.Info("kafka event mirror enabled",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	}

	repo := archive.NewPgRepository(pgPool)
	store := slot.NewStore(publisher, logger)
	registry := conflict.NewRegistry()
	detector := conflict.NewDetector(store, conflict.DetectorConfig{
		DefaultDailyCapacity: cfg.DailyCapacity,
	})
	queue := waitlist.NewQueue(cfg.WaitlistLimit, publisher)
	locker := redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL)
	resolver := resolve.NewResolver(store, registry, queue, locker, repo, logger, resolve.Config{
		ConfirmDeadline: cfg.ConfirmDeadline,
		ReservationTTL:  cfg.ReservationTTL,
	})
	ranker := rank.NewRanker(store, cfg.MaxAlternatives)
	estimator := waittime.NewEstimator(store, queue, repo, logger, cfg.EstimateMaxAge)
	planner := capacity.NewPlanner(store, estimator, queue)
	svc := booking.NewService(store, detector, registry, resolver, ranker, queue,
		estimator, publisher, logger, booking.Config{DailyCapacity: cfg.DailyCapacity})

	router := api.NewRouter(api.RouterConfig{
		Service:   svc,
		Estimator: estimator,
		Planner:   planner,
		Resolver:  resolver,
		Store:     store,
		PgPool:    pgPool,
		Redis:     rdb,
		Env:       cfg.Env,
		Version:   version,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  time.Minute,
	}

	// Maintenance cycle against the live in-process store: expired holds
	// revert, stale waitlist notifications retire, estimates recompute,
	// and slots past retention move to Postgres.
	go func() {
		ticker := time.NewTicker(cfg.WorkerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				runMaintenance(rootCtx, store, queue, estimator, repo, cfg.SlotRetention, logger)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	logger.Info("api-server stopped")
}

type slotArchiver interface {
	ArchiveSlots(ctx context.Context, slots []slot.TimeSlot) error
}

func runMaintenance(ctx context.Context, store *slot.Store, queue *waitlist.Queue,
	estimator *waittime.Estimator, repo slotArchiver,
	retention time.Duration, logger *zap.Logger) {

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()

	swept := store.SweepExpiredLeases(runCtx)
	expired := queue.ExpireStale()
	estimator.RecomputeAll(runCtx)

	pruned := store.PruneExpired(retention)
	if len(pruned) > 0 {
		if err := repo.ArchiveSlots(runCtx, pruned); err != nil {
			logger.Error("slot archival failed", zap.Error(err))
		}
	}

	logger.Info("maintenance run complete",
		zap.Int("leases_swept", swept),
		zap.Int("waitlist_expired", expired),
		zap.Int("slots_archived", len(pruned)),
		zap.Duration("elapsed", time.Since(start)))
}
