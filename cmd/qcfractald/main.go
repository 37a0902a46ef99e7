// qcfractald is the server daemon: it applies schema migrations, wires the
// stores, queues, drivers, and cascade engine, starts the background loops,
// and serves the /v1 REST surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hjnpark/QCFractal/internal/app/auth"
	"github.com/hjnpark/QCFractal/internal/app/automation"
	"github.com/hjnpark/QCFractal/internal/app/events"
	"github.com/hjnpark/QCFractal/internal/app/httpapi"
	"github.com/hjnpark/QCFractal/internal/app/metrics"
	"github.com/hjnpark/QCFractal/internal/cascade"
	"github.com/hjnpark/QCFractal/internal/config"
	"github.com/hjnpark/QCFractal/internal/datasetstore"
	"github.com/hjnpark/QCFractal/internal/drivers"
	"github.com/hjnpark/QCFractal/internal/platform/database"
	"github.com/hjnpark/QCFractal/internal/platform/migrations"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/internal/servicequeue"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logger.New("qcfractald", logger.Options{}).WithError(err).Error("load configuration")
		return err
	}
	log := logger.New("qcfractald", logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.WithError(err).Error("open database")
		return err
	}
	defer db.Close()

	if err := migrations.Apply(db); err != nil {
		log.WithError(err).Error("apply migrations")
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable; policy cache disabled")
			redisClient = nil
		}
		cancel()
	}

	records := recordstore.New(db, log)
	tasks := taskqueue.New(db, records, log)
	services := servicequeue.New(db, records, tasks, drivers.DefaultRegistry(), log)
	datasets := datasetstore.New(db, records, tasks, services, log)
	cascadeEngine := cascade.New(db, records, tasks, services, log)

	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTAccessExpiry, cfg.JWTRefreshExpiry)
	authManager := auth.NewManager(auth.NewUserStore(db), issuer, log)
	policy := auth.NewPolicyEvaluator(db, redisClient, log)

	m := metrics.New()
	hub := events.NewHub()

	server := httpapi.New(httpapi.Options{
		Config:   cfg,
		Log:      log,
		DB:       db,
		Records:  records,
		Tasks:    tasks,
		Services: services,
		Datasets: datasets,
		Cascade:  cascadeEngine,
		Auth:     authManager,
		Policy:   policy,
		Metrics:  m,
		Hub:      hub,
	})
	defer server.Close()

	scheduler := automation.New(cfg, log, db, tasks, services, m)
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Error("start automation")
		return err
	}
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
	log.Info("stopped")
	return nil
}
