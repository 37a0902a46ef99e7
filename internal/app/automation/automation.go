// Package automation runs the server's background loops: the service queue
// admission/iteration tick, the manager-lost heartbeat reaper, and the
// queue-depth gauge refresh, scheduled on a shared cron runner.
package automation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hjnpark/QCFractal/internal/app/metrics"
	"github.com/hjnpark/QCFractal/internal/config"
	"github.com/hjnpark/QCFractal/internal/servicequeue"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

// Scheduler owns the cron runner and the loops registered on it.
type Scheduler struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *sql.DB
	tasks    *taskqueue.Queue
	services *servicequeue.Queue
	metrics  *metrics.Metrics
	cron     *cron.Cron
}

// New builds an unstarted scheduler.
func New(cfg *config.Config, log *logger.Logger, db *sql.DB, tasks *taskqueue.Queue, services *servicequeue.Queue, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		log:      log.With("automation"),
		db:       db,
		tasks:    tasks,
		services: services,
		metrics:  m,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Start registers every loop and launches the cron runner. The reaper fires
// on the heartbeat interval as rendered by everySpec; the service tick runs every few seconds so
// newly terminal dependencies are picked up promptly without hammering the
// database.
func (s *Scheduler) Start() error {
	reaperSpec := everySpec(s.cfg.HeartbeatInterval)
	if _, err := s.cron.AddFunc(reaperSpec, s.reapLostManagers); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	if _, err := s.cron.AddFunc("*/5 * * * * *", s.serviceTick); err != nil {
		return fmt.Errorf("schedule service tick: %w", err)
	}
	if _, err := s.cron.AddFunc("*/15 * * * * *", s.refreshGauges); err != nil {
		return fmt.Errorf("schedule gauge refresh: %w", err)
	}

	s.cron.Start()
	s.log.WithField("reaper_schedule", reaperSpec).Info("automation loops started")
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("automation loops stopped")
}

// everySpec renders a duration as a cron expression. Under a minute it fires
// every whole number of seconds; from a minute up it fires every whole number
// of minutes, dropping the leftover seconds and capping at 59 minutes.
func everySpec(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	if seconds < 60 {
		return fmt.Sprintf("*/%d * * * * *", seconds)
	}
	minutes := seconds / 60
	if minutes > 59 {
		minutes = 59
	}
	return fmt.Sprintf("0 */%d * * * *", minutes)
}

func (s *Scheduler) reapLostManagers() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval)
	defer cancel()

	reaped, err := s.tasks.ReapLostManagers(ctx, s.cfg.HeartbeatInterval, s.cfg.HeartbeatMaxMissed)
	if err != nil {
		s.log.WithError(err).Error("heartbeat reaper failed")
		return
	}
	if reaped > 0 {
		s.metrics.ManagersLostTotal.Add(float64(reaped))
		s.log.WithField("requeued_tasks", reaped).Warn("requeued tasks from lost managers")
	}
}

func (s *Scheduler) serviceTick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	admitted, err := s.services.AdmitReady(ctx, s.cfg.ServiceSlotCount)
	if err != nil {
		s.log.WithError(err).Error("service admission failed")
	} else if admitted > 0 {
		s.metrics.ServiceIterationsTotal.WithLabelValues("admitted").Add(float64(admitted))
	}

	iterated, err := s.services.IterateReady(ctx)
	if err != nil {
		s.log.WithError(err).Error("service iteration failed")
	} else if iterated > 0 {
		s.metrics.ServiceIterationsTotal.WithLabelValues("iterated").Add(float64(iterated))
	}
}

func (s *Scheduler) refreshGauges() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, state := range []string{"waiting", "running"} {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = $1`, state).Scan(&n); err != nil {
			s.log.WithError(err).Warn("task depth query failed")
			continue
		}
		s.metrics.TaskQueueDepth.WithLabelValues(state).Set(float64(n))
	}

	var services int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_records`).Scan(&services); err != nil {
		s.log.WithError(err).Warn("service depth query failed")
		return
	}
	s.metrics.ServiceQueueDepth.Set(float64(services))
}
