package service

import (
	"context"
	"time"

	"socialbridge/internal/ingest"
	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
)

type Syncer interface {
	Sync(ctx context.Context, channelID string) ([]SyncReport, error)
}

type Backfiller interface {
	BackfillLeads(ctx context.Context) (ingest.BackfillReport, error)
}

// Scheduler runs the periodic channel sync and lead backfill in the worker
type Scheduler struct {
	syncer           Syncer
	backfiller       Backfiller
	syncInterval     time.Duration
	backfillInterval time.Duration
	logger           *logrus.Logger
	stopCh           chan struct{}
}

func NewScheduler(syncer Syncer, backfiller Backfiller, cfg models.SchedulerConfig, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		syncer:           syncer,
		backfiller:       backfiller,
		syncInterval:     time.Duration(cfg.SyncIntervalMin) * time.Minute,
		backfillInterval: time.Duration(cfg.BackfillIntervalMin) * time.Minute,
		logger:           logger,
		stopCh:           make(chan struct{}),
	}
}

// Start blocks until ctx is done or Stop is called. Each task runs once
// immediately and then on its interval; a zero interval disables it.
func (s *Scheduler) Start(ctx context.Context) {
	syncC, stopSync := s.ticker(s.syncInterval)
	defer stopSync()
	backfillC, stopBackfill := s.ticker(s.backfillInterval)
	defer stopBackfill()

	s.logger.WithFields(logrus.Fields{
		"sync_interval":     s.syncInterval.String(),
		"backfill_interval": s.backfillInterval.String(),
	}).Info("Starting scheduler")

	if syncC != nil {
		s.runSync(ctx)
	}
	if backfillC != nil {
		s.runBackfill(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-syncC:
			s.runSync(ctx)
		case <-backfillC:
			s.runBackfill(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// ticker returns a nil channel, which never fires, for disabled tasks
func (s *Scheduler) ticker(interval time.Duration) (<-chan time.Time, func()) {
	if interval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

func (s *Scheduler) runSync(ctx context.Context) {
	reports, err := s.syncer.Sync(ctx, "")
	if err != nil {
		s.logger.WithError(err).Error("Scheduled sync failed")
		return
	}
	created, failed := 0, 0
	for _, r := range reports {
		created += r.Created
		failed += r.Failed
		if r.Error != "" {
			failed++
		}
	}
	s.logger.WithFields(logrus.Fields{
		"channels": len(reports),
		"created":  created,
		"failed":   failed,
	}).Info("Scheduled sync completed")
}

func (s *Scheduler) runBackfill(ctx context.Context) {
	if s.backfiller == nil {
		return
	}
	if _, err := s.backfiller.BackfillLeads(ctx); err != nil {
		s.logger.WithError(err).Error("Scheduled lead backfill failed")
	}
}
