// Package scheduler runs the retention jobs on a cron schedule
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"bitwise74/content-api/internal/service"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper is the part of the retention manager the scheduler drives
type Sweeper interface {
	RunSweep(ctx context.Context) (*service.SweepResult, error)
	ArchiveOldFiles(ctx context.Context, thresholdDays int) (int64, error)
}

type Config struct {
	// Schedule of the retention sweep in cron syntax, e.g. @daily
	Schedule string
	// ArchiveSchedule defaults to Schedule
	ArchiveSchedule  string
	ArchiveAfterDays int
}

// cronLogger routes cron's own messages to zap
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Sugar().Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Sugar().Errorw(msg, append(kv, "error", err)...)
}

type Scheduler struct {
	cfg     Config
	sweeper Sweeper
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, s Sweeper) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.ArchiveSchedule == "" {
		cfg.ArchiveSchedule = cfg.Schedule
	}

	l := cronLogger{log: zap.L().Named("cron")}

	sc := &Scheduler{
		cfg:     cfg,
		sweeper: s,
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
	}
	sc.ctx, sc.cancel = context.WithCancel(context.Background())

	if _, err := sc.cron.AddFunc(cfg.Schedule, sc.sweep); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q, %w", cfg.Schedule, err)
	}

	if cfg.ArchiveAfterDays > 0 {
		if _, err := sc.cron.AddFunc(cfg.ArchiveSchedule, sc.archive); err != nil {
			return nil, fmt.Errorf("invalid archive schedule %q, %w", cfg.ArchiveSchedule, err)
		}
	}

	return sc, nil
}

func (s *Scheduler) sweep() {
	res, err := s.sweeper.RunSweep(s.ctx)
	if err != nil {
		if errors.Is(err, service.ErrSweepInProgress) {
			zap.L().Info("Retention sweep skipped, another one is running")
			return
		}

		zap.L().Error("Retention sweep failed", zap.Error(err))
		return
	}

	zap.L().Info("Scheduled retention sweep done",
		zap.Int64("bytes_reclaimed", res.BytesReclaimed),
		zap.Int("errors", res.Errors))
}

func (s *Scheduler) archive() {
	if _, err := s.sweeper.ArchiveOldFiles(s.ctx, s.cfg.ArchiveAfterDays); err != nil {
		zap.L().Error("Archive pass failed", zap.Error(err))
	}
}

// Start runs the schedule in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	zap.L().Info("Retention scheduler started", zap.String("schedule", s.cfg.Schedule))
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()

	zap.L().Info("Retention scheduler stopped")
}
