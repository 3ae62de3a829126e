package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"bundlegate/internal/alerting"
	"bundlegate/internal/config"
	"bundlegate/internal/pipeline"
	"bundlegate/internal/policy"
	"bundlegate/internal/scheduler"
	"bundlegate/internal/storage"
)

// Service runs the background maintenance around a Gate: oracle refresh,
// state checkpoints and outage alerts.
type Service struct {
	gate      *pipeline.Gate
	scheduler *scheduler.Scheduler
	store     storage.CheckpointStore
	notifier  alerting.Notifier
	clock     clock.Clock
	logger    zerolog.Logger

	backend         string
	channels        []string
	alertsOn        bool
	threshold       int
	cooldown        time.Duration
	checkpointEvery int
	locker          storage.AdvisoryLocker
	lockKey         int64

	ticks     int
	failures  int
	lastErr   error
	alertedAt time.Time
}

// New constructs the maintenance service. store and notifier may be nil.
func New(cfg *config.Config, gate *pipeline.Gate, sched *scheduler.Scheduler, store storage.CheckpointStore, notifier alerting.Notifier, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		gate:            gate,
		scheduler:       sched,
		store:           store,
		notifier:        notifier,
		clock:           clk,
		logger:          logger.With().Str("component", "service").Logger(),
		backend:         cfg.Oracle.Backend,
		channels:        cfg.Alerting.Channels,
		alertsOn:        cfg.Alerting.Enabled,
		threshold:       cfg.Alerting.FailureThreshold,
		cooldown:        cfg.Alerting.Cooldown,
		checkpointEvery: cfg.Scheduler.CheckpointEvery,
		locker:          locker,
		lockKey:         cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the maintenance loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// Restore loads the newest checkpoint into the gate. A missing checkpoint is not an error.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	cp, err := s.store.LoadLatestCheckpoint(ctx)
	if errors.Is(err, storage.ErrNoCheckpoint) {
		s.logger.Info().Msg("no checkpoint found, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if err := s.gate.Restore(cp.Snapshot); err != nil {
		return fmt.Errorf("restore checkpoint %d: %w", cp.ID, err)
	}
	s.logger.Info().Int64("checkpoint", cp.ID).Time("created_at", cp.CreatedAt).Msg("state restored from checkpoint")
	return nil
}

// Tick 执行一次维护: 刷新预言机, 按周期写入检查点。
func (s *Service) Tick(ctx context.Context, at time.Time) error {
	s.ticks++
	p := s.gate.Policy()

	if p.Features.Oracle {
		s.refresh(ctx, p)
	}

	if s.store != nil && s.checkpointEvery > 0 && s.ticks%s.checkpointEvery == 0 {
		if err := s.checkpoint(ctx, at); err != nil {
			return err
		}
	}

	snap := s.gate.State().Snapshot()
	s.logger.Debug().Time("at", at).
		Uint64("bundles", snap.BundlesProcessed).
		Float64("avg_us", snap.AvgProcessingUS).
		Int("oracle_failures", s.failures).
		Msg("maintenance tick")
	return nil
}

func (s *Service) refresh(ctx context.Context, p policy.Policy) {
	refreshed, err := s.gate.Admitter().RefreshIfDue(ctx, p.Oracle)
	if err != nil {
		s.failures++
		s.lastErr = err
		s.logger.Warn().Err(err).Int("failures", s.failures).Msg("oracle refresh failed")
		s.maybeAlertOutage(ctx)
		return
	}
	if refreshed {
		s.logger.Debug().Msg("oracle refreshed")
	}
	if s.failures > 0 {
		alerted := !s.alertedAt.IsZero()
		s.failures = 0
		s.lastErr = nil
		s.alertedAt = time.Time{}
		if alerted {
			s.notify(ctx, alerting.KindOracleRecovery)
		}
	}
}

func (s *Service) maybeAlertOutage(ctx context.Context) {
	if !s.alertsOn || s.threshold <= 0 || s.failures < s.threshold {
		return
	}
	now := s.clock.Now()
	if !s.alertedAt.IsZero() && (s.cooldown <= 0 || now.Sub(s.alertedAt) < s.cooldown) {
		return
	}
	s.alertedAt = now
	s.notify(ctx, alerting.KindOracleOutage)
}

func (s *Service) notify(ctx context.Context, kind alerting.Kind) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	snap := s.gate.State().Snapshot()
	note := alerting.Notification{
		At:                  s.clock.Now(),
		Kind:                kind,
		Backend:             s.backend,
		ConsecutiveFailures: s.failures,
		BundlesProcessed:    snap.BundlesProcessed,
		BundlesRejected:     snap.BundlesRejected,
		AvgProcessingUS:     snap.AvgProcessingUS,
		Channels:            s.channels,
	}
	if s.lastErr != nil {
		note.LastError = s.lastErr.Error()
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to dispatch alert")
	}
}

func (s *Service) checkpoint(ctx context.Context, at time.Time) error {
	ran, err := storage.WithAdvisoryLock(ctx, s.locker, s.lockKey, func() error {
		cp, err := storage.NewCheckpoint("tick", s.gate.State().Snapshot())
		if err != nil {
			return err
		}
		saved, err := s.store.SaveCheckpoint(ctx, cp)
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		s.logger.Info().Int64("checkpoint", saved.ID).Str("bundles", saved.BundlesProcessed.String()).Msg("state checkpoint saved")
		return nil
	})
	if err != nil {
		return err
	}
	if !ran {
		s.logger.Debug().Time("at", at).Msg("skip checkpoint because advisory lock held elsewhere")
	}
	return nil
}
