package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/lock"
	"github.com/bulk-jobs-api/internal/metrics"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/repository"
	"github.com/rs/zerolog"
)

// sweepLockKey coalesces the periodic sweep to one node at a time.
const sweepLockKey = "stale-job-cleanup"

// Sweeper reclaims jobs abandoned by crashed nodes. It is the only path by
// which a job escapes processing without an owning node.
type Sweeper struct {
	jobs  repository.JobStore
	locks *lock.Manager
	queue Publisher
	cfg   *config.WorkerConfig
	log   zerolog.Logger
}

// Publisher re-enqueues restarted jobs.
type Publisher interface {
	Publish(ctx context.Context, data *models.JobData) error
}

// NewSweeper creates a stale-job sweeper.
func NewSweeper(jobs repository.JobStore, locks *lock.Manager, queue Publisher, cfg *config.WorkerConfig, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		jobs:  jobs,
		locks: locks,
		queue: queue,
		cfg:   cfg,
		log:   log.With().Str("component", "sweeper").Logger(),
	}
}

// Run ticks until the context is cancelled. Each tick takes the cleanup lease
// so only one node in the cluster sweeps at a time.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.cfg.SweepInterval).
		Dur("stale_threshold", s.cfg.StaleThreshold).
		Bool("restart_stale_jobs", s.cfg.RestartStaleJobs).
		Msg("Stale-job sweeper started")

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Stale-job sweeper stopping")
			return
		case <-ticker.C:
			err := s.locks.WithLock(ctx, sweepLockKey, s.cfg.SweepInterval, func(ctx context.Context) error {
				return s.sweep(ctx)
			})
			if err != nil {
				if errors.Is(err, lock.ErrNotAcquired) {
					s.log.Debug().Msg("Another node holds the cleanup lease")
					continue
				}
				s.log.Error().Err(err).Msg("Stale-job sweep failed")
			}
		}
	}
}

// sweep reclaims stale jobs of both kinds.
func (s *Sweeper) sweep(ctx context.Context) error {
	now := time.Now()
	staleBefore := now.Add(-s.cfg.StaleThreshold)
	lockStaleBefore := now.Add(-s.cfg.StaleLockThreshold)

	for _, kind := range []models.JobKind{models.JobKindImport, models.JobKindExport} {
		stale, err := s.jobs.ListStale(ctx, kind, staleBefore, lockStaleBefore)
		if err != nil {
			return fmt.Errorf("failed to list stale %s jobs: %w", kind, err)
		}

		for _, job := range stale {
			if err := s.reclaim(ctx, kind, job); err != nil {
				s.log.Error().Err(err).
					Str("job_id", job.ID).
					Str("kind", string(kind)).
					Msg("Failed to reclaim stale job")
			}
		}

		if len(stale) > 0 {
			s.log.Info().
				Str("kind", string(kind)).
				Int("count", len(stale)).
				Msg("Stale jobs reclaimed")
		}
	}

	return nil
}

// reclaim either restarts a stuck processing job (the queue redelivers it) or
// marks it failed, recording the prior owner.
func (s *Sweeper) reclaim(ctx context.Context, kind models.JobKind, job repository.StaleJob) error {
	owner := job.LockedBy
	if owner == "" {
		owner = "unknown"
	}

	if s.cfg.RestartStaleJobs && job.Status == models.JobStatusProcessing {
		reason := fmt.Sprintf("reset to pending by stale-job recovery: node %s stopped making progress", owner)
		if err := s.jobs.ResetStale(ctx, kind, job.ID, reason); err != nil {
			return err
		}
		metrics.StaleJobsReclaimed.WithLabelValues(string(kind), "restarted").Inc()
		s.log.Warn().
			Str("job_id", job.ID).
			Str("kind", string(kind)).
			Str("prior_owner", owner).
			Msg("Stale job reset to pending")

		return s.requeue(ctx, kind, job.ID)
	}

	reason := fmt.Sprintf("marked failed by stale-job recovery: owning node %s possibly crashed", owner)
	if err := s.jobs.FailStale(ctx, kind, job.ID, reason); err != nil {
		return err
	}
	metrics.StaleJobsReclaimed.WithLabelValues(string(kind), "failed").Inc()
	s.log.Warn().
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Str("prior_owner", owner).
		Msg("Stale job marked failed")
	return nil
}

// requeue publishes a fresh delivery for a restarted job, rebuilding the
// payload from the job record.
func (s *Sweeper) requeue(ctx context.Context, kind models.JobKind, id string) error {
	var data *models.JobData

	switch kind {
	case models.JobKindImport:
		job, err := s.jobs.FindImport(ctx, id)
		if err != nil {
			return err
		}
		data = &models.JobData{
			JobID:          job.ID,
			Kind:           models.JobKindImport,
			Resource:       job.Resource,
			StorageKey:     job.StorageKey,
			FileURL:        job.FileURL,
			FileFormat:     job.FileFormat,
			IdempotencyKey: job.IdempotencyKey,
		}
	case models.JobKindExport:
		job, err := s.jobs.FindExport(ctx, id)
		if err != nil {
			return err
		}
		data = &models.JobData{
			JobID:    job.ID,
			Kind:     models.JobKindExport,
			Resource: job.Resource,
			Format:   job.Format,
			Filters:  job.Filters,
			Fields:   job.Fields,
		}
	}

	return s.queue.Publish(ctx, data)
}
