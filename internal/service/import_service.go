package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bulk-jobs-api/internal/codec"
	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/lock"
	"github.com/bulk-jobs-api/internal/metrics"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/repository"
	"github.com/bulk-jobs-api/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// importService is the concrete implementation of ImportService
type importService struct {
	txr     TxRunner
	repos   *repository.Repositories
	locks   LockManager
	queue   Publisher
	storage storage.ObjectStore
	cfg     *config.Config
	log     zerolog.Logger
}

// newImportService creates a new ImportService
func newImportService(d Deps) *importService {
	return &importService{
		txr:     d.Tx,
		repos:   d.Repos,
		locks:   d.Locks,
		queue:   d.Queue,
		storage: d.Storage,
		cfg:     d.Config,
		log:     d.Log.With().Str("service", "import").Logger(),
	}
}

// CreateJob stores the uploaded file, persists a pending job and enqueues it.
// When the idempotency key matches an existing job, that job is returned
// unchanged: no new upload, no new enqueue.
func (s *importService) CreateJob(ctx context.Context, req *models.ImportRequest, upload *Upload) (*models.ImportJob, bool, error) {
	if req.IdempotencyKey != "" {
		existing, err := s.repos.Jobs.FindImportByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing != nil {
			s.log.Info().
				Str("job_id", existing.ID).
				Str("idempotency_key", req.IdempotencyKey).
				Msg("Returning existing job for idempotency key")
			return existing, true, nil
		}
	}

	job := &models.ImportJob{
		ID:             uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Resource:       models.ResourceType(req.Resource),
		Status:         models.JobStatusPending,
		FileURL:        req.FileURL,
	}

	var err error
	if upload != nil {
		job.FileName = upload.FileName
		job.FileFormat, err = codec.DetectFormat(upload.FileName, req.Format)
		if err != nil {
			return nil, false, err
		}

		key := storage.ImportKey(job.ID, upload.FileName, job.FileFormat, time.Now())
		result, err := s.storage.PutStream(ctx, key, upload.Reader, job.FileFormat.ContentType(), map[string]string{
			"job-id":   job.ID,
			"resource": string(job.Resource),
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to store upload: %w", err)
		}
		job.StorageKey = result.Key
		job.FileSize = result.Size
	} else {
		job.FileName = req.FileURL
		job.FileFormat, err = codec.DetectFormat(req.FileURL, req.Format)
		if err != nil {
			return nil, false, err
		}
	}

	if err := s.repos.Jobs.CreateImport(ctx, job); err != nil {
		return nil, false, fmt.Errorf("failed to create import job: %w", err)
	}

	data := &models.JobData{
		JobID:          job.ID,
		Kind:           models.JobKindImport,
		Resource:       job.Resource,
		StorageKey:     job.StorageKey,
		FileURL:        job.FileURL,
		FileFormat:     job.FileFormat,
		IdempotencyKey: job.IdempotencyKey,
	}
	if err := s.queue.Publish(ctx, data); err != nil {
		return nil, false, fmt.Errorf("failed to enqueue import job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("resource", string(job.Resource)).
		Str("format", string(job.FileFormat)).
		Int64("size_bytes", job.FileSize).
		Msg("Import job created")

	return job, false, nil
}

// GetJob retrieves an import job by ID.
func (s *importService) GetJob(ctx context.Context, id string) (*models.ImportJob, error) {
	return s.repos.Jobs.FindImport(ctx, id)
}

// Process handles one queue delivery. Only the node that wins the distributed
// lock and then observes the pending status runs the pipeline; everyone else
// exits quietly. A pipeline failure finalizes the job as failed and is
// returned to the queue so its retry policy applies.
func (s *importService) Process(ctx context.Context, data *models.JobData) error {
	lockKey := "import-job:" + data.JobID

	jobLock, err := s.locks.Acquire(ctx, lockKey, s.cfg.Worker.LockTTL, 0, 0)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) || errors.Is(err, lock.ErrAlreadyHeld) {
			s.log.Info().Str("job_id", data.JobID).Msg("Import job locked by another node")
			return nil
		}
		return fmt.Errorf("failed to acquire job lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.locks.Release(releaseCtx, jobLock); err != nil {
			s.log.Error().Err(err).Str("job_id", data.JobID).Msg("Failed to release job lock")
		}
	}()

	now := time.Now()
	nodeID := s.locks.NodeID()
	err = s.repos.Jobs.Transition(ctx, models.JobKindImport, data.JobID,
		models.JobStatusPending, models.JobStatusProcessing,
		repository.TransitionUpdates{LockedBy: &nodeID, LockedAt: &now, StartedAt: &now})
	if err != nil {
		var conflict *repository.StatusConflictError
		if errors.As(err, &conflict) {
			s.log.Info().Str("job_id", data.JobID).Str("status", string(conflict.Current)).
				Msg("Import job no longer pending, skipping")
			return nil
		}
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Error().Str("job_id", data.JobID).Msg("Import job not found")
			return nil
		}
		return fmt.Errorf("failed to transition job: %w", err)
	}

	job, err := s.repos.Jobs.FindImport(ctx, data.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("resource", string(job.Resource)).
		Str("format", string(job.FileFormat)).
		Msg("Starting import processing")

	start := time.Now()
	outcome, pipeErr := s.runPipeline(ctx, job)
	duration := time.Since(start)

	jobMetrics := &models.JobMetrics{
		DurationMs: duration.Milliseconds(),
		TotalBytes: outcome.bytes,
	}
	if duration.Seconds() > 0 {
		jobMetrics.RowsPerSecond = float64(outcome.counters.Processed) / duration.Seconds()
	}
	if outcome.counters.Total > 0 {
		jobMetrics.ErrorRate = float64(outcome.counters.Failed) / float64(outcome.counters.Total) * 100
	}

	metrics.JobDuration.WithLabelValues(string(models.JobKindImport)).Observe(duration.Seconds())
	metrics.RowsProcessed.WithLabelValues(string(job.Resource), "successful").Add(float64(outcome.counters.Successful))
	metrics.RowsProcessed.WithLabelValues(string(job.Resource), "failed").Add(float64(outcome.counters.Failed))

	if pipeErr != nil {
		if errors.Is(pipeErr, errJobCancelled) {
			s.log.Warn().Str("job_id", job.ID).Msg("Import job cancelled mid-run")
			metrics.JobsProcessed.WithLabelValues(string(models.JobKindImport), string(models.JobStatusCancelled)).Inc()
			return nil
		}
		finErr := s.repos.Jobs.Finalize(ctx, models.JobKindImport, job.ID, models.JobStatusFailed,
			repository.FinalizeUpdates{
				Counters:     &outcome.counters,
				Errors:       outcome.errors,
				Metrics:      jobMetrics,
				ErrorMessage: pipeErr.Error(),
			})
		if finErr != nil {
			s.log.Error().Err(finErr).Str("job_id", job.ID).Msg("Failed to finalize failed job")
		}
		metrics.JobsProcessed.WithLabelValues(string(models.JobKindImport), string(models.JobStatusFailed)).Inc()
		s.log.Error().Err(pipeErr).Str("job_id", job.ID).Msg("Import failed")
		return pipeErr
	}

	err = s.repos.Jobs.Finalize(ctx, models.JobKindImport, job.ID, models.JobStatusCompleted,
		repository.FinalizeUpdates{
			Counters: &outcome.counters,
			Errors:   outcome.errors,
			Metrics:  jobMetrics,
		})
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	metrics.JobsProcessed.WithLabelValues(string(models.JobKindImport), string(models.JobStatusCompleted)).Inc()
	s.log.Info().
		Str("job_id", job.ID).
		Int("total", outcome.counters.Total).
		Int("successful", outcome.counters.Successful).
		Int("failed", outcome.counters.Failed).
		Float64("error_rate_pct", jobMetrics.ErrorRate).
		Int64("duration_ms", jobMetrics.DurationMs).
		Float64("rows_per_sec", jobMetrics.RowsPerSecond).
		Msg("Import completed")

	return nil
}

// errJobCancelled signals a best-effort cancellation observed at a progress
// flush point.
var errJobCancelled = errors.New("job cancelled")

// pipelineOutcome accumulates the whole run's accounting.
type pipelineOutcome struct {
	counters models.Counters
	errors   []models.RowError
	bytes    int64
}

// runPipeline streams the input: decode -> validate -> upsert, one batch at a
// time. Memory stays bounded by batch size regardless of file size.
func (s *importService) runPipeline(ctx context.Context, job *models.ImportJob) (*pipelineOutcome, error) {
	source, err := s.openSource(ctx, job)
	if err != nil {
		return &pipelineOutcome{}, err
	}
	defer source.Close()

	counting := codec.NewCountingReader(source)
	dec, err := codec.NewDecoder(job.FileFormat, counting)
	if err != nil {
		return &pipelineOutcome{}, err
	}

	meter := codec.NewMeter(5*time.Second, func(r codec.MeterReport) {
		s.log.Debug().
			Str("job_id", job.ID).
			Int("rows", r.TotalRows).
			Float64("rows_per_sec", r.RowsPerSecond).
			Int64("elapsed_ms", r.ElapsedMs).
			Msg("Import progress")
	})

	outcome := &pipelineOutcome{}
	batchSize := s.cfg.Import.BatchSize
	batchNum := 0

	for {
		batch, batchErr := codec.ReadBatch(dec, batchSize)
		if batchErr != nil && batchErr != io.EOF {
			outcome.bytes = counting.Bytes()
			return outcome, batchErr
		}

		if len(batch) > 0 {
			batchNum++
			result := s.processBatch(ctx, job.Resource, batch)
			outcome.counters.Add(result.counters)
			outcome.errors = models.AppendRowErrors(outcome.errors, result.errors...)
			meter.Add(len(batch))

			if batchNum%progressFlushInterval == 0 {
				if err := s.flushProgress(ctx, job.ID, outcome); err != nil {
					return outcome, err
				}
			}
		}

		if batchErr == io.EOF {
			break
		}
	}

	meter.Finish()
	outcome.bytes = counting.Bytes()
	return outcome, nil
}

// flushProgress persists a counter snapshot and observes best-effort
// cancellation: a job cancelled out-of-band stops the pipeline here.
func (s *importService) flushProgress(ctx context.Context, jobID string, outcome *pipelineOutcome) error {
	current, err := s.repos.Jobs.FindImport(ctx, jobID)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to read job during progress flush")
	} else if current.Status == models.JobStatusCancelled {
		return errJobCancelled
	}

	if err := s.repos.Jobs.UpdateImportProgress(ctx, jobID, outcome.counters, outcome.errors); err != nil {
		// Progress snapshots are best-effort; the finalize write is the one
		// that must not be lost.
		s.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to flush progress")
	}
	return nil
}

// openSource opens the input byte stream from object storage or a remote URL.
func (s *importService) openSource(ctx context.Context, job *models.ImportJob) (io.ReadCloser, error) {
	if job.StorageKey != "" {
		return s.storage.GetStream(ctx, job.StorageKey)
	}
	if job.FileURL == "" {
		return nil, fmt.Errorf("import job has neither storage key nor file URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.FileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid file URL: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file URL: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch file URL: status %d", resp.StatusCode)
	}
	if resp.ContentLength > 0 && resp.ContentLength > s.cfg.Import.MaxUploadSize {
		resp.Body.Close()
		return nil, fmt.Errorf("remote file too large: %d bytes", resp.ContentLength)
	}

	// Cap the stream regardless of what Content-Length claimed.
	return newLimitedReadCloser(resp.Body, s.cfg.Import.MaxUploadSize), nil
}

// limitedReadCloser enforces the configured file-size cap on URL imports.
type limitedReadCloser struct {
	r     io.Reader
	inner io.Closer
}

func newLimitedReadCloser(rc io.ReadCloser, limit int64) io.ReadCloser {
	return &limitedReadCloser{r: io.LimitReader(rc, limit), inner: rc}
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.inner.Close() }
