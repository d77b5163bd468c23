package service

import (
	"context"
	"errors"
	"fmt"
	"io"
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

// exportService is the concrete implementation of ExportService
type exportService struct {
	repos   *repository.Repositories
	locks   LockManager
	queue   Publisher
	storage storage.ObjectStore
	cfg     *config.Config
	log     zerolog.Logger
}

// newExportService creates a new ExportService
func newExportService(d Deps) *exportService {
	return &exportService{
		repos:   d.Repos,
		locks:   d.Locks,
		queue:   d.Queue,
		storage: d.Storage,
		cfg:     d.Config,
		log:     d.Log.With().Str("service", "export").Logger(),
	}
}

// CreateJob persists a pending export job and enqueues it.
func (s *exportService) CreateJob(ctx context.Context, req *models.ExportRequest) (*models.ExportJob, error) {
	format := models.Format(req.Format)
	if format == "" {
		format = models.FormatNDJSON
	}

	job := &models.ExportJob{
		ID:       uuid.New().String(),
		Resource: models.ResourceType(req.Resource),
		Format:   format,
		Status:   models.JobStatusPending,
		Filters:  req.Filters,
		Fields:   req.Fields,
	}

	if err := s.repos.Jobs.CreateExport(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create export job: %w", err)
	}

	data := &models.JobData{
		JobID:    job.ID,
		Kind:     models.JobKindExport,
		Resource: job.Resource,
		Format:   job.Format,
		Filters:  job.Filters,
		Fields:   job.Fields,
	}
	if err := s.queue.Publish(ctx, data); err != nil {
		return nil, fmt.Errorf("failed to enqueue export job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("resource", string(job.Resource)).
		Str("format", string(job.Format)).
		Msg("Export job created")

	return job, nil
}

// GetJob retrieves an export job, regenerating the presigned download URL
// when less than an hour of validity remains.
func (s *exportService) GetJob(ctx context.Context, id string) (*models.ExportJob, error) {
	job, err := s.repos.Jobs.FindExport(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusCompleted && job.FileName != "" {
		needsRefresh := job.ExpiresAt == nil || job.ExpiresAt.Before(time.Now().Add(time.Hour))
		if needsRefresh {
			url, err := s.storage.PresignGet(ctx, job.FileName, s.cfg.Export.URLExpiry)
			if err != nil {
				s.log.Error().Err(err).Str("job_id", id).Msg("Failed to refresh download URL")
				return job, nil
			}
			expiresAt := time.Now().Add(s.cfg.Export.URLExpiry)
			if err := s.repos.Jobs.RefreshExportURL(ctx, id, url, expiresAt); err != nil {
				s.log.Error().Err(err).Str("job_id", id).Msg("Failed to persist refreshed URL")
				return job, nil
			}
			job.DownloadURL = url
			job.ExpiresAt = &expiresAt
		}
	}

	return job, nil
}

// GetCount returns the unfiltered row count for a resource.
func (s *exportService) GetCount(ctx context.Context, resource models.ResourceType) (int, error) {
	switch resource {
	case models.ResourceUsers:
		return s.repos.User.Count(ctx)
	case models.ResourceArticles:
		return s.repos.Article.Count(ctx)
	case models.ResourceComments:
		return s.repos.Comment.Count(ctx)
	}
	return 0, fmt.Errorf("unknown resource: %s", resource)
}

// Process handles one queue delivery: count, stream pages through the encoder
// into object storage, presign, finalize.
func (s *exportService) Process(ctx context.Context, data *models.JobData) error {
	lockKey := "export-job:" + data.JobID

	jobLock, err := s.locks.Acquire(ctx, lockKey, s.cfg.Worker.LockTTL, 0, 0)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) || errors.Is(err, lock.ErrAlreadyHeld) {
			s.log.Info().Str("job_id", data.JobID).Msg("Export job locked by another node")
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
	err = s.repos.Jobs.Transition(ctx, models.JobKindExport, data.JobID,
		models.JobStatusPending, models.JobStatusProcessing,
		repository.TransitionUpdates{LockedBy: &nodeID, LockedAt: &now, StartedAt: &now})
	if err != nil {
		var conflict *repository.StatusConflictError
		if errors.As(err, &conflict) {
			s.log.Info().Str("job_id", data.JobID).Str("status", string(conflict.Current)).
				Msg("Export job no longer pending, skipping")
			return nil
		}
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Error().Str("job_id", data.JobID).Msg("Export job not found")
			return nil
		}
		return fmt.Errorf("failed to transition job: %w", err)
	}

	job, err := s.repos.Jobs.FindExport(ctx, data.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("resource", string(job.Resource)).
		Str("format", string(job.Format)).
		Msg("Starting export processing")

	start := time.Now()
	exported, size, key, runErr := s.runPipeline(ctx, job)
	duration := time.Since(start)

	jobMetrics := &models.JobMetrics{
		DurationMs: duration.Milliseconds(),
		TotalBytes: size,
	}
	if duration.Milliseconds() > 0 {
		jobMetrics.RowsPerSecond = float64(exported) * 1000 / float64(duration.Milliseconds())
	}

	metrics.JobDuration.WithLabelValues(string(models.JobKindExport)).Observe(duration.Seconds())
	metrics.RowsProcessed.WithLabelValues(string(job.Resource), "exported").Add(float64(exported))

	if runErr != nil {
		if errors.Is(runErr, errJobCancelled) {
			s.log.Warn().Str("job_id", job.ID).Msg("Export job cancelled mid-run")
			metrics.JobsProcessed.WithLabelValues(string(models.JobKindExport), string(models.JobStatusCancelled)).Inc()
			return nil
		}
		finErr := s.repos.Jobs.Finalize(ctx, models.JobKindExport, job.ID, models.JobStatusFailed,
			repository.FinalizeUpdates{
				ExportedRows: &exported,
				Metrics:      jobMetrics,
				ErrorMessage: runErr.Error(),
			})
		if finErr != nil {
			s.log.Error().Err(finErr).Str("job_id", job.ID).Msg("Failed to finalize failed job")
		}
		metrics.JobsProcessed.WithLabelValues(string(models.JobKindExport), string(models.JobStatusFailed)).Inc()
		s.log.Error().Err(runErr).Str("job_id", job.ID).Msg("Export failed")
		return runErr
	}

	url, err := s.storage.PresignGet(ctx, key, s.cfg.Export.URLExpiry)
	if err != nil {
		err = fmt.Errorf("failed to presign download URL: %w", err)
		if finErr := s.repos.Jobs.Finalize(ctx, models.JobKindExport, job.ID, models.JobStatusFailed,
			repository.FinalizeUpdates{
				ExportedRows: &exported,
				Metrics:      jobMetrics,
				ErrorMessage: err.Error(),
			}); finErr != nil {
			s.log.Error().Err(finErr).Str("job_id", job.ID).Msg("Failed to finalize failed job")
		}
		return err
	}
	expiresAt := time.Now().Add(s.cfg.Export.URLExpiry)

	err = s.repos.Jobs.Finalize(ctx, models.JobKindExport, job.ID, models.JobStatusCompleted,
		repository.FinalizeUpdates{
			ExportedRows: &exported,
			FileSize:     &size,
			FileName:     &key,
			DownloadURL:  &url,
			ExpiresAt:    &expiresAt,
			Metrics:      jobMetrics,
		})
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	metrics.JobsProcessed.WithLabelValues(string(models.JobKindExport), string(models.JobStatusCompleted)).Inc()
	s.log.Info().
		Str("job_id", job.ID).
		Int("exported", exported).
		Int64("bytes", size).
		Int64("duration_ms", jobMetrics.DurationMs).
		Float64("rows_per_sec", jobMetrics.RowsPerSecond).
		Msg("Export completed")

	return nil
}

// runPipeline counts, then streams pages through the encoder into object
// storage. Returns the exported row count, artifact size and storage key.
func (s *exportService) runPipeline(ctx context.Context, job *models.ExportJob) (int, int64, string, error) {
	total, err := s.countFiltered(ctx, job.Resource, job.Filters)
	if err != nil {
		return 0, 0, "", fmt.Errorf("failed to count rows: %w", err)
	}
	job.TotalRows = total
	if err := s.repos.Jobs.UpdateExportProgress(ctx, job.ID, total, 0); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist row count")
	}

	key := storage.ExportKey(job.ID, job.Format, time.Now())

	// The storage key doubles as the artifact name on the job record so the
	// presigner can find the object again after a restart.
	pr, pw := io.Pipe()
	counting := codec.NewCountingWriter(pw)

	uploadDone := make(chan error, 1)
	var uploaded int64
	go func() {
		result, err := s.storage.PutStream(ctx, key, pr, job.Format.ContentType(), map[string]string{
			"job-id":   job.ID,
			"resource": string(job.Resource),
		})
		if err != nil {
			pr.CloseWithError(err)
			uploadDone <- err
			return
		}
		uploaded = result.Size
		uploadDone <- nil
	}()

	exported, encodeErr := s.encodePages(ctx, job, counting)

	if encodeErr != nil {
		pw.CloseWithError(encodeErr)
		<-uploadDone
		return exported, counting.Bytes(), key, encodeErr
	}
	if err := pw.Close(); err != nil {
		return exported, counting.Bytes(), key, err
	}
	if err := <-uploadDone; err != nil {
		return exported, counting.Bytes(), key, fmt.Errorf("failed to upload export: %w", err)
	}

	size := uploaded
	if size == 0 {
		size = counting.Bytes()
	}
	return exported, size, key, nil
}

// encodePages walks stable pages and feeds the encoder, observing best-effort
// cancellation every progressFlushInterval pages.
func (s *exportService) encodePages(ctx context.Context, job *models.ExportJob, w io.Writer) (int, error) {
	fields := exportFields(job.Resource, job.Fields)
	enc, err := codec.NewEncoder(job.Format, w, fields)
	if err != nil {
		return 0, err
	}

	meter := codec.NewMeter(5*time.Second, func(r codec.MeterReport) {
		s.log.Debug().
			Str("job_id", job.ID).
			Int("rows", r.TotalRows).
			Float64("rows_per_sec", r.RowsPerSecond).
			Int64("elapsed_ms", r.ElapsedMs).
			Msg("Export progress")
	})

	batchSize := s.cfg.Export.BatchSize
	exported := 0
	page := 0

	for {
		records, err := s.listPage(ctx, job.Resource, job.Filters, batchSize, page*batchSize)
		if err != nil {
			return exported, fmt.Errorf("failed to read page %d: %w", page, err)
		}
		if len(records) == 0 {
			break
		}

		for _, record := range records {
			if fields != nil {
				record = projectRecord(record, fields)
			}
			if err := enc.Write(record); err != nil {
				return exported, err
			}
			exported++
		}
		meter.Add(len(records))

		page++
		if page%progressFlushInterval == 0 {
			current, err := s.repos.Jobs.FindExport(ctx, job.ID)
			if err == nil && current.Status == models.JobStatusCancelled {
				return exported, errJobCancelled
			}
			if err := s.repos.Jobs.UpdateExportProgress(ctx, job.ID, job.TotalRows, exported); err != nil {
				s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to flush export progress")
			}
		}

		if len(records) < batchSize {
			break
		}
	}

	meter.Finish()
	return exported, enc.Close()
}

// Stream runs an export inline for the synchronous endpoint. The encoded
// stream is produced page by page as the caller reads.
func (s *exportService) Stream(ctx context.Context, resource models.ResourceType, format models.Format, filters *models.ExportFilters, fields []string) (*StreamResult, error) {
	job := &models.ExportJob{
		ID:       uuid.New().String(),
		Resource: resource,
		Format:   format,
		Filters:  filters,
		Fields:   fields,
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := s.streamPages(ctx, job, pw)
		pw.CloseWithError(err)
	}()

	return &StreamResult{
		Reader:      pr,
		ContentType: format.ContentType(),
		FileName:    fmt.Sprintf("%s.%s", resource, format.Ext()),
	}, nil
}

// streamPages is encodePages without job-record bookkeeping, for the
// synchronous path.
func (s *exportService) streamPages(ctx context.Context, job *models.ExportJob, w io.Writer) (int, error) {
	fields := exportFields(job.Resource, job.Fields)
	enc, err := codec.NewEncoder(job.Format, w, fields)
	if err != nil {
		return 0, err
	}

	batchSize := s.cfg.Export.BatchSize
	exported := 0
	page := 0

	for {
		records, err := s.listPage(ctx, job.Resource, job.Filters, batchSize, page*batchSize)
		if err != nil {
			return exported, err
		}
		if len(records) == 0 {
			break
		}
		for _, record := range records {
			if fields != nil {
				record = projectRecord(record, fields)
			}
			if err := enc.Write(record); err != nil {
				return exported, err
			}
			exported++
		}
		page++
		if len(records) < batchSize {
			break
		}
	}

	return exported, enc.Close()
}

func (s *exportService) countFiltered(ctx context.Context, resource models.ResourceType, f *models.ExportFilters) (int, error) {
	switch resource {
	case models.ResourceUsers:
		return s.repos.User.CountFiltered(ctx, f)
	case models.ResourceArticles:
		return s.repos.Article.CountFiltered(ctx, f)
	case models.ResourceComments:
		return s.repos.Comment.CountFiltered(ctx, f)
	}
	return 0, fmt.Errorf("unknown resource: %s", resource)
}

// listPage reads one stable page and renders rows as wire-named record maps.
func (s *exportService) listPage(ctx context.Context, resource models.ResourceType, f *models.ExportFilters, limit, offset int) ([]map[string]any, error) {
	switch resource {
	case models.ResourceUsers:
		users, err := s.repos.User.ListPage(ctx, f, limit, offset)
		if err != nil {
			return nil, err
		}
		records := make([]map[string]any, len(users))
		for i, u := range users {
			records[i] = userRecord(u)
		}
		return records, nil
	case models.ResourceArticles:
		articles, err := s.repos.Article.ListPage(ctx, f, limit, offset)
		if err != nil {
			return nil, err
		}
		records := make([]map[string]any, len(articles))
		for i, a := range articles {
			records[i] = articleRecord(a)
		}
		return records, nil
	case models.ResourceComments:
		comments, err := s.repos.Comment.ListPage(ctx, f, limit, offset)
		if err != nil {
			return nil, err
		}
		records := make([]map[string]any, len(comments))
		for i, c := range comments {
			records[i] = commentRecord(c)
		}
		return records, nil
	}
	return nil, fmt.Errorf("unknown resource: %s", resource)
}

// Wire field names and ordering per resource. The order fixes the CSV header.

var userFieldOrder = []string{"id", "email", "name", "role", "active", "created_at", "updated_at"}
var articleFieldOrder = []string{"id", "slug", "title", "body", "author_id", "tags", "status", "published_at", "created_at", "updated_at"}
var commentFieldOrder = []string{"id", "article_id", "user_id", "body", "created_at", "updated_at"}

// exportFields resolves the effective projection: the caller's field list when
// given, otherwise the resource's full canonical order.
func exportFields(resource models.ResourceType, requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	switch resource {
	case models.ResourceUsers:
		return userFieldOrder
	case models.ResourceArticles:
		return articleFieldOrder
	case models.ResourceComments:
		return commentFieldOrder
	}
	return nil
}

func projectRecord(record map[string]any, fields []string) map[string]any {
	projected := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := record[f]; ok {
			projected[f] = v
		}
	}
	return projected
}

func userRecord(u *models.User) map[string]any {
	return map[string]any{
		"id":         u.ID,
		"email":      u.Email,
		"name":       u.Name,
		"role":       u.Role,
		"active":     u.Active,
		"created_at": u.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": u.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func articleRecord(a *models.Article) map[string]any {
	record := map[string]any{
		"id":         a.ID,
		"slug":       a.Slug,
		"title":      a.Title,
		"body":       a.Body,
		"author_id":  a.AuthorID,
		"tags":       a.Tags,
		"status":     a.Status,
		"created_at": a.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.PublishedAt != nil {
		record["published_at"] = a.PublishedAt.UTC().Format(time.RFC3339)
	} else {
		record["published_at"] = nil
	}
	return record
}

func commentRecord(c *models.Comment) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"article_id": c.ArticleID,
		"user_id":    c.UserID,
		"body":       c.Body,
		"created_at": c.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
