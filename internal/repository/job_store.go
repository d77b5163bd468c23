package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bulk-jobs-api/internal/database"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a job row does not exist.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition is returned for transitions outside the status lattice.
var ErrInvalidTransition = errors.New("invalid status transition")

// StatusConflictError reports a transition that found the job in an
// unexpected state. Exactly one of two racing transitions sees this.
type StatusConflictError struct {
	Current  models.JobStatus
	Expected models.JobStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("status is %s, expected %s", e.Current, e.Expected)
}

// TransitionUpdates carries the fields applied together with a status change.
type TransitionUpdates struct {
	LockedBy  *string
	LockedAt  *time.Time
	StartedAt *time.Time
}

// FinalizeUpdates carries the fields applied when a job reaches a terminal
// status. Nil fields are left untouched.
type FinalizeUpdates struct {
	Counters     *models.Counters
	Errors       []models.RowError
	Metrics      *models.JobMetrics
	ErrorMessage string

	// export-only
	TotalRows    *int
	ExportedRows *int
	FileSize     *int64
	FileName     *string
	DownloadURL  *string
	ExpiresAt    *time.Time
}

// StaleJob is one reclaim candidate found by the sweeper.
type StaleJob struct {
	ID       string
	Status   models.JobStatus
	LockedBy string
}

// jobStore persists both job kinds. All status changes go through Transition
// and Finalize; nothing else writes the status column.
type jobStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewJobStore creates the job store.
func NewJobStore(db *database.DB, log zerolog.Logger) JobStore {
	return &jobStore{
		db:  db,
		log: log.With().Str("component", "job_store").Logger(),
	}
}

func tableFor(kind models.JobKind) string {
	if kind == models.JobKindExport {
		return "export_jobs"
	}
	return "import_jobs"
}

// Transition atomically moves a job from one status to another. It opens a
// SERIALIZABLE transaction, locks the row, verifies the current status, then
// applies the updates and bumps the version.
func (s *jobStore) Transition(ctx context.Context, kind models.JobKind, id string, from, to models.JobStatus, up TransitionUpdates) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	table := tableFor(kind)

	var current models.JobStatus
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT status FROM %s WHERE id = $1 FOR UPDATE", table), id,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if current != from {
		return &StatusConflictError{Current: current, Expected: from}
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $1,
			locked_by = COALESCE($2, locked_by),
			locked_at = COALESCE($3, locked_at),
			started_at = COALESCE($4, started_at),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $5
	`, table)
	if _, err := tx.ExecContext(ctx, query, to, up.LockedBy, up.LockedAt, up.StartedAt, id); err != nil {
		return err
	}

	return tx.Commit()
}

// Finalize moves a processing job to a terminal status and clears ownership.
// A job no longer in processing is left untouched: a lost lock means another
// node owns the record now, so this node's result is discarded with a warning.
func (s *jobStore) Finalize(ctx context.Context, kind models.JobKind, id string, terminal models.JobStatus, up FinalizeUpdates) error {
	if !terminal.IsTerminal() {
		return fmt.Errorf("%w: finalize to %s", ErrInvalidTransition, terminal)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	table := tableFor(kind)

	var current models.JobStatus
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT status FROM %s WHERE id = $1 FOR UPDATE", table), id,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if current != models.JobStatusProcessing {
		s.log.Warn().
			Str("job_id", id).
			Str("status", string(current)).
			Str("terminal", string(terminal)).
			Msg("Finalize skipped: job is not processing")
		return nil
	}

	metricsJSON, err := marshalOrNull(up.Metrics)
	if err != nil {
		return err
	}

	if kind == models.JobKindImport {
		errorsJSON, err := json.Marshal(up.Errors)
		if err != nil {
			return err
		}
		counters := up.Counters
		if counters == nil {
			counters = &models.Counters{}
		}
		query := `
			UPDATE import_jobs SET
				status = $1,
				total_rows = $2, processed_rows = $3, successful_rows = $4,
				failed_rows = $5, skipped_rows = $6,
				errors = $7, metrics = $8, error_message = NULLIF($9, ''),
				locked_by = NULL, locked_at = NULL,
				completed_at = NOW(), version = version + 1, updated_at = NOW()
			WHERE id = $10
		`
		if _, err := tx.ExecContext(ctx, query,
			terminal, counters.Total, counters.Processed, counters.Successful,
			counters.Failed, counters.Skipped, errorsJSON, metricsJSON,
			up.ErrorMessage, id,
		); err != nil {
			return err
		}
	} else {
		query := `
			UPDATE export_jobs SET
				status = $1,
				total_rows = COALESCE($2, total_rows),
				exported_rows = COALESCE($3, exported_rows),
				file_size = COALESCE($4, file_size),
				file_name = COALESCE($5, file_name),
				download_url = COALESCE($6, download_url),
				expires_at = COALESCE($7, expires_at),
				metrics = $8, error_message = NULLIF($9, ''),
				locked_by = NULL, locked_at = NULL,
				completed_at = NOW(), version = version + 1, updated_at = NOW()
			WHERE id = $10
		`
		if _, err := tx.ExecContext(ctx, query,
			terminal, up.TotalRows, up.ExportedRows, up.FileSize, up.FileName,
			up.DownloadURL, up.ExpiresAt, metricsJSON, up.ErrorMessage, id,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CreateImport inserts a new import job in pending status.
func (s *jobStore) CreateImport(ctx context.Context, job *models.ImportJob) error {
	query := `
		INSERT INTO import_jobs (
			id, idempotency_key, resource_type, status, file_url, storage_key,
			file_name, file_size, file_format, errors, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '[]', NOW(), NOW())
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, nullString(job.IdempotencyKey), job.Resource, job.Status,
		nullString(job.FileURL), nullString(job.StorageKey),
		nullString(job.FileName), job.FileSize, job.FileFormat,
	)
	return err
}

// CreateExport inserts a new export job in pending status.
func (s *jobStore) CreateExport(ctx context.Context, job *models.ExportJob) error {
	filtersJSON, err := marshalOrNull(job.Filters)
	if err != nil {
		return err
	}
	fieldsJSON, err := marshalOrNull(job.Fields)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO export_jobs (
			id, resource_type, format, status, filters, fields, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID, job.Resource, job.Format, job.Status, filtersJSON, fieldsJSON,
	)
	return err
}

const importColumns = `
	id, idempotency_key, resource_type, status, file_url, storage_key,
	file_name, file_size, file_format,
	total_rows, processed_rows, successful_rows, failed_rows, skipped_rows,
	errors, metrics, error_message, started_at, completed_at,
	locked_by, locked_at, version, created_at, updated_at
`

// FindImport retrieves an import job by ID. Returns ErrNotFound when absent.
func (s *jobStore) FindImport(ctx context.Context, id string) (*models.ImportJob, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM import_jobs WHERE id = $1", importColumns), id)
	return scanImportJob(row)
}

// FindImportByIdempotencyKey retrieves an import job by its idempotency key.
func (s *jobStore) FindImportByIdempotencyKey(ctx context.Context, key string) (*models.ImportJob, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM import_jobs WHERE idempotency_key = $1", importColumns), key)
	return scanImportJob(row)
}

func scanImportJob(row *sql.Row) (*models.ImportJob, error) {
	var job models.ImportJob
	var idempotencyKey, fileURL, storageKey, fileName, errorMessage, lockedBy sql.NullString
	var fileSize sql.NullInt64
	var errorsJSON, metricsJSON []byte
	var startedAt, completedAt, lockedAt sql.NullTime

	err := row.Scan(
		&job.ID, &idempotencyKey, &job.Resource, &job.Status, &fileURL, &storageKey,
		&fileName, &fileSize, &job.FileFormat,
		&job.Total, &job.Processed, &job.Successful, &job.Failed, &job.Skipped,
		&errorsJSON, &metricsJSON, &errorMessage, &startedAt, &completedAt,
		&lockedBy, &lockedAt, &job.Version, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	job.IdempotencyKey = idempotencyKey.String
	job.FileURL = fileURL.String
	job.StorageKey = storageKey.String
	job.FileName = fileName.String
	job.FileSize = fileSize.Int64
	job.ErrorMessage = errorMessage.String
	job.LockedBy = lockedBy.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if lockedAt.Valid {
		job.LockedAt = &lockedAt.Time
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &job.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode job errors: %w", err)
		}
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &job.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode job metrics: %w", err)
		}
	}

	return &job, nil
}

const exportColumns = `
	id, resource_type, format, status, filters, fields,
	download_url, file_name, file_size, total_rows, exported_rows,
	metrics, error_message, expires_at, started_at, completed_at,
	locked_by, locked_at, version, created_at, updated_at
`

// FindExport retrieves an export job by ID. Returns ErrNotFound when absent.
func (s *jobStore) FindExport(ctx context.Context, id string) (*models.ExportJob, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM export_jobs WHERE id = $1", exportColumns), id)
	return scanExportJob(row)
}

func scanExportJob(row *sql.Row) (*models.ExportJob, error) {
	var job models.ExportJob
	var downloadURL, fileName, errorMessage, lockedBy sql.NullString
	var fileSize sql.NullInt64
	var filtersJSON, fieldsJSON, metricsJSON []byte
	var expiresAt, startedAt, completedAt, lockedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.Resource, &job.Format, &job.Status, &filtersJSON, &fieldsJSON,
		&downloadURL, &fileName, &fileSize, &job.TotalRows, &job.ExportedRows,
		&metricsJSON, &errorMessage, &expiresAt, &startedAt, &completedAt,
		&lockedBy, &lockedAt, &job.Version, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	job.DownloadURL = downloadURL.String
	job.FileName = fileName.String
	job.FileSize = fileSize.Int64
	job.ErrorMessage = errorMessage.String
	job.LockedBy = lockedBy.String
	if expiresAt.Valid {
		job.ExpiresAt = &expiresAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if lockedAt.Valid {
		job.LockedAt = &lockedAt.Time
	}
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &job.Filters); err != nil {
			return nil, fmt.Errorf("failed to decode export filters: %w", err)
		}
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &job.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode export fields: %w", err)
		}
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &job.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode job metrics: %w", err)
		}
	}

	return &job, nil
}

// UpdateImportProgress writes a non-transactional counter snapshot. The single
// owning node only moves counters forward, so a lost race is harmless.
func (s *jobStore) UpdateImportProgress(ctx context.Context, id string, counters models.Counters, rowErrors []models.RowError) error {
	errorsJSON, err := json.Marshal(rowErrors)
	if err != nil {
		return err
	}
	query := `
		UPDATE import_jobs SET
			total_rows = $1, processed_rows = $2, successful_rows = $3,
			failed_rows = $4, skipped_rows = $5, errors = $6, updated_at = NOW()
		WHERE id = $7
	`
	_, err = s.db.ExecContext(ctx, query,
		counters.Total, counters.Processed, counters.Successful,
		counters.Failed, counters.Skipped, errorsJSON, id,
	)
	return err
}

// UpdateExportProgress writes a non-transactional progress snapshot.
func (s *jobStore) UpdateExportProgress(ctx context.Context, id string, totalRows, exportedRows int) error {
	query := `
		UPDATE export_jobs SET total_rows = $1, exported_rows = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := s.db.ExecContext(ctx, query, totalRows, exportedRows, id)
	return err
}

// RefreshExportURL persists a regenerated presigned URL. Allowed on completed
// jobs; the only post-terminal write.
func (s *jobStore) RefreshExportURL(ctx context.Context, id, url string, expiresAt time.Time) error {
	query := `
		UPDATE export_jobs SET download_url = $1, expires_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	_, err := s.db.ExecContext(ctx, query, url, expiresAt, id, models.JobStatusCompleted)
	return err
}

// ListStale returns reclaim candidates for one job kind: processing jobs whose
// started_at predates the stale threshold, and locked jobs whose locked_at
// predates the lock threshold.
func (s *jobStore) ListStale(ctx context.Context, kind models.JobKind, staleBefore, lockStaleBefore time.Time) ([]StaleJob, error) {
	query := fmt.Sprintf(`
		SELECT id, status, COALESCE(locked_by, '')
		FROM %s
		WHERE (status = $1 AND started_at < $2)
		   OR (locked_by IS NOT NULL AND locked_at < $3 AND status = ANY($4))
		ORDER BY created_at
	`, tableFor(kind))

	rows, err := s.db.QueryContext(ctx, query,
		models.JobStatusProcessing, staleBefore, lockStaleBefore,
		pq.Array([]string{string(models.JobStatusPending), string(models.JobStatusProcessing)}),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var stale []StaleJob
	for rows.Next() {
		var j StaleJob
		if err := rows.Scan(&j.ID, &j.Status, &j.LockedBy); err != nil {
			return nil, err
		}
		if seen[j.ID] {
			continue
		}
		seen[j.ID] = true
		stale = append(stale, j)
	}
	return stale, rows.Err()
}

// ResetStale returns a stuck processing job to pending so the queue can
// redeliver it. Ownership and started_at are cleared in the same transaction.
func (s *jobStore) ResetStale(ctx context.Context, kind models.JobKind, id, reason string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $1, locked_by = NULL, locked_at = NULL, started_at = NULL,
			error_message = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, tableFor(kind))
	_, err := s.db.ExecContext(ctx, query,
		models.JobStatusPending, reason, id, models.JobStatusProcessing)
	return err
}

// FailStale marks an abandoned job failed, recording the prior owner.
func (s *jobStore) FailStale(ctx context.Context, kind models.JobKind, id, reason string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $1, locked_by = NULL, locked_at = NULL,
			completed_at = NOW(), error_message = $2,
			version = version + 1, updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
	`, tableFor(kind))
	_, err := s.db.ExecContext(ctx, query,
		models.JobStatusFailed, reason, id,
		pq.Array([]string{string(models.JobStatusPending), string(models.JobStatusProcessing)}))
	return err
}

func marshalOrNull(v any) ([]byte, error) {
	switch val := v.(type) {
	case *models.JobMetrics:
		if val == nil {
			return nil, nil
		}
	case *models.ExportFilters:
		if val == nil {
			return nil, nil
		}
	case []string:
		if val == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	return json.Marshal(v)
}

// helper to convert empty string to NULL
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
