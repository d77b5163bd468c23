package models

import (
	"time"
)

// JobStatus represents the status of an import/export job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> to is an allowed transition.
// pending -> processing -> {completed, failed}; pending/processing -> cancelled.
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	switch s {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCancelled
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled
	}
	return false
}

// JobKind distinguishes the two job tables
type JobKind string

const (
	JobKindImport JobKind = "import"
	JobKindExport JobKind = "export"
)

// ResourceType identifies the domain a job operates on
type ResourceType string

const (
	ResourceUsers    ResourceType = "users"
	ResourceArticles ResourceType = "articles"
	ResourceComments ResourceType = "comments"
)

// Valid reports whether the resource type is one of the supported domains.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceUsers, ResourceArticles, ResourceComments:
		return true
	}
	return false
}

// MaxJobErrors caps the number of row errors persisted per job.
// Rows beyond the cap still increment counters.
const MaxJobErrors = 100

// maxErrorValueLen bounds the offending value stored with a row error.
const maxErrorValueLen = 100

// RowError records a single failed input row
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// TruncateValue shortens v for storage in a RowError.
func TruncateValue(v string) string {
	runes := []rune(v)
	if len(runes) <= maxErrorValueLen {
		return v
	}
	return string(runes[:maxErrorValueLen]) + "…"
}

// AppendRowErrors appends errs to list respecting the MaxJobErrors cap.
func AppendRowErrors(list []RowError, errs ...RowError) []RowError {
	for _, e := range errs {
		if len(list) >= MaxJobErrors {
			break
		}
		e.Value = TruncateValue(e.Value)
		list = append(list, e)
	}
	return list
}

// Counters tracks row accounting for a job
type Counters struct {
	Total      int `json:"total_rows"`
	Processed  int `json:"processed_rows"`
	Successful int `json:"successful_rows"`
	Failed     int `json:"failed_rows"`
	Skipped    int `json:"skipped_rows"`
}

// Add accumulates another set of counters.
func (c *Counters) Add(o Counters) {
	c.Total += o.Total
	c.Processed += o.Processed
	c.Successful += o.Successful
	c.Failed += o.Failed
	c.Skipped += o.Skipped
}

// JobMetrics is populated when a job finalizes
type JobMetrics struct {
	RowsPerSecond float64 `json:"rows_per_second,omitempty"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
	ErrorRate     float64 `json:"error_rate,omitempty"`
	TotalBytes    int64   `json:"total_bytes,omitempty"`
}

// ImportJob is the durable record for one bulk import
type ImportJob struct {
	ID             string       `json:"job_id" db:"id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Resource       ResourceType `json:"resource" db:"resource_type"`
	Status         JobStatus    `json:"status" db:"status"`
	FileURL        string       `json:"file_url,omitempty" db:"file_url"`
	StorageKey     string       `json:"-" db:"storage_key"`
	FileName       string       `json:"file_name,omitempty" db:"file_name"`
	FileSize       int64        `json:"file_size,omitempty" db:"file_size"`
	FileFormat     Format       `json:"file_format" db:"file_format"`
	Counters
	Errors       []RowError `json:"errors,omitempty" db:"errors"`
	Metrics      JobMetrics `json:"metrics,omitempty" db:"metrics"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	LockedBy     string     `json:"-" db:"locked_by"`
	LockedAt     *time.Time `json:"-" db:"locked_at"`
	Version      int64      `json:"-" db:"version"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// ExportJob is the durable record for one bulk export
type ExportJob struct {
	ID           string         `json:"job_id" db:"id"`
	Resource     ResourceType   `json:"resource" db:"resource_type"`
	Format       Format         `json:"format" db:"format"`
	Status       JobStatus      `json:"status" db:"status"`
	Filters      *ExportFilters `json:"filters,omitempty" db:"filters"`
	Fields       []string       `json:"fields,omitempty" db:"fields"`
	DownloadURL  string         `json:"download_url,omitempty" db:"download_url"`
	FileName     string         `json:"file_name,omitempty" db:"file_name"`
	FileSize     int64          `json:"file_size,omitempty" db:"file_size"`
	TotalRows    int            `json:"total_rows" db:"total_rows"`
	ExportedRows int            `json:"exported_rows" db:"exported_rows"`
	Metrics      JobMetrics     `json:"metrics,omitempty" db:"metrics"`
	ErrorMessage string         `json:"error_message,omitempty" db:"error_message"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	LockedBy     string         `json:"-" db:"locked_by"`
	LockedAt     *time.Time     `json:"-" db:"locked_at"`
	Version      int64          `json:"-" db:"version"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// ExportFilters narrows the rows included in an export. Fields that do not
// apply to the requested resource are ignored by the query builder.
type ExportFilters struct {
	IDs           []string   `json:"ids,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	UpdatedAfter  *time.Time `json:"updated_after,omitempty"`
	UpdatedBefore *time.Time `json:"updated_before,omitempty"`
	Active        *bool      `json:"active,omitempty"`
	Status        string     `json:"status,omitempty"`
	AuthorID      string     `json:"author_id,omitempty"`
	ArticleID     string     `json:"article_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
}

// JobData is the queue payload delivered to workers
type JobData struct {
	JobID          string         `json:"job_id"`
	Kind           JobKind        `json:"kind"`
	Resource       ResourceType   `json:"resource_type"`
	StorageKey     string         `json:"storage_key,omitempty"`
	FileURL        string         `json:"file_url,omitempty"`
	FileFormat     Format         `json:"file_format,omitempty"`
	Format         Format         `json:"format,omitempty"`
	Filters        *ExportFilters `json:"filters,omitempty"`
	Fields         []string       `json:"fields,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ImportRequest represents an import job request
type ImportRequest struct {
	Resource       string `json:"resource" form:"resource"` // users, articles, comments
	FileURL        string `json:"file_url,omitempty"`       // Remote file URL
	Format         string `json:"format,omitempty"`         // Explicit format override
	IdempotencyKey string `json:"-"`                        // From header
}

// ExportRequest represents an export job request
type ExportRequest struct {
	Resource string         `json:"resource" form:"resource"` // users, articles, comments
	Format   string         `json:"format" form:"format"`     // json, ndjson, csv
	Filters  *ExportFilters `json:"filters,omitempty"`
	Fields   []string       `json:"fields,omitempty"` // Optional field projection
}
