package service

import (
	"context"
	"io"
	"time"

	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/lock"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/repository"
	"github.com/bulk-jobs-api/internal/storage"
	"github.com/rs/zerolog"
)

// Upload describes an incoming import file handed over by the HTTP layer.
type Upload struct {
	Reader   io.Reader
	FileName string
	Size     int64
}

// StreamResult is a synchronous export handed back to the HTTP layer, which
// pipes Reader to the client.
type StreamResult struct {
	Reader      io.ReadCloser
	ContentType string
	FileName    string
}

// ImportService drives bulk import jobs end to end.
type ImportService interface {
	// CreateJob stores the upload, persists a pending job and enqueues it.
	// A matching idempotency key short-circuits to the existing job.
	CreateJob(ctx context.Context, req *models.ImportRequest, upload *Upload) (*models.ImportJob, bool, error)

	// Process is the worker entrypoint for one queue delivery.
	Process(ctx context.Context, data *models.JobData) error

	GetJob(ctx context.Context, id string) (*models.ImportJob, error)
}

// ExportService drives bulk export jobs and synchronous streaming exports.
type ExportService interface {
	CreateJob(ctx context.Context, req *models.ExportRequest) (*models.ExportJob, error)

	// Process is the worker entrypoint for one queue delivery.
	Process(ctx context.Context, data *models.JobData) error

	// GetJob refreshes the presigned download URL when it is about to expire.
	GetJob(ctx context.Context, id string) (*models.ExportJob, error)

	// Stream runs an export inline and returns the encoded byte stream.
	Stream(ctx context.Context, resource models.ResourceType, format models.Format, filters *models.ExportFilters, fields []string) (*StreamResult, error)

	GetCount(ctx context.Context, resource models.ResourceType) (int, error)
}

// Publisher is the queue surface the services need.
type Publisher interface {
	Publish(ctx context.Context, data *models.JobData) error
}

// LockManager is the lock surface the orchestrators need.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration) (*lock.Lock, error)
	Release(ctx context.Context, l *lock.Lock) (bool, error)
	NodeID() string
}

// Services holds all service interfaces
type Services struct {
	Import ImportService
	Export ExportService
}

// Deps bundles the process-wide collaborators passed into the services.
// Explicit wiring, no package-level state.
type Deps struct {
	Tx      TxRunner
	Repos   *repository.Repositories
	Locks   LockManager
	Queue   Publisher
	Storage storage.ObjectStore
	Config  *config.Config
	Log     zerolog.Logger
}

// NewServices creates all services
func NewServices(d Deps) *Services {
	return &Services{
		Import: newImportService(d),
		Export: newExportService(d),
	}
}

// progressFlushInterval is how many batches pass between persisted progress
// snapshots and cancellation checks.
const progressFlushInterval = 10
