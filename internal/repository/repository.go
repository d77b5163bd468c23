package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/bulk-jobs-api/internal/database"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/rs/zerolog"
)

// UserRepository defines the interface for user data operations
type UserRepository interface {
	ExistingEmails(ctx context.Context, tx *sql.Tx, emails []string) (map[string]string, error)
	IDsExist(ctx context.Context, tx *sql.Tx, ids []string) (map[string]bool, error)
	UpsertTx(ctx context.Context, tx *sql.Tx, user *models.User) error
	Count(ctx context.Context) (int, error)
	CountFiltered(ctx context.Context, f *models.ExportFilters) (int, error)
	ListPage(ctx context.Context, f *models.ExportFilters, limit, offset int) ([]*models.User, error)
}

// ArticleRepository defines the interface for article data operations
type ArticleRepository interface {
	ExistingSlugs(ctx context.Context, tx *sql.Tx, slugs []string) (map[string]string, error)
	IDsExist(ctx context.Context, tx *sql.Tx, ids []string) (map[string]bool, error)
	UpsertTx(ctx context.Context, tx *sql.Tx, article *models.Article) error
	Count(ctx context.Context) (int, error)
	CountFiltered(ctx context.Context, f *models.ExportFilters) (int, error)
	ListPage(ctx context.Context, f *models.ExportFilters, limit, offset int) ([]*models.Article, error)
}

// CommentRepository defines the interface for comment data operations
type CommentRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, comment *models.Comment) error
	Count(ctx context.Context) (int, error)
	CountFiltered(ctx context.Context, f *models.ExportFilters) (int, error)
	ListPage(ctx context.Context, f *models.ExportFilters, limit, offset int) ([]*models.Comment, error)
}

// JobStore persists import and export job records. Transition and Finalize are
// the only operations allowed to change a job's status.
type JobStore interface {
	Transition(ctx context.Context, kind models.JobKind, id string, from, to models.JobStatus, up TransitionUpdates) error
	Finalize(ctx context.Context, kind models.JobKind, id string, terminal models.JobStatus, up FinalizeUpdates) error

	CreateImport(ctx context.Context, job *models.ImportJob) error
	CreateExport(ctx context.Context, job *models.ExportJob) error
	FindImport(ctx context.Context, id string) (*models.ImportJob, error)
	FindImportByIdempotencyKey(ctx context.Context, key string) (*models.ImportJob, error)
	FindExport(ctx context.Context, id string) (*models.ExportJob, error)

	UpdateImportProgress(ctx context.Context, id string, counters models.Counters, rowErrors []models.RowError) error
	UpdateExportProgress(ctx context.Context, id string, totalRows, exportedRows int) error
	RefreshExportURL(ctx context.Context, id, url string, expiresAt time.Time) error

	ListStale(ctx context.Context, kind models.JobKind, staleBefore, lockStaleBefore time.Time) ([]StaleJob, error)
	ResetStale(ctx context.Context, kind models.JobKind, id, reason string) error
	FailStale(ctx context.Context, kind models.JobKind, id, reason string) error
}

// Repositories holds all repository interfaces
type Repositories struct {
	User    UserRepository
	Article ArticleRepository
	Comment CommentRepository
	Jobs    JobStore
}

// New creates all repositories with the given database connection
func New(db *database.DB, log zerolog.Logger) *Repositories {
	return &Repositories{
		User:    NewUserRepo(db),
		Article: NewArticleRepo(db),
		Comment: NewCommentRepo(db),
		Jobs:    NewJobStore(db, log),
	}
}
