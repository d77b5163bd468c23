package mocks

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/repository"
)

var errNotFound = repository.ErrNotFound

// MockJobStore is an in-memory JobStore honoring the status lattice.
type MockJobStore struct {
	mu      sync.Mutex
	Imports map[string]*models.ImportJob
	Exports map[string]*models.ExportJob

	TransitionErr error
	FinalizeErr   error
	Transitions   []string
}

func NewMockJobStore() *MockJobStore {
	return &MockJobStore{
		Imports: make(map[string]*models.ImportJob),
		Exports: make(map[string]*models.ExportJob),
	}
}

func (m *MockJobStore) Transition(ctx context.Context, kind models.JobKind, id string, from, to models.JobStatus, up repository.TransitionUpdates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TransitionErr != nil {
		return m.TransitionErr
	}
	if !from.CanTransitionTo(to) {
		return repository.ErrInvalidTransition
	}

	status, ok := m.status(kind, id)
	if !ok {
		return repository.ErrNotFound
	}
	if status != from {
		return &repository.StatusConflictError{Current: status, Expected: from}
	}

	m.apply(kind, id, func(lockedBy *string, lockedAt, startedAt **time.Time, s *models.JobStatus, version *int64) {
		*s = to
		if up.LockedBy != nil {
			*lockedBy = *up.LockedBy
		}
		if up.LockedAt != nil {
			*lockedAt = up.LockedAt
		}
		if up.StartedAt != nil {
			*startedAt = up.StartedAt
		}
		*version++
	})
	m.Transitions = append(m.Transitions, id+":"+string(from)+"->"+string(to))
	return nil
}

func (m *MockJobStore) Finalize(ctx context.Context, kind models.JobKind, id string, terminal models.JobStatus, up repository.FinalizeUpdates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FinalizeErr != nil {
		return m.FinalizeErr
	}
	status, ok := m.status(kind, id)
	if !ok {
		return repository.ErrNotFound
	}
	if status != models.JobStatusProcessing {
		return nil // silent no-op, matching the real store
	}

	now := time.Now()
	if kind == models.JobKindImport {
		job := m.Imports[id]
		job.Status = terminal
		if up.Counters != nil {
			job.Counters = *up.Counters
		}
		job.Errors = up.Errors
		if up.Metrics != nil {
			job.Metrics = *up.Metrics
		}
		job.ErrorMessage = up.ErrorMessage
		job.LockedBy = ""
		job.LockedAt = nil
		job.CompletedAt = &now
		job.Version++
	} else {
		job := m.Exports[id]
		job.Status = terminal
		if up.TotalRows != nil {
			job.TotalRows = *up.TotalRows
		}
		if up.ExportedRows != nil {
			job.ExportedRows = *up.ExportedRows
		}
		if up.FileSize != nil {
			job.FileSize = *up.FileSize
		}
		if up.FileName != nil {
			job.FileName = *up.FileName
		}
		if up.DownloadURL != nil {
			job.DownloadURL = *up.DownloadURL
		}
		if up.ExpiresAt != nil {
			job.ExpiresAt = up.ExpiresAt
		}
		if up.Metrics != nil {
			job.Metrics = *up.Metrics
		}
		job.ErrorMessage = up.ErrorMessage
		job.LockedBy = ""
		job.LockedAt = nil
		job.CompletedAt = &now
		job.Version++
	}
	return nil
}

func (m *MockJobStore) status(kind models.JobKind, id string) (models.JobStatus, bool) {
	if kind == models.JobKindImport {
		if job, ok := m.Imports[id]; ok {
			return job.Status, true
		}
		return "", false
	}
	if job, ok := m.Exports[id]; ok {
		return job.Status, true
	}
	return "", false
}

func (m *MockJobStore) apply(kind models.JobKind, id string, fn func(*string, **time.Time, **time.Time, *models.JobStatus, *int64)) {
	if kind == models.JobKindImport {
		job := m.Imports[id]
		fn(&job.LockedBy, &job.LockedAt, &job.StartedAt, &job.Status, &job.Version)
		return
	}
	job := m.Exports[id]
	fn(&job.LockedBy, &job.LockedAt, &job.StartedAt, &job.Status, &job.Version)
}

func (m *MockJobStore) CreateImport(ctx context.Context, job *models.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Imports[job.ID] = job
	return nil
}

func (m *MockJobStore) CreateExport(ctx context.Context, job *models.ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Exports[job.ID] = job
	return nil
}

func (m *MockJobStore) FindImport(ctx context.Context, id string) (*models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Imports[id]; ok {
		copied := *job
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (m *MockJobStore) FindImportByIdempotencyKey(ctx context.Context, key string) (*models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.Imports {
		if job.IdempotencyKey == key {
			copied := *job
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *MockJobStore) FindExport(ctx context.Context, id string) (*models.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Exports[id]; ok {
		copied := *job
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (m *MockJobStore) UpdateImportProgress(ctx context.Context, id string, counters models.Counters, rowErrors []models.RowError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Imports[id]; ok {
		job.Counters = counters
		job.Errors = rowErrors
	}
	return nil
}

func (m *MockJobStore) UpdateExportProgress(ctx context.Context, id string, totalRows, exportedRows int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Exports[id]; ok {
		job.TotalRows = totalRows
		job.ExportedRows = exportedRows
	}
	return nil
}

func (m *MockJobStore) RefreshExportURL(ctx context.Context, id, url string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Exports[id]; ok && job.Status == models.JobStatusCompleted {
		job.DownloadURL = url
		job.ExpiresAt = &expiresAt
	}
	return nil
}

func (m *MockJobStore) ListStale(ctx context.Context, kind models.JobKind, staleBefore, lockStaleBefore time.Time) ([]repository.StaleJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []repository.StaleJob
	addIf := func(id string, status models.JobStatus, lockedBy string, startedAt, lockedAt *time.Time) {
		if status == models.JobStatusProcessing && startedAt != nil && startedAt.Before(staleBefore) {
			stale = append(stale, repository.StaleJob{ID: id, Status: status, LockedBy: lockedBy})
			return
		}
		if lockedBy != "" && lockedAt != nil && lockedAt.Before(lockStaleBefore) &&
			(status == models.JobStatusPending || status == models.JobStatusProcessing) {
			stale = append(stale, repository.StaleJob{ID: id, Status: status, LockedBy: lockedBy})
		}
	}
	if kind == models.JobKindImport {
		for id, job := range m.Imports {
			addIf(id, job.Status, job.LockedBy, job.StartedAt, job.LockedAt)
		}
	} else {
		for id, job := range m.Exports {
			addIf(id, job.Status, job.LockedBy, job.StartedAt, job.LockedAt)
		}
	}
	return stale, nil
}

func (m *MockJobStore) ResetStale(ctx context.Context, kind models.JobKind, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == models.JobKindImport {
		if job, ok := m.Imports[id]; ok && job.Status == models.JobStatusProcessing {
			job.Status = models.JobStatusPending
			job.LockedBy = ""
			job.LockedAt = nil
			job.StartedAt = nil
			job.ErrorMessage = reason
			job.Version++
		}
		return nil
	}
	if job, ok := m.Exports[id]; ok && job.Status == models.JobStatusProcessing {
		job.Status = models.JobStatusPending
		job.LockedBy = ""
		job.LockedAt = nil
		job.StartedAt = nil
		job.ErrorMessage = reason
		job.Version++
	}
	return nil
}

func (m *MockJobStore) FailStale(ctx context.Context, kind models.JobKind, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if kind == models.JobKindImport {
		if job, ok := m.Imports[id]; ok {
			job.Status = models.JobStatusFailed
			job.LockedBy = ""
			job.LockedAt = nil
			job.ErrorMessage = reason
			job.CompletedAt = &now
			job.Version++
		}
		return nil
	}
	if job, ok := m.Exports[id]; ok {
		job.Status = models.JobStatusFailed
		job.LockedBy = ""
		job.LockedAt = nil
		job.ErrorMessage = reason
		job.CompletedAt = &now
		job.Version++
	}
	return nil
}

// MockPublisher records published job payloads.
type MockPublisher struct {
	mu        sync.Mutex
	Published []*models.JobData
	Err       error
}

func (m *MockPublisher) Publish(ctx context.Context, data *models.JobData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Published = append(m.Published, data)
	return nil
}

// MockUserRepository serves export paging from an in-memory slice.
// UpsertErrs injects per-row failures by email.
type MockUserRepository struct {
	Users      []*models.User
	UpsertErrs map[string]error
}

func (m *MockUserRepository) ExistingEmails(ctx context.Context, tx *sql.Tx, emails []string) (map[string]string, error) {
	existing := make(map[string]string)
	for _, u := range m.Users {
		existing[u.Email] = u.ID
	}
	result := make(map[string]string)
	for _, e := range emails {
		if id, ok := existing[e]; ok {
			result[e] = id
		}
	}
	return result, nil
}

func (m *MockUserRepository) IDsExist(ctx context.Context, tx *sql.Tx, ids []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for _, u := range m.Users {
		known[u.ID] = true
	}
	result := make(map[string]bool)
	for _, id := range ids {
		if known[id] {
			result[id] = true
		}
	}
	return result, nil
}

func (m *MockUserRepository) UpsertTx(ctx context.Context, tx *sql.Tx, user *models.User) error {
	if err, ok := m.UpsertErrs[user.Email]; ok {
		return err
	}
	for i, u := range m.Users {
		if u.Email == user.Email {
			m.Users[i] = user
			return nil
		}
	}
	m.Users = append(m.Users, user)
	return nil
}

func (m *MockUserRepository) Count(ctx context.Context) (int, error) {
	return len(m.Users), nil
}

func (m *MockUserRepository) CountFiltered(ctx context.Context, f *models.ExportFilters) (int, error) {
	return len(m.Users), nil
}

func (m *MockUserRepository) ListPage(ctx context.Context, f *models.ExportFilters, limit, offset int) ([]*models.User, error) {
	sorted := make([]*models.User, len(m.Users))
	copy(sorted, m.Users)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	if offset >= len(sorted) {
		return nil, nil
	}
	end := offset + limit
	if end > len(sorted) {
		end = len(sorted)
	}
	return sorted[offset:end], nil
}

// MockArticleRepository serves export paging from an in-memory slice.
// UpsertErrs injects per-row failures by slug.
type MockArticleRepository struct {
	Articles   []*models.Article
	UpsertErrs map[string]error
}

func (m *MockArticleRepository) ExistingSlugs(ctx context.Context, tx *sql.Tx, slugs []string) (map[string]string, error) {
	existing := make(map[string]string)
	for _, a := range m.Articles {
		existing[a.Slug] = a.ID
	}
	result := make(map[string]string)
	for _, s := range slugs {
		if id, ok := existing[s]; ok {
			result[s] = id
		}
	}
	return result, nil
}

func (m *MockArticleRepository) IDsExist(ctx context.Context, tx *sql.Tx, ids []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for _, a := range m.Articles {
		known[a.ID] = true
	}
	result := make(map[string]bool)
	for _, id := range ids {
		if known[id] {
			result[id] = true
		}
	}
	return result, nil
}

func (m *MockArticleRepository) UpsertTx(ctx context.Context, tx *sql.Tx, article *models.Article) error {
	if err, ok := m.UpsertErrs[article.Slug]; ok {
		return err
	}
	for i, a := range m.Articles {
		if a.Slug == article.Slug {
			m.Articles[i] = article
			return nil
		}
	}
	m.Articles = append(m.Articles, article)
	return nil
}

func (m *MockArticleRepository) Count(ctx context.Context) (int, error) {
	return len(m.Articles), nil
}

func (m *MockArticleRepository) CountFiltered(ctx context.Context, f *models.ExportFilters) (int, error) {
	return len(m.Articles), nil
}

func (m *MockArticleRepository) ListPage(ctx context.Context, f *models.ExportFilters, limit, offset int) ([]*models.Article, error) {
	if offset >= len(m.Articles) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.Articles) {
		end = len(m.Articles)
	}
	return m.Articles[offset:end], nil
}

// MockCommentRepository serves export paging from an in-memory slice.
// UpsertErrs injects per-row failures by comment id.
type MockCommentRepository struct {
	Comments   []*models.Comment
	UpsertErrs map[string]error
}

func (m *MockCommentRepository) UpsertTx(ctx context.Context, tx *sql.Tx, comment *models.Comment) error {
	if err, ok := m.UpsertErrs[comment.ID]; ok {
		return err
	}
	for i, c := range m.Comments {
		if c.ID == comment.ID {
			m.Comments[i] = comment
			return nil
		}
	}
	m.Comments = append(m.Comments, comment)
	return nil
}

func (m *MockCommentRepository) Count(ctx context.Context) (int, error) {
	return len(m.Comments), nil
}

func (m *MockCommentRepository) CountFiltered(ctx context.Context, f *models.ExportFilters) (int, error) {
	return len(m.Comments), nil
}

func (m *MockCommentRepository) ListPage(ctx context.Context, f *models.ExportFilters, limit, offset int) ([]*models.Comment, error) {
	if offset >= len(m.Comments) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.Comments) {
		return m.Comments[offset:], nil
	}
	return m.Comments[offset:end], nil
}
