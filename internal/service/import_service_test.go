package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/lock"
	"github.com/bulk-jobs-api/internal/mocks"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/repository"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	services *Services
	jobs     *mocks.MockJobStore
	store    *mocks.MockObjectStore
	queue    *mocks.MockPublisher
	locks    *lock.Manager
	tx       *mocks.MockTxRunner
	users    *mocks.MockUserRepository
	articles *mocks.MockArticleRepository
	comments *mocks.MockCommentRepository
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locks := lock.NewManager(client, zerolog.Nop())

	jobs := mocks.NewMockJobStore()
	store := mocks.NewMockObjectStore()
	publisher := &mocks.MockPublisher{}
	txRunner := &mocks.MockTxRunner{}
	users := &mocks.MockUserRepository{}
	articles := &mocks.MockArticleRepository{}
	comments := &mocks.MockCommentRepository{}

	repos := &repository.Repositories{
		User:    users,
		Article: articles,
		Comment: comments,
		Jobs:    jobs,
	}

	cfg := &config.Config{
		Import: config.ImportConfig{BatchSize: 1000, MaxUploadSize: 500 * 1024 * 1024},
		Export: config.ExportConfig{BatchSize: 2, URLExpiry: 24 * time.Hour},
		Worker: config.WorkerConfig{LockTTL: time.Minute},
	}

	services := NewServices(Deps{
		Tx:      txRunner,
		Repos:   repos,
		Locks:   locks,
		Queue:   publisher,
		Storage: store,
		Config:  cfg,
		Log:     zerolog.Nop(),
	})

	return &testHarness{
		services: services,
		jobs:     jobs,
		store:    store,
		queue:    publisher,
		locks:    locks,
		tx:       txRunner,
		users:    users,
		articles: articles,
		comments: comments,
	}
}

func TestCreateImportJobIdempotency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := &models.ImportRequest{Resource: "users", IdempotencyKey: "k1"}
	upload := &Upload{Reader: strings.NewReader("email,name\n"), FileName: "users.csv", Size: 11}

	job1, existing, err := h.services.Import.CreateJob(ctx, req, upload)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, models.JobStatusPending, job1.Status)
	assert.Len(t, h.queue.Published, 1)
	assert.NotEmpty(t, job1.StorageKey)

	// Same key again: same job back, no new upload, no new enqueue.
	upload2 := &Upload{Reader: strings.NewReader("other"), FileName: "users.csv", Size: 5}
	job2, existing, err := h.services.Import.CreateJob(ctx, req, upload2)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, job1.ID, job2.ID)
	assert.Len(t, h.queue.Published, 1)
	assert.Len(t, h.store.Objects, 1)
}

func TestImportProcessAllInvalidRowsCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	csv := "email,name,role,active\n" +
		"not-an-email,Alice,admin,true\n" +
		"bob@example.com,Bob,bogus-role,true\n" +
		"carol@example.com,,admin,maybe\n"
	h.store.Objects["imports/2024-01-01/j1/users.csv"] = []byte(csv)

	h.jobs.Imports["j1"] = &models.ImportJob{
		ID:         "j1",
		Resource:   models.ResourceUsers,
		Status:     models.JobStatusPending,
		StorageKey: "imports/2024-01-01/j1/users.csv",
		FileFormat: models.FormatCSV,
	}

	err := h.services.Import.Process(ctx, &models.JobData{
		JobID:      "j1",
		Kind:       models.JobKindImport,
		Resource:   models.ResourceUsers,
		StorageKey: "imports/2024-01-01/j1/users.csv",
		FileFormat: models.FormatCSV,
	})
	require.NoError(t, err)

	job, err := h.jobs.FindImport(ctx, "j1")
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 3, job.Processed)
	assert.Equal(t, 0, job.Successful)
	assert.Equal(t, 3, job.Failed)
	assert.NotEmpty(t, job.Errors)
	assert.Empty(t, job.LockedBy)
	assert.NotNil(t, job.CompletedAt)
	assert.Greater(t, job.Metrics.DurationMs, int64(-1))

	// The job lock was released.
	locked, err := h.locks.IsLocked(ctx, "import-job:j1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestImportProcessSecondDeliveryNoOps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.jobs.Imports["j2"] = &models.ImportJob{
		ID:         "j2",
		Resource:   models.ResourceUsers,
		Status:     models.JobStatusCompleted,
		FileFormat: models.FormatCSV,
	}

	err := h.services.Import.Process(ctx, &models.JobData{
		JobID:      "j2",
		Kind:       models.JobKindImport,
		Resource:   models.ResourceUsers,
		FileFormat: models.FormatCSV,
	})
	require.NoError(t, err)

	// Status untouched, no transitions recorded.
	job, _ := h.jobs.FindImport(ctx, "j2")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Empty(t, h.jobs.Transitions)
}

func TestImportProcessFatalSourceFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.jobs.Imports["j3"] = &models.ImportJob{
		ID:         "j3",
		Resource:   models.ResourceUsers,
		Status:     models.JobStatusPending,
		StorageKey: "missing-object",
		FileFormat: models.FormatCSV,
	}

	err := h.services.Import.Process(ctx, &models.JobData{
		JobID:      "j3",
		Kind:       models.JobKindImport,
		Resource:   models.ResourceUsers,
		StorageKey: "missing-object",
		FileFormat: models.FormatCSV,
	})
	require.Error(t, err) // bubbles to the queue for retry

	job, _ := h.jobs.FindImport(ctx, "j3")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)
	assert.Empty(t, job.LockedBy)
}

func TestImportProcessWholeFileJSONDecodeFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Objects["k"] = []byte(`{"not":"an array"}`)
	h.jobs.Imports["j4"] = &models.ImportJob{
		ID:         "j4",
		Resource:   models.ResourceUsers,
		Status:     models.JobStatusPending,
		StorageKey: "k",
		FileFormat: models.FormatJSON,
	}

	err := h.services.Import.Process(ctx, &models.JobData{
		JobID: "j4", Kind: models.JobKindImport,
		Resource: models.ResourceUsers, StorageKey: "k", FileFormat: models.FormatJSON,
	})
	require.Error(t, err)

	job, _ := h.jobs.FindImport(ctx, "j4")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "array")
}

func TestClassifyRowError(t *testing.T) {
	field, msg := classifyRowError(&pq.Error{Code: "23505", Constraint: "users_email_key"}, "email")
	assert.Equal(t, "email", field)
	assert.Contains(t, msg, "duplicate")

	field, _ = classifyRowError(&pq.Error{Code: "23503", Constraint: "articles_author_id_fkey"}, "slug")
	assert.Equal(t, "author_id", field)

	field, msg = classifyRowError(assertableErr("boom"), "email")
	assert.Empty(t, field)
	assert.Equal(t, "boom", msg)
}

type assertableErr string

func (e assertableErr) Error() string { return string(e) }

func TestFieldFromConstraint(t *testing.T) {
	assert.Equal(t, "author_id", fieldFromConstraint("articles_author_id_fkey"))
	assert.Equal(t, "email", fieldFromConstraint("users_email_key"))
	assert.Equal(t, "", fieldFromConstraint("mystery_constraint"))
}
