package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/lock"
	"github.com/bulk-jobs-api/internal/mocks"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(t *testing.T, restart bool) (*Sweeper, *mocks.MockJobStore, *mocks.MockPublisher) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	jobs := mocks.NewMockJobStore()
	publisher := &mocks.MockPublisher{}
	cfg := &config.WorkerConfig{
		SweepInterval:      5 * time.Minute,
		StaleThreshold:     30 * time.Minute,
		StaleLockThreshold: 10 * time.Minute,
		RestartStaleJobs:   restart,
	}

	s := NewSweeper(jobs, lock.NewManager(client, zerolog.Nop()), publisher, cfg, zerolog.Nop())
	return s, jobs, publisher
}

func staleProcessingImport(id, owner string, age time.Duration) *models.ImportJob {
	started := time.Now().Add(-age)
	return &models.ImportJob{
		ID:         id,
		Resource:   models.ResourceUsers,
		Status:     models.JobStatusProcessing,
		StorageKey: "imports/x/" + id + "/f.csv",
		FileFormat: models.FormatCSV,
		StartedAt:  &started,
		LockedBy:   owner,
		LockedAt:   &started,
	}
}

func TestSweepRestartsStaleProcessingJob(t *testing.T) {
	s, jobs, publisher := newTestSweeper(t, true)
	ctx := context.Background()

	jobs.Imports["stale-1"] = staleProcessingImport("stale-1", "node-dead", time.Hour)

	require.NoError(t, s.sweep(ctx))

	job, err := jobs.FindImport(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Empty(t, job.LockedBy)
	assert.Nil(t, job.StartedAt)
	assert.Contains(t, job.ErrorMessage, "node-dead")

	// Restarted jobs are re-enqueued for redelivery.
	require.Len(t, publisher.Published, 1)
	assert.Equal(t, "stale-1", publisher.Published[0].JobID)
	assert.Equal(t, models.JobKindImport, publisher.Published[0].Kind)
}

func TestSweepFailsStaleJobWhenRestartDisabled(t *testing.T) {
	s, jobs, publisher := newTestSweeper(t, false)
	ctx := context.Background()

	jobs.Imports["stale-2"] = staleProcessingImport("stale-2", "node-gone", time.Hour)

	require.NoError(t, s.sweep(ctx))

	job, err := jobs.FindImport(ctx, "stale-2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Empty(t, job.LockedBy)
	assert.NotNil(t, job.CompletedAt)
	assert.Contains(t, job.ErrorMessage, "node-gone")
	assert.Empty(t, publisher.Published)
}

func TestSweepIgnoresFreshJobs(t *testing.T) {
	s, jobs, publisher := newTestSweeper(t, true)
	ctx := context.Background()

	jobs.Imports["fresh"] = staleProcessingImport("fresh", "node-live", time.Minute)

	require.NoError(t, s.sweep(ctx))

	job, _ := jobs.FindImport(ctx, "fresh")
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Empty(t, publisher.Published)
}

func TestSweepFailsPendingJobWithStaleLock(t *testing.T) {
	s, jobs, _ := newTestSweeper(t, true)
	ctx := context.Background()

	lockedAt := time.Now().Add(-time.Hour)
	jobs.Exports["stuck-lock"] = &models.ExportJob{
		ID:       "stuck-lock",
		Resource: models.ResourceUsers,
		Format:   models.FormatNDJSON,
		Status:   models.JobStatusPending,
		LockedBy: "node-zombie",
		LockedAt: &lockedAt,
	}

	require.NoError(t, s.sweep(ctx))

	// Pending with a dead lock: restart only applies to processing, so the
	// job is failed.
	job, err := jobs.FindExport(ctx, "stuck-lock")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "node-zombie")
}
