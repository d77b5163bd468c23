package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bulk-jobs-api/internal/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	authorUUID  = "550e8400-e29b-41d4-a716-446655440000"
	articleUUID = "650e8400-e29b-41d4-a716-446655440000"
	strayUUID   = "750e8400-e29b-41d4-a716-446655440000"
)

// seedImportJob registers a pending import job and its input file, returning
// the job data a queue delivery would carry.
func seedImportJob(h *testHarness, id string, resource models.ResourceType, format models.Format, content string) *models.JobData {
	key := "imports/2024-01-01/" + id + "/input." + format.Ext()
	h.store.Objects[key] = []byte(content)
	h.jobs.Imports[id] = &models.ImportJob{
		ID:         id,
		Resource:   resource,
		Status:     models.JobStatusPending,
		StorageKey: key,
		FileFormat: format,
	}
	return &models.JobData{
		JobID:      id,
		Kind:       models.JobKindImport,
		Resource:   resource,
		StorageKey: key,
		FileFormat: format,
	}
}

func findError(errs []models.RowError, row int, field string) *models.RowError {
	for i, e := range errs {
		if e.Row == row && e.Field == field {
			return &errs[i]
		}
	}
	return nil
}

func findUser(h *testHarness, email string) *models.User {
	for _, u := range h.users.Users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func TestProcessImport_UsersCSV_DuplicateEmails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	csv := "email,name,role,active\n" +
		"alice@example.com,Alice,admin,true\n" +
		"bob@example.com,Bob,editor,true\n" +
		"alice@example.com,Alice 2,reader,true\n" +
		"carol@example.com,Carol,bogus-role,true\n"
	data := seedImportJob(h, "s1", models.ResourceUsers, models.FormatCSV, csv)

	require.NoError(t, h.services.Import.Process(ctx, data))

	job, err := h.jobs.FindImport(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 4, job.Total)
	assert.Equal(t, 4, job.Processed)
	assert.Equal(t, 2, job.Successful)
	assert.Equal(t, 2, job.Failed)

	dup := findError(job.Errors, 3, "email")
	require.NotNil(t, dup, "missing duplicate-email error on row 3: %v", job.Errors)
	assert.Contains(t, dup.Message, "Duplicate email in import file")
	assert.Contains(t, dup.Message, "first seen on row 1")
	assert.Equal(t, "alice@example.com", dup.Value)

	role := findError(job.Errors, 4, "role")
	require.NotNil(t, role, "missing role error on row 4: %v", job.Errors)

	// The first alice won; the duplicate never overwrote her.
	require.Len(t, h.users.Users, 2)
	alice := findUser(h, "alice@example.com")
	require.NotNil(t, alice)
	assert.Equal(t, "Alice", alice.Name)
	assert.Equal(t, "admin", alice.Role)
	assert.NotNil(t, findUser(h, "bob@example.com"))
}

func TestProcessImport_UsersCSV_RowErrorClassified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.users.UpsertErrs = map[string]error{
		"bob@example.com": &pq.Error{Code: "23505", Constraint: "users_email_key"},
	}

	csv := "email,name,role,active\n" +
		"alice@example.com,Alice,admin,true\n" +
		"bob@example.com,Bob,editor,true\n"
	data := seedImportJob(h, "rc1", models.ResourceUsers, models.FormatCSV, csv)

	require.NoError(t, h.services.Import.Process(ctx, data))

	job, _ := h.jobs.FindImport(ctx, "rc1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Successful)
	assert.Equal(t, 1, job.Failed)

	rowErr := findError(job.Errors, 2, "email")
	require.NotNil(t, rowErr, "missing classified row error: %v", job.Errors)
	assert.Contains(t, rowErr.Message, "duplicate email")
	require.Len(t, h.users.Users, 1)
}

func TestProcessImport_UsersCSV_CommitErrorFailsBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tx.CommitErr = errors.New("connection reset")

	csv := "email,name,role,active\n" +
		"alice@example.com,Alice,admin,true\n" +
		"bob@example.com,Bob,editor,true\n"
	data := seedImportJob(h, "tx1", models.ResourceUsers, models.FormatCSV, csv)

	// A transaction-level failure is absorbed per batch; the job still
	// completes with every row in the batch counted failed.
	require.NoError(t, h.services.Import.Process(ctx, data))

	job, _ := h.jobs.FindImport(ctx, "tx1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Total)
	assert.Equal(t, 0, job.Successful)
	assert.Equal(t, 2, job.Failed)

	require.NotEmpty(t, job.Errors)
	assert.Contains(t, job.Errors[0].Message, "batch aborted")
	assert.Equal(t, 1, h.tx.RunCalls)
}

func TestProcessImport_UsersCSV_UpsertIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	csv := "email,name,role,active\n" +
		"alice@example.com,Alice,admin,true\n" +
		"bob@example.com,Bob,editor,true\n"

	data1 := seedImportJob(h, "i1", models.ResourceUsers, models.FormatCSV, csv)
	require.NoError(t, h.services.Import.Process(ctx, data1))

	data2 := seedImportJob(h, "i2", models.ResourceUsers, models.FormatCSV, csv)
	require.NoError(t, h.services.Import.Process(ctx, data2))

	// Same file twice leaves the same two rows behind.
	require.Len(t, h.users.Users, 2)
	job2, _ := h.jobs.FindImport(ctx, "i2")
	assert.Equal(t, 2, job2.Successful)
	assert.Equal(t, 0, job2.Failed)
}

func TestProcessImport_ArticlesNDJSON_DuplicateSlugsAndAuthors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.users.Users = append(h.users.Users, &models.User{
		ID: authorUUID, Email: "author@example.com", Name: "Author",
		Role: "author", Active: true, CreatedAt: time.Now(),
	})

	ndjson := fmt.Sprintf(`{"slug":"hello","title":"H","body":"x","author_id":%q,"status":"draft"}
{"slug":"hello","title":"H2","body":"y","author_id":%q,"status":"draft"}
{"slug":"other","title":"O","body":"z","author_id":%q,"status":"draft"}
`, authorUUID, authorUUID, strayUUID)
	data := seedImportJob(h, "a1", models.ResourceArticles, models.FormatNDJSON, ndjson)

	require.NoError(t, h.services.Import.Process(ctx, data))

	job, _ := h.jobs.FindImport(ctx, "a1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 1, job.Successful)
	assert.Equal(t, 2, job.Failed)

	dup := findError(job.Errors, 2, "slug")
	require.NotNil(t, dup, "missing duplicate-slug error: %v", job.Errors)
	assert.Contains(t, dup.Message, "Duplicate slug in import file")
	assert.Contains(t, dup.Message, "first seen on row 1")

	fk := findError(job.Errors, 3, "author_id")
	require.NotNil(t, fk, "missing author FK error: %v", job.Errors)
	assert.Contains(t, fk.Message, "referenced user does not exist")

	require.Len(t, h.articles.Articles, 1)
	assert.Equal(t, "hello", h.articles.Articles[0].Slug)
	assert.Equal(t, "H", h.articles.Articles[0].Title)
}

func TestProcessImport_CommentsNDJSON_InvalidForeignKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.users.Users = append(h.users.Users, &models.User{
		ID: authorUUID, Email: "u@example.com", Name: "U", Role: "reader", Active: true,
	})
	h.articles.Articles = append(h.articles.Articles, &models.Article{
		ID: articleUUID, Slug: "hello", Title: "H", Body: "x",
		AuthorID: authorUUID, Status: "published",
	})

	ndjson := fmt.Sprintf(`{"article_id":%q,"user_id":%q,"body":"nice"}
{"article_id":%q,"user_id":%q,"body":"stray article"}
{"article_id":%q,"user_id":%q,"body":"stray user"}
`, articleUUID, authorUUID, strayUUID, authorUUID, articleUUID, strayUUID)
	data := seedImportJob(h, "c1", models.ResourceComments, models.FormatNDJSON, ndjson)

	require.NoError(t, h.services.Import.Process(ctx, data))

	job, _ := h.jobs.FindImport(ctx, "c1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 1, job.Successful)
	assert.Equal(t, 2, job.Failed)

	require.NotNil(t, findError(job.Errors, 2, "article_id"), "missing article FK error: %v", job.Errors)
	require.NotNil(t, findError(job.Errors, 3, "user_id"), "missing user FK error: %v", job.Errors)

	require.Len(t, h.comments.Comments, 1)
	assert.Equal(t, "nice", h.comments.Comments[0].Body)
}

func TestProcessImport_UsersCSV_BeginErrorFailsBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tx.BeginErr = errors.New("pool exhausted")

	csv := "email,name,role,active\nalice@example.com,Alice,admin,true\n"
	data := seedImportJob(h, "tx2", models.ResourceUsers, models.FormatCSV, csv)

	require.NoError(t, h.services.Import.Process(ctx, data))

	job, _ := h.jobs.FindImport(ctx, "tx2")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 0, job.Successful)
	assert.Equal(t, 1, job.Failed)
	assert.Empty(t, h.users.Users)
}
