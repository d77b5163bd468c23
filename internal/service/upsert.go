package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bulk-jobs-api/internal/codec"
	"github.com/bulk-jobs-api/internal/database"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/validation"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// TxRunner owns the upsert engine's transaction discipline: one transaction
// per batch with a savepoint per row. The repos receive the same *sql.Tx the
// runner hands to fn, so the engine's orchestration (dedup, FK pre-checks,
// error classification) can be driven against mock repositories.
type TxRunner interface {
	// RunBatch opens a transaction, runs fn on it and commits. Any error
	// from fn rolls the whole batch back.
	RunBatch(ctx context.Context, fn func(tx *sql.Tx) error) error

	// WithSavepoint runs do inside a savepoint on tx. A row-level failure is
	// rolled back to the savepoint and returned; a failure of the savepoint
	// machinery itself wraps errTxAborted and poisons the whole batch.
	WithSavepoint(ctx context.Context, tx *sql.Tx, name string, do func() error) error
}

// sqlTxRunner is the database-backed TxRunner.
type sqlTxRunner struct {
	db *database.DB
}

// NewTxRunner creates the TxRunner used by the import services.
func NewTxRunner(db *database.DB) TxRunner {
	return &sqlTxRunner{db: db}
}

func (r *sqlTxRunner) RunBatch(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqlTxRunner) WithSavepoint(ctx context.Context, tx *sql.Tx, name string, do func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("%w: %v", errTxAborted, err)
	}
	if err := do(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("%w: %v", errTxAborted, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("%w: %v", errTxAborted, err)
	}
	return nil
}

// errTxAborted distinguishes a dead transaction from an absorbed row error.
var errTxAborted = errors.New("transaction aborted")

// batchResult is the accounting for one processed batch.
type batchResult struct {
	counters models.Counters
	errors   []models.RowError
}

func (r *batchResult) fail(row int, field, message, value string) {
	r.counters.Failed++
	r.errors = models.AppendRowErrors(r.errors, models.RowError{
		Row: row, Field: field, Message: message, Value: value,
	})
}

func (r *batchResult) failFields(row int, errs []validation.FieldError) {
	r.counters.Failed++
	for _, e := range errs {
		r.errors = models.AppendRowErrors(r.errors, models.RowError{
			Row: row, Field: e.Field, Message: e.Message, Value: e.Value,
		})
	}
}

// abortBatch counts n lost rows failed after a transaction-level error.
// The error itself is recorded once.
func (r *batchResult) abortBatch(firstRow, n int, err error) {
	r.counters.Failed += n
	r.errors = models.AppendRowErrors(r.errors, models.RowError{
		Row:     firstRow,
		Message: fmt.Sprintf("batch aborted: %v", err),
	})
}

// processBatch validates one decoded batch and upserts the valid records in a
// single transaction with per-row savepoints. Every row is counted exactly
// once; a failed row never aborts the batch, only a transaction-level error
// does.
func (s *importService) processBatch(ctx context.Context, resource models.ResourceType, batch []codec.Row) batchResult {
	var result batchResult
	result.counters.Total = len(batch)
	result.counters.Processed = len(batch)

	switch resource {
	case models.ResourceUsers:
		s.upsertUsers(ctx, batch, &result)
	case models.ResourceArticles:
		s.upsertArticles(ctx, batch, &result)
	case models.ResourceComments:
		s.upsertComments(ctx, batch, &result)
	default:
		for _, row := range batch {
			result.fail(row.Line, "", fmt.Sprintf("unknown resource type: %s", resource), "")
		}
	}

	return result
}

// classifyRowError maps a database error to the field reported to the client.
func classifyRowError(err error, naturalKey string) (string, string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return naturalKey, fmt.Sprintf("duplicate %s already exists", naturalKey)
		case "23503": // foreign_key_violation
			field := fieldFromConstraint(pqErr.Constraint)
			return field, "referenced record does not exist"
		case "22P02", "23514": // invalid_text_representation, check_violation
			return fieldFromConstraint(pqErr.Constraint), fmt.Sprintf("invalid value: %s", pqErr.Message)
		}
		return "", pqErr.Message
	}
	return "", err.Error()
}

// fieldFromConstraint guesses the offending column from a constraint name
// like articles_author_id_fkey.
func fieldFromConstraint(constraint string) string {
	for _, field := range []string{"author_id", "article_id", "user_id", "email", "slug", "status", "role"} {
		if strings.Contains(constraint, field) {
			return field
		}
	}
	return ""
}

func (s *importService) upsertUsers(ctx context.Context, batch []codec.Row, result *batchResult) {
	type pending struct {
		line int
		user *models.User
	}

	var rows []pending
	for _, row := range batch {
		if row.Err != nil {
			result.fail(row.Line, "", row.Err.Error(), "")
			continue
		}
		user, errs := validation.ValidateUser(row.Fields)
		if len(errs) > 0 {
			result.failFields(row.Line, errs)
			continue
		}
		rows = append(rows, pending{line: row.Line, user: user})
	}
	if len(rows) == 0 {
		return
	}

	emails := make([]string, 0, len(rows))
	for _, r := range rows {
		emails = append(emails, r.user.Email)
	}

	succeeded := 0
	settled := 0

	err := s.txr.RunBatch(ctx, func(tx *sql.Tx) error {
		existing, err := s.repos.User.ExistingEmails(ctx, tx, emails)
		if err != nil {
			return err
		}

		seen := make(map[string]int, len(rows))
		for i, r := range rows {
			if first, dup := seen[r.user.Email]; dup {
				result.fail(r.line, "email",
					fmt.Sprintf("Duplicate email in import file: %s (first seen on row %d)", r.user.Email, first),
					r.user.Email)
				settled++
				continue
			}
			seen[r.user.Email] = r.line

			// Preserve the existing identity on update; mint one on insert.
			if id, ok := existing[r.user.Email]; ok {
				r.user.ID = id
			} else if r.user.ID == "" {
				r.user.ID = uuid.New().String()
			}

			spErr := s.txr.WithSavepoint(ctx, tx, fmt.Sprintf("row_%d", i), func() error {
				return s.repos.User.UpsertTx(ctx, tx, r.user)
			})
			if spErr != nil {
				if errors.Is(spErr, errTxAborted) {
					return spErr
				}
				field, msg := classifyRowError(spErr, "email")
				result.fail(r.line, field, msg, r.user.Email)
				settled++
				continue
			}
			succeeded++
			settled++
		}
		return nil
	})
	if err != nil {
		// Rows not yet settled plus this transaction's uncommitted
		// successes are all lost with the rollback.
		result.abortBatch(rows[0].line, len(rows)-settled+succeeded, err)
		return
	}
	result.counters.Successful += succeeded
}

func (s *importService) upsertArticles(ctx context.Context, batch []codec.Row, result *batchResult) {
	type pending struct {
		line    int
		article *models.Article
	}

	var rows []pending
	for _, row := range batch {
		if row.Err != nil {
			result.fail(row.Line, "", row.Err.Error(), "")
			continue
		}
		article, errs := validation.ValidateArticle(row.Fields)
		if len(errs) > 0 {
			result.failFields(row.Line, errs)
			continue
		}
		rows = append(rows, pending{line: row.Line, article: article})
	}
	if len(rows) == 0 {
		return
	}

	slugs := make([]string, 0, len(rows))
	authorIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		slugs = append(slugs, r.article.Slug)
		authorIDs = append(authorIDs, r.article.AuthorID)
	}

	succeeded := 0
	settled := 0

	err := s.txr.RunBatch(ctx, func(tx *sql.Tx) error {
		existing, err := s.repos.Article.ExistingSlugs(ctx, tx, slugs)
		if err != nil {
			return err
		}
		validAuthors, err := s.repos.User.IDsExist(ctx, tx, authorIDs)
		if err != nil {
			return err
		}

		seen := make(map[string]int, len(rows))
		for i, r := range rows {
			if first, dup := seen[r.article.Slug]; dup {
				result.fail(r.line, "slug",
					fmt.Sprintf("Duplicate slug in import file: %s (first seen on row %d)", r.article.Slug, first),
					r.article.Slug)
				settled++
				continue
			}
			seen[r.article.Slug] = r.line

			// FK pre-check; the constraint remains the backstop under
			// concurrent deletes.
			if !validAuthors[r.article.AuthorID] {
				result.fail(r.line, "author_id", "referenced user does not exist", r.article.AuthorID)
				settled++
				continue
			}

			if id, ok := existing[r.article.Slug]; ok {
				r.article.ID = id
			} else if r.article.ID == "" {
				r.article.ID = uuid.New().String()
			}

			spErr := s.txr.WithSavepoint(ctx, tx, fmt.Sprintf("row_%d", i), func() error {
				return s.repos.Article.UpsertTx(ctx, tx, r.article)
			})
			if spErr != nil {
				if errors.Is(spErr, errTxAborted) {
					return spErr
				}
				field, msg := classifyRowError(spErr, "slug")
				result.fail(r.line, field, msg, r.article.Slug)
				settled++
				continue
			}
			succeeded++
			settled++
		}
		return nil
	})
	if err != nil {
		result.abortBatch(rows[0].line, len(rows)-settled+succeeded, err)
		return
	}
	result.counters.Successful += succeeded
}

func (s *importService) upsertComments(ctx context.Context, batch []codec.Row, result *batchResult) {
	type pending struct {
		line    int
		comment *models.Comment
	}

	var rows []pending
	for _, row := range batch {
		if row.Err != nil {
			result.fail(row.Line, "", row.Err.Error(), "")
			continue
		}
		comment, errs := validation.ValidateComment(row.Fields)
		if len(errs) > 0 {
			result.failFields(row.Line, errs)
			continue
		}
		rows = append(rows, pending{line: row.Line, comment: comment})
	}
	if len(rows) == 0 {
		return
	}

	articleIDs := make([]string, 0, len(rows))
	userIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		articleIDs = append(articleIDs, r.comment.ArticleID)
		userIDs = append(userIDs, r.comment.UserID)
	}

	succeeded := 0
	settled := 0

	err := s.txr.RunBatch(ctx, func(tx *sql.Tx) error {
		validArticles, err := s.repos.Article.IDsExist(ctx, tx, articleIDs)
		if err != nil {
			return err
		}
		validUsers, err := s.repos.User.IDsExist(ctx, tx, userIDs)
		if err != nil {
			return err
		}

		// Comments match by id, so in-file duplicates only arise when the
		// client supplied the same id twice.
		seen := make(map[string]int, len(rows))
		for i, r := range rows {
			if r.comment.ID != "" {
				if first, dup := seen[r.comment.ID]; dup {
					result.fail(r.line, "id",
						fmt.Sprintf("Duplicate id in import file: %s (first seen on row %d)", r.comment.ID, first),
						r.comment.ID)
					settled++
					continue
				}
				seen[r.comment.ID] = r.line
			}

			if !validArticles[r.comment.ArticleID] {
				result.fail(r.line, "article_id", "referenced article does not exist", r.comment.ArticleID)
				settled++
				continue
			}
			if !validUsers[r.comment.UserID] {
				result.fail(r.line, "user_id", "referenced user does not exist", r.comment.UserID)
				settled++
				continue
			}

			if r.comment.ID == "" {
				r.comment.ID = uuid.New().String()
			}

			spErr := s.txr.WithSavepoint(ctx, tx, fmt.Sprintf("row_%d", i), func() error {
				return s.repos.Comment.UpsertTx(ctx, tx, r.comment)
			})
			if spErr != nil {
				if errors.Is(spErr, errTxAborted) {
					return spErr
				}
				field, msg := classifyRowError(spErr, "id")
				result.fail(r.line, field, msg, r.comment.ID)
				settled++
				continue
			}
			succeeded++
			settled++
		}
		return nil
	})
	if err != nil {
		result.abortBatch(rows[0].line, len(rows)-settled+succeeded, err)
		return
	}
	result.counters.Successful += succeeded
}
