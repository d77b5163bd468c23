package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bulk-jobs-api/internal/database"
	"github.com/bulk-jobs-api/internal/models"
)

// commentRepo is the concrete implementation of CommentRepository
type commentRepo struct {
	db *database.DB
}

// NewCommentRepo creates a new comment repository
func NewCommentRepo(db *database.DB) CommentRepository {
	return &commentRepo{db: db}
}

// UpsertTx inserts or updates a comment by id within the import transaction.
// Upsert matches on id directly, so no natural-key pre-fetch is needed.
func (r *commentRepo) UpsertTx(ctx context.Context, tx *sql.Tx, comment *models.Comment) error {
	query := `
		INSERT INTO comments (id, article_id, user_id, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			body = EXCLUDED.body,
			article_id = EXCLUDED.article_id,
			user_id = EXCLUDED.user_id,
			updated_at = EXCLUDED.updated_at
	`
	createdAt := comment.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, query,
		comment.ID, comment.ArticleID, comment.UserID, comment.Body,
		createdAt, time.Now(),
	)
	return err
}

// Count returns the total number of comments
func (r *commentRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM comments").Scan(&count)
	return count, err
}

// CountFiltered counts comments matching the export filters.
func (r *commentRepo) CountFiltered(ctx context.Context, f *models.ExportFilters) (int, error) {
	where, args := commentWhere(f)
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM comments"+where, args...).Scan(&count)
	return count, err
}

// ListPage returns one stable page of comments for export.
func (r *commentRepo) ListPage(ctx context.Context, f *models.ExportFilters, limit, offset int) ([]*models.Comment, error) {
	where, args := commentWhere(f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		"SELECT id, article_id, user_id, body, created_at, updated_at FROM comments%s ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []*models.Comment
	for rows.Next() {
		var comment models.Comment
		err := rows.Scan(
			&comment.ID, &comment.ArticleID, &comment.UserID, &comment.Body,
			&comment.CreatedAt, &comment.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		comments = append(comments, &comment)
	}
	return comments, rows.Err()
}
