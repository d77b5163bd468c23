package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bulk-jobs-api/internal/database"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/lib/pq"
)

// articleRepo is the concrete implementation of ArticleRepository
type articleRepo struct {
	db *database.DB
}

// NewArticleRepo creates a new article repository
func NewArticleRepo(db *database.DB) ArticleRepository {
	return &articleRepo{db: db}
}

// ExistingSlugs returns slug -> id for the given slugs that already exist.
func (r *articleRepo) ExistingSlugs(ctx context.Context, tx *sql.Tx, slugs []string) (map[string]string, error) {
	if len(slugs) == 0 {
		return map[string]string{}, nil
	}
	rows, err := tx.QueryContext(ctx,
		"SELECT slug, id FROM articles WHERE slug = ANY($1)", pq.Array(slugs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[string]string)
	for rows.Next() {
		var slug, id string
		if err := rows.Scan(&slug, &id); err != nil {
			return nil, err
		}
		existing[slug] = id
	}
	return existing, rows.Err()
}

// IDsExist returns the subset of ids present in the articles table.
func (r *articleRepo) IDsExist(ctx context.Context, tx *sql.Tx, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM articles WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exists := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		exists[id] = true
	}
	return exists, rows.Err()
}

// UpsertTx inserts or updates an article by slug within the import
// transaction. Only the mutable fields change on conflict.
func (r *articleRepo) UpsertTx(ctx context.Context, tx *sql.Tx, article *models.Article) error {
	tagsJSON, err := json.Marshal(article.Tags)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO articles (id, slug, title, body, author_id, tags, status, published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (slug) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			author_id = EXCLUDED.author_id,
			tags = EXCLUDED.tags,
			status = EXCLUDED.status,
			published_at = EXCLUDED.published_at,
			updated_at = EXCLUDED.updated_at
	`
	createdAt := article.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, query,
		article.ID, article.Slug, article.Title, article.Body, article.AuthorID,
		tagsJSON, article.Status, article.PublishedAt, createdAt, time.Now(),
	)
	return err
}

// Count returns the total number of articles
func (r *articleRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM articles").Scan(&count)
	return count, err
}

// CountFiltered counts articles matching the export filters.
func (r *articleRepo) CountFiltered(ctx context.Context, f *models.ExportFilters) (int, error) {
	where, args := articleWhere(f)
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM articles"+where, args...).Scan(&count)
	return count, err
}

// ListPage returns one stable page of articles for export.
func (r *articleRepo) ListPage(ctx context.Context, f *models.ExportFilters, limit, offset int) ([]*models.Article, error) {
	where, args := articleWhere(f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		"SELECT id, slug, title, body, author_id, tags, status, published_at, created_at, updated_at FROM articles%s ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var articles []*models.Article
	for rows.Next() {
		var article models.Article
		var tagsJSON []byte
		var publishedAt sql.NullTime
		err := rows.Scan(
			&article.ID, &article.Slug, &article.Title, &article.Body, &article.AuthorID,
			&tagsJSON, &article.Status, &publishedAt, &article.CreatedAt, &article.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if publishedAt.Valid {
			article.PublishedAt = &publishedAt.Time
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &article.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode article tags: %w", err)
			}
		}
		articles = append(articles, &article)
	}
	return articles, rows.Err()
}
