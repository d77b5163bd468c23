package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bulk-jobs-api/internal/database"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/lib/pq"
)

// userRepo is the concrete implementation of UserRepository
type userRepo struct {
	db *database.DB
}

// NewUserRepo creates a new user repository
func NewUserRepo(db *database.DB) UserRepository {
	return &userRepo{db: db}
}

// ExistingEmails returns email -> id for the given emails that already exist.
// One round-trip per batch; runs on the import transaction.
func (r *userRepo) ExistingEmails(ctx context.Context, tx *sql.Tx, emails []string) (map[string]string, error) {
	if len(emails) == 0 {
		return map[string]string{}, nil
	}
	rows, err := tx.QueryContext(ctx,
		"SELECT email, id FROM users WHERE email = ANY($1)", pq.Array(emails))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[string]string)
	for rows.Next() {
		var email, id string
		if err := rows.Scan(&email, &id); err != nil {
			return nil, err
		}
		existing[email] = id
	}
	return existing, rows.Err()
}

// IDsExist returns the subset of ids present in the users table.
func (r *userRepo) IDsExist(ctx context.Context, tx *sql.Tx, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM users WHERE id = ANY($1)", pq.Array(ids))
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

// UpsertTx inserts or updates a user by email within the import transaction.
// Only the mutable fields change on conflict.
func (r *userRepo) UpsertTx(ctx context.Context, tx *sql.Tx, user *models.User) error {
	query := `
		INSERT INTO users (id, email, name, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.Role, user.Active,
		createdAt, time.Now(),
	)
	return err
}

// Count returns the total number of users
func (r *userRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

// CountFiltered counts users matching the export filters.
func (r *userRepo) CountFiltered(ctx context.Context, f *models.ExportFilters) (int, error) {
	where, args := userWhere(f)
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users"+where, args...).Scan(&count)
	return count, err
}

// ListPage returns one stable page of users for export. Ordering matches the
// count query: created_at ascending, ties broken by id.
func (r *userRepo) ListPage(ctx context.Context, f *models.ExportFilters, limit, offset int) ([]*models.User, error) {
	where, args := userWhere(f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		"SELECT id, email, name, role, active, created_at, updated_at FROM users%s ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var user models.User
		err := rows.Scan(
			&user.ID, &user.Email, &user.Name, &user.Role, &user.Active,
			&user.CreatedAt, &user.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}
