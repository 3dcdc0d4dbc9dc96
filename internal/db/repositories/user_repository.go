// user_repository.go implements UserRepository over the users table, which is
// refreshed from the directory by the auditor CLI and read by the review
// surface for subject display details.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/disappointingsupernova/access-review/internal/db/models"
)

// UserRepository handles users database operations
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert inserts or refreshes a user from a directory sync. last_audited is
// preserved on conflict; the sync never resets review history.
func (r *UserRepository) Upsert(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (username, email, display_name, manager_email, last_audited)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE
		SET email = EXCLUDED.email,
		    display_name = EXCLUDED.display_name,
		    manager_email = EXCLUDED.manager_email
	`
	_, err := r.db.ExecContext(ctx, query,
		user.Username, user.Email, user.DisplayName, user.ManagerEmail, user.LastAudited,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.Username, err)
	}
	return nil
}

// GetByUsername retrieves a single user. Returns ErrNotFound when absent.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	query := `SELECT username, email, display_name, manager_email, last_audited FROM users WHERE username = $1`
	err := r.db.GetContext(ctx, &user, query, username)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	return &user, nil
}

// FindDueForReview returns users with a manager whose last review is older
// than minDays (or who have never been reviewed), never-reviewed users first,
// then oldest review first.
func (r *UserRepository) FindDueForReview(ctx context.Context, minDays int) ([]*models.User, error) {
	users := make([]*models.User, 0)
	query := `
		SELECT username, email, display_name, manager_email, last_audited
		FROM users
		WHERE manager_email IS NOT NULL
		  AND (last_audited IS NULL OR last_audited <= (CURRENT_DATE - $1 * INTERVAL '1 day'))
		ORDER BY last_audited IS NOT NULL, last_audited ASC
	`
	if err := r.db.SelectContext(ctx, &users, query, minDays); err != nil {
		return nil, fmt.Errorf("failed to find users due for review: %w", err)
	}
	return users, nil
}

// MarkAudited stamps the user's last_audited date after a review is
// provisioned for them.
func (r *UserRepository) MarkAudited(ctx context.Context, username string, when time.Time) error {
	query := `UPDATE users SET last_audited = $2 WHERE username = $1`
	if _, err := r.db.ExecContext(ctx, query, username, when); err != nil {
		return fmt.Errorf("failed to mark user %s audited: %w", username, err)
	}
	return nil
}
