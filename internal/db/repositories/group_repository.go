// group_repository.go implements GroupRepository over user_groups: the
// read-only group snapshot consumed by the review engine, plus the sync writes
// performed by the auditor CLI. The review path never mutates these rows.
package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GroupRepository handles user_groups database operations
type GroupRepository struct {
	db *sqlx.DB
}

// NewGroupRepository creates a new GroupRepository
func NewGroupRepository(db *sqlx.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// SnapshotGroups returns the subject's group names in stable order.
func (r *GroupRepository) SnapshotGroups(ctx context.Context, username string) ([]string, error) {
	groups := make([]string, 0)
	query := `SELECT group_name FROM user_groups WHERE username = $1 ORDER BY group_name ASC`
	if err := r.db.SelectContext(ctx, &groups, query, username); err != nil {
		return nil, fmt.Errorf("failed to snapshot groups for %s: %w", username, err)
	}
	return groups, nil
}

// AddMembership records a (username, group) pair, ignoring duplicates.
func (r *GroupRepository) AddMembership(ctx context.Context, username, groupName string) error {
	query := `
		INSERT INTO user_groups (username, group_name)
		VALUES ($1, $2)
		ON CONFLICT (username, group_name) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, username, groupName); err != nil {
		return fmt.Errorf("failed to add group membership: %w", err)
	}
	return nil
}

// RemoveMembership deletes a stale (username, group) pair discovered during a
// directory sync.
func (r *GroupRepository) RemoveMembership(ctx context.Context, username, groupName string) error {
	query := `DELETE FROM user_groups WHERE username = $1 AND group_name = $2`
	if _, err := r.db.ExecContext(ctx, query, username, groupName); err != nil {
		return fmt.Errorf("failed to remove group membership: %w", err)
	}
	return nil
}

// ListUsernames returns every username that has at least one group mapping.
func (r *GroupRepository) ListUsernames(ctx context.Context) ([]string, error) {
	usernames := make([]string, 0)
	query := `SELECT DISTINCT username FROM user_groups ORDER BY username ASC`
	if err := r.db.SelectContext(ctx, &usernames, query); err != nil {
		return nil, fmt.Errorf("failed to list usernames with groups: %w", err)
	}
	return usernames, nil
}
