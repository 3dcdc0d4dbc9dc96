// trail_repository.go implements TrailRepository, the append-only sink for
// ui_logs. Rows are inserted and read; there is no update or delete path, by
// schema design and by API surface.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/disappointingsupernova/access-review/internal/db/models"
)

// TrailRepository handles ui_logs database operations
type TrailRepository struct {
	db *sqlx.DB
}

// NewTrailRepository creates a new TrailRepository
func NewTrailRepository(db *sqlx.DB) *TrailRepository {
	return &TrailRepository{db: db}
}

// Append inserts a trail entry. The entry's ID and Timestamp are assigned here.
func (r *TrailRepository) Append(ctx context.Context, entry *models.TrailEntry) error {
	entry.ID = uuid.New().String()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO ui_logs (id, log_type, log_message, email, ip_address, user_agent, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.Type, entry.Message, entry.ActorEmail,
		entry.IPAddress, entry.UserAgent, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append trail entry: %w", err)
	}
	return nil
}

// ListRecent returns the newest trail entries up to limit, for operational
// inspection.
func (r *TrailRepository) ListRecent(ctx context.Context, limit int) ([]*models.TrailEntry, error) {
	entries := make([]*models.TrailEntry, 0)
	query := `
		SELECT id, log_type, log_message, COALESCE(email, '') AS email,
		       COALESCE(ip_address, '') AS ip_address, COALESCE(user_agent, '') AS user_agent, timestamp
		FROM ui_logs
		ORDER BY timestamp DESC
		LIMIT $1
	`
	if err := r.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list trail entries: %w", err)
	}
	return entries, nil
}
