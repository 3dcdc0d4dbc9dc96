// audit_record_repository.go implements AuditRecordRepository, the durable
// store for access-review records. Resolve is the single invariant-protecting
// operation in the system: it transitions a record pending → resolved with one
// conditional UPDATE so that concurrent submissions cannot both win.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/disappointingsupernova/access-review/internal/db/models"
)

// AuditRecordRepository handles audit_log database operations
type AuditRecordRepository struct {
	db *sqlx.DB
}

// NewAuditRecordRepository creates a new AuditRecordRepository
func NewAuditRecordRepository(db *sqlx.DB) *AuditRecordRepository {
	return &AuditRecordRepository{db: db}
}

// Create inserts a new pending audit record. The caller supplies the secret
// token; it is generated once here and never regenerated for the record's
// lifetime.
func (r *AuditRecordRepository) Create(ctx context.Context, rec *models.AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.AuditDate.IsZero() {
		rec.AuditDate = time.Now()
	}

	query := `
		INSERT INTO audit_log (id, username, manager_email, secret, audit_date, date_reviewed, changes)
		VALUES ($1, $2, $3, $4, $5, NULL, NULL)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.Username, rec.ManagerEmail, rec.Secret, rec.AuditDate,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit record: %w", err)
	}
	return nil
}

// FindBySecret retrieves the audit record gated by the given token. Returns
// ErrNotFound when no record matches; callers treat malformed and unknown
// tokens identically.
func (r *AuditRecordRepository) FindBySecret(ctx context.Context, token string) (*models.AuditRecord, error) {
	query := `
		SELECT a.id, a.username, a.manager_email, a.secret, a.audit_date, a.date_reviewed, a.changes,
		       COALESCE(u.email, '') AS subject_email,
		       COALESCE(u.display_name, a.username) AS subject_name
		FROM audit_log a
		LEFT JOIN users u ON a.username = u.username
		WHERE a.secret = $1
	`
	var rec models.AuditRecord
	err := r.db.GetContext(ctx, &rec, query, token)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up audit record by secret: %w", err)
	}
	return &rec, nil
}

// FindOutstandingFor returns the manager's unresolved records, oldest first.
// The pending filter is applied here, in the query, so the queue can never
// show a record that a concurrent request has just resolved and re-read.
func (r *AuditRecordRepository) FindOutstandingFor(ctx context.Context, managerEmail string) ([]*models.AuditRecord, error) {
	query := `
		SELECT a.id, a.username, a.manager_email, a.secret, a.audit_date, a.date_reviewed, a.changes,
		       COALESCE(u.email, '') AS subject_email,
		       COALESCE(u.display_name, a.username) AS subject_name
		FROM audit_log a
		LEFT JOIN users u ON a.username = u.username
		WHERE a.manager_email = $1 AND a.date_reviewed IS NULL
		ORDER BY a.audit_date ASC
	`
	records := make([]*models.AuditRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, managerEmail); err != nil {
		return nil, fmt.Errorf("failed to list outstanding reviews: %w", err)
	}
	return records, nil
}

// Resolve records a decision for a pending record. The update is conditional
// on date_reviewed still being NULL, so under concurrent submissions exactly
// one caller succeeds; the rest get ErrAlreadyResolved. A nil groups slice is
// normalized to an empty list — a resolved record always has a non-null
// decision.
func (r *AuditRecordRepository) Resolve(ctx context.Context, id uuid.UUID, groups []string, resolvedAt time.Time) error {
	decision := models.GroupList(groups)
	if decision == nil {
		decision = models.GroupList{}
	}

	query := `
		UPDATE audit_log
		SET date_reviewed = $2, changes = $3
		WHERE id = $1 AND date_reviewed IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, id, resolvedAt, decision)
	if err != nil {
		return fmt.Errorf("failed to resolve audit record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read resolve result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing updated: either the record is gone or another submission won.
	var exists bool
	err = r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM audit_log WHERE id = $1)`, id)
	if err != nil {
		return fmt.Errorf("failed to check audit record existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyResolved
}

// CountSentToday returns how many reviews were provisioned for a manager on
// the given day. The auditor CLI uses this to cap daily invitations.
func (r *AuditRecordRepository) CountSentToday(ctx context.Context, managerEmail string, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	var count int
	query := `SELECT COUNT(*) FROM audit_log WHERE manager_email = $1 AND audit_date >= $2 AND audit_date < $3`
	if err := r.db.GetContext(ctx, &count, query, managerEmail, start, end); err != nil {
		return 0, fmt.Errorf("failed to count provisioned reviews: %w", err)
	}
	return count, nil
}
