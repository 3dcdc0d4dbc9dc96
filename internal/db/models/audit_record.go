// Package models - audit_record.go defines the AuditRecord model, the unit of
// work of the review lifecycle: one subject's pending or completed access
// review, gated by a secret token.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GroupList is the ordered list of group names a reviewer asked to remove,
// persisted as JSONB. A nil GroupList maps to SQL NULL (no decision yet); an
// empty non-nil list means the reviewer approved the access as-is. The
// distinction carries the pending/resolved invariant, so Value and Scan
// preserve it both ways.
type GroupList []string

// Value implements driver.Valuer.
func (g GroupList) Value() (driver.Value, error) {
	if g == nil {
		return nil, nil
	}
	return json.Marshal(g)
}

// Scan implements sql.Scanner.
func (g *GroupList) Scan(src interface{}) error {
	if src == nil {
		*g = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into GroupList", src)
	}
	out := GroupList{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("invalid group list payload: %w", err)
	}
	*g = out
	return nil
}

// AuditRecord represents one access review: the subject under review, the
// manager authorized to review it, and the secret token that gates access to
// it. DateReviewed is null while the review is pending; once set it is never
// unset and Changes holds the decision.
type AuditRecord struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	ManagerEmail string     `db:"manager_email" json:"manager_email"`
	Secret       string     `db:"secret" json:"-"`
	AuditDate    time.Time  `db:"audit_date" json:"audit_date"`
	DateReviewed *time.Time `db:"date_reviewed" json:"date_reviewed,omitempty"`
	Changes      GroupList  `db:"changes" json:"changes,omitempty"`

	// Joined fields (not in audit_log)
	SubjectEmail string `db:"subject_email" json:"subject_email,omitempty"`
	SubjectName  string `db:"subject_name" json:"subject_name,omitempty"`
}

// IsResolved reports whether a decision has been recorded. Resolution is
// terminal: a resolved record never becomes pending again.
func (r *AuditRecord) IsResolved() bool {
	return r.DateReviewed != nil
}

// IsApproved reports whether the recorded decision kept all access.
func (r *AuditRecord) IsApproved() bool {
	return r.IsResolved() && len(r.Changes) == 0
}

// IsOverdue reports whether the record is still pending past the overdue
// window.
func (r *AuditRecord) IsOverdue(now time.Time, overdueAfter time.Duration) bool {
	return !r.IsResolved() && now.Sub(r.AuditDate) > overdueAfter
}

// TokenAbbrev returns a log-safe abbreviation of a secret token: the first and
// last five characters joined by an ellipsis. Full tokens are never written to
// logs or trail entries.
func TokenAbbrev(token string) string {
	if len(token) <= 10 {
		return "..."
	}
	return token[:5] + "..." + token[len(token)-5:]
}
