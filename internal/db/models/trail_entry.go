// Package models - trail_entry.go defines the TrailEntry model for the
// append-only activity trail. Entries are written for every attempted action
// on a review — including invalid-token lookups and re-access of resolved
// records — and are never updated or deleted.
package models

import (
	"time"
)

// TrailType categorizes a trail entry.
type TrailType string

const (
	// TrailAudit covers review lifecycle events: lookups, queue listings,
	// decisions, and re-access attempts.
	TrailAudit TrailType = "Audit"
	// TrailError covers operational failures such as notification delivery
	// errors.
	TrailError TrailType = "Error"
)

// TrailEntry is one immutable row in ui_logs. ActorEmail is the authenticated
// principal (empty when the request carried no session); IPAddress and
// UserAgent capture request provenance.
type TrailEntry struct {
	ID         string    `db:"id" json:"id"`
	Type       TrailType `db:"log_type" json:"log_type"`
	Message    string    `db:"log_message" json:"log_message"`
	ActorEmail string    `db:"email" json:"email,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent  string    `db:"user_agent" json:"user_agent,omitempty"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
}
