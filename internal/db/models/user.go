// Package models - user.go defines the User model mirroring the directory
// sync: one row per subject account, refreshed by the auditor CLI.
package models

import "time"

// User is a subject account imported from the directory. ManagerEmail is nil
// when the directory has no manager DN for the account; such users are never
// put up for review because no one can review them.
type User struct {
	Username     string     `db:"username" json:"username"`
	Email        *string    `db:"email" json:"email,omitempty"`
	DisplayName  *string    `db:"display_name" json:"display_name,omitempty"`
	ManagerEmail *string    `db:"manager_email" json:"manager_email,omitempty"`
	LastAudited  *time.Time `db:"last_audited" json:"last_audited,omitempty"`
}

// Label returns the human-facing name for the user: the display name when the
// directory provided one, otherwise the account name.
func (u *User) Label() string {
	if u.DisplayName != nil && *u.DisplayName != "" {
		return *u.DisplayName
	}
	return u.Username
}
