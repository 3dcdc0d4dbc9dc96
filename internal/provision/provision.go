// Package provision implements the auditor run: import users and group
// memberships from the directory, prune stale mappings, then create review
// records and invite managers for everyone whose last review is old enough.
// The review service itself never provisions — this package is driven by the
// auditor CLI on a schedule.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/disappointingsupernova/access-review/internal/config"
	"github.com/disappointingsupernova/access-review/internal/db/models"
	"github.com/disappointingsupernova/access-review/internal/directory"
	"github.com/disappointingsupernova/access-review/internal/review"
	"github.com/disappointingsupernova/access-review/internal/telemetry"
)

// Directory is the slice of the LDAP client the provisioner uses.
type Directory interface {
	SearchGroups(prefixes []string) ([]directory.Group, error)
	ResolvePerson(memberDN string) (*directory.Person, error)
	ManagerEmail(managerDN string) (string, error)
}

// UserStore persists directory users.
type UserStore interface {
	Upsert(ctx context.Context, user *models.User) error
	FindDueForReview(ctx context.Context, minDays int) ([]*models.User, error)
	MarkAudited(ctx context.Context, username string, when time.Time) error
}

// GroupStore persists the membership snapshot.
type GroupStore interface {
	SnapshotGroups(ctx context.Context, username string) ([]string, error)
	AddMembership(ctx context.Context, username, groupName string) error
	RemoveMembership(ctx context.Context, username, groupName string) error
	ListUsernames(ctx context.Context) ([]string, error)
}

// RecordStore creates review records and enforces the daily invitation cap.
type RecordStore interface {
	Create(ctx context.Context, rec *models.AuditRecord) error
	CountSentToday(ctx context.Context, managerEmail string, day time.Time) (int, error)
}

// Inviter sends review invitations to managers.
type Inviter interface {
	SendReviewInvitation(rec *models.AuditRecord, subject *models.User, baseURL string) error
}

// Options are the per-run switches exposed as auditor CLI flags.
type Options struct {
	// DryRun previews every action without writing or sending anything.
	DryRun bool
	// UpdateOnly imports users and groups but sends no invitations.
	UpdateOnly bool
	// SendAll ignores the per-manager daily invitation cap.
	SendAll bool
	// GroupPrefixes overrides the configured prefixes when non-empty.
	GroupPrefixes []string
	// LimitUsers caps how many due users are processed; 0 means no cap.
	LimitUsers int
	// FilterUserEmail restricts provisioning to one subject email.
	FilterUserEmail string
	// BaseURL is the public review service URL used in invitation links.
	BaseURL string
}

// Stats summarises a run for the CLI's closing report.
type Stats struct {
	GroupsMatched      int
	UsersProcessed     int
	GroupMappings      int
	StaleRemoved       int
	RecordsCreated     int
	InvitationsSent    int
	InvitationsSkipped int
	// PerManager counts invitations (or would-be invitations) by manager.
	PerManager map[string]int
}

// Provisioner wires the directory to the review store.
type Provisioner struct {
	dir     Directory
	users   UserStore
	groups  GroupStore
	records RecordStore
	mailer  Inviter
	cfg     *config.AuditConfig

	now func() time.Time
}

// New creates a Provisioner.
func New(dir Directory, users UserStore, groups GroupStore, records RecordStore, mailer Inviter, cfg *config.AuditConfig) *Provisioner {
	return &Provisioner{
		dir:     dir,
		users:   users,
		groups:  groups,
		records: records,
		mailer:  mailer,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run executes a full pass: sync, prune, provision.
func (p *Provisioner) Run(ctx context.Context, opts Options) (*Stats, error) {
	started := p.now()
	stats := &Stats{PerManager: make(map[string]int)}
	prefixes := opts.GroupPrefixes
	if len(prefixes) == 0 {
		prefixes = p.cfg.GroupPrefixes
	}

	current, err := p.sync(ctx, prefixes, opts.DryRun, stats)
	if err != nil {
		return stats, err
	}
	if err := p.pruneStale(ctx, prefixes, current, opts.DryRun, stats); err != nil {
		return stats, err
	}
	if err := p.provision(ctx, prefixes, opts, stats); err != nil {
		return stats, err
	}

	telemetry.DirectorySyncDuration.Observe(p.now().Sub(started).Seconds())
	return stats, nil
}

// sync imports users and memberships for every matching group. It returns the
// live membership map used afterwards to prune stale rows.
func (p *Provisioner) sync(ctx context.Context, prefixes []string, dryRun bool, stats *Stats) (map[string]map[string]bool, error) {
	groups, err := p.dir.SearchGroups(prefixes)
	if err != nil {
		telemetry.DirectorySyncErrorsTotal.WithLabelValues("search").Inc()
		return nil, fmt.Errorf("directory group search failed: %w", err)
	}
	stats.GroupsMatched = len(groups)
	slog.Info("directory groups matched", "count", len(groups), "prefixes", prefixes)

	current := make(map[string]map[string]bool)
	seenUsers := make(map[string]bool)

	for _, group := range groups {
		for _, memberDN := range group.MemberDNs {
			person, err := p.dir.ResolvePerson(memberDN)
			if err != nil {
				telemetry.DirectorySyncErrorsTotal.WithLabelValues("member").Inc()
				slog.Warn("failed to resolve group member", "dn", memberDN, "error", err)
				continue
			}
			if person == nil {
				continue // nested group or other non-person entry
			}

			if !seenUsers[person.Username] {
				seenUsers[person.Username] = true
				stats.UsersProcessed++

				user := &models.User{Username: person.Username}
				if person.Email != "" {
					user.Email = &person.Email
				}
				if person.DisplayName != "" {
					user.DisplayName = &person.DisplayName
				}
				managerEmail, err := p.dir.ManagerEmail(person.ManagerDN)
				if err != nil {
					telemetry.DirectorySyncErrorsTotal.WithLabelValues("manager").Inc()
					slog.Warn("manager lookup failed", "user", person.Username, "manager_dn", person.ManagerDN, "error", err)
				}
				if managerEmail != "" {
					user.ManagerEmail = &managerEmail
				}

				if dryRun {
					slog.Info("dry-run: would upsert user", "username", person.Username, "manager", managerEmail)
				} else if err := p.users.Upsert(ctx, user); err != nil {
					return nil, fmt.Errorf("failed to upsert %s: %w", person.Username, err)
				}
			}

			if current[person.Username] == nil {
				current[person.Username] = make(map[string]bool)
			}
			current[person.Username][group.Name] = true
			stats.GroupMappings++

			if dryRun {
				slog.Info("dry-run: would record membership", "username", person.Username, "group", group.Name)
				continue
			}
			if err := p.groups.AddMembership(ctx, person.Username, group.Name); err != nil {
				return nil, fmt.Errorf("failed to record membership %s -> %s: %w", person.Username, group.Name, err)
			}
		}
	}
	return current, nil
}

// pruneStale removes stored memberships (within the synced prefixes) that the
// directory no longer reports.
func (p *Provisioner) pruneStale(ctx context.Context, prefixes []string, current map[string]map[string]bool, dryRun bool, stats *Stats) error {
	usernames, err := p.groups.ListUsernames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshot usernames: %w", err)
	}

	for _, username := range usernames {
		stored, err := p.groups.SnapshotGroups(ctx, username)
		if err != nil {
			return fmt.Errorf("failed to load snapshot for %s: %w", username, err)
		}
		for _, group := range stored {
			if !matchesAnyPrefix(group, prefixes) {
				continue // out-of-scope rows are never pruned
			}
			if current[username][group] {
				continue
			}
			stats.StaleRemoved++
			if dryRun {
				slog.Info("dry-run: would remove stale membership", "username", username, "group", group)
				continue
			}
			if err := p.groups.RemoveMembership(ctx, username, group); err != nil {
				return fmt.Errorf("failed to remove stale membership %s -> %s: %w", username, group, err)
			}
			slog.Info("removed stale membership", "username", username, "group", group)
		}
	}
	return nil
}

// provision creates review records and invitations for due users, batched per
// manager and capped per day.
func (p *Provisioner) provision(ctx context.Context, prefixes []string, opts Options, stats *Stats) error {
	due, err := p.users.FindDueForReview(ctx, p.cfg.MinDaysBetweenAudits)
	if err != nil {
		return fmt.Errorf("failed to find users due for review: %w", err)
	}

	if opts.FilterUserEmail != "" {
		filtered := due[:0]
		for _, user := range due {
			if user.Email != nil && strings.EqualFold(*user.Email, opts.FilterUserEmail) {
				filtered = append(filtered, user)
			}
		}
		due = filtered
	}
	if opts.LimitUsers > 0 && len(due) > opts.LimitUsers {
		due = due[:opts.LimitUsers]
	}

	batchCap := p.cfg.MaxAuditsPerManagerPerDay
	batches := make(map[string][]*models.User)
	var managers []string
	for _, user := range due {
		manager := *user.ManagerEmail
		if len(batches[manager]) >= batchCap {
			continue
		}
		if _, seen := batches[manager]; !seen {
			managers = append(managers, manager)
		}
		batches[manager] = append(batches[manager], user)
	}
	sort.Strings(managers)

	today := p.now()
	for _, manager := range managers {
		sentToday, err := p.records.CountSentToday(ctx, manager, today)
		if err != nil {
			return fmt.Errorf("failed to count today's invitations for %s: %w", manager, err)
		}
		if !opts.SendAll && sentToday >= batchCap {
			slog.Info("manager at daily invitation cap, skipping batch",
				"manager", manager, "sent_today", sentToday, "cap", batchCap)
			stats.InvitationsSkipped += len(batches[manager])
			continue
		}

		for _, user := range batches[manager] {
			if err := p.provisionOne(ctx, user, manager, opts, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Provisioner) provisionOne(ctx context.Context, user *models.User, manager string, opts Options, stats *Stats) error {
	stats.PerManager[manager]++

	if opts.DryRun || opts.UpdateOnly {
		slog.Info("skipping invitation", "username", user.Username, "manager", manager,
			"dry_run", opts.DryRun, "update_only", opts.UpdateOnly)
		stats.InvitationsSkipped++
		return nil
	}

	token, err := review.NewToken()
	if err != nil {
		return err
	}
	rec := &models.AuditRecord{
		Username:     user.Username,
		ManagerEmail: manager,
		Secret:       token,
		AuditDate:    p.now(),
	}
	if err := p.records.Create(ctx, rec); err != nil {
		return fmt.Errorf("failed to create review record for %s: %w", user.Username, err)
	}
	stats.RecordsCreated++

	if err := p.users.MarkAudited(ctx, user.Username, p.now()); err != nil {
		return fmt.Errorf("failed to mark %s audited: %w", user.Username, err)
	}

	// The record exists either way; a failed invitation is logged and the
	// manager can still be reached on the next run via --send-all.
	if err := p.mailer.SendReviewInvitation(rec, user, opts.BaseURL); err != nil {
		slog.Error("invitation not delivered", "username", user.Username, "manager", manager, "error", err)
		stats.InvitationsSkipped++
		return nil
	}
	stats.InvitationsSent++
	slog.Info("invitation sent", "username", user.Username, "manager", manager,
		"token", models.TokenAbbrev(rec.Secret))
	return nil
}

// ListManagers walks the directory and returns the unique manager emails for
// all members of the matching groups.
func (p *Provisioner) ListManagers(prefixes []string) ([]string, error) {
	if len(prefixes) == 0 {
		prefixes = p.cfg.GroupPrefixes
	}
	counts, err := p.managerCounts(prefixes)
	if err != nil {
		return nil, err
	}
	managers := make([]string, 0, len(counts))
	for manager := range counts {
		managers = append(managers, manager)
	}
	sort.Strings(managers)
	return managers, nil
}

// ListManagerCounts returns manager emails with the number of distinct users
// they manage within the matching groups.
func (p *Provisioner) ListManagerCounts(prefixes []string) (map[string]int, error) {
	if len(prefixes) == 0 {
		prefixes = p.cfg.GroupPrefixes
	}
	counts, err := p.managerCounts(prefixes)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for manager, users := range counts {
		out[manager] = len(users)
	}
	return out, nil
}

func (p *Provisioner) managerCounts(prefixes []string) (map[string]map[string]bool, error) {
	groups, err := p.dir.SearchGroups(prefixes)
	if err != nil {
		return nil, fmt.Errorf("directory group search failed: %w", err)
	}

	counts := make(map[string]map[string]bool)
	for _, group := range groups {
		for _, memberDN := range group.MemberDNs {
			person, err := p.dir.ResolvePerson(memberDN)
			if err != nil {
				slog.Warn("failed to resolve group member", "dn", memberDN, "error", err)
				continue
			}
			if person == nil {
				continue
			}
			email, err := p.dir.ManagerEmail(person.ManagerDN)
			if err != nil || email == "" {
				continue
			}
			if counts[email] == nil {
				counts[email] = make(map[string]bool)
			}
			counts[email][person.Username] = true
		}
	}
	return counts, nil
}

func matchesAnyPrefix(group string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if len(group) >= len(prefix) && strings.EqualFold(group[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}
