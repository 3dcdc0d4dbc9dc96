// Package review implements the decision lifecycle of an access review: token
// classification, decision validation, and the single pending → resolved
// transition. The engine owns the ordering guarantees — a decision is
// persisted first, notified second, and trailed last — and treats notification
// failure as an operational concern, never a reason to unwind a decision.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/disappointingsupernova/access-review/internal/db/models"
	"github.com/disappointingsupernova/access-review/internal/db/repositories"
	"github.com/disappointingsupernova/access-review/internal/telemetry"
	"github.com/disappointingsupernova/access-review/internal/trail"
)

// RecordStore is the persistence surface the engine drives.
type RecordStore interface {
	FindBySecret(ctx context.Context, token string) (*models.AuditRecord, error)
	FindOutstandingFor(ctx context.Context, managerEmail string) ([]*models.AuditRecord, error)
	Resolve(ctx context.Context, id uuid.UUID, groups []string, resolvedAt time.Time) error
}

// GroupSnapshots supplies the subject's recorded memberships, the universe a
// removal decision is validated against.
type GroupSnapshots interface {
	SnapshotGroups(ctx context.Context, username string) ([]string, error)
}

// Notifier delivers decision summaries. Implementations must be safe to fail.
type Notifier interface {
	SendDecisionSummary(rec *models.AuditRecord, removed []string) error
}

// TrailWriter records audit trail entries for transitions and observations.
type TrailWriter interface {
	Record(ctx context.Context, typ models.TrailType, message string, prov trail.Provenance)
	Observe(typ models.TrailType, message string, prov trail.Provenance)
}

// ValidationError reports a removal submission that named groups outside the
// subject's recorded membership. The submission is rejected whole; the engine
// never trims a request down to its valid subset.
type ValidationError struct {
	Unknown []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("submission names groups outside the subject's membership: %s",
		strings.Join(e.Unknown, ", "))
}

// TokenResolution is the outcome of classifying a presented token.
type TokenResolution struct {
	Status TokenStatus
	// Record is set for TokenPending and TokenResolved.
	Record *models.AuditRecord
	// Groups is the subject's membership snapshot, set for TokenPending.
	Groups []string
}

// Decision is the outcome of a submission.
type Decision struct {
	Record *models.AuditRecord
	// Removed is the validated removal list; empty means approved as-is.
	Removed []string
	// AlreadyResolved is true when another submission won; Record then holds
	// the earlier decision and nothing was changed by this call.
	AlreadyResolved bool
}

// Engine coordinates token classification and decision submission.
type Engine struct {
	store        RecordStore
	groups       GroupSnapshots
	notifier     Notifier
	trail        TrailWriter
	overdueAfter time.Duration

	now func() time.Time
}

// NewEngine creates an Engine. overdueAfter is the pending age beyond which a
// record is flagged overdue in queue listings.
func NewEngine(store RecordStore, groups GroupSnapshots, notifier Notifier, tw TrailWriter, overdueAfter time.Duration) *Engine {
	return &Engine{
		store:        store,
		groups:       groups,
		notifier:     notifier,
		trail:        tw,
		overdueAfter: overdueAfter,
		now:          time.Now,
	}
}

// ResolveToken classifies a presented token. Unknown and malformed tokens are
// treated identically: both record a trail entry and classify as invalid,
// without revealing whether the token was ever valid.
func (e *Engine) ResolveToken(ctx context.Context, token string, prov trail.Provenance) (*TokenResolution, error) {
	if token == "" {
		telemetry.TokenLookupsTotal.WithLabelValues(TokenMissing.String()).Inc()
		return &TokenResolution{Status: TokenMissing}, nil
	}

	rec, err := e.store.FindBySecret(ctx, token)
	if errors.Is(err, repositories.ErrNotFound) {
		telemetry.TokenLookupsTotal.WithLabelValues(TokenInvalid.String()).Inc()
		e.trail.Record(ctx, models.TrailAudit,
			fmt.Sprintf("tried to open invalid review token %s", models.TokenAbbrev(token)), prov)
		return &TokenResolution{Status: TokenInvalid}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to classify review token: %w", err)
	}

	if rec.IsResolved() {
		telemetry.TokenLookupsTotal.WithLabelValues(TokenResolved.String()).Inc()
		e.trail.Observe(models.TrailAudit,
			fmt.Sprintf("opened already reviewed record for %s", rec.Username), prov)
		return &TokenResolution{Status: TokenResolved, Record: rec}, nil
	}

	snapshot, err := e.groups.SnapshotGroups(ctx, rec.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to load membership snapshot for %s: %w", rec.Username, err)
	}
	telemetry.TokenLookupsTotal.WithLabelValues(TokenPending.String()).Inc()
	e.trail.Observe(models.TrailAudit,
		fmt.Sprintf("opened review token %s for %s", models.TokenAbbrev(token), rec.Username), prov)
	return &TokenResolution{Status: TokenPending, Record: rec, Groups: snapshot}, nil
}

// Approve records an approve-as-is decision: an empty removal list.
func (e *Engine) Approve(ctx context.Context, token string, prov trail.Provenance) (*Decision, error) {
	return e.SubmitRemoval(ctx, token, nil, prov)
}

// SubmitRemoval records a decision for the record gated by token. requested is
// the list of groups the reviewer flagged for removal; nil or empty approves
// the access as-is. The requested groups must all belong to the subject's
// recorded membership — a submission naming any unknown group is rejected in
// full with a ValidationError and nothing is persisted.
func (e *Engine) SubmitRemoval(ctx context.Context, token string, requested []string, prov trail.Provenance) (*Decision, error) {
	rec, err := e.store.FindBySecret(ctx, token)
	if errors.Is(err, repositories.ErrNotFound) {
		e.trail.Record(ctx, models.TrailAudit,
			fmt.Sprintf("tried to submit against invalid review token %s", models.TokenAbbrev(token)), prov)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record for submission: %w", err)
	}

	if rec.IsResolved() {
		e.trail.Record(ctx, models.TrailAudit,
			fmt.Sprintf("submission for %s skipped: already reviewed", rec.Username), prov)
		return &Decision{Record: rec, AlreadyResolved: true}, nil
	}

	validated, err := e.validateRemovals(ctx, rec, requested, prov)
	if err != nil {
		return nil, err
	}

	resolvedAt := e.now()
	err = e.store.Resolve(ctx, rec.ID, validated, resolvedAt)
	if errors.Is(err, repositories.ErrAlreadyResolved) {
		// Another submission won the race. Re-read so the caller can show the
		// recorded decision.
		current, ferr := e.store.FindBySecret(ctx, token)
		if ferr != nil {
			return nil, fmt.Errorf("failed to re-read resolved record: %w", ferr)
		}
		return &Decision{Record: current, AlreadyResolved: true}, nil
	}
	if err != nil {
		e.trail.Record(ctx, models.TrailError,
			fmt.Sprintf("failed to persist decision for %s: %v", rec.Username, err), prov)
		return nil, fmt.Errorf("failed to persist decision for %s: %w", rec.Username, err)
	}

	rec.DateReviewed = &resolvedAt
	rec.Changes = models.GroupList(validated)
	if rec.Changes == nil {
		rec.Changes = models.GroupList{}
	}

	decisionLabel := "approved"
	if len(validated) > 0 {
		decisionLabel = "removals"
	}
	telemetry.ReviewsResolvedTotal.WithLabelValues(decisionLabel).Inc()

	// Persist first, notify second, trail last. A failed summary email never
	// affects the recorded decision.
	if nerr := e.notifier.SendDecisionSummary(rec, validated); nerr != nil {
		slog.Error("decision summary not delivered",
			"username", rec.Username, "manager", rec.ManagerEmail, "error", nerr)
		e.trail.Record(ctx, models.TrailError,
			fmt.Sprintf("decision summary for %s not delivered: %v", rec.Username, nerr), prov)
	}

	e.trail.Record(ctx, models.TrailAudit, decisionMessage(rec, validated), prov)

	return &Decision{Record: rec, Removed: validated}, nil
}

// Outstanding lists the manager's unresolved records, oldest first, and trails
// the queue view as a navigation observation.
func (e *Engine) Outstanding(ctx context.Context, managerEmail string, prov trail.Provenance) ([]*models.AuditRecord, error) {
	records, err := e.store.FindOutstandingFor(ctx, managerEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding reviews for %s: %w", managerEmail, err)
	}
	e.trail.Observe(models.TrailAudit,
		fmt.Sprintf("outstanding queue viewed: %d record(s)", len(records)), prov)
	return records, nil
}

// IsOverdue reports whether a pending record has aged past the overdue window.
func (e *Engine) IsOverdue(rec *models.AuditRecord) bool {
	return rec.IsOverdue(e.now(), e.overdueAfter)
}

// validateRemovals checks requested ⊆ snapshot and returns the deduplicated
// removal list in request order.
func (e *Engine) validateRemovals(ctx context.Context, rec *models.AuditRecord, requested []string, prov trail.Provenance) ([]string, error) {
	if len(requested) == 0 {
		return nil, nil
	}

	snapshot, err := e.groups.SnapshotGroups(ctx, rec.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to load membership snapshot for %s: %w", rec.Username, err)
	}
	member := make(map[string]bool, len(snapshot))
	for _, g := range snapshot {
		member[g] = true
	}

	var validated, unknown []string
	seen := make(map[string]bool, len(requested))
	for _, g := range requested {
		if seen[g] {
			continue
		}
		seen[g] = true
		if member[g] {
			validated = append(validated, g)
		} else {
			unknown = append(unknown, g)
		}
	}

	if len(unknown) > 0 {
		telemetry.ReviewValidationFailuresTotal.Inc()
		e.trail.Record(ctx, models.TrailError,
			fmt.Sprintf("submission for %s rejected: unknown groups %s",
				rec.Username, strings.Join(unknown, ", ")), prov)
		return nil, &ValidationError{Unknown: unknown}
	}
	return validated, nil
}

func decisionMessage(rec *models.AuditRecord, removed []string) string {
	if len(removed) == 0 {
		return fmt.Sprintf("review of %s approved as-is", rec.Username)
	}
	return fmt.Sprintf("review of %s flagged %d group(s) for removal: %s",
		rec.Username, len(removed), strings.Join(removed, ", "))
}
