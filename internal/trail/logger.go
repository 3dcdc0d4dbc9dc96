// Package trail writes the append-only audit trail consumed by security
// review: who touched which review surface, from where, and what state
// transitions they caused. Trail entries are distinct from application logs —
// they live in the database alongside the decisions they describe.
package trail

import (
	"context"
	"log/slog"

	"github.com/disappointingsupernova/access-review/internal/db/models"
	"github.com/disappointingsupernova/access-review/internal/safego"
	"github.com/disappointingsupernova/access-review/internal/telemetry"
)

// Provenance identifies who performed an action and from where. ActorEmail is
// empty for unauthenticated token-bearing requests.
type Provenance struct {
	ActorEmail string
	IPAddress  string
	UserAgent  string
}

// Sink is the storage a Logger writes through.
type Sink interface {
	Append(ctx context.Context, entry *models.TrailEntry) error
}

// Logger records trail entries. Record is synchronous and used for state
// transitions and rejected inputs; Observe is fire-and-forget and used for
// navigation events where losing an entry under load is acceptable.
type Logger struct {
	sink Sink
}

// NewLogger creates a Logger over the given sink.
func NewLogger(sink Sink) *Logger {
	return &Logger{sink: sink}
}

// Record persists a trail entry before returning. A failed write never aborts
// the action it describes, but it is logged and counted — a decision without
// its trail entry is an operational incident, not a silent drop.
func (l *Logger) Record(ctx context.Context, typ models.TrailType, message string, prov Provenance) {
	entry := &models.TrailEntry{
		Type:       typ,
		Message:    message,
		ActorEmail: prov.ActorEmail,
		IPAddress:  prov.IPAddress,
		UserAgent:  prov.UserAgent,
	}
	if err := l.sink.Append(ctx, entry); err != nil {
		telemetry.TrailWriteFailuresTotal.Inc()
		slog.Error("failed to persist trail entry",
			"type", typ, "message", message, "actor", prov.ActorEmail, "error", err)
	}
}

// Observe records a navigation event asynchronously. The entry is written on a
// background goroutine detached from the request context so a slow trail write
// never delays a page render.
func (l *Logger) Observe(typ models.TrailType, message string, prov Provenance) {
	entry := &models.TrailEntry{
		Type:       typ,
		Message:    message,
		ActorEmail: prov.ActorEmail,
		IPAddress:  prov.IPAddress,
		UserAgent:  prov.UserAgent,
	}
	safego.Go(func() {
		if err := l.sink.Append(context.Background(), entry); err != nil {
			telemetry.TrailWriteFailuresTotal.Inc()
			slog.Warn("failed to persist trail observation", "message", message, "error", err)
		}
	})
}
