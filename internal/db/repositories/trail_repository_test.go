package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/disappointingsupernova/access-review/internal/db/models"
)

var trailCols = []string{"id", "log_type", "log_message", "email", "ip_address", "user_agent", "timestamp"}

func newTrailRepo(t *testing.T) (*TrailRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewTrailRepository(db), mock
}

func TestAppend_AssignsID(t *testing.T) {
	repo, mock := newTrailRepo(t)
	mock.ExpectExec("INSERT INTO ui_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &models.TrailEntry{
		Type:       models.TrailAudit,
		Message:    "review approved for jdoe",
		ActorEmail: "manager@example.com",
		IPAddress:  "10.0.0.1",
		UserAgent:  "Mozilla/5.0",
	}
	if err := repo.Append(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if entry.Timestamp.IsZero() {
		t.Error("expected Timestamp to be assigned")
	}
}

func TestAppend_DBError(t *testing.T) {
	repo, mock := newTrailRepo(t)
	mock.ExpectExec("INSERT INTO ui_logs").
		WillReturnError(errDB)

	entry := &models.TrailEntry{Type: models.TrailError, Message: "token lookup failed"}
	if err := repo.Append(context.Background(), entry); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestListRecent(t *testing.T) {
	repo, mock := newTrailRepo(t)
	rows := sqlmock.NewRows(trailCols).
		AddRow("id-2", "Audit", "review approved for jdoe", "manager@example.com", "10.0.0.1", "Mozilla/5.0", time.Now()).
		AddRow("id-1", "Error", "token lookup failed", "", "10.0.0.2", "", time.Now().Add(-time.Hour))
	mock.ExpectQuery("SELECT id.*FROM ui_logs.*ORDER BY timestamp DESC").
		WillReturnRows(rows)

	entries, err := repo.ListRecent(context.Background(), 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Type != models.TrailAudit {
		t.Errorf("entries[0].Type = %q, want %q", entries[0].Type, models.TrailAudit)
	}
}
