package repositories

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newGroupRepo(t *testing.T) (*GroupRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewGroupRepository(db), mock
}

func TestSnapshotGroups(t *testing.T) {
	repo, mock := newGroupRepo(t)
	rows := sqlmock.NewRows([]string{"group_name"}).
		AddRow("SG_AWS_Admins").
		AddRow("SG_AWS_ReadOnly")
	mock.ExpectQuery("SELECT group_name FROM user_groups").
		WillReturnRows(rows)

	groups, err := repo.SnapshotGroups(context.Background(), "jdoe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if groups[0] != "SG_AWS_Admins" {
		t.Errorf("groups[0] = %q, want %q", groups[0], "SG_AWS_Admins")
	}
}

func TestSnapshotGroups_NoMemberships(t *testing.T) {
	repo, mock := newGroupRepo(t)
	mock.ExpectQuery("SELECT group_name FROM user_groups").
		WillReturnRows(sqlmock.NewRows([]string{"group_name"}))

	groups, err := repo.SnapshotGroups(context.Background(), "jdoe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if groups == nil {
		t.Error("expected empty slice, got nil")
	}
	if len(groups) != 0 {
		t.Errorf("len(groups) = %d, want 0", len(groups))
	}
}

func TestSnapshotGroups_DBError(t *testing.T) {
	repo, mock := newGroupRepo(t)
	mock.ExpectQuery("SELECT group_name FROM user_groups").
		WillReturnError(errDB)

	if _, err := repo.SnapshotGroups(context.Background(), "jdoe"); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestAddMembership(t *testing.T) {
	repo, mock := newGroupRepo(t)
	mock.ExpectExec("INSERT INTO user_groups").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.AddMembership(context.Background(), "jdoe", "SG_AWS_Admins"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddMembership_Duplicate(t *testing.T) {
	repo, mock := newGroupRepo(t)
	// ON CONFLICT DO NOTHING: zero rows affected is still success.
	mock.ExpectExec("INSERT INTO user_groups").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.AddMembership(context.Background(), "jdoe", "SG_AWS_Admins"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRemoveMembership(t *testing.T) {
	repo, mock := newGroupRepo(t)
	mock.ExpectExec("DELETE FROM user_groups").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RemoveMembership(context.Background(), "jdoe", "SG_AWS_Legacy"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestListUsernames(t *testing.T) {
	repo, mock := newGroupRepo(t)
	rows := sqlmock.NewRows([]string{"username"}).
		AddRow("asmith").
		AddRow("jdoe")
	mock.ExpectQuery("SELECT DISTINCT username FROM user_groups").
		WillReturnRows(rows)

	usernames, err := repo.ListUsernames(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(usernames) != 2 {
		t.Fatalf("len(usernames) = %d, want 2", len(usernames))
	}
}
