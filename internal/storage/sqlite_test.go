package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storage.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_AccountRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	row := &AccountRow{Email: "a@example.com", Source: "oauth", Enabled: true, ProjectID: "proj-1", CreatedAtMs: 1, UpdatedAtMs: 1}
	if err := s.SaveAccount(ctx, row); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	got, err := s.GetAccount(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.ProjectID != "proj-1" || !got.Enabled {
		t.Fatalf("unexpected row: %+v", got)
	}

	row.ProjectID = "proj-2"
	row.UpdatedAtMs = 2
	if err := s.SaveAccount(ctx, row); err != nil {
		t.Fatalf("SaveAccount (update): %v", err)
	}
	got, err = s.GetAccount(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetAccount after update: %v", err)
	}
	if got.ProjectID != "proj-2" {
		t.Fatalf("expected upsert to replace ProjectID, got %q", got.ProjectID)
	}

	if err := s.DeleteAccount(ctx, "a@example.com"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := s.GetAccount(ctx, "a@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStore_ListAccounts(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	for _, email := range []string{"b@example.com", "a@example.com"} {
		if err := s.SaveAccount(ctx, &AccountRow{Email: email}); err != nil {
			t.Fatalf("SaveAccount(%s): %v", email, err)
		}
	}

	rows, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(rows) != 2 || rows[0].Email != "a@example.com" {
		t.Fatalf("expected sorted [a,b], got %v", rows)
	}
}

func TestSQLiteStore_LogsAndSettingsAndSignatures(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	if err := s.AppendLog(ctx, &LogRow{TimestampMs: 100, Model: "gemini-pro", StatusCode: 200}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	logs, err := s.ListLogs(ctx, 10)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Model != "gemini-pro" {
		t.Fatalf("unexpected logs: %v", logs)
	}

	if err := s.SetSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	value, err := s.GetSetting(ctx, "theme")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if value != "dark" {
		t.Fatalf("expected dark, got %q", value)
	}

	sig := &SignatureRow{Key: "user-1:claude", Kind: "tool_thinking", Value: "sig-abc", UpdatedAtMs: 5}
	if err := s.SaveSignature(ctx, sig); err != nil {
		t.Fatalf("SaveSignature: %v", err)
	}
	got, err := s.GetSignature(ctx, "user-1:claude")
	if err != nil {
		t.Fatalf("GetSignature: %v", err)
	}
	if got.Value != "sig-abc" {
		t.Fatalf("expected sig-abc, got %q", got.Value)
	}
}
