package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_AccountRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	row := &AccountRow{Email: "a@example.com", Source: "oauth", Enabled: true, ProjectID: "proj-1"}
	if err := s.SaveAccount(ctx, row); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	got, err := s.GetAccount(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.ProjectID != "proj-1" {
		t.Fatalf("ProjectID: expected proj-1, got %q", got.ProjectID)
	}

	if _, err := s.GetAccount(ctx, "missing@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.DeleteAccount(ctx, "a@example.com"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := s.GetAccount(ctx, "a@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStore_ListAccountsSortedByEmail(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, email := range []string{"z@example.com", "a@example.com", "m@example.com"} {
		if err := s.SaveAccount(ctx, &AccountRow{Email: email}); err != nil {
			t.Fatalf("SaveAccount(%s): %v", email, err)
		}
	}

	rows, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Email != "a@example.com" || rows[2].Email != "z@example.com" {
		t.Fatalf("expected sorted order, got %v", rows)
	}
}

func TestMemoryStore_ListLogsRespectsLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.AppendLog(ctx, &LogRow{Model: "gemini-pro"}); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	rows, err := s.ListLogs(ctx, 2)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ID != 4 || rows[1].ID != 5 {
		t.Fatalf("expected the last 2 ids (4,5), got %v", []int64{rows[0].ID, rows[1].ID})
	}
}

func TestMemoryStore_Settings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "theme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
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
}

func TestMemoryStore_SignatureRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	row := &SignatureRow{Key: "user-1:claude", Kind: "tool_thinking", Value: "sig-abc"}
	if err := s.SaveSignature(ctx, row); err != nil {
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
