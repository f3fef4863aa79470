package history_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/history"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(filepath.Join(t.TempDir(), "printd.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListJobs(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
	records := []core.JobRecord{
		{Printer: "office", JobID: 1, Username: "alice", Title: "one", State: "completed", Reasons: "job-completed-successfully", CreatedAt: base, CompletedAt: base.Add(time.Minute), Documents: 1},
		{Printer: "office", JobID: 2, Username: "bob", Title: "two", State: "canceled", Reasons: "job-canceled-by-user", CreatedAt: base, CompletedAt: base.Add(2 * time.Minute), Documents: 1},
		{Printer: "lab", JobID: 1, Username: "alice", Title: "three", State: "completed", Reasons: "job-completed-successfully", CreatedAt: base, CompletedAt: base.Add(3 * time.Minute), Documents: 2},
	}
	for _, rec := range records {
		if err := s.RecordJob(rec); err != nil {
			t.Fatalf("RecordJob: %v", err)
		}
	}

	all, err := s.ListJobs(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d jobs, want 3", len(all))
	}
	// Most recent completion first.
	if all[0].Printer != "lab" {
		t.Errorf("first listed printer = %q, want lab", all[0].Printer)
	}

	office, err := s.ListJobs(ctx, history.Filter{Printer: "office"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(office) != 2 {
		t.Errorf("office jobs = %d, want 2", len(office))
	}

	mine, err := s.ListJobs(ctx, history.Filter{Printer: "office", Username: "alice"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(mine) != 1 || mine[0].Title != "one" {
		t.Fatalf("filtered jobs = %+v", mine)
	}

	limited, err := s.ListJobs(ctx, history.Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(limited) != 1 || limited[0].Printer != "office" {
		t.Fatalf("paged jobs = %+v", limited)
	}
}

func TestSettings(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "missing"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("missing setting err = %v, want ErrNotFound", err)
	}

	if err := s.SetSetting(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if v, err := s.GetSetting(ctx, "greeting"); err != nil || v != "hello" {
		t.Fatalf("GetSetting = %q, %v", v, err)
	}

	// Upsert.
	if err := s.SetSetting(ctx, "greeting", "goodbye"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if v, _ := s.GetSetting(ctx, "greeting"); v != "goodbye" {
		t.Errorf("updated setting = %q, want goodbye", v)
	}
}

func TestUsers(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if n, err := s.CountUsers(ctx); err != nil || n != 0 {
		t.Fatalf("CountUsers = %d, %v", n, err)
	}
	if _, err := s.GetUser(ctx, "alice"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("missing user err = %v, want ErrNotFound", err)
	}

	u := &history.User{Username: "alice", PasswordHash: "$2a$10$fake", Groups: []string{"admin", "staff"}}
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.PasswordHash != u.PasswordHash {
		t.Errorf("hash = %q, want %q", got.PasswordHash, u.PasswordHash)
	}
	if len(got.Groups) != 2 || got.Groups[0] != "admin" {
		t.Errorf("groups = %v, want [admin staff]", got.Groups)
	}

	// No groups round-trips as empty, not [""].
	if err := s.PutUser(ctx, &history.User{Username: "bob", PasswordHash: "x"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	bob, err := s.GetUser(ctx, "bob")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(bob.Groups) != 0 {
		t.Errorf("groups = %v, want none", bob.Groups)
	}

	if n, _ := s.CountUsers(ctx); n != 2 {
		t.Errorf("CountUsers = %d, want 2", n)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printd.db")
	s, err := history.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetSetting(context.Background(), "k", "v"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	s.Close()

	// Reopening runs migrate again against the same file.
	s, err = history.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if v, err := s.GetSetting(context.Background(), "k"); err != nil || v != "v" {
		t.Fatalf("setting after reopen = %q, %v", v, err)
	}
}
