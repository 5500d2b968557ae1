package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/superfly/blockplan"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "history.db")
	db, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleReport() *blockplan.CommitReport {
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return &blockplan.CommitReport{
		RunID:     "01J5TESTRUN000000000000000",
		OK:        false,
		Error:     "mkfs.ext4 failed",
		Retries:   1,
		StartedAt: start,
		Executed: []blockplan.ActionRecord{
			{Index: 0, Summary: "create format disklabel on vda", DeviceName: "vda", Status: "executed", StartedAt: start, FinishedAt: start.Add(time.Second)},
			{Index: 1, Summary: "create device partition vda1", DeviceName: "vda1", Status: "failed", Error: "mkfs.ext4 failed", StartedAt: start.Add(time.Second), FinishedAt: start.Add(2 * time.Second)},
		},
		Pending: []blockplan.ActionRecord{
			{Index: 2, Summary: "create format ext4 on vda1", DeviceName: "vda1", Status: "pending"},
		},
		FinishedAt: start.Add(2 * time.Second),
	}
}

func TestRecordAndLoadReport(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	want := sampleReport()
	if err := db.RecordReport(ctx, want); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}

	got, err := db.ReportByRunID(ctx, want.RunID)
	if err != nil {
		t.Fatalf("ReportByRunID: %v", err)
	}
	if got == nil {
		t.Fatal("stored report not found")
	}
	if got.OK || got.Error != want.Error || got.Retries != 1 {
		t.Fatalf("report header = %+v", got)
	}
	if len(got.Executed) != 2 || len(got.Pending) != 1 {
		t.Fatalf("report split = %d executed, %d pending", len(got.Executed), len(got.Pending))
	}
	if got.Executed[1].Status != "failed" || got.Executed[1].Error == "" {
		t.Fatalf("failed record = %+v", got.Executed[1])
	}
	if got.Pending[0].Index != 2 {
		t.Fatalf("pending record = %+v", got.Pending[0])
	}
}

func TestReportByRunIDMissing(t *testing.T) {
	db := testDB(t)
	got, err := db.ReportByRunID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ReportByRunID: %v", err)
	}
	if got != nil {
		t.Fatalf("unknown run returned %+v", got)
	}
}

func TestDuplicateRunIDRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := sampleReport()
	if err := db.RecordReport(ctx, r); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}
	if err := db.RecordReport(ctx, r); err == nil {
		t.Fatal("recording the same run twice should fail")
	}
}

func TestRecentCommitsNewestFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := sampleReport()
	recent := &blockplan.CommitReport{
		RunID:      "01J5TESTRUN111111111111111",
		OK:         true,
		StartedAt:  old.StartedAt.Add(time.Hour),
		FinishedAt: old.StartedAt.Add(time.Hour + time.Second),
		Executed: []blockplan.ActionRecord{
			{Index: 0, Summary: "destroy device partition vdb1", DeviceName: "vdb1", Status: "executed"},
		},
	}
	if err := db.RecordReport(ctx, old); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}
	if err := db.RecordReport(ctx, recent); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}

	got, err := db.RecentCommits(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCommits: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d commits, want 2", len(got))
	}
	if got[0].RunID != recent.RunID || !got[0].OK || got[0].Actions != 1 {
		t.Fatalf("newest = %+v", got[0])
	}
	if got[1].RunID != old.RunID || got[1].Actions != 3 {
		t.Fatalf("oldest = %+v", got[1])
	}
}
