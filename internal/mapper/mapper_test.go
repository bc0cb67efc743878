package mapper

import (
	"context"
	"path/filepath"
	"testing"

	"wudispatch/internal/dbrecord"
	"wudispatch/internal/wustatus"
)

func newTestDB(t *testing.T) *Mapper {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "wu.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	m := New(db)
	if err := m.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func insertWU(t *testing.T, m *Mapper, wuid string, files []dbrecord.ResultFile) *dbrecord.WorkUnit {
	t.Helper()
	ctx := context.Background()
	tx, err := m.db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	wu := &dbrecord.WorkUnit{
		WUID:   wuid,
		Status: wustatus.Available,
		WUText: "WORKUNIT " + wuid + "\n",
		Files:  files,
	}
	if err := InsertWorkUnit(ctx, tx, wu); err != nil {
		tx.Rollback()
		t.Fatalf("InsertWorkUnit: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return wu
}

// TestWhereCollapsesMultipleFiles exercises the LEFT JOIN collapse: a
// work-unit with several attached files must come back as a single
// WorkUnit with all of its Files populated, not one row per file.
func TestWhereCollapsesMultipleFiles(t *testing.T) {
	m := newTestDB(t)
	insertWU(t, m, "W1", []dbrecord.ResultFile{
		{Filename: "a.txt", Path: "/tmp/a.txt"},
		{Filename: "b.txt", Path: "/tmp/b.txt"},
		{Filename: "c.txt", Path: "/tmp/c.txt"},
	})

	rows, err := Where(context.Background(), m.db, nil, 0, nil)
	if err != nil {
		t.Fatalf("Where: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if len(rows[0].Files) != 3 {
		t.Fatalf("files = %+v, want 3", rows[0].Files)
	}
}

// TestWhereLimitCountsParentsNotRows is the regression test for the bug
// documented in DESIGN.md: limit must cap the number of distinct
// work-units returned, not the number of raw joined rows, or a
// multi-file work-unit's Files slice gets truncated whenever limit is
// smaller than its file count.
func TestWhereLimitCountsParentsNotRows(t *testing.T) {
	m := newTestDB(t)
	insertWU(t, m, "W1", []dbrecord.ResultFile{
		{Filename: "a.txt", Path: "/tmp/a.txt"},
		{Filename: "b.txt", Path: "/tmp/b.txt"},
		{Filename: "c.txt", Path: "/tmp/c.txt"},
	})
	insertWU(t, m, "W2", nil)

	rows, err := Where(context.Background(), m.db, nil, 1, nil)
	if err != nil {
		t.Fatalf("Where: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].WUID != "W1" {
		t.Fatalf("wuid = %q, want W1", rows[0].WUID)
	}
	if len(rows[0].Files) != 3 {
		t.Fatalf("files = %+v, want 3 (limit must not truncate the file list)", rows[0].Files)
	}
}

func TestWhereNoMatchingFiles(t *testing.T) {
	m := newTestDB(t)
	insertWU(t, m, "W1", nil)

	rows, err := Where(context.Background(), m.db, nil, 0, nil)
	if err != nil {
		t.Fatalf("Where: %v", err)
	}
	if len(rows) != 1 || len(rows[0].Files) != 0 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestWhereConditionFilters(t *testing.T) {
	m := newTestDB(t)
	insertWU(t, m, "W1", nil)
	insertWU(t, m, "W2", nil)

	rows, err := Where(context.Background(), m.db, []dbrecord.Condition{dbrecord.Eq("wuid", "W2")}, 0, nil)
	if err != nil {
		t.Fatalf("Where: %v", err)
	}
	if len(rows) != 1 || rows[0].WUID != "W2" {
		t.Fatalf("rows = %+v", rows)
	}
}
