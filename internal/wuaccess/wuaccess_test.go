package wuaccess

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"wudispatch/internal/mapper"
)

func newTestAccess(t *testing.T) *WuAccess {
	t.Helper()
	db, err := mapper.Open(filepath.Join(t.TempDir(), "wu.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	m := mapper.New(db)
	if err := m.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return New(db, true)
}

func TestCreateAssignResultVerify(t *testing.T) {
	ctx := context.Background()
	a := newTestAccess(t)

	wuid, err := a.Create(ctx, sprintfWU("W1"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wuid != "W1" {
		t.Fatalf("wuid = %q", wuid)
	}

	text, err := a.Assign(ctx, "cli-A")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if text == "" {
		t.Fatal("Assign returned no work")
	}

	zero := 0
	if err := a.Result(ctx, "W1", "cli-A", []ResultFileInput{{Filename: "out.txt", Path: "/tmp/out.txt"}}, &zero, nil); err != nil {
		t.Fatalf("Result: %v", err)
	}

	rows, err := a.Query(ctx, nil, 0, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var found bool
	for _, r := range rows {
		if r.WUID == "W1" {
			found = true
			if len(r.Files) != 1 || r.Files[0].Filename != "out.txt" {
				t.Fatalf("files = %+v", r.Files)
			}
		}
	}
	if !found {
		t.Fatal("W1 not found in query results")
	}

	if err := a.Verify(ctx, "W1", true); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestDuplicateCreate(t *testing.T) {
	ctx := context.Background()
	a := newTestAccess(t)
	if _, err := a.Create(ctx, sprintfWU("W1"), nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := a.Create(ctx, sprintfWU("W1"), nil); err != ErrDuplicateWUID {
		t.Fatalf("err = %v, want ErrDuplicateWUID", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	a := newTestAccess(t)

	low := int64(1)
	high := int64(5)
	if _, err := a.Create(ctx, sprintfWU("W_low"), &low); err != nil {
		t.Fatalf("Create low: %v", err)
	}
	if _, err := a.Create(ctx, sprintfWU("W_high"), &high); err != nil {
		t.Fatalf("Create high: %v", err)
	}

	first, err := a.Assign(ctx, "cli")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !strings.Contains(first, "W_high") {
		t.Fatalf("expected high priority WU first, got %q", first)
	}

	second, err := a.Assign(ctx, "cli")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !strings.Contains(second, "W_low") {
		t.Fatalf("expected low priority WU second, got %q", second)
	}

	third, err := a.Assign(ctx, "cli")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if third != "" {
		t.Fatalf("expected no more work, got %q", third)
	}
}

func TestResultRequiresAssigned(t *testing.T) {
	ctx := context.Background()
	a := newTestAccess(t)
	if _, err := a.Create(ctx, sprintfWU("W1"), nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := a.Result(ctx, "W1", "cli", nil, nil, nil)
	if err == nil {
		t.Fatal("expected StateViolation, got nil")
	}
}

func TestCancelTerminalNoop(t *testing.T) {
	ctx := context.Background()
	a := newTestAccess(t)
	if _, err := a.Create(ctx, sprintfWU("W1"), nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.Cancel(ctx, "W1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := a.Cancel(ctx, "W1"); err != nil {
		t.Fatalf("Cancel (second, should be no-op): %v", err)
	}
}

func sprintfWU(id string) string {
	return "WORKUNIT " + id + "\nCOMMAND echo hi\nRESULT out.txt\n"
}
