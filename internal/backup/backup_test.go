package backup

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"wudispatch/internal/dbrecord"
)

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) {
	return 0, errors.New("synthetic read error")
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	errCode := int32(0)
	records := []Record{
		{WUID: "A1", Status: 0, WUText: "WORKUNIT A1\n", TimeCreated: "t0", Priority: 5},
		{WUID: "A2", Status: 2, WUText: "WORKUNIT A2\n", ErrorCode: errCode, FailedCommand: -1, Priority: 0},
	}

	stream := func(yield func(Record) bool) {
		for _, r := range records {
			if !yield(r) {
				return
			}
		}
	}

	if err := Write(&buf, stream); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var loaded []Record
	if err := Load(&buf, func(r Record) { loaded = append(loaded, r) }); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(loaded) != len(records) {
		t.Fatalf("got %d records, want %d", len(loaded), len(records))
	}
	for i := range records {
		if loaded[i] != records[i] {
			t.Fatalf("record %d = %+v, want %+v", i, loaded[i], records[i])
		}
	}
}

func TestLoadStopsOnReadError(t *testing.T) {
	err := Load(errorReader{}, func(Record) {})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadEmptyStreamIsSuccess(t *testing.T) {
	if err := Load(bytes.NewReader(nil), func(Record) {}); err != nil {
		t.Fatalf("Load on empty stream: %v", err)
	}
}

func TestFromWorkUnitsYieldStop(t *testing.T) {
	rows := []dbrecord.WorkUnit{{WUID: "A"}, {WUID: "B"}, {WUID: "C"}}
	var seen []string
	stream := FromWorkUnits(rows)
	stream(func(r Record) bool {
		seen = append(seen, r.WUID)
		return len(seen) < 2
	})
	if len(seen) != 2 {
		t.Fatalf("seen = %v, want 2 entries", seen)
	}
}

var _ io.Reader = errorReader{}
