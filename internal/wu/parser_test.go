package wu

import "testing"

const sampleDoc = `WORKUNIT W1
FILE input.dat aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
EXECFILE worker_${ARCH} bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
COMMAND ./worker_${ARCH} input.dat output.txt
RESULT output.txt
`

func TestParse(t *testing.T) {
	doc, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.ID() != "W1" {
		t.Fatalf("ID() = %q, want W1", doc.ID())
	}
	if len(doc.Files()) != 1 || doc.Files()[0].Name != "input.dat" {
		t.Fatalf("Files() = %+v", doc.Files())
	}
	if len(doc.ExecFiles()) != 1 || doc.ExecFiles()[0].Name != "worker_${ARCH}" {
		t.Fatalf("ExecFiles() = %+v", doc.ExecFiles())
	}
	if len(doc.Commands()) != 1 {
		t.Fatalf("Commands() = %+v", doc.Commands())
	}
	if len(doc.ResultNames()) != 1 || doc.ResultNames()[0] != "output.txt" {
		t.Fatalf("ResultNames() = %+v", doc.ResultNames())
	}
}

func TestParseMissingID(t *testing.T) {
	_, err := Parse("FILE a.txt aaaa\n")
	if err != ErrMissingID {
		t.Fatalf("err = %v, want ErrMissingID", err)
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("   \n\n")
	if err != ErrEmptyDocument {
		t.Fatalf("err = %v, want ErrEmptyDocument", err)
	}
}

func TestParseDuplicateID(t *testing.T) {
	_, err := Parse("WORKUNIT A\nWORKUNIT B\n")
	if err == nil {
		t.Fatal("expected error for duplicate WORKUNIT id")
	}
}

func TestParseUnknownSection(t *testing.T) {
	_, err := Parse("WORKUNIT A\nBOGUS x\n")
	if err == nil {
		t.Fatal("expected error for unknown section")
	}
}

func TestSubstitute(t *testing.T) {
	got := Substitute("worker_${ARCH}", "x86_64")
	if got != "worker_x86_64" {
		t.Fatalf("Substitute = %q", got)
	}
	got = Substitute("worker_${ARCH}", "")
	if got != "worker_" {
		t.Fatalf("Substitute with empty arch = %q", got)
	}
}

func TestCommandOrderPreserved(t *testing.T) {
	doc, err := Parse("WORKUNIT A\nCOMMAND first\nCOMMAND second\nCOMMAND third\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"first", "second", "third"}
	got := doc.Commands()
	if len(got) != len(want) {
		t.Fatalf("Commands() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Commands()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
