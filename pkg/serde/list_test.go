package serde_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flowctl/flowctl/pkg/register"
	"github.com/flowctl/flowctl/pkg/serde"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseListBasic(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.lst", `#PYTHON
# a comment line, and a blank line follow

1|-1|1|0|first|sh|shell|exit 0|`+filepath.Join(dir, "first.log")+`
2|1|3|0|second|sh|shell|exit 1|`+filepath.Join(dir, "second.log")+`
`)

	r, err := serde.ParseList(path, false)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	n2 := r.FindNode(2)
	if n2 == nil {
		t.Fatal("node 2 not found")
	}
	if n2.Parents[1] == nil {
		t.Fatal("node 2 should depend on node 1")
	}
	if n2.MaxAttempts != 3 {
		t.Fatalf("node 2 MaxAttempts = %d, want 3", n2.MaxAttempts)
	}
}

func TestParseListQuotedArgsPreserveCommas(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.lst",
		`1|-1|1|0|n|sh|shell|"a,b",c|`+filepath.Join(dir, "n.log")+"\n")

	r, err := serde.ParseList(path, false)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	n := r.FindNode(1)
	want := []string{"a,b", "c"}
	if len(n.Arguments) != len(want) {
		t.Fatalf("Arguments = %v, want %v", n.Arguments, want)
	}
	for i := range want {
		if n.Arguments[i] != want[i] {
			t.Fatalf("Arguments = %v, want %v", n.Arguments, want)
		}
	}
}

func TestParseListUnresolvedDependencySurfacesError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.lst",
		`1|99|1|0|n|sh|shell|exit 0|`+filepath.Join(dir, "n.log")+"\n")

	if _, err := serde.ParseList(path, false); err == nil {
		t.Fatal("expected an unresolved-dependency error")
	} else if _, ok := err.(interface{ Error() string }); !ok {
		t.Fatalf("unexpected error type: %T", err)
	}
}

func TestParseListEnvExpansion(t *testing.T) {
	os.Setenv("SERDE_TEST_VAR", "expanded")
	defer os.Unsetenv("SERDE_TEST_VAR")

	dir := t.TempDir()
	path := writeFile(t, dir, "wf.lst",
		`1|-1|1|0|$ENV{SERDE_TEST_VAR}|sh|shell|exit 0|`+filepath.Join(dir, "n.log")+"\n")

	r, err := serde.ParseList(path, false)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	n := r.FindNode("expanded")
	if n == nil {
		t.Fatal("expected node named 'expanded' after $ENV expansion")
	}
}

func TestParseListUnsetEnvFails(t *testing.T) {
	os.Unsetenv("SERDE_TEST_UNSET_VAR")
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.lst",
		`1|-1|1|0|$ENV{SERDE_TEST_UNSET_VAR}|sh|shell|exit 0|`+filepath.Join(dir, "n.log")+"\n")

	if _, err := serde.ParseList(path, false); err == nil {
		t.Fatal("expected an error for unset $ENV{VAR}")
	}
}

func TestWriteListThenParseListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.lst",
		`2|-1|2|1|second|sh|shell|exit 0|`+filepath.Join(dir, "second.log")+`
1|-1|1|0|first|sh|shell|exit 0|`+filepath.Join(dir, "first.log")+`
`)
	parsed, err := serde.ParseList(path, false)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}

	out := filepath.Join(dir, "roundtrip.lst")
	if err := serde.WriteList(out, parsed); err != nil {
		t.Fatalf("WriteList: %v", err)
	}

	reparsed, err := serde.ParseList(out, false)
	if err != nil {
		t.Fatalf("ParseList (reparsed): %v", err)
	}
	if reparsed.Len() != parsed.Len() {
		t.Fatalf("Len after round-trip = %d, want %d", reparsed.Len(), parsed.Len())
	}
	// Ascending-id emission: node 1 should appear before node 2 in the
	// file, right after the #PYTHON header line.
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 || lines[0] != "#PYTHON" {
		t.Fatalf("expected #PYTHON header line first, got: %q", lines)
	}
	if !strings.HasPrefix(lines[1], "1|") {
		t.Fatalf("expected ascending-id emission right after header, got: %q", lines[1])
	}
}

func TestParseListShellModeOmitsModuleWorkerColumns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.lst", `#SHELL
1|-1|1|0|first|exit 0|`+filepath.Join(dir, "first.log")+`
`)
	r, err := serde.ParseList(path, false)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	n := r.FindNode(1)
	if n == nil {
		t.Fatal("node 1 not found")
	}
	if n.Module != "sh" || n.Worker != "shell" {
		t.Fatalf("Module/Worker = %q/%q, want sh/shell", n.Module, n.Worker)
	}
	if len(n.Arguments) != 1 || n.Arguments[0] != "exit 0" {
		t.Fatalf("Arguments = %v, want [\"exit 0\"]", n.Arguments)
	}
}

func TestWriteCtlLogRoundTripRestoresStatus(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.lst",
		`1|-1|1|0|first|sh|shell|exit 0|`+filepath.Join(dir, "first.log")+`
2|1|1|0|second|sh|shell|exit 1|`+filepath.Join(dir, "second.log")+`
`)
	r, err := serde.ParseList(path, false)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	r.Move(r.FindNode(1), register.Completed)
	r.Move(r.FindNode(2), register.Failed)

	ctllog := filepath.Join(dir, "app.ctllog")
	if err := serde.WriteCtlLog(ctllog, r); err != nil {
		t.Fatalf("WriteCtlLog: %v", err)
	}

	resumed, err := serde.ParseList(ctllog, true)
	if err != nil {
		t.Fatalf("ParseList (restart): %v", err)
	}
	if status, _ := resumed.StatusOf(resumed.FindNode(1)); status != register.Completed {
		t.Fatalf("node 1 status = %s, want completed", status)
	}
	if status, _ := resumed.StatusOf(resumed.FindNode(2)); status != register.Failed {
		t.Fatalf("node 2 status = %s, want failed", status)
	}
}

func TestParseListRestartRejectsInvalidStatus(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.ctllog",
		`1|-1|1|0|bogus|0|first|sh|shell|exit 0|`+filepath.Join(dir, "first.log")+"\n")
	if _, err := serde.ParseList(path, true); err == nil {
		t.Fatal("expected an error for an unrecognized status tag")
	}
}

func TestParseListRejectsUnknownHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.lst", `#RUBY
1|-1|1|0|first|sh|shell|exit 0|`+filepath.Join(dir, "first.log")+`
`)
	if _, err := serde.ParseList(path, false); err == nil {
		t.Fatal("expected an error for an unrecognized header mode")
	}
}
