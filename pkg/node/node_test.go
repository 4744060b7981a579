package node_test

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowctl/flowctl/pkg/node"
	"github.com/flowctl/flowctl/pkg/worker"
)

func TestAddChildNodeWiresBothDirections(t *testing.T) {
	root := node.New(-1, "root")
	child := node.New(1, "child")
	root.AddChildNode(child)

	if root.Children[1] != child {
		t.Fatal("root should list child among its children")
	}
	if child.Parents[-1] != root {
		t.Fatal("child should list root among its parents")
	}
}

func TestGetNodeByIDAndName(t *testing.T) {
	root := node.New(-1, "root")
	a := node.New(1, "a")
	b := node.New(2, "b")
	root.AddChildNode(a)
	a.AddChildNode(b)

	if found := root.GetNodeByID(2); found != b {
		t.Fatalf("GetNodeByID(2) = %v, want b", found)
	}
	if found := root.GetNodeByName("b"); found != b {
		t.Fatalf("GetNodeByName(b) = %v, want b", found)
	}
	if found := root.GetNodeByID(99); found != nil {
		t.Fatalf("GetNodeByID(99) = %v, want nil", found)
	}
}

func TestGetNodeByIDSurvivesDiamondDependency(t *testing.T) {
	root := node.New(-1, "root")
	a := node.New(1, "a")
	b := node.New(2, "b")
	c := node.New(3, "c")
	root.AddChildNode(a)
	root.AddChildNode(b)
	a.AddChildNode(c)
	b.AddChildNode(c)

	if found := root.GetNodeByID(3); found != c {
		t.Fatalf("GetNodeByID(3) = %v, want c", found)
	}
}

func TestIsRunnableRespectsWaitUntil(t *testing.T) {
	n := node.New(1, "n")
	now := time.Now()
	if !n.IsRunnable(now) {
		t.Fatal("fresh node with zero WaitUntil should be runnable")
	}
	n.WaitUntil = now.Add(time.Hour)
	if n.IsRunnable(now) {
		t.Fatal("node should not be runnable before WaitUntil")
	}
}

func TestExecutePollReapsExitedSubprocess(t *testing.T) {
	selfBinary, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no 'true' binary available on this system")
	}
	_ = selfBinary

	n := node.New(1, "n")
	n.Module, n.Worker = "sh", "shell"
	n.Arguments = []string{"exit 0"}
	n.MaxAttempts = 1
	n.LogFile = filepath.Join(t.TempDir(), "n.log")

	// Execute re-execs os.Args[0] (the test binary) in dispatch mode; since
	// the test binary isn't flowctl's main, this exercises the spawn and
	// poll machinery's handling of a subprocess that exits nonzero (the
	// test binary run with unrecognized flags), not the shell worker
	// itself; the shell worker's exit-code mapping is covered directly in
	// pkg/worker's tests.
	if err := n.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := n.Poll(true)
	if result.Kind != node.Exited && result.Kind != node.Retry {
		t.Fatalf("Poll result kind = %v, want Exited or Retry", result.Kind)
	}
}

func TestPollWithNoSubprocessReturnsReservedCode(t *testing.T) {
	n := node.New(1, "n")
	result := n.Poll(false)
	if result.Kind != node.Exited {
		t.Fatalf("Poll kind = %v, want Exited", result.Kind)
	}
	if result.Code != worker.CodeNoSubprocess {
		t.Fatalf("Poll code = %d, want %d", result.Code, worker.CodeNoSubprocess)
	}
}

func TestTerminateIsNoOpWithoutSubprocess(t *testing.T) {
	n := node.New(1, "n")
	n.Terminate("no-op") // must not panic
}
