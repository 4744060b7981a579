// Package node implements one task's execution lifecycle: spawn, poll,
// retry-with-wait, timeout, terminate. Each task runs as an OS
// subprocess: the engine re-execs its own binary in a hidden dispatch
// mode, the portable analogue of forking the engine process.
package node

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/flowctl/flowctl/pkg/kvstore"
	"github.com/flowctl/flowctl/pkg/tasklog"
	"github.com/flowctl/flowctl/pkg/worker"
)

// EnvKVSocket carries the shared context store's socket path into each
// worker subprocess's environment.
const EnvKVSocket = "FLOWCTL_KV_SOCK"

// DispatchFlag, when present as os.Args[1], tells cmd/flowctl's main to
// run in hidden worker mode instead of the normal CLI, per Execute's
// re-exec contract below.
const DispatchFlag = "--flowctl-worker-dispatch"

// Kind discriminates a Poll outcome.
type Kind int

const (
	Running Kind = iota
	Retry        // "return to pending": negative return code, or a nonzero
	// code with attempts remaining.
	Exited // terminal: code is the worker's final return code.
)

// Result is the outcome of one Poll call.
type Result struct {
	Kind Kind
	Code int
}

// Node is one task instance: declared fields plus runtime state. The
// subprocess handle belongs exclusively to the scheduling loop goroutine;
// only it may call Execute, Poll, or Terminate on a given Node.
type Node struct {
	ID             int
	Name           string
	Module         string
	Worker         string
	Arguments      []string
	LogFile        string
	MaxAttempts    int
	RetryWaitTime  time.Duration
	Timeout        time.Duration // 0 means unbounded
	Parents        map[int]*Node
	Children       map[int]*Node

	Attempts  int
	StartTime time.Time
	EndTime   time.Time
	WaitUntil time.Time

	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	log      *tasklog.Log
	kvSocket string // passed through to the subprocess as FLOWCTL_KV_SOCK
}

// New builds a Node with empty parent/child sets.
func New(id int, name string) *Node {
	return &Node{
		ID:       id,
		Name:     name,
		Parents:  make(map[int]*Node),
		Children: make(map[int]*Node),
	}
}

// AddChildNode wires child as a dependent of n in both directions.
func (n *Node) AddChildNode(child *Node) {
	n.Children[child.ID] = child
	child.Parents[n.ID] = n
}

// SetKVSocket attaches the Unix-domain socket path a spawned subprocess
// should dial to reach the shared context store (pkg/kvstore.Serve).
func (n *Node) SetKVSocket(path string) { n.kvSocket = path }

// IsRunnable reports whether n has no subprocess currently attached and
// its retry backoff has elapsed.
func (n *Node) IsRunnable(now time.Time) bool {
	return n.cmd == nil && !now.Before(n.WaitUntil)
}

// Execute spawns n's subprocess if the retry backoff has elapsed;
// otherwise it is a no-op. The subprocess is this very binary, re-exec'd
// in hidden dispatch mode, so that Node stays in pure Go rather than
// shelling out to a second worker binary that may not exist.
func (n *Node) Execute() error {
	now := time.Now()
	if now.Before(n.WaitUntil) {
		return nil
	}
	n.Attempts++
	if n.StartTime.IsZero() {
		n.StartTime = now
	}

	logw, err := tasklog.Open(n.LogFile)
	if err != nil {
		return fmt.Errorf("node %d (%s): open log: %w", n.ID, n.Name, err)
	}
	n.log = logw
	n.log.Banner(tasklog.Sys, fmt.Sprintf("attempt %d/%d: %s.%s", n.Attempts, n.MaxAttempts, n.Module, n.Worker))

	args := append([]string{DispatchFlag, n.Module, n.Worker}, n.Arguments...)
	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = n.log.Writer()
	cmd.Stderr = n.log.Writer()
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), EnvKVSocket+"="+n.kvSocket)

	if err := cmd.Start(); err != nil {
		n.log.Line(tasklog.Error, "spawn failed: %v", err)
		n.log.Close()
		n.log = nil
		return fmt.Errorf("node %d (%s): spawn: %w", n.ID, n.Name, err)
	}

	n.cmd = cmd
	n.done = make(chan struct{})
	go func(c *exec.Cmd, done chan struct{}) {
		err := c.Wait()
		if err == nil {
			n.exitCode = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			n.exitCode = exitErr.ExitCode()
		} else {
			n.exitCode = 1
		}
		close(done)
	}(cmd, n.done)

	return nil
}

// Poll checks (or, if block, waits for) the subprocess's liveness and
// translates its exit code into a Result: success, terminal failure,
// or a retry request when attempts remain.
func (n *Node) Poll(block bool) Result {
	if n.cmd == nil {
		return Result{Kind: Exited, Code: worker.CodeNoSubprocess}
	}

	if !block {
		select {
		case <-n.done:
		default:
			if n.Timeout > 0 && time.Since(n.StartTime) >= n.Timeout {
				n.Terminate("timeout")
				return Result{Kind: Exited, Code: worker.CodeTimeout}
			}
			return Result{Kind: Running}
		}
	} else {
		<-n.done
	}

	n.EndTime = time.Now()
	code := n.exitCode
	n.closeLog()
	n.cmd = nil

	switch {
	case code > 0 && n.Attempts < n.MaxAttempts:
		n.WaitUntil = time.Now().Add(n.RetryWaitTime)
		return Result{Kind: Retry}
	case code > 0:
		return Result{Kind: Exited, Code: code}
	case code < 0:
		return Result{Kind: Retry}
	default:
		return Result{Kind: Exited, Code: 0}
	}
}

// Terminate kills n's subprocess if alive, appends message to its log at
// system level, and leaves the node with no subprocess attached.
func (n *Node) Terminate(message string) {
	if n.cmd == nil || n.cmd.Process == nil {
		return
	}
	_ = n.cmd.Process.Kill()
	if n.log != nil {
		n.log.Line(tasklog.Sys, "terminated: %s", message)
	}
	n.EndTime = time.Now()
	n.exitCode = worker.CodeTerminated
	n.closeLog()
	n.cmd = nil
}

func (n *Node) closeLog() {
	if n.log == nil {
		return
	}
	n.log.Close()
	n.log = nil
}

// GetNodeByID searches n's descendant graph (n included) for id.
func (n *Node) GetNodeByID(id int) *Node {
	return n.find(make(map[int]bool), func(c *Node) bool { return c.ID == id })
}

// GetNodeByName searches n's descendant graph (n included) for name.
func (n *Node) GetNodeByName(name string) *Node {
	return n.find(make(map[int]bool), func(c *Node) bool { return c.Name == name })
}

func (n *Node) find(visited map[int]bool, match func(*Node) bool) *Node {
	if visited[n.ID] {
		return nil
	}
	visited[n.ID] = true
	if match(n) {
		return n
	}
	for _, child := range n.Children {
		if found := child.find(visited, match); found != nil {
			return found
		}
	}
	return nil
}

// Dispatch is the hidden entry point cmd/flowctl's main calls when
// os.Args[1] == DispatchFlag. args is os.Args[2:]: module, worker name,
// then the worker's own arguments.
func Dispatch(registry *worker.Registry, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "flowctl worker dispatch: expected <module> <worker> [args...]")
		return 1
	}
	module, name, rest := args[0], args[1], args[2:]
	w, err := registry.Get(module, name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	ctx := context.Background()
	if sock := os.Getenv(EnvKVSocket); sock != "" {
		if client, err := kvstore.Dial(sock); err == nil {
			defer client.Close()
			ctx = worker.WithSharedContext(ctx, client)
		}
	}
	logf := func(format string, a ...any) { fmt.Fprintf(os.Stderr, format+"\n", a...) }
	return worker.ProtectedRun(ctx, w, rest, logf)
}
