// Package engine implements the tick-driven scheduling loop: signal
// check, poll running, promote pending, interactive drain, checkpoint,
// sleep. It also carries the optional lifecycle hooks and the typed
// errors callers distinguish at the call site.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/flowctl/flowctl/pkg/config"
	"github.com/flowctl/flowctl/pkg/kvstore"
	"github.com/flowctl/flowctl/pkg/node"
	"github.com/flowctl/flowctl/pkg/register"
	"github.com/flowctl/flowctl/pkg/signalfile"
)

// Reserved Run return values.
const (
	ExitAbort = -1
)

// InputError wraps malformed/unreadable workflow or config input.
// Terminal: the engine never starts.
type InputError struct{ Err error }

func (e InputError) Error() string { return fmt.Sprintf("engine: input error: %v", e.Err) }
func (e InputError) Unwrap() error { return e.Err }

// ValidationError wraps an out-of-range node or config field. Terminal.
type ValidationError struct{ Err error }

func (e ValidationError) Error() string { return fmt.Sprintf("engine: validation error: %v", e.Err) }
func (e ValidationError) Unwrap() error { return e.Err }

// DuplicateInstance is returned by the app orchestrator's setup (pkg/app)
// when signalfile.DetectDuplicate finds this is not the sole running
// instance for this app_name/temp_dir.
type DuplicateInstance struct{}

func (DuplicateInstance) Error() string { return "engine: another instance is already running" }

// CheckpointWriteFailure wraps a failed atomic checkpoint write. The
// engine treats this as non-fatal to the tick but logs it loudly.
type CheckpointWriteFailure struct{ Err error }

func (e CheckpointWriteFailure) Error() string {
	return fmt.Sprintf("engine: checkpoint write failed: %v", e.Err)
}
func (e CheckpointWriteFailure) Unwrap() error { return e.Err }

// Hooks are the optional app-level lifecycle callbacks. Any may be nil.
// OnRestart fires in place of OnCreate when resuming; OnSuccess fires
// when no node terminally failed; OnDestroy fires unconditionally before
// Run returns.
type Hooks struct {
	OnCreate  func()
	OnStart   func()
	OnRestart func()
	OnSuccess func()
	OnFail    func()
	OnDestroy func()
}

// Engine drives the scheduling loop over a Register.
type Engine struct {
	Register *register.Register
	Context  *kvstore.Store
	Config   *config.Config
	Signals  *signalfile.Handler

	CtlLogPath string
	CtxPath    string

	Hooks Hooks

	nextLaunch time.Time
	lastSave   time.Time
	input      *bufio.Reader
}

// New builds an Engine ready to Run.
func New(reg *register.Register, ctx *kvstore.Store, cfg *config.Config, sig *signalfile.Handler, ctlLogPath, ctxPath string) *Engine {
	return &Engine{
		Register:   reg,
		Context:    ctx,
		Config:     cfg,
		Signals:    sig,
		CtlLogPath: ctlLogPath,
		CtxPath:    ctxPath,
		input:      bufio.NewReader(os.Stdin),
	}
}

// checkpointFn is overridable by tests and by the app orchestrator to
// avoid a hard dependency from engine on serde (serde depends on
// register, and a two-way import would be circular).
type checkpointFn func(reg *register.Register, ctx *kvstore.Store, cfg *config.Config, ctlLogPath, ctxPath string) error

// Checkpoint is called at the end of every save_interval and on abort.
// The app orchestrator assigns this to serde.WriteCtlLog + kvstore.Save.
var Checkpoint checkpointFn

// Run drives the scheduling loop to completion and returns the number of
// terminally failed nodes, or ExitAbort if an abort sentinel was observed
// or ctx was cancelled.
func (e *Engine) Run(ctx context.Context) (int, error) {
	if e.Register.Len() == 0 {
		return 0, InputError{Err: fmt.Errorf("empty register")}
	}

	tickrate, err := e.Config.Get("tickrate")
	if err != nil {
		return 0, ValidationError{Err: err}
	}
	tickPeriod := tickPeriodFor(tickrate.(int64))

	defer func() {
		if e.Hooks.OnDestroy != nil {
			e.Hooks.OnDestroy()
		}
	}()
	if e.Hooks.OnCreate != nil {
		e.Hooks.OnCreate()
	}
	if e.Hooks.OnStart != nil {
		e.Hooks.OnStart()
	}

	for {
		start := time.Now()

		if aborted, err := e.signalCheck(); aborted {
			return ExitAbort, err
		}

		e.pollRunning()
		if err := e.promotePending(); err != nil {
			return 0, err
		}
		e.interactiveDrain()

		if err := e.maybeCheckpoint(); err != nil {
			// Checkpoint failure never aborts the run; state may be stale
			// on crash.
			slog.Warn("checkpoint write failed", "error", err)
		}

		if len(e.Register.Bucket(register.Pending)) == 0 && len(e.Register.Bucket(register.Running)) == 0 {
			break
		}

		sleepTick(ctx, start, tickPeriod)
		select {
		case <-ctx.Done():
			if err := e.abortRunning(); err != nil {
				return ExitAbort, err
			}
			return ExitAbort, ctx.Err()
		default:
		}
	}

	failed := len(e.Register.Bucket(register.Failed))
	if failed == 0 && e.Hooks.OnSuccess != nil {
		e.Hooks.OnSuccess()
	} else if failed > 0 && e.Hooks.OnFail != nil {
		e.Hooks.OnFail()
	}

	return failed, nil
}

func (e *Engine) signalCheck() (aborted bool, err error) {
	signals := e.Signals.Consume()
	if !signals[signalfile.Abort] {
		return false, nil
	}
	return true, e.abortRunning()
}

// abortRunning terminates every running node, moves it to aborted and its
// pending descendants to defaulted, checkpoints, and logs the final state.
func (e *Engine) abortRunning() (err error) {
	for _, n := range e.Register.Snapshot(register.Running) {
		n.Terminate("abort requested")
		e.Register.Move(n, register.Aborted)
		e.Register.SetChildrenDefaulted(n)
	}
	if Checkpoint != nil {
		if cerr := Checkpoint(e.Register, e.Context, e.Config, e.CtlLogPath, e.CtxPath); cerr != nil {
			err = CheckpointWriteFailure{Err: cerr}
		}
	}
	e.logFinalState()
	return err
}

func (e *Engine) logFinalState() {
	attrs := make([]any, 0, 14)
	for _, s := range []register.Status{
		register.Completed, register.Pending, register.Running,
		register.Failed, register.Defaulted, register.NoRun, register.Aborted,
	} {
		attrs = append(attrs, string(s), len(e.Register.Bucket(s)))
	}
	slog.Info("final state", attrs...)
}

func (e *Engine) pollRunning() {
	for _, n := range e.Register.Snapshot(register.Running) {
		result := n.Poll(false)
		switch result.Kind {
		case node.Exited:
			if result.Code == 0 {
				e.Register.Move(n, register.Completed)
			} else {
				e.Register.Move(n, register.Failed)
				e.Register.SetChildrenDefaulted(n)
			}
		case node.Retry:
			e.Register.Move(n, register.Pending)
		case node.Running:
			// left in place
		}
	}
}

func (e *Engine) promotePending() error {
	maxProcsAny, err := e.Config.Get("max_procs")
	if err != nil {
		return ValidationError{Err: err}
	}
	maxProcs := maxProcsAny.(int64)

	timeBetweenAny, err := e.Config.Get("time_between_tasks")
	if err != nil {
		return ValidationError{Err: err}
	}
	timeBetween := time.Duration(timeBetweenAny.(int64)) * time.Second

	now := time.Now()
	for _, n := range e.Register.Snapshot(register.Pending) {
		if maxProcs > 0 && int64(len(e.Register.Bucket(register.Running))) >= maxProcs {
			break
		}
		if timeBetween > 0 && now.Before(e.nextLaunch) {
			break
		}
		if !e.parentsSatisfied(n) || !n.IsRunnable(now) {
			continue
		}

		n.SetKVSocket(e.kvSocketPath())
		e.Register.Move(n, register.Running)
		if err := n.Execute(); err != nil {
			e.Register.Move(n, register.Failed)
			e.Register.SetChildrenDefaulted(n)
			continue
		}
		e.nextLaunch = now.Add(timeBetween)
	}
	return nil
}

func (e *Engine) parentsSatisfied(n *node.Node) bool {
	for id, p := range n.Parents {
		if id == register.RootID {
			continue
		}
		status, ok := e.Register.StatusOf(p)
		if !ok {
			return false
		}
		if status != register.Completed && status != register.NoRun {
			return false
		}
	}
	return true
}

func (e *Engine) interactiveDrain() {
	for {
		key, ok := e.Context.PopRequest()
		if !ok {
			return
		}
		fmt.Printf("%s: ", key)
		line, err := e.input.ReadString('\n')
		if err != nil {
			return
		}
		e.Context.Set(key, trimNewline(line))
	}
}

func (e *Engine) maybeCheckpoint() error {
	saveIntervalAny, err := e.Config.Get("save_interval")
	if err != nil {
		return ValidationError{Err: err}
	}
	saveInterval := time.Duration(saveIntervalAny.(int64)) * time.Second
	if time.Since(e.lastSave) < saveInterval {
		return nil
	}
	e.lastSave = time.Now()
	if Checkpoint == nil {
		return nil
	}
	if err := Checkpoint(e.Register, e.Context, e.Config, e.CtlLogPath, e.CtxPath); err != nil {
		return CheckpointWriteFailure{Err: err}
	}
	return nil
}

func (e *Engine) kvSocketPath() string {
	tempDir, _ := e.Config.Get("temp_dir")
	appName, _ := e.Config.Get("app_name")
	return fmt.Sprintf("%s/.%s.kvsock", tempDir, appName)
}

func tickPeriodFor(tickrate int64) time.Duration {
	if tickrate <= 0 {
		return 0
	}
	return time.Second / time.Duration(tickrate)
}

func sleepTick(ctx context.Context, start time.Time, period time.Duration) {
	if period <= 0 {
		return
	}
	elapsed := time.Since(start)
	remainder := period - (elapsed % period)
	select {
	case <-ctx.Done():
	case <-time.After(remainder):
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
