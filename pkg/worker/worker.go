// Package worker implements the worker protocol: a fixed five-stage
// lifecycle (OnStart -> Run -> OnSuccess|OnFail -> OnDestroy) run once
// per subprocess invocation, with per-stage panic recovery and reserved
// exit codes, plus the registry that resolves module/worker identifiers
// to implementations.
package worker

import (
	"context"
	"fmt"
)

// Reserved return codes for uncaught failures at a specific lifecycle
// stage, and for engine-observed conditions. 905 doubles as "no
// subprocess attached" and 906 as timeout; the collisions are part of
// the wire contract and kept as is.
const (
	CodeOnStartPanic   = 902
	CodeRunPanic       = 903
	CodeOnSuccessPanic = 904
	CodeOnFailPanic    = 905
	CodeOnDestroyPanic = 906
	CodeNoSubprocess   = 905 // "no subprocess attached" shares 905 with on_fail's panic code
	CodeTimeout        = 906
	CodeTerminated     = 907
)

// Worker is the user-supplied unit of work. Only Run is required; the
// others default to a no-op/no-error stage if the implementation doesn't
// define them (see the optional-stage interfaces below).
type Worker interface {
	Run(ctx context.Context, args []string) int
}

// Hooks are the optional stages of the worker lifecycle. A Worker may
// additionally implement any subset of these.
type (
	OnStarter interface {
		OnStart(ctx context.Context, args []string) int
	}
	OnSuccessor interface {
		OnSuccess(ctx context.Context, args []string) int
	}
	OnFailer interface {
		OnFail(ctx context.Context, args []string) int
	}
	OnDestroyer interface {
		OnDestroy(ctx context.Context, args []string) int
	}
)

// ProtectedRun executes the fixed five-stage sequence against w:
//
//	optional OnStart -> Run -> (OnSuccess if rc==0 else OnFail) -> optional OnDestroy
//
// Each stage's nonzero return overwrites the running return code. A panic
// at any stage is recovered, logged via logf, and replaces the return code
// with that stage's reserved code.
func ProtectedRun(ctx context.Context, w Worker, args []string, logf func(format string, a ...any)) int {
	rc := 0

	if starter, ok := w.(OnStarter); ok {
		if code, panicked := safely(CodeOnStartPanic, logf, func() int { return starter.OnStart(ctx, args) }); panicked || code != 0 {
			rc = code
		}
	}

	runCode, _ := safely(CodeRunPanic, logf, func() int { return w.Run(ctx, args) })
	if runCode != 0 {
		rc = runCode
	}

	if rc == 0 {
		if succ, ok := w.(OnSuccessor); ok {
			if code, panicked := safely(CodeOnSuccessPanic, logf, func() int { return succ.OnSuccess(ctx, args) }); panicked || code != 0 {
				rc = code
			}
		}
	} else {
		if fail, ok := w.(OnFailer); ok {
			if code, panicked := safely(CodeOnFailPanic, logf, func() int { return fail.OnFail(ctx, args) }); panicked || code != 0 {
				rc = code
			}
		}
	}

	if destroyer, ok := w.(OnDestroyer); ok {
		if code, panicked := safely(CodeOnDestroyPanic, logf, func() int { return destroyer.OnDestroy(ctx, args) }); panicked || code != 0 {
			rc = code
		}
	}

	return rc
}

func safely(onPanic int, logf func(format string, a ...any), fn func() int) (code int, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			if logf != nil {
				logf("worker stage panicked: %v", r)
			}
			code = onPanic
			panicked = true
		}
	}()
	return fn(), false
}

// Registry resolves a (module, name) pair to a registered Worker.
type Registry struct {
	workers map[string]Worker
}

// NewRegistry creates an empty Registry seeded with the built-in shell worker.
func NewRegistry() *Registry {
	r := &Registry{workers: make(map[string]Worker)}
	r.Register("sh", "shell", &ShellWorker{})
	return r
}

// Register associates a Worker with a module/name pair.
func (r *Registry) Register(module, name string, w Worker) {
	r.workers[key(module, name)] = w
}

// Get looks up the Worker for module/name.
func (r *Registry) Get(module, name string) (Worker, error) {
	w, ok := r.workers[key(module, name)]
	if !ok {
		return nil, fmt.Errorf("worker: no worker registered for %s.%s", module, name)
	}
	return w, nil
}

func key(module, name string) string { return module + "." + name }
