// Package app wires config, the shared context store, the node register,
// and the scheduling engine into one runnable orchestrator: parse the
// workflow, build the engine, run it, persist or clean up checkpoints.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowctl/flowctl/pkg/config"
	"github.com/flowctl/flowctl/pkg/engine"
	"github.com/flowctl/flowctl/pkg/kvstore"
	"github.com/flowctl/flowctl/pkg/register"
	"github.com/flowctl/flowctl/pkg/serde"
	"github.com/flowctl/flowctl/pkg/signalfile"
)

// App is the top-level orchestrator a CLI entry point drives.
type App struct {
	Config   *config.Config
	Register *register.Register
	Context  *kvstore.Store
	Engine   *engine.Engine
	kvServer *kvstore.Server
}

func init() {
	engine.Checkpoint = func(reg *register.Register, ctx *kvstore.Store, cfg *config.Config, ctlLogPath, ctxPath string) error {
		if err := serde.WriteCtlLog(ctlLogPath, reg); err != nil {
			return err
		}
		preserved, err := cfg.PreservedItems()
		if err != nil {
			return err
		}
		return kvstore.Save(ctxPath, preserved, ctx)
	}
}

// Load builds a fresh App from a workflow file. jsonFormat selects the
// JSON parser over the list-format parser.
func Load(workflowPath string, jsonFormat bool, interactive bool) (*App, error) {
	cfg := config.New(config.DefaultSchema())

	var reg *register.Register
	var err error
	if jsonFormat {
		reg, err = serde.ParseJSON(workflowPath)
	} else {
		reg, err = serde.ParseList(workflowPath, false)
	}
	if err != nil {
		return nil, engine.InputError{Err: err}
	}

	return newApp(cfg, reg, kvstore.New(interactive))
}

// Resume rebuilds an App from a prior run's checkpoint pair
// (<app_name>.ctllog + <app_name>.ctx), falling back to a fresh parse of
// workflowPath if either file is missing.
func Resume(workflowPath string, jsonFormat bool, interactive bool) (*App, error) {
	cfg := config.New(config.DefaultSchema())
	ctlLogPath, err := cfg.CtlLogPath()
	if err != nil {
		return nil, engine.ValidationError{Err: err}
	}
	ctxPath, err := cfg.CtxPath()
	if err != nil {
		return nil, engine.ValidationError{Err: err}
	}

	if !fileExists(ctlLogPath) || !fileExists(ctxPath) {
		return Load(workflowPath, jsonFormat, interactive)
	}

	reg, err := serde.ParseList(ctlLogPath, true)
	if err != nil {
		return nil, engine.InputError{Err: err}
	}
	reg.RequeueUnfinished()
	store, preserved, err := kvstore.Load(ctxPath)
	if err != nil {
		return nil, engine.InputError{Err: err}
	}
	store.SetInteractive(interactive)
	if err := cfg.RestorePreserved(preserved); err != nil {
		return nil, engine.ValidationError{Err: err}
	}

	a, err := newApp(cfg, reg, store)
	if err != nil {
		return nil, err
	}
	if a.Engine.Hooks.OnRestart != nil {
		a.Engine.Hooks.OnRestart()
	}
	return a, nil
}

func newApp(cfg *config.Config, reg *register.Register, store *kvstore.Store) (*App, error) {
	tempDirAny, err := cfg.Get("temp_dir")
	if err != nil {
		return nil, engine.ValidationError{Err: err}
	}
	appNameAny, err := cfg.Get("app_name")
	if err != nil {
		return nil, engine.ValidationError{Err: err}
	}
	tempDir, appName := tempDirAny.(string), appNameAny.(string)

	sig := signalfile.New(tempDir, appName)

	sole, err := sig.DetectDuplicate()
	if err != nil {
		return nil, fmt.Errorf("app: duplicate-instance check: %w", err)
	}
	if !sole {
		return nil, engine.DuplicateInstance{}
	}

	socketPath := filepath.Join(tempDir, fmt.Sprintf(".%s.kvsock", appName))
	kvSrv, err := kvstore.Serve(store, socketPath)
	if err != nil {
		return nil, fmt.Errorf("app: start context server: %w", err)
	}

	ctlLogPath, err := cfg.CtlLogPath()
	if err != nil {
		return nil, engine.ValidationError{Err: err}
	}
	ctxPath, err := cfg.CtxPath()
	if err != nil {
		return nil, engine.ValidationError{Err: err}
	}

	eng := engine.New(reg, store, cfg, sig, ctlLogPath, ctxPath)

	return &App{Config: cfg, Register: reg, Context: store, Engine: eng, kvServer: kvSrv}, nil
}

// Run drives the engine to completion and returns its exit code. On a
// clean run (no abort, zero terminally failed nodes) the checkpoint pair
// is deleted, so a subsequent invocation with no prior failure starts
// fresh rather than spuriously resuming.
func (a *App) Run(ctx context.Context) (int, error) {
	defer a.kvServer.Close()
	failed, err := a.Engine.Run(ctx)
	if err == nil && failed == 0 {
		a.cleanupCheckpoint()
	}
	return failed, err
}

func (a *App) cleanupCheckpoint() {
	os.Remove(a.Engine.CtlLogPath)
	os.Remove(a.Engine.CtxPath)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
