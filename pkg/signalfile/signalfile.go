// Package signalfile implements cross-process control signalling via
// zero-byte sentinel files. File sentinels are used instead of OS
// signals so that control requests can be issued from a second,
// unrelated invocation of the program and survive process transitions.
package signalfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Signal identifies one of the three cooperative control sentinels.
type Signal string

const (
	Abort Signal = "abort"
	Pause Signal = "pause"
	Pulse Signal = "pulse"
)

var all = []Signal{Abort, Pause, Pulse}

// pulseSurvival is how long Pulse asks a caller to wait before concluding
// no other instance is consuming the pulse sentinel.
const pulseSurvival = 1100 * time.Millisecond

// Handler manages sentinel files for one app instance rooted at tempDir.
type Handler struct {
	tempDir string
	appName string
}

// New creates a Handler whose sentinels live under tempDir, named after appName.
func New(tempDir, appName string) *Handler {
	return &Handler{tempDir: tempDir, appName: appName}
}

func (h *Handler) path(sig Signal) string {
	return filepath.Join(h.tempDir, fmt.Sprintf(".%s.sig.%s", h.appName, sig))
}

// Emit creates the sentinel file for sig (touch semantics: truncates if
// the file already exists).
func (h *Handler) Emit(sig Signal) error {
	f, err := os.Create(h.path(sig))
	if err != nil {
		return fmt.Errorf("signalfile: emit %s: %w", sig, err)
	}
	return f.Close()
}

// Peek returns the set of signals whose sentinel files currently exist,
// without consuming them.
func (h *Handler) Peek() map[Signal]bool {
	set := make(map[Signal]bool)
	for _, sig := range all {
		if _, err := os.Stat(h.path(sig)); err == nil {
			set[sig] = true
		}
	}
	return set
}

// Consume snapshots Peek(), deletes every sentinel found, and returns the
// snapshot.
func (h *Handler) Consume() map[Signal]bool {
	set := h.Peek()
	for sig := range set {
		_ = os.Remove(h.path(sig))
	}
	return set
}

// DetectDuplicate emits a pulse and waits pulseSurvival; if the pulse
// sentinel is still present afterwards, no other running instance is
// consuming it, meaning this is the only instance. It returns an error
// only on sentinel I/O failure, never to signal duplication; callers
// inspect the bool.
func (h *Handler) DetectDuplicate() (sole bool, err error) {
	if err := h.Emit(Pulse); err != nil {
		return false, err
	}
	time.Sleep(pulseSurvival)
	peek := h.Peek()
	survived := peek[Pulse]
	if survived {
		_ = os.Remove(h.path(Pulse))
	}
	return survived, nil
}
