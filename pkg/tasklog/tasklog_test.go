package tasklog_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flowctl/flowctl/pkg/tasklog"
)

func TestOpenLineAndBanner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.log")
	log, err := tasklog.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	log.Line(tasklog.Info, "hello %s", "world")
	log.Banner(tasklog.Sys, "attempt 1/3")
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "[INFO] hello world") {
		t.Errorf("log missing INFO line, got: %s", content)
	}
	if !strings.Contains(content, "attempt 1/3") {
		t.Errorf("log missing banner title, got: %s", content)
	}
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.log")
	l1, err := tasklog.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l1.Line(tasklog.Info, "first")
	l1.Close()

	l2, err := tasklog.Open(path)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	l2.Line(tasklog.Info, "second")
	l2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "first") || !strings.Contains(content, "second") {
		t.Errorf("expected both lines appended, got: %s", content)
	}
}

func TestEmptyPathDiscards(t *testing.T) {
	log, err := tasklog.Open("")
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}
	log.Line(tasklog.Error, "should vanish")
	if err := log.Close(); err != nil {
		t.Fatalf("Close on discarding log: %v", err)
	}
}
