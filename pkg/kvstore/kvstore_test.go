package kvstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/flowctl/flowctl/pkg/kvstore"
)

func TestSetGetContainsDelete(t *testing.T) {
	s := kvstore.New(false)
	if s.Contains("k") {
		t.Fatal("empty store contains k")
	}
	s.Set("k", "v")
	if !s.Contains("k") {
		t.Fatal("store should contain k after Set")
	}
	v, ok := s.Get("k", nil)
	if !ok || v != "v" {
		t.Fatalf("Get(k) = %v, %v; want v, true", v, ok)
	}
	s.Delete("k")
	if s.Contains("k") {
		t.Fatal("store should not contain k after Delete")
	}
}

func TestGetDefaultNeverBlocksOrEnqueues(t *testing.T) {
	s := kvstore.New(true)
	v := s.GetDefault("missing", "fallback")
	if v != "fallback" {
		t.Fatalf("GetDefault = %v, want fallback", v)
	}
	if s.PendingRequests() != 0 {
		t.Fatalf("PendingRequests = %d, want 0", s.PendingRequests())
	}
}

func TestInteractiveGetBlocksUntilSet(t *testing.T) {
	s := kvstore.New(true)
	done := make(chan struct{})
	var got any
	var ok bool
	go func() {
		got, ok = s.Get("prompt", nil)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if s.PendingRequests() != 1 {
		t.Fatalf("PendingRequests = %d, want 1 while blocked", s.PendingRequests())
	}
	key, popped := s.PopRequest()
	if !popped || key != "prompt" {
		t.Fatalf("PopRequest = %q, %v; want prompt, true", key, popped)
	}
	s.Set("prompt", "answer")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not unblock after Set")
	}
	if !ok || got != "answer" {
		t.Fatalf("Get result = %v, %v; want answer, true", got, ok)
	}
}

func TestInteractiveGetUnblocksOnStop(t *testing.T) {
	s := kvstore.New(true)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, ok := s.Get("never", stop)
		if ok {
			t.Error("Get should report not-found after stop is closed")
		}
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return after stop was closed")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.ctx")

	s := kvstore.New(false)
	s.Set("str", "value")
	s.Set("num", int64(42))
	s.Set("flag", true)
	preserved := map[string]any{"tickrate": int64(2)}

	if err := kvstore.Save(path, preserved, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored, gotPreserved, err := kvstore.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v := restored.GetDefault("str", nil); v != "value" {
		t.Errorf("str = %v, want value", v)
	}
	if v := restored.GetDefault("num", nil); v != int64(42) {
		t.Errorf("num = %v, want 42", v)
	}
	if gotPreserved["tickrate"] != int64(2) {
		t.Errorf("preserved[tickrate] = %v, want 2", gotPreserved["tickrate"])
	}
}

func TestServeAndClientRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "test.kvsock")

	store := kvstore.New(false)
	srv, err := kvstore.Serve(store, sock)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer srv.Close()

	client, err := kvstore.Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Set("remote", "hi"); err != nil {
		t.Fatalf("client.Set: %v", err)
	}
	v, ok, err := client.Get("remote")
	if err != nil {
		t.Fatalf("client.Get: %v", err)
	}
	if !ok || v != "hi" {
		t.Fatalf("client.Get = %v, %v; want hi, true", v, ok)
	}
	if !store.Contains("remote") {
		t.Fatal("server-side store should observe the client's Set")
	}
}
