package edgeserve

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestReloaderCoalescesBursts(t *testing.T) {
	var reloads atomic.Int32
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.js")
	if err := os.WriteFile(path, []byte("// v0"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := NewHotReloader(func() { reloads.Add(1) }, path)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	// A save burst well inside the debounce window.
	for i := 0; i < 10; i++ {
		h.Trigger()
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(3 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	// Give a second reload a chance to fire if the debounce failed.
	time.Sleep(debounceWindow + 200*time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("reload fired %d times for one burst, want 1", got)
	}
}

func TestReloaderFiresOnWrite(t *testing.T) {
	var reloads atomic.Int32
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.js")
	if err := os.WriteFile(path, []byte("// v0"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A sibling that must not trigger reloads.
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := NewHotReloader(func() { reloads.Add(1) }, path)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if err := os.WriteFile(other, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("// v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := reloads.Load(); got != 1 {
		t.Fatalf("reload fired %d times, want 1", got)
	}
}

func TestReloaderCloseCancelsPending(t *testing.T) {
	var reloads atomic.Int32
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.js")
	if err := os.WriteFile(path, []byte("// v0"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := NewHotReloader(func() { reloads.Add(1) }, path)
	if err != nil {
		t.Fatal(err)
	}
	h.Trigger()
	h.Close()

	time.Sleep(debounceWindow + 200*time.Millisecond)
	if got := reloads.Load(); got != 0 {
		t.Fatalf("reload fired %d times after Close, want 0", got)
	}
}
