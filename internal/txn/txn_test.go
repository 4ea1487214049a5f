package txn

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o640); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestBeginCommitRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config", "v1")
	writeFile(t, dir, "chunks", "c1")
	writeFile(t, dir, "files", "f1")

	m := New(dir)
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !m.Active() {
		t.Fatal("expected active after Begin")
	}

	// Mutate the live files, as a cache session would before committing.
	writeFile(t, dir, "config", "v2")
	writeFile(t, dir, "chunks", "c2")
	writeFile(t, dir, "files", "f2")

	if err := m.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if m.Active() {
		t.Fatal("expected idle after Finish")
	}
	if _, err := os.Stat(filepath.Join(dir, "txn.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected txn.tmp removed after Finish")
	}
	if got := readFile(t, dir, "config"); got != "v2" {
		t.Errorf("expected committed config v2, got %q", got)
	}
}

func TestRollbackMidTransactionRestoresSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config", "v1")
	writeFile(t, dir, "chunks", "c1")
	writeFile(t, dir, "files", "f1")

	m := New(dir)
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Simulate a crash mid-run: the live files were mutated but no commit
	// ever happened.
	writeFile(t, dir, "files", "corrupted")

	// A fresh process re-opening the cache directory always rolls back
	// before trusting anything.
	m2 := New(dir)
	if err := m2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if m2.Active() {
		t.Fatal("expected idle after Rollback")
	}
	if _, err := os.Stat(filepath.Join(dir, "txn.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected no leftover txn.tmp after Rollback")
	}
	if got := readFile(t, dir, "files"); got != "f1" {
		t.Errorf("expected pre-transaction files restored, got %q", got)
	}
	if got := readFile(t, dir, "config"); got != "v1" {
		t.Errorf("expected pre-transaction config restored, got %q", got)
	}

	// The cache must be usable again immediately.
	if err := m2.Begin(); err != nil {
		t.Fatalf("Begin after rollback: %v", err)
	}
}

func TestRollbackInterruptedCommitTail(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config", "v2")
	writeFile(t, dir, "chunks", "c2")
	writeFile(t, dir, "files", "f2")

	// Simulate a crash between Finish's rename and its removal: txn.tmp
	// exists but the live files already hold the committed values.
	if err := os.Mkdir(filepath.Join(dir, "txn.tmp"), 0o750); err != nil {
		t.Fatalf("mkdir txn.tmp: %v", err)
	}

	m := New(dir)
	if err := m.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := readFile(t, dir, "config"); got != "v2" {
		t.Errorf("expected committed config v2 preserved, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "txn.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected txn.tmp removed")
	}
}

func TestRollbackIdleIsNoop(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	if err := m.Rollback(); err != nil {
		t.Fatalf("Rollback on idle cache: %v", err)
	}
}

func TestBeginIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config", "v1")
	m := New(dir)
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	writeFile(t, dir, "config", "v2")
	if err := m.Begin(); err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	// The staged snapshot inside txn.active must still be the original
	// pre-transaction value, not the one written after the first Begin.
	got := readFile(t, filepath.Join(dir, "txn.active"), "config")
	if got != "v1" {
		t.Errorf("expected staged snapshot v1 preserved, got %q", got)
	}
}
