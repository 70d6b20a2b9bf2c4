package procfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeProc(t *testing.T, root string, pid string, name, content string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o444); err != nil {
		t.Fatal(err)
	}
}

func TestPids(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "8", "cmdline", "")
	writeProc(t, root, "120", "cmdline", "")
	writeProc(t, root, "3", "cmdline", "")
	// Non-numeric entries like these are part of every real proc tree.
	if err := os.MkdirAll(filepath.Join(root, "sys"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeProc(t, root, "irq", "spurious", "")

	fs := New(root)
	pids, err := fs.Pids()
	if err != nil {
		t.Fatalf("Pids: %v", err)
	}
	if diff := cmp.Diff([]int{3, 8, 120}, pids); diff != "" {
		t.Errorf("pids mismatch (-want +got):\n%s", diff)
	}
}

func TestCmdline(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "42", "cmdline", "sleep\x0099999\x00")
	fs := New(root)

	got, err := fs.Cmdline(42)
	if err != nil {
		t.Fatalf("Cmdline: %v", err)
	}
	if got != "sleep 99999" {
		t.Errorf("Cmdline: got %q, expected %q", got, "sleep 99999")
	}
}

func TestExists(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "42", "cmdline", "")
	fs := New(root)
	if !fs.Exists(42) {
		t.Error("Exists(42): got false, expected true")
	}
	if fs.Exists(43) {
		t.Error("Exists(43): got true, expected false")
	}
}
