package discovery

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteTripleThenReadPort(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	nonce, err := r.WriteTriple(9191, os.Getpid())
	if err != nil {
		t.Fatalf("WriteTriple: %v", err)
	}
	if len(nonce) == 0 {
		t.Fatal("expected non-empty nonce")
	}
	port, err := r.ReadPort()
	if err != nil {
		t.Fatalf("ReadPort: %v", err)
	}
	if port != 9191 {
		t.Fatalf("expected port 9191, got %d", port)
	}
}

func TestReadPortWithDeadOwnerReturnsZeroAndCleans(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// A pid unlikely to be alive: os.Getpid() is alive, so pick something
	// implausibly large instead of reusing a real pid.
	if _, err := r.WriteTriple(9191, 1<<30); err != nil {
		t.Fatalf("WriteTriple: %v", err)
	}
	port, err := r.ReadPort()
	if err != nil {
		t.Fatalf("ReadPort: %v", err)
	}
	if port != 0 {
		t.Fatalf("expected 0 for dead owner, got %d", port)
	}
	if _, err := os.Stat(filepath.Join(dir, portFileName)); !os.IsNotExist(err) {
		t.Fatal("expected stale port file to be removed")
	}
}

func TestReadPortWithMissingFilesReturnsZero(t *testing.T) {
	dir := t.TempDir()
	r, _ := New(dir)
	port, err := r.ReadPort()
	if err != nil {
		t.Fatalf("ReadPort: %v", err)
	}
	if port != 0 {
		t.Fatalf("expected 0, got %d", port)
	}
}

func TestClearRemovesTriple(t *testing.T) {
	dir := t.TempDir()
	r, _ := New(dir)
	_, _ = r.WriteTriple(1234, os.Getpid())
	r.Clear()
	if _, err := os.Stat(filepath.Join(dir, portFileName)); !os.IsNotExist(err) {
		t.Fatal("expected port file removed after Clear")
	}
	if _, err := os.Stat(filepath.Join(dir, nonceFileName)); !os.IsNotExist(err) {
		t.Fatal("expected nonce file removed after Clear")
	}
}

func TestResolveDirHonorsStateDirOverride(t *testing.T) {
	t.Setenv("DEVBUS_STATE_DIR", "/tmp/devbus-custom")
	dir, err := ResolveDir()
	if err != nil {
		t.Fatalf("ResolveDir: %v", err)
	}
	if dir != "/tmp/devbus-custom" {
		t.Fatalf("expected override dir, got %q", dir)
	}
}
