// Package discovery implements the process discovery registry (C5): a
// three-file triple (port, pid, nonce) under a well-known per-user
// cache directory, with liveness verification so a new server can tell
// a live owner from stale state left by a crashed one.
package discovery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	portFileName  = "port"
	pidFileName   = "pid"
	nonceFileName = "nonce"
	dirName       = "devbus"
)

// Registry resolves and manipulates the discovery triple in a directory.
type Registry struct {
	dir string
}

// New constructs a Registry rooted at dir. If dir is empty, the
// directory is resolved in this order: $DEVBUS_STATE_DIR,
// $XDG_STATE_HOME/devbus, os.UserCacheDir()/devbus.
func New(dir string) (*Registry, error) {
	if dir == "" {
		resolved, err := ResolveDir()
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	return &Registry{dir: dir}, nil
}

// ResolveDir applies the directory resolution order documented on New.
func ResolveDir() (string, error) {
	if v := strings.TrimSpace(os.Getenv("DEVBUS_STATE_DIR")); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); v != "" {
		return filepath.Join(v, dirName), nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("discovery: resolve cache dir: %w", err)
	}
	return filepath.Join(base, dirName), nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, name)
}

// ReadPort returns the advertised port if a live owner exists, or 0 if
// no owner or the owner is dead. A dead owner's stale files are removed
// as a side effect.
func (r *Registry) ReadPort() (int, error) {
	portBytes, errPort := os.ReadFile(r.path(portFileName))
	pidBytes, errPid := os.ReadFile(r.path(pidFileName))
	if errPort != nil || errPid != nil {
		r.clearBestEffort()
		return 0, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(portBytes)))
	if err != nil || port < 1 || port > 65535 {
		r.clearBestEffort()
		return 0, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil || pid <= 0 {
		r.clearBestEffort()
		return 0, nil
	}
	if !isAlive(pid) {
		r.clearBestEffort()
		return 0, nil
	}
	return port, nil
}

// isAlive sends the null signal to pid — the idiomatic liveness probe:
// no third-party process library improves on this.
func isAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// WriteTriple ensures the directory exists and writes port, pid, and a
// fresh nonce. A crash between steps is tolerable: ReadPort's liveness
// probe repairs any inconsistent state the next time it runs.
func (r *Registry) WriteTriple(port, pid int) (nonce string, err error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("discovery: mkdir: %w", err)
	}
	nonce = newNonce()
	if err := os.WriteFile(r.path(portFileName), []byte(strconv.Itoa(port)), 0o600); err != nil {
		return "", fmt.Errorf("discovery: write port: %w", err)
	}
	if err := os.WriteFile(r.path(pidFileName), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return "", fmt.Errorf("discovery: write pid: %w", err)
	}
	if err := os.WriteFile(r.path(nonceFileName), []byte(nonce), 0o600); err != nil {
		return "", fmt.Errorf("discovery: write nonce: %w", err)
	}
	return nonce, nil
}

// Clear best-effort unlinks the triple. Never fails loudly.
func (r *Registry) Clear() {
	r.clearBestEffort()
}

func (r *Registry) clearBestEffort() {
	_ = os.Remove(r.path(portFileName))
	_ = os.Remove(r.path(pidFileName))
	_ = os.Remove(r.path(nonceFileName))
}

func newNonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
