// Package testutil provides a private D-Bus daemon launcher and a mock
// property-bearing service for exercising the cache without a real session
// bus.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

// Bus wraps a private dbus-daemon instance.
type Bus struct {
	t      *testing.T
	tmpDir string
	addr   string
	cmd    *exec.Cmd
}

// NewBus starts a private session-style dbus-daemon and returns a handle
// to it. The daemon is killed and its socket removed on test cleanup.
func NewBus(t *testing.T) *Bus {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "dbuspropcache-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	socketPath := filepath.Join(tmpDir, "bus.sock")
	addr := "unix:path=" + socketPath

	cmd := exec.Command("dbus-daemon", "--session", "--nofork", "--address="+addr)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("start dbus-daemon: %v", err)
	}

	b := &Bus{t: t, tmpDir: tmpDir, addr: addr, cmd: cmd}

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			t.Cleanup(b.cleanup)
			return b
		}
		time.Sleep(100 * time.Millisecond)
	}

	b.cleanup()
	t.Fatalf("dbus-daemon socket never appeared at %s", socketPath)
	return nil
}

func (b *Bus) cleanup() {
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
		b.cmd.Wait()
	}
	if b.tmpDir != "" {
		os.RemoveAll(b.tmpDir)
	}
}

// Conn opens a new connection to the private bus.
func (b *Bus) Conn() *dbus.Conn {
	conn, err := dbus.Connect(b.addr)
	if err != nil {
		b.t.Fatalf("connect to test bus: %v", err)
	}
	return conn
}
