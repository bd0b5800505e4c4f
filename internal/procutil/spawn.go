package procutil

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Child is a spawned, PID-file-tracked service process — the real-process
// counterpart of lib/exec/parent.go's ParentHandle, minus its data/status
// pipe handshake: cmd/osrfctl spawns plain osrf-host/osrf-router binaries,
// not a process speaking a custom exec protocol.
type Child struct {
	cmd       *exec.Cmd
	pidFile   PIDFile
	startedAt time.Time
}

// Start launches binary with args, inheriting the controlling process's
// stdout/stderr, and records its PID under dir (spec.md §6 --pid-dir).
func Start(service, binary string, args []string, dir string) (*Child, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pf := NewPIDFile(dir, service)
	if err := pf.Write(cmd.Process.Pid); err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	return &Child{cmd: cmd, pidFile: pf, startedAt: startedAt}, nil
}

// PID returns the child's process ID.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// StartedAt returns the time Start launched this child.
func (c *Child) StartedAt() time.Time { return c.startedAt }

// Wait blocks until the child exits.
func (c *Child) Wait() error { return c.cmd.Wait() }

// Signal sends sig to the child.
func (c *Child) Signal(sig syscall.Signal) error { return Signal(c.PID(), sig) }

// Kill sends SIGKILL to the child.
func (c *Child) Kill() error { return Kill(c.PID()) }

// Cleanup removes the child's PID file. Call after Wait returns.
func (c *Child) Cleanup() error { return c.pidFile.Remove() }
