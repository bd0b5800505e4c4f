// Package procutil backs the process-control CLI surface of spec.md §6: it
// spawns and tracks real OS processes, writes and reads PID files, and
// reports the discrepancies between the two that `--diagnostic` surfaces.
//
// This is deliberately a closer adaptation of lib/exec/parent.go's
// process-handle idiom (Exists/Kill/Signal/Wait over a tracked *exec.Cmd)
// than pkg/host's goroutine-based drone pool: cmd/osrfctl manages real
// sibling service processes, not in-process workers, so it needs the real
// thing.
package procutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"v.io/v23/verror"
)

const pkgPath = "github.com/evergreen-library-system/OpenSRF-sub003/internal/procutil"

var (
	ErrNoSuchProcess = verror.Register(pkgPath+".ErrNoSuchProcess", verror.NoRetry, "{1:}{2:} no such process{:_}")
)

// PIDFile is a path under a service host's --pid-dir holding the decimal PID
// of a running service process.
type PIDFile struct {
	Path string
}

// NewPIDFile returns the PID file path conventionally used for service
// under dir (spec.md §6 --pid-dir).
func NewPIDFile(dir, service string) PIDFile {
	return PIDFile{Path: filepath.Join(dir, service+".pid")}
}

// Write records pid, overwriting any existing file.
func (f PIDFile) Write(pid int) error {
	return os.WriteFile(f.Path, []byte(strconv.Itoa(pid)), 0644)
}

// Read parses the recorded PID. It returns an error if the file is absent
// or unparsable.
func (f PIDFile) Read() (int, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("procutil: malformed pid file %s: %w", f.Path, err)
	}
	return pid, nil
}

// Remove deletes the PID file, if present.
func (f PIDFile) Remove() error {
	err := os.Remove(f.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Exists reports whether pid can be signaled, without actually disturbing
// it (the lib/exec/parent.go Exists idiom: a signal 0 probe).
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Signal sends sig to pid.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return verror.New(ErrNoSuchProcess, nil)
	}
	return syscall.Kill(pid, sig)
}

// Kill sends SIGKILL to pid.
func Kill(pid int) error {
	return Signal(pid, syscall.SIGKILL)
}

// clockTicksPerSec is SC_CLK_TCK, needed to convert /proc/<pid>/stat's
// utime/stime fields into a duration. It is virtually always 100 on Linux
// (the value glibc itself falls back to when sysconf can't be queried), and
// there is no ecosystem process-inspection library anywhere in the
// retrieval pack (no gopsutil or equivalent) to get this from instead.
const clockTicksPerSec = 100

// ProcessTimes reports how long pid has been running and how much CPU time
// it has accumulated, read directly from procfs (Linux-specific, matching
// the rest of this package's syscall-level approach to process control).
func ProcessTimes(pid int) (started time.Time, cpu time.Duration, err error) {
	fi, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return time.Time{}, 0, err
	}
	started = fi.ModTime()

	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return started, 0, err
	}
	// The second field (comm) is parenthesized and may itself contain
	// spaces or parens, so anchor on the last ')' rather than splitting
	// naively on whitespace.
	s := string(raw)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+2 > len(s) {
		return started, 0, fmt.Errorf("procutil: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(s[close+2:])
	// Fields here start at overall field 3 (state); utime/stime are
	// overall fields 14/15, i.e. fields[11]/fields[12] in this slice.
	if len(fields) < 13 {
		return started, 0, fmt.Errorf("procutil: short /proc/%d/stat", pid)
	}
	utime, uerr := strconv.ParseInt(fields[11], 10, 64)
	stime, serr := strconv.ParseInt(fields[12], 10, 64)
	if uerr != nil || serr != nil {
		return started, 0, fmt.Errorf("procutil: unparsable utime/stime for pid %d", pid)
	}
	cpu = time.Duration(utime+stime) * time.Second / clockTicksPerSec
	return started, cpu, nil
}

// Anomaly is one diagnostic finding for --diagnostic (spec.md §6).
type Anomaly string

const (
	AnomalyOrphanPIDFile     Anomaly = "orphan pid file: recorded process is not running"
	AnomalyServiceNotRunning Anomaly = "service named in pid file has no running process"
	AnomalyRunningWithoutPID Anomaly = "running process has no pid file"
)

// Diagnose compares a PID file's recorded process against the live process
// table and reports the spec.md §6 anomaly set. liveHint, when > 0, is the
// PID this host believes it is currently running (e.g. from an in-memory
// child handle); pass 0 when only the PID file itself is known.
func Diagnose(f PIDFile, liveHint int) []Anomaly {
	var anomalies []Anomaly
	recorded, err := f.Read()
	switch {
	case err != nil:
		if liveHint > 0 && Exists(liveHint) {
			anomalies = append(anomalies, AnomalyRunningWithoutPID)
		}
	case !Exists(recorded):
		anomalies = append(anomalies, AnomalyOrphanPIDFile, AnomalyServiceNotRunning)
	case liveHint > 0 && recorded != liveHint:
		anomalies = append(anomalies, AnomalyServiceNotRunning, AnomalyRunningWithoutPID)
	}
	return anomalies
}
