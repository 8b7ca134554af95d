// ABOUTME: Pid files for the daemon and its operator processes
// ABOUTME: Files hold a decimal pid and are only ever removed by the process they name

package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PidFileMode is the permission used for new pid files.
const PidFileMode = 0640

// ErrNoPidFile is returned when a pid file does not exist.
var ErrNoPidFile = errors.New("pid file not found")

// OperatorPidPath is the pid file of the operator process for signature.
func OperatorPidPath(dir, signature string) string {
	return filepath.Join(dir, "emop_"+signature)
}

// WritePidFile records pid at path, creating parent directories.
func WritePidFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), PidFileMode); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPidFile returns the pid stored at path.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNoPidFile, path)
	}
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%s does not contain a valid pid", path)
	}
	return pid, nil
}

// RemovePidFile deletes path only when it names the calling process.
// It reports whether the file was removed.
func RemovePidFile(path string) (bool, error) {
	pid, err := ReadPidFile(path)
	if errors.Is(err, ErrNoPidFile) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if pid != os.Getpid() {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("removing pid file: %w", err)
	}
	return true, nil
}

// RunningPid returns the pid in path when that process is alive.
func RunningPid(path string) (int, bool) {
	pid, err := ReadPidFile(path)
	if err != nil {
		return 0, false
	}
	return pid, ProcessAlive(pid)
}

// ProcessAlive probes pid with signal 0. A process we may not signal still
// counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
