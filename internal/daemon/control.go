// ABOUTME: Helpers for commands that control a running daemon from outside
// ABOUTME: Signal the daemon through its pid file and read operator pid files for status

package daemon

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/2389/emissary/internal/config"
)

// ErrNotRunning is returned when no live daemon owns the pid file.
var ErrNotRunning = errors.New("daemon not running")

// SignalDaemon sends sig to the daemon named by cfg's pid file.
func SignalDaemon(cfg *config.Config, sig syscall.Signal) (int, error) {
	pid, alive := RunningPid(cfg.PidFilePath())
	if !alive {
		return 0, ErrNotRunning
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return pid, fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	return pid, nil
}

// WaitExit polls until pid is gone or timeout passes, and reports whether
// the process exited.
func WaitExit(pid int, timeout, poll time.Duration) bool {
	if poll <= 0 {
		poll = config.DefaultShutdownPoll
	}
	deadline := time.Now().Add(timeout)
	for ProcessAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(poll)
	}
	return true
}

// PidStatus reads the daemon and operator pid files for cfg. It is the
// fallback status source when no control socket is configured.
func PidStatus(cfg *config.Config) (daemon OperatorStatus, operators []OperatorStatus) {
	daemon.Signature = "daemon"
	daemon.Pid, daemon.Alive = RunningPid(cfg.PidFilePath())

	for _, op := range cfg.Instances() {
		st := OperatorStatus{Signature: op.Signature, Type: op.Type}
		st.Pid, st.Alive = RunningPid(OperatorPidPath(cfg.General.PidDir, op.Signature))
		operators = append(operators, st)
	}
	return daemon, operators
}
