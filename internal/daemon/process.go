// ABOUTME: Child process abstraction for supervised operators
// ABOUTME: ExecSpawner re-executes this binary in operator mode; Daemonize detaches the daemon

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/2389/emissary/internal/config"
)

// DaemonizedEnv marks a process that has already detached.
const DaemonizedEnv = "EMISSARY_DAEMONIZED"

// Child is a supervised operator process.
type Child interface {
	Pid() int
	Alive() bool
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts operator processes.
type Spawner interface {
	Spawn(ctx context.Context, op *config.OperatorConfig) (Child, error)
}

// ExecSpawner runs `<Executable> operator --signature <sig> --config <path>`.
type ExecSpawner struct {
	Executable string
	ConfigPath string
	ExtraArgs  []string
	Logger     *slog.Logger
}

// NewExecSpawner spawns copies of the running executable.
func NewExecSpawner(configPath string, logger *slog.Logger, extra ...string) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSpawner{
		Executable: exe,
		ConfigPath: configPath,
		ExtraArgs:  extra,
		Logger:     logger,
	}, nil
}

// Spawn starts the operator process and returns without waiting for it.
func (s *ExecSpawner) Spawn(ctx context.Context, op *config.OperatorConfig) (Child, error) {
	args := []string{"operator", "--signature", op.Signature}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	args = append(args, s.ExtraArgs...)

	// Not bound to ctx: operators outlive the recheck that started them.
	cmd := exec.Command(s.Executable, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting operator %s: %w", op.Signature, err)
	}

	c := &execChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		s.Logger.Info("operator process exited",
			"signature", op.Signature,
			"pid", cmd.Process.Pid,
			"status", exitStatus(err),
		)
	}()
	return c, nil
}

type execChild struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (c *execChild) Pid() int { return c.cmd.Process.Pid }

func (c *execChild) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *execChild) Signal(sig os.Signal) error {
	if !c.Alive() {
		return nil
	}
	return c.cmd.Process.Signal(sig)
}

func (c *execChild) Kill() error {
	if !c.Alive() {
		return nil
	}
	return c.cmd.Process.Kill()
}

func exitStatus(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}

// Daemonized reports whether this process was started by Daemonize.
func Daemonized() bool {
	return os.Getenv(DaemonizedEnv) == "1"
}

// Daemonize re-executes the current binary with args in a new session and
// returns the child's pid. Output goes to logFile, or nowhere when it is nil.
// The caller should exit.
func Daemonize(args []string, logFile *os.File) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locating executable: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), DaemonizedEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting background daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("releasing background daemon: %w", err)
	}
	return pid, nil
}
