// ABOUTME: Supervisor that keeps one operator process alive per configured instance
// ABOUTME: Runs the recheck loop, maps signals to reconfigure/restart/shutdown, and escalates stops to SIGKILL

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389/emissary/internal/config"
	"github.com/2389/emissary/internal/store"
)

// ErrAlreadyRunning is returned when the daemon pid file names a live process.
var ErrAlreadyRunning = errors.New("daemon already running")

// ErrNoOperators is returned by Run when every operator was removed.
var ErrNoOperators = errors.New("no operators left")

// Loader reloads the configuration for reconfigure.
type Loader func() (*config.Config, error)

// HealthReporter receives liveness updates. *control.Server satisfies it.
type HealthReporter interface {
	SetDaemon(serving bool)
	SetOperator(signature string, serving bool)
}

// Options configure a Daemon.
type Options struct {
	Config  *config.Config
	Loader  Loader
	Spawner Spawner
	Ledger  store.Ledger
	Health  HealthReporter
	Logger  *slog.Logger
}

// OperatorStatus is a snapshot of one supervised operator.
type OperatorStatus struct {
	Signature  string
	Type       string
	Pid        int
	Alive      bool
	StartCount int
}

type supervised struct {
	settings   *config.OperatorConfig
	child      Child
	startCount int
	pid        int
}

func (s *supervised) alive() bool {
	return s.child != nil && s.child.Alive()
}

// Daemon supervises operator processes.
type Daemon struct {
	loader  Loader
	spawner Spawner
	ledger  store.Ledger
	health  HealthReporter
	logger  *slog.Logger
	runID   string

	mu           sync.Mutex
	cfg          *config.Config
	operators    map[string]*supervised
	shuttingDown bool

	// sleep waits between shutdown polls; replaced in tests.
	sleep func(time.Duration)
}

// New builds a supervisor for every operator instance in opts.Config.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon config required")
	}
	if opts.Spawner == nil {
		return nil, errors.New("daemon spawner required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		loader:    opts.Loader,
		spawner:   opts.Spawner,
		ledger:    opts.Ledger,
		health:    opts.Health,
		logger:    logger.With("component", "daemon"),
		runID:     uuid.New().String(),
		cfg:       opts.Config,
		operators: make(map[string]*supervised),
		sleep:     time.Sleep,
	}
	d.track(opts.Config, nil)
	return d, nil
}

// track (re)builds the supervision table from cfg, carrying start counts
// over from previous for signatures that remain.
func (d *Daemon) track(cfg *config.Config, previous map[string]*supervised) {
	d.operators = make(map[string]*supervised)
	for _, op := range cfg.Instances() {
		s := &supervised{settings: op}
		if prev, ok := previous[op.Signature]; ok {
			s.startCount = prev.startCount
		}
		d.operators[op.Signature] = s
	}
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Status returns the supervision table sorted by signature.
func (d *Daemon) Status() []OperatorStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]OperatorStatus, 0, len(d.operators))
	for sig, s := range d.operators {
		out = append(out, OperatorStatus{
			Signature:  sig,
			Type:       s.settings.Type,
			Pid:        s.pid,
			Alive:      s.alive(),
			StartCount: s.startCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// Run writes the daemon pid file, supervises operators until ctx ends, a
// shutdown signal arrives or no operators remain, then stops them all.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.Config()
	pidPath := cfg.PidFilePath()

	if pid, alive := RunningPid(pidPath); alive && pid != os.Getpid() {
		return fmt.Errorf("%w with pid %d", ErrAlreadyRunning, pid)
	}
	if err := WritePidFile(pidPath, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if _, err := RemovePidFile(pidPath); err != nil {
			d.logger.Warn("removing pid file", "path", pidPath, "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	d.logger.Info("daemon started",
		"pid", os.Getpid(),
		"run_id", d.runID,
		"operators", len(d.Status()),
	)
	d.reportDaemon(true)
	defer d.reportDaemon(false)

	return d.loop(ctx, sigCh)
}

func (d *Daemon) loop(ctx context.Context, sigCh <-chan os.Signal) error {
	interval := d.Config().General.RecheckInterval
	if interval <= 0 {
		interval = config.DefaultRecheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !d.Recheck(ctx) {
		d.logger.Warn("no operators left, shutting down")
		d.Shutdown()
		return ErrNoOperators
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("context canceled, initiating shutdown")
			d.Shutdown()
			return nil

		case sig := <-sigCh:
			if d.HandleSignal(ctx, sig) {
				d.Shutdown()
				return nil
			}

		case <-ticker.C:
			if !d.Recheck(ctx) {
				d.logger.Warn("no operators left, shutting down")
				d.Shutdown()
				return ErrNoOperators
			}
		}
	}
}

// HandleSignal applies sig and reports whether the daemon should exit.
func (d *Daemon) HandleSignal(ctx context.Context, sig os.Signal) bool {
	d.logger.Info("received signal", "signal", sig.String())
	switch sig {
	case syscall.SIGHUP:
		d.Reconfigure(ctx)
	case syscall.SIGUSR1:
		d.Restart(ctx)
	case syscall.SIGINT, syscall.SIGTERM:
		return true
	}
	return false
}

// Recheck prunes operators that exhausted their restarts and starts every
// eligible one. It returns false when no operators remain.
func (d *Daemon) Recheck(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	maxRestarts := d.cfg.General.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = config.DefaultMaxRestarts
	}

	for _, sig := range d.signaturesLocked() {
		s := d.operators[sig]
		alive := s.alive()
		d.reportOperator(sig, alive)

		if !alive && s.child != nil {
			d.logger.Warn("operator process is not running", "signature", sig, "pid", s.pid)
			d.event(sig, store.EventExited, s.pid, s.startCount, "")
			s.child = nil
		}

		if s.startCount > maxRestarts && !alive {
			d.logger.Warn("start count exceeds max restarts, removing operator",
				"signature", sig,
				"start_count", s.startCount,
				"max_restarts", maxRestarts,
			)
			delete(d.operators, sig)
			d.event(sig, store.EventRemoved, s.pid, s.startCount, "restart limit reached")
			continue
		}

		if alive || s.startCount > maxRestarts || d.shuttingDown {
			continue
		}

		pidPath := OperatorPidPath(d.cfg.General.PidDir, sig)
		if pid, running := RunningPid(pidPath); running && pid != s.pid {
			d.logger.Warn("operator already running under another process, not supervising",
				"signature", sig,
				"pid", pid,
			)
			delete(d.operators, sig)
			d.event(sig, store.EventSkipped, pid, s.startCount, "pid file names a live process")
			continue
		}

		s.startCount++
		if s.startCount > maxRestarts {
			d.logger.Warn("operator reached max restarts, will not restart it again",
				"signature", sig,
				"max_restarts", maxRestarts,
			)
		}

		d.logger.Info("starting operator", "signature", sig, "attempt", s.startCount)
		child, err := d.spawner.Spawn(ctx, s.settings)
		if err != nil {
			d.logger.Error("spawning operator", "signature", sig, "error", err)
			s.child = nil
			d.event(sig, store.EventSpawnFailed, 0, s.startCount, err.Error())
			continue
		}
		s.child = child
		s.pid = child.Pid()
		d.reportOperator(sig, true)
		d.event(sig, store.EventSpawned, s.pid, s.startCount, "")
		d.logger.Info("forked operator", "signature", sig, "pid", s.pid)
	}

	return len(d.operators) > 0
}

// Reconfigure reloads the configuration. On failure the running
// configuration is kept; on success the new one replaces it and every
// operator restarts.
func (d *Daemon) Reconfigure(ctx context.Context) error {
	d.logger.Warn("reloading configuration")
	if d.loader == nil {
		err := errors.New("no configuration loader")
		d.logger.Error("unable to reload configuration", "error", err)
		return err
	}

	cfg, err := d.loader()
	if err != nil {
		d.logger.Error("unable to reload configuration, keeping current", "error", err)
		d.event("", store.EventReconfigure, 0, 0, "failed: "+err.Error())
		return err
	}

	d.stopAll()

	d.mu.Lock()
	previous := d.operators
	d.cfg = cfg
	d.track(cfg, previous)
	d.mu.Unlock()

	d.event("", store.EventReconfigure, 0, 0, fmt.Sprintf("%d operators", len(cfg.Instances())))
	d.Recheck(ctx)
	return nil
}

// Restart stops every operator and starts them again. The stops do not
// count against the restart limit.
func (d *Daemon) Restart(ctx context.Context) {
	d.logger.Info("restarting operators")
	d.event("", store.EventRestart, 0, 0, "")
	d.stopAll()
	d.Recheck(ctx)
}

// Shutdown stops every operator. No operator is started afterwards.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	d.shuttingDown = true
	d.mu.Unlock()

	d.logger.Info("shutdown requested, stopping operators")
	d.event("", store.EventShutdown, os.Getpid(), 0, "")
	d.stopAll()
	d.logger.Info("shutdown complete")
}

// stopTarget is a snapshot of one operator taken under d.mu, so the stop
// itself can wait without holding the lock.
type stopTarget struct {
	sig        string
	s          *supervised
	child      Child
	pid        int
	startCount int
}

func (d *Daemon) stopAll() {
	d.mu.Lock()
	poll := d.cfg.General.ShutdownPoll
	if poll <= 0 {
		poll = config.DefaultShutdownPoll
	}
	timeout := d.cfg.General.KillTimeout
	if timeout <= 0 {
		timeout = config.DefaultKillTimeout
	}
	targets := make([]stopTarget, 0, len(d.operators))
	for _, sig := range d.signaturesLocked() {
		s := d.operators[sig]
		targets = append(targets, stopTarget{
			sig:        sig,
			s:          s,
			child:      s.child,
			pid:        s.pid,
			startCount: s.startCount,
		})
	}
	d.mu.Unlock()

	for _, t := range targets {
		signalled := d.stopOperator(t, poll, timeout)

		d.mu.Lock()
		if signalled && t.s.startCount > 0 {
			t.s.startCount--
		}
		d.mu.Unlock()

		d.reportOperator(t.sig, false)
	}
}

// stopOperator sends SIGTERM, polls every poll, and sends SIGKILL once
// timeout has passed. It reports whether a running child was signalled;
// only those stops are taken off the restart count.
func (d *Daemon) stopOperator(t stopTarget, poll, timeout time.Duration) bool {
	alive := t.child != nil && t.child.Alive()
	d.logger.Info("stopping operator", "signature", t.sig, "pid", t.pid, "running", alive)
	if !alive {
		return false
	}

	if err := t.child.Signal(syscall.SIGTERM); err != nil {
		d.logger.Warn("signalling operator", "signature", t.sig, "error", err)
	}

	deadline := time.Now().Add(timeout)
	killed := false
	for t.child.Alive() {
		if !killed && !time.Now().Before(deadline) {
			d.logger.Warn("operator did not stop in time, killing",
				"signature", t.sig,
				"pid", t.pid,
				"kill_timeout", timeout,
			)
			if err := t.child.Kill(); err != nil {
				d.logger.Error("killing operator", "signature", t.sig, "error", err)
			}
			d.event(t.sig, store.EventKilled, t.pid, t.startCount, "")
			killed = true
		}
		d.sleep(poll)
	}
	if !killed {
		d.event(t.sig, store.EventStopped, t.pid, t.startCount, "")
	}
	return true
}

func (d *Daemon) signaturesLocked() []string {
	out := make([]string, 0, len(d.operators))
	for sig := range d.operators {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out
}

func (d *Daemon) reportDaemon(serving bool) {
	if d.health != nil {
		d.health.SetDaemon(serving)
	}
}

func (d *Daemon) reportOperator(sig string, serving bool) {
	if d.health != nil {
		d.health.SetOperator(sig, serving)
	}
}

func (d *Daemon) event(sig, event string, pid, startCount int, detail string) {
	if d.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := d.ledger.RecordEvent(ctx, &store.OperatorEvent{
		Signature:  sig,
		Event:      event,
		PID:        pid,
		StartCount: startCount,
		Detail:     detail,
	})
	if err != nil {
		d.logger.Warn("recording ledger event", "event", event, "signature", sig, "error", err)
	}
}
