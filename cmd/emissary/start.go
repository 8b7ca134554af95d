// ABOUTME: start, stop, restart and reconfig subcommands
// ABOUTME: Runs the supervisor with its control socket or signals a running one

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/emissary/internal/config"
	"github.com/2389/emissary/internal/control"
	"github.com/2389/emissary/internal/daemon"
	"github.com/2389/emissary/internal/store"
)

func runStart(ctx context.Context, args []string) error {
	var common commonFlags
	var logFile string
	var foreground bool

	fs := newFlagSet("start", &common)
	fs.StringVar(&logFile, "log-file", "", "append daemon output to this file when running in the background")
	fs.BoolVarP(&foreground, "foreground", "f", false, "stay in the foreground even if general.daemonize is set")
	if err := parseFlags(fs, args); err != nil {
		if errors.Is(err, errHelp) {
			return nil
		}
		return err
	}

	cfg, configPath, err := loadConfig(&common)
	if err != nil {
		return err
	}

	if pid, running := daemon.RunningPid(cfg.PidFilePath()); running {
		return fmt.Errorf("%w (pid %d)", daemon.ErrAlreadyRunning, pid)
	}

	if cfg.General.Daemonize && !foreground && !daemon.Daemonized() {
		return startBackground(configPath, common.logLevel, logFile)
	}

	logger := setupLogger(cfg.Logging, common.logLevel)
	slog.SetDefault(logger)

	if !daemon.Daemonized() {
		printBanner()
		printInfo("Config", configPath)
		printInfo("Pid file", cfg.PidFilePath())
		printInfo("Operators", fmt.Sprintf("%d", len(cfg.Instances())))
		if cfg.General.ControlSocket != "" {
			printInfo("Control", cfg.General.ControlSocket)
		}
		if cfg.General.Ledger != "" {
			printInfo("Ledger", cfg.General.Ledger)
		}
		fmt.Println()
	}

	logger.Info("starting emissary",
		"version", version,
		"config", configPath,
		"operators", len(cfg.Instances()),
	)

	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if ledger != nil {
		defer ledger.Close()
	}

	var extra []string
	if common.logLevel != "" {
		extra = append(extra, "--log-level", common.logLevel)
	}
	spawner, err := daemon.NewExecSpawner(configPath, logger, extra...)
	if err != nil {
		return err
	}

	opts := daemon.Options{
		Config:  cfg,
		Loader:  func() (*config.Config, error) { return config.Load(configPath) },
		Spawner: spawner,
		Logger:  logger,
	}
	if ledger != nil {
		opts.Ledger = ledger
	}

	var srv *control.Server
	if cfg.General.ControlSocket != "" {
		srv = control.NewServer(cfg.General.ControlSocket, logger)
		opts.Health = srv
	}

	d, err := daemon.New(opts)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		return d.Run(runCtx)
	})
	if srv != nil {
		g.Go(func() error {
			return srv.Serve(runCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, daemon.ErrNoOperators) {
		logger.Warn("no operators left to supervise, exiting")
		return nil
	}
	return err
}

// startBackground re-executes "start" detached from the terminal.
func startBackground(configPath, logLevel, logFile string) error {
	args := []string{"start", "--config", configPath}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}

	var out *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		out = f
	}

	pid, err := daemon.Daemonize(args, out)
	if err != nil {
		return err
	}
	fmt.Printf("emissary started in the background (pid %d)\n", pid)
	return nil
}

// openLedger opens the configured sqlite ledger. It returns nil when no
// ledger is configured.
func openLedger(cfg *config.Config) (*store.SQLiteStore, error) {
	if cfg.General.Ledger == "" {
		return nil, nil
	}
	ledger, err := store.NewSQLiteStore(cfg.General.Ledger)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return ledger, nil
}

func runStop(args []string) error {
	var common commonFlags
	var timeout time.Duration

	fs := newFlagSet("stop", &common)
	fs.DurationVar(&timeout, "timeout", 0, "how long to wait for the daemon to exit (default kill_timeout plus 10s)")
	if err := parseFlags(fs, args); err != nil {
		if errors.Is(err, errHelp) {
			return nil
		}
		return err
	}

	cfg, _, err := loadConfig(&common)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = cfg.General.KillTimeout + 10*time.Second
	}

	pid, err := daemon.SignalDaemon(cfg, syscall.SIGTERM)
	if errors.Is(err, daemon.ErrNotRunning) {
		color.Yellow("emissary is not running")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Stopping emissary (pid %d)...", pid)
	if !daemon.WaitExit(pid, timeout, 200*time.Millisecond) {
		fmt.Println()
		return fmt.Errorf("daemon (pid %d) still running after %s", pid, timeout)
	}
	color.Green(" stopped")
	return nil
}

// runSignal delivers sig to the running daemon.
func runSignal(name string, sig syscall.Signal, args []string) error {
	var common commonFlags

	fs := newFlagSet(name, &common)
	if err := parseFlags(fs, args); err != nil {
		if errors.Is(err, errHelp) {
			return nil
		}
		return err
	}

	// Load validates the file before the daemon rereads it.
	cfg, _, err := loadConfig(&common)
	if err != nil {
		return err
	}

	pid, err := daemon.SignalDaemon(cfg, sig)
	if errors.Is(err, daemon.ErrNotRunning) {
		color.Yellow("emissary is not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s to emissary (pid %d)\n", sig, pid)
	return nil
}
