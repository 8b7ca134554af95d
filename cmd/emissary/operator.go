// ABOUTME: The operator subcommand run by the daemon for each configured instance
// ABOUTME: Wires identity, transport, agents, metrics and the ledger into one operator

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/2389/emissary/internal/agent"
	"github.com/2389/emissary/internal/daemon"
	"github.com/2389/emissary/internal/identity"
	"github.com/2389/emissary/internal/metrics"
	"github.com/2389/emissary/internal/operator"
	"github.com/2389/emissary/internal/transport"
)

func runOperator(ctx context.Context, args []string) error {
	var common commonFlags
	var signature string

	fs := newFlagSet("operator", &common)
	fs.StringVar(&signature, "signature", "", "signature of the operator instance to run")
	if err := parseFlags(fs, args); err != nil {
		if errors.Is(err, errHelp) {
			return nil
		}
		return err
	}
	if signature == "" {
		return errors.New("--signature is required")
	}

	cfg, configPath, err := loadConfig(&common)
	if err != nil {
		return err
	}
	op, ok := cfg.Instance(signature)
	if !ok {
		return fmt.Errorf("no operator %q in %s", signature, configPath)
	}

	logCfg := cfg.Logging
	if op.Debug {
		logCfg.Level = "debug"
	}
	logger := setupLogger(logCfg, common.logLevel).With("signature", signature)
	slog.SetDefault(logger)

	pidPath := daemon.OperatorPidPath(cfg.General.PidDir, signature)
	if err := daemon.WritePidFile(pidPath, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if _, err := daemon.RemovePidFile(pidPath); err != nil {
			logger.Warn("removing pid file", "path", pidPath, "error", err)
		}
	}()

	resolver := identity.Default(identityOptions(cfg.Identity), logger)

	tr, err := transport.Open(op.Type, operator.TransportSettings(op, resolver), logger)
	if err != nil {
		return fmt.Errorf("opening %s transport: %w", op.Type, err)
	}

	registry := agent.NewDefaultRegistry(cfg.General.PluginDir, agent.WithRegistryLogger(logger))
	dispatcher := agent.NewDispatcher(registry, logger)

	m := metrics.New(signature)

	params := operator.Params{
		Settings:   op,
		Transport:  tr,
		Dispatcher: dispatcher,
		Identity:   resolver,
		ConfigPath: configPath,
		Metrics:    m,
		Logger:     logger,
	}
	if parent, err := os.FindProcess(os.Getppid()); err == nil {
		params.Parent = parent
	}

	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if ledger != nil {
		defer ledger.Close()
		params.Ledger = ledger
	}

	o, err := operator.New(params)
	if err != nil {
		return fmt.Errorf("creating operator: %w", err)
	}

	logger.Info("starting operator",
		"type", op.Type,
		"queue", resolver.QueueName(),
		"workers", op.Workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		return o.Run(runCtx)
	})
	if op.MetricsAddr != "" {
		g.Go(func() error {
			return m.Serve(runCtx, op.MetricsAddr, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("operator %s: %w", signature, err)
	}
	logger.Info("operator stopped")
	return nil
}
