// ABOUTME: status, history and identity subcommands
// ABOUTME: Read-only views over the control socket, pid files and ledger

package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/emissary/internal/config"
	"github.com/2389/emissary/internal/control"
	"github.com/2389/emissary/internal/daemon"
	"github.com/2389/emissary/internal/identity"
	"github.com/2389/emissary/internal/message"
	"github.com/2389/emissary/internal/store"
)

const statusTimeout = 3 * time.Second

func runStatus(ctx context.Context, args []string) error {
	var common commonFlags

	fs := newFlagSet("status", &common)
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

	dstat, operators := daemon.PidStatus(cfg)

	var health map[string]string
	if cfg.General.ControlSocket != "" && dstat.Alive {
		health, err = queryHealth(ctx, cfg)
		if err != nil {
			color.Yellow("control socket unavailable: %v", err)
		}
	}

	printStatus(dstat, operators, health)
	return nil
}

func queryHealth(ctx context.Context, cfg *config.Config) (map[string]string, error) {
	client, err := control.Dial(cfg.General.ControlSocket)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	sigs := make([]string, 0, len(cfg.Instances()))
	for _, op := range cfg.Instances() {
		sigs = append(sigs, op.Signature)
	}
	return client.Statuses(ctx, sigs)
}

func printStatus(dstat daemon.OperatorStatus, operators []daemon.OperatorStatus, health map[string]string) {
	bold := color.New(color.Bold)
	bold.Printf("%-24s %-10s %-8s %-10s %s\n", "NAME", "TYPE", "PID", "PROCESS", "HEALTH")

	printStatusRow("daemon", "", dstat, health, control.DaemonService)
	for _, op := range operators {
		printStatusRow(op.Signature, op.Type, op, health, op.Signature)
	}
}

func printStatusRow(name, kind string, st daemon.OperatorStatus, health map[string]string, service string) {
	pid := "-"
	if st.Pid > 0 {
		pid = fmt.Sprintf("%d", st.Pid)
	}

	process := color.RedString("%-10s", "stopped")
	if st.Alive {
		process = color.GreenString("%-10s", "running")
	}

	check := color.HiBlackString("-")
	if health != nil {
		switch health[service] {
		case control.StatusServing:
			check = color.GreenString(control.StatusServing)
		case control.StatusNotServing:
			check = color.YellowString(control.StatusNotServing)
		default:
			check = color.HiBlackString(control.StatusUnknown)
		}
	}

	fmt.Printf("%-24s %-10s %-8s %s %s\n", name, kind, pid, process, check)
}

func runHistory(ctx context.Context, args []string) error {
	var common commonFlags
	var signature string
	var limit int
	var messages bool

	fs := newFlagSet("history", &common)
	fs.StringVarP(&signature, "signature", "s", "", "only show this operator")
	fs.IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	fs.BoolVarP(&messages, "messages", "m", false, "show handled messages instead of supervision events")
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
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if ledger == nil {
		return errors.New("no ledger configured (set general.ledger)")
	}
	defer ledger.Close()

	if messages {
		recs, err := ledger.ListMessages(ctx, signature, limit)
		if err != nil {
			return fmt.Errorf("listing messages: %w", err)
		}
		printMessages(recs)
		return nil
	}

	events, err := ledger.ListEvents(ctx, store.EventFilter{Signature: signature, Limit: limit})
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}
	printEvents(events)
	return nil
}

func printEvents(events []*store.OperatorEvent) {
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return
	}
	bold := color.New(color.Bold)
	bold.Printf("%-20s %-24s %-14s %-8s %-6s %s\n", "TIME", "OPERATOR", "EVENT", "PID", "START", "DETAIL")
	for _, ev := range events {
		var name string
		switch ev.Event {
		case store.EventSpawnFailed, store.EventRemoved, store.EventKilled:
			name = color.RedString("%-14s", ev.Event)
		case store.EventSpawned:
			name = color.GreenString("%-14s", ev.Event)
		default:
			name = fmt.Sprintf("%-14s", ev.Event)
		}
		pid := "-"
		if ev.PID > 0 {
			pid = fmt.Sprintf("%d", ev.PID)
		}
		fmt.Printf("%-20s %-24s %s %-8s %-6d %s\n",
			ev.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			ev.Signature, name, pid, ev.StartCount, ev.Detail)
	}
}

func printMessages(recs []*store.MessageRecord) {
	if len(recs) == 0 {
		fmt.Println("No messages recorded.")
		return
	}
	bold := color.New(color.Bold)
	bold.Printf("%-20s %-36s %-20s %-10s %-10s %s\n", "TIME", "UUID", "AGENT", "STATUS", "TRIP", "NOTE")
	for _, r := range recs {
		status := fmt.Sprintf("%-10s", r.Status)
		switch message.StatusKind(r.Status) {
		case message.StatusErrored:
			status = color.RedString("%-10s", r.Status)
		case message.StatusBounced:
			status = color.YellowString("%-10s", r.Status)
		}
		fmt.Printf("%-20s %-36s %-20s %s %-10s %s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			r.UUID, r.Agent+"."+r.Method, status,
			r.TripTime.Round(time.Millisecond), r.Note)
	}
}

func runIdentity(ctx context.Context, args []string) error {
	var common commonFlags

	fs := newFlagSet("identity", &common)
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
	logger := setupLogger(cfg.Logging, common.logLevel)

	resolver := identity.Default(identityOptions(cfg.Identity), logger)

	snapshot := resolver.Snapshot()
	fields := make([]string, 0, len(snapshot))
	for f := range snapshot {
		fields = append(fields, string(f))
	}
	sort.Strings(fields)

	cyan := color.New(color.FgCyan)
	for _, f := range fields {
		cyan.Printf("%-12s ", f)
		fmt.Println(snapshot[identity.Field(f)])
	}
	color.HiBlack("providers: %s", strings.Join(resolver.Providers(), ", "))
	return nil
}

func identityOptions(cfg config.IdentityConfig) identity.Options {
	return identity.Options{
		Exclude:       cfg.Exclude,
		IPCheckDomain: cfg.IPCheckDomain,
		IPCheckURL:    cfg.IPCheckURL,
		EC2Endpoint:   cfg.EC2Endpoint,
		EC2Timeout:    cfg.EC2Timeout,
	}
}
