// ABOUTME: Entry point for the emissary daemon and its control commands
// ABOUTME: Dispatches subcommands and resolves the configuration path

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/emissary/internal/config"
)

// Version is set at build time.
var version = "dev"

const banner = `
                     _
  ___ _ __ ___  (_)___ ___  __ _ _ __ _   _
 / _ \ '_ ' _ \ | / __/ __|/ _' | '__| | | |
|  __/ | | | | || \__ \__ \ (_| | |  | |_| |
 \___|_| |_| |_||_|___/___/\__,_|_|   \__, |
                                      |___/
`

const defaultSystemConfig = "/etc/emissary/emissary.yaml"

// getConfigPath returns the path to the emissary config file.
// Priority: --config flag > EMISSARY_CONFIG env var >
// XDG_CONFIG_HOME/emissary/emissary.yaml > /etc/emissary/emissary.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("EMISSARY_CONFIG"); envPath != "" {
		return envPath
	}
	if configDir := os.Getenv("XDG_CONFIG_HOME"); configDir != "" {
		path := filepath.Join(configDir, "emissary", "emissary.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return defaultSystemConfig
}

func usage() {
	fmt.Println("Usage: emissary <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start                     Start the daemon and its operators")
	fmt.Println("  stop                      Stop a running daemon")
	fmt.Println("  restart                   Restart every operator of a running daemon")
	fmt.Println("  reconfig                  Reload the configuration of a running daemon")
	fmt.Println("  status                    Show daemon and operator status")
	fmt.Println("  history                   Show supervision events from the ledger")
	fmt.Println("  identity                  Print the discovered node identity")
	fmt.Println("  init                      Create a new config file interactively")
	fmt.Println("  version                   Print the version")
	fmt.Println()
	fmt.Println("Run 'emissary <command> --help' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(ctx, args)
	case "stop":
		err = runStop(args)
	case "restart":
		err = runSignal("restart", syscall.SIGUSR1, args)
	case "reconfig":
		err = runSignal("reconfig", syscall.SIGHUP, args)
	case "status":
		err = runStatus(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "identity":
		err = runIdentity(ctx, args)
	case "init":
		err = runInit(args)
	case "operator":
		err = runOperator(ctx, args)
	case "version", "--version":
		fmt.Printf("emissary %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configPath string
	logLevel   string
}

func newFlagSet(name string, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("emissary "+name, pflag.ContinueOnError)
	fs.StringVarP(&common.configPath, "config", "c", "", "path to the configuration file")
	fs.StringVar(&common.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	return fs
}

// errHelp reports that --help was handled and the command should stop.
var errHelp = errors.New("help requested")

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelp
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return nil
}

// loadConfig resolves and loads the configuration. The returned path is
// absolute so background processes started from "/" can still read it.
func loadConfig(common *commonFlags) (*config.Config, string, error) {
	path := getConfigPath(common.configPath)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func printBanner() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)
}

func printInfo(label, value string) {
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("%-10s %s\n", label+":", value)
}
