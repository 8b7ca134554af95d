// ABOUTME: Interactive creation of an emissary configuration file
// ABOUTME: Prompts for the daemon, logging and first operator settings and writes YAML

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/emissary/internal/config"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	PidDir        string
	Daemonize     bool
	Ledger        string
	ControlSocket string
	LogLevel      string
	LogFormat     string
	OperatorType  string
	Signature     string
	URI           string
	Subscriptions []string
	Startup       string
	Shutdown      string
}

func runInit(args []string) error {
	var common commonFlags

	fs := newFlagSet("init", &common)
	if err := parseFlags(fs, args); err != nil {
		if errors.Is(err, errHelp) {
			return nil
		}
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("emissary configuration setup")
	fmt.Println("============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath(common.configPath))

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Daemon Configuration ---")
	a.PidDir = prompt(reader, "Pid directory", config.DefaultPidDir)
	a.Daemonize = yes(prompt(reader, "Run in the background?", "yes"))
	a.Ledger = optional(prompt(reader, `Ledger database path ("none" to disable)`, "/var/lib/emissary/ledger.db"))
	a.ControlSocket = optional(prompt(reader, `Control socket ("none" to disable)`, filepath.Join(a.PidDir, "control.sock")))

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	fmt.Println("\n--- Operator Configuration ---")
	a.OperatorType = prompt(reader, "Operator type (nats/memory)", "nats")
	a.Signature = prompt(reader, "Operator name", "main")
	if a.OperatorType != "memory" {
		a.URI = prompt(reader, "Bus URI", "nats://localhost:4222")
	}
	subs := prompt(reader, "Subscriptions (comma separated key:kind)", "all:fanout")
	for _, s := range strings.Split(subs, ",") {
		if s = strings.TrimSpace(s); s != "" {
			a.Subscriptions = append(a.Subscriptions, s)
		}
	}
	a.Startup = optional(prompt(reader, `Startup notification recipient ("none" to disable)`, "startup:topic"))
	a.Shutdown = optional(prompt(reader, `Shutdown notification recipient ("none" to disable)`, "shutdown:topic"))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if _, err := config.Load(outputFile); err != nil {
		fmt.Printf("\nWarning: the written config does not load cleanly: %v\n", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the daemon:")
	fmt.Printf("  emissary start --config %s\n", outputFile)
	return nil
}

// renderConfig produces the YAML for a.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# emissary configuration\n")
	cfg.WriteString("# Generated by emissary init\n\n")

	cfg.WriteString("general:\n")
	cfg.WriteString(fmt.Sprintf("  pid_dir: %q\n", a.PidDir))
	cfg.WriteString(fmt.Sprintf("  daemonize: %t\n", a.Daemonize))
	cfg.WriteString(fmt.Sprintf("  operators: [%q]\n", a.OperatorType))
	cfg.WriteString("  agents: \"all\"\n")
	if a.Ledger != "" {
		cfg.WriteString(fmt.Sprintf("  ledger: %q\n", a.Ledger))
	}
	if a.ControlSocket != "" {
		cfg.WriteString(fmt.Sprintf("  control_socket: %q\n", a.ControlSocket))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	cfg.WriteString("\n")

	cfg.WriteString("operators:\n")
	cfg.WriteString(fmt.Sprintf("  %s:\n", a.OperatorType))
	cfg.WriteString(fmt.Sprintf("    %s:\n", a.Signature))
	if a.URI != "" {
		cfg.WriteString(fmt.Sprintf("      uri: %q\n", a.URI))
	}
	cfg.WriteString("      subscriptions:\n")
	for _, s := range a.Subscriptions {
		cfg.WriteString(fmt.Sprintf("        - %q\n", s))
	}
	if a.Startup != "" {
		cfg.WriteString(fmt.Sprintf("      startup: %q\n", a.Startup))
	}
	if a.Shutdown != "" {
		cfg.WriteString(fmt.Sprintf("      shutdown: %q\n", a.Shutdown))
	}
	return cfg.String()
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && input != "") {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y"
}

// optional maps the answer "none" to an empty setting.
func optional(answer string) string {
	if strings.EqualFold(strings.TrimSpace(answer), "none") {
		return ""
	}
	return answer
}
