// ABOUTME: Configuration loading and parsing for the emissary daemon
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrValidation wraps every configuration validation failure.
var ErrValidation = errors.New("invalid configuration")

// Defaults applied when a setting is absent.
const (
	DefaultPidDir          = "/var/run/emissary"
	DefaultPidFile         = "emissary.pid"
	DefaultPluginDir       = "/opt/emissary/agents"
	DefaultRecheckInterval = 10 * time.Second
	DefaultMaxRestarts     = 10
	DefaultShutdownPoll    = 1 * time.Second
	DefaultKillTimeout     = 30 * time.Second
	DefaultWorkers         = 50
	DefaultWorkerTTL       = 60 * time.Second
	DefaultStatsInterval   = 3600 * time.Second
	DefaultDedupeTTL       = 5 * time.Minute
	DefaultStream          = "EMISSARY"
)

// RequiredAgents can never be disabled.
var RequiredAgents = []string{"emissary", "ping", "error"}

// Config represents the complete emissary configuration
type Config struct {
	General   GeneralConfig                         `yaml:"general" toml:"general"`
	Logging   LoggingConfig                         `yaml:"logging" toml:"logging"`
	Identity  IdentityConfig                        `yaml:"identity" toml:"identity"`
	Agents    map[string]map[string]any             `yaml:"agents" toml:"agents"`
	Operators map[string]map[string]*OperatorConfig `yaml:"operators" toml:"operators"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-" toml:"-"`
}

// GeneralConfig holds daemon-wide settings
type GeneralConfig struct {
	PidDir        string    `yaml:"pid_dir" toml:"pid_dir"`
	PidFile       string    `yaml:"pid_file" toml:"pid_file"`
	Daemonize     bool      `yaml:"daemonize" toml:"daemonize"`
	Operators     []string  `yaml:"operators" toml:"operators"`
	Agents        AgentList `yaml:"agents" toml:"agents"`
	PluginDir     string    `yaml:"plugin_dir" toml:"plugin_dir"`
	MaxRestarts   int       `yaml:"max_restarts" toml:"max_restarts"`
	Ledger        string    `yaml:"ledger" toml:"ledger"`
	ControlSocket string    `yaml:"control_socket" toml:"control_socket"`

	RecheckInterval time.Duration `yaml:"-" toml:"-"`
	ShutdownPoll    time.Duration `yaml:"-" toml:"-"`
	KillTimeout     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RecheckIntervalRaw string `yaml:"recheck_interval" toml:"recheck_interval"`
	ShutdownPollRaw    string `yaml:"shutdown_poll" toml:"shutdown_poll"`
	KillTimeoutRaw     string `yaml:"kill_timeout" toml:"kill_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// IdentityConfig tunes identity discovery
type IdentityConfig struct {
	Exclude       []string      `yaml:"exclude" toml:"exclude"`
	IPCheckDomain string        `yaml:"ip_check_domain" toml:"ip_check_domain"`
	IPCheckURL    string        `yaml:"ip_check_url" toml:"ip_check_url"`
	EC2Endpoint   string        `yaml:"ec2_endpoint" toml:"ec2_endpoint"`
	EC2Timeout    time.Duration `yaml:"-" toml:"-"`
	EC2TimeoutRaw string        `yaml:"ec2_timeout" toml:"ec2_timeout"`
}

// StatsConfig configures the periodic statistics notification
type StatsConfig struct {
	QueueBase   string        `yaml:"queue_base" toml:"queue_base"`
	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval"`
}

// OperatorConfig holds the settings of one operator instance
type OperatorConfig struct {
	URI             string       `yaml:"uri" toml:"uri"`
	Subscriptions   []string     `yaml:"subscriptions" toml:"subscriptions"`
	Startup         string       `yaml:"startup" toml:"startup"`
	Shutdown        string       `yaml:"shutdown" toml:"shutdown"`
	Stats           *StatsConfig `yaml:"stats" toml:"stats"`
	Disable         []string     `yaml:"disable" toml:"disable"`
	Agents          AgentList    `yaml:"agents" toml:"agents"`
	Workers         int          `yaml:"workers" toml:"workers"`
	QueueDurable    *bool        `yaml:"queue_durable" toml:"queue_durable"`
	QueueAutoDelete *bool        `yaml:"queue_auto_delete" toml:"queue_auto_delete"`
	QueueExclusive  *bool        `yaml:"queue_exclusive" toml:"queue_exclusive"`
	Stream          string       `yaml:"stream" toml:"stream"`
	MetricsAddr     string       `yaml:"metrics_addr" toml:"metrics_addr"`
	Debug           bool         `yaml:"debug" toml:"debug"`

	WorkerTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	WorkerTTLRaw string        `yaml:"worker_ttl" toml:"worker_ttl"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`

	// Filled in by Load.
	Type      string      `yaml:"-" toml:"-"`
	Signature string      `yaml:"-" toml:"-"`
	Enabled   []string    `yaml:"-" toml:"-"`
	Disabled  []string    `yaml:"-" toml:"-"`
	AgentOpts AgentConfig `yaml:"-" toml:"-"`
}

// AgentConfig is the free-form per-agent settings block.
type AgentConfig map[string]map[string]any

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded. Files ending in
// .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes configuration bytes. ext selects the format (".toml" or YAML).
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolveOperators(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	g := &cfg.General
	if g.PidDir == "" {
		g.PidDir = DefaultPidDir
	}
	if g.PidFile == "" {
		g.PidFile = DefaultPidFile
	}
	if g.PluginDir == "" {
		g.PluginDir = DefaultPluginDir
	}
	if g.MaxRestarts <= 0 {
		g.MaxRestarts = DefaultMaxRestarts
	}
	if g.RecheckInterval <= 0 {
		g.RecheckInterval = DefaultRecheckInterval
	}
	if g.ShutdownPoll <= 0 {
		g.ShutdownPoll = DefaultShutdownPoll
	}
	if g.KillTimeout <= 0 {
		g.KillTimeout = DefaultKillTimeout
	}
	if len(g.Agents) == 0 {
		g.Agents = AgentList{"all"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Agents == nil {
		cfg.Agents = make(map[string]map[string]any)
	}

	for _, instances := range cfg.Operators {
		for _, op := range instances {
			if op == nil {
				continue
			}
			if op.Workers <= 0 {
				op.Workers = DefaultWorkers
			}
			if op.WorkerTTL <= 0 {
				op.WorkerTTL = DefaultWorkerTTL
			}
			if op.DedupeTTL <= 0 {
				op.DedupeTTL = DefaultDedupeTTL
			}
			if op.Stream == "" {
				op.Stream = DefaultStream
			}
			if op.Stats != nil && op.Stats.Interval <= 0 {
				op.Stats.Interval = DefaultStatsInterval
			}
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.General.Operators) == 0 {
		return fmt.Errorf("%w: general.operators not set", ErrValidation)
	}

	seen := make(map[string]string)
	for _, kind := range c.General.Operators {
		instances, ok := c.Operators[kind]
		if !ok {
			return fmt.Errorf("%w: missing operator section %q", ErrValidation, kind)
		}
		if len(instances) == 0 {
			return fmt.Errorf("%w: operator section %q has no instances", ErrValidation, kind)
		}

		for name, op := range instances {
			if op == nil {
				return fmt.Errorf("%w: operator %s.%s is empty", ErrValidation, kind, name)
			}
			if other, dup := seen[name]; dup {
				return fmt.Errorf("%w: operator name %q used by both %q and %q", ErrValidation, name, other, kind)
			}
			seen[name] = kind

			if len(op.Subscriptions) == 0 {
				return fmt.Errorf("%w: operator %s.%s: subscriptions is required", ErrValidation, kind, name)
			}
			if kind != "memory" && op.URI == "" {
				return fmt.Errorf("%w: operator %s.%s: uri is required", ErrValidation, kind, name)
			}
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be text or json", ErrValidation)
	}

	return nil
}

// resolveOperators stamps each operator instance with its type, signature and
// effective agent lists.
func (c *Config) resolveOperators() error {
	for _, kind := range c.General.Operators {
		for name, op := range c.Operators[kind] {
			op.Type = kind
			op.Signature = name
			op.AgentOpts = AgentConfig(c.Agents)

			list := op.Agents
			if len(list) == 0 {
				list = c.General.Agents
			}
			enabled, disabled, err := ResolveAgents(list)
			if err != nil {
				return fmt.Errorf("%w: operator %s.%s: %v", ErrValidation, kind, name, err)
			}
			op.Enabled = enabled
			op.Disabled = disabled
		}
	}
	return nil
}

// Instances returns every enabled operator instance sorted by signature.
func (c *Config) Instances() []*OperatorConfig {
	var out []*OperatorConfig
	for _, kind := range c.General.Operators {
		for _, op := range c.Operators[kind] {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// Instance finds an operator instance by signature.
func (c *Config) Instance(signature string) (*OperatorConfig, bool) {
	for _, op := range c.Instances() {
		if op.Signature == signature {
			return op, true
		}
	}
	return nil, false
}

// PidFilePath is the daemon's own pid file.
func (c *Config) PidFilePath() string {
	if filepath.IsAbs(c.General.PidFile) {
		return c.General.PidFile
	}
	return filepath.Join(c.General.PidDir, c.General.PidFile)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	parse := func(name, raw string, dst *time.Duration) {
		if err != nil || raw == "" {
			return
		}
		var d time.Duration
		d, err = parseDuration(raw)
		if err != nil {
			err = fmt.Errorf("parsing %s %q: %w", name, raw, err)
			return
		}
		*dst = d
	}

	parse("recheck_interval", cfg.General.RecheckIntervalRaw, &cfg.General.RecheckInterval)
	parse("shutdown_poll", cfg.General.ShutdownPollRaw, &cfg.General.ShutdownPoll)
	parse("kill_timeout", cfg.General.KillTimeoutRaw, &cfg.General.KillTimeout)
	parse("ec2_timeout", cfg.Identity.EC2TimeoutRaw, &cfg.Identity.EC2Timeout)

	for kind, instances := range cfg.Operators {
		for name, op := range instances {
			if op == nil {
				continue
			}
			prefix := kind + "." + name + "."
			parse(prefix+"worker_ttl", op.WorkerTTLRaw, &op.WorkerTTL)
			parse(prefix+"dedupe_ttl", op.DedupeTTLRaw, &op.DedupeTTL)
			if op.Stats != nil {
				parse(prefix+"stats.interval", op.Stats.IntervalRaw, &op.Stats.Interval)
			}
		}
	}

	return err
}

// parseDuration accepts Go duration strings or a bare number of seconds.
func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}
