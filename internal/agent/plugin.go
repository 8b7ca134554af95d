// ABOUTME: External agents described by YAML manifests in the plugin directory
// ABOUTME: Each call runs the manifest command with the request as JSON on stdin

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPluginTimeout bounds a plugin command when the manifest sets none.
const DefaultPluginTimeout = 60 * time.Second

// Manifest describes an external agent.
type Manifest struct {
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Methods    []string          `yaml:"methods"`
	Env        map[string]string `yaml:"env"`
	TimeoutRaw string            `yaml:"timeout"`

	Timeout time.Duration `yaml:"-"`
}

// LoadManifest reads and validates a plugin manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Command == "" {
		return nil, fmt.Errorf("manifest %s: command is required", path)
	}
	if len(m.Methods) == 0 {
		return nil, fmt.Errorf("manifest %s: methods is required", path)
	}

	m.Timeout = DefaultPluginTimeout
	if m.TimeoutRaw != "" {
		d, err := time.ParseDuration(m.TimeoutRaw)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: parsing timeout: %w", path, err)
		}
		m.Timeout = d
	}
	for i, name := range m.Methods {
		m.Methods[i] = strings.ToLower(strings.TrimSpace(name))
	}
	return &m, nil
}

// Factory builds agents that run the manifest's command.
func (m *Manifest) Factory(name string) Factory {
	return func(env *Env) Agent {
		return &pluginAgent{name: name, manifest: m}
	}
}

type pluginAgent struct {
	name     string
	manifest *Manifest
}

// pluginRequest is written to the plugin's stdin.
type pluginRequest struct {
	UUID    string `json:"uuid"`
	Agent   string `json:"agent"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
	Sender  string `json:"sender"`
	ReplyTo string `json:"replyto"`
	Account string `json:"account"`
}

func (p *pluginAgent) Methods() map[string]Method {
	out := make(map[string]Method, len(p.manifest.Methods))
	for _, name := range p.manifest.Methods {
		out[name] = p.run
	}
	return out
}

func (p *pluginAgent) run(ctx context.Context, c *Call) (Reply, error) {
	req := pluginRequest{
		UUID:    c.Message.UUID(),
		Agent:   p.name,
		Method:  strings.ToLower(c.Message.Method),
		Args:    jsonSafe(c.Args),
		Sender:  c.Message.Sender,
		ReplyTo: c.Message.ReplyTo,
		Account: c.Message.Account,
	}
	input, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.manifest.Timeout)
	defer cancel()

	args := append(append([]string{}, p.manifest.Args...), req.Method)
	cmd := exec.CommandContext(ctx, p.manifest.Command, args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = os.Environ()
	for k, v := range p.manifest.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Reply{}, fmt.Errorf("running %s: %w: %s", p.manifest.Command, err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	c.Logger.Debug("plugin finished", "command", p.manifest.Command, "output_bytes", len(out))
	return Note(out), nil
}

// jsonSafe converts CBOR-decoded values (map[any]any) into shapes
// encoding/json accepts.
func jsonSafe(args []any) []any {
	out := make([]any, len(args))
	for i, v := range args {
		out[i] = jsonValue(v)
	}
	return out
}

func jsonValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = jsonValue(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = jsonValue(val)
		}
		return m
	case []any:
		return jsonSafe(t)
	case []byte:
		return string(t)
	default:
		return v
	}
}
