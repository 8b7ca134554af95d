// ABOUTME: Self-management agent: startup/shutdown notices, reconfiguration and self-update
// ABOUTME: Reconfig validates the new file before replacing the config and signalling the daemon

package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/2389/emissary/internal/config"
)

// ErrNoConfigPath is returned by reconfig when the process has no config file.
var ErrNoConfigPath = errors.New("no configuration file path")

type emissaryAgent struct {
	env *Env
}

func (a *emissaryAgent) Methods() map[string]Method {
	return map[string]Method{
		"startup":    a.startup,
		"shutdown":   a.shutdown,
		"reconfig":   a.reconfig,
		"selfupdate": a.selfupdate,
	}
}

func (a *emissaryAgent) startup(ctx context.Context, c *Call) (Reply, error) {
	msg := c.Message
	if a.env != nil && a.env.Operator != nil {
		msg.Recipient = a.env.Operator.Startup
	}
	if id := a.identity(); id != nil {
		msg.Args = []any{
			id.Name(),
			id.PublicIP(),
			id.LocalIP(),
			id.InstanceID(),
			id.ServerID(),
			id.ClusterID(),
			id.AccountID(),
			id.QueueName(),
		}
	}
	c.Logger.Info("sending startup notification", "recipient", msg.Recipient, "args", msg.Args)
	return Send(msg), nil
}

func (a *emissaryAgent) shutdown(ctx context.Context, c *Call) (Reply, error) {
	msg := c.Message
	if a.env != nil && a.env.Operator != nil {
		msg.Recipient = a.env.Operator.Shutdown
	}
	if id := a.identity(); id != nil {
		msg.Args = []any{
			id.ServerID(),
			id.ClusterID(),
			id.AccountID(),
			id.InstanceID(),
		}
	}
	c.Logger.Info("sending shutdown notification", "recipient", msg.Recipient, "args", msg.Args)
	return Send(msg), nil
}

func (a *emissaryAgent) identity() Identity {
	if a.env == nil {
		return nil
	}
	return a.env.Identity
}

func (a *emissaryAgent) reconfig(ctx context.Context, c *Call) (Reply, error) {
	text := c.StringArg(0, "")
	if strings.TrimSpace(text) == "" {
		return Skip(), nil
	}

	if a.env == nil || a.env.ConfigPath == "" {
		return Send(c.Message.Error(ErrNoConfigPath)), nil
	}
	path := a.env.ConfigPath

	tmp, err := os.CreateTemp(filepath.Dir(path), ".reconfig-*"+filepath.Ext(path))
	if err != nil {
		return Send(c.Message.Error(fmt.Errorf("config directory not writable: %w", err))), nil
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return Reply{}, fmt.Errorf("writing new config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Reply{}, fmt.Errorf("writing new config: %w", err)
	}

	if _, err := config.Load(tmpPath); err != nil {
		c.Logger.Warn("rejected new configuration", "error", err)
		return Send(c.Message.Error(err)), nil
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return Reply{}, fmt.Errorf("replacing config: %w", err)
	}
	c.Logger.Info("configuration replaced", "path", path)

	if a.env.Parent != nil {
		if err := a.env.Parent.Signal(syscall.SIGHUP); err != nil {
			return Reply{}, fmt.Errorf("signalling daemon: %w", err)
		}
	}
	return Succeeded, nil
}

func (a *emissaryAgent) selfupdate(ctx context.Context, c *Call) (Reply, error) {
	version := c.StringArg(0, "latest")
	source := c.StringArg(1, "default")

	command, _ := a.env.Settings("emissary")["selfupdate_command"].(string)
	if command == "" {
		c.Logger.Warn("selfupdate requested but no command is configured", "version", version)
		return Note(fmt.Sprintf("selfupdate to %q unavailable: agents.emissary.selfupdate_command is not set", version)), nil
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = "/"
	cmd.Env = append(os.Environ(),
		"EMISSARY_VERSION="+version,
		"EMISSARY_SOURCE="+source,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return Send(c.Message.Error(fmt.Errorf("starting selfupdate: %w", err))), nil
	}
	c.Logger.Info("selfupdate detached", "pid", cmd.Process.Pid, "version", version, "source", source)
	go func() { _ = cmd.Wait() }()

	return Skip(), nil
}
