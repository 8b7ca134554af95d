// ABOUTME: Built-in agents: ping, error, test and file
// ABOUTME: Builtins returns the factory table used by the default registry

package agent

import (
	"context"
	"fmt"
	"strings"
)

// Builtins returns the factories of every built-in agent.
func Builtins() map[string]Factory {
	return map[string]Factory{
		"ping":     func(*Env) Agent { return pingAgent{} },
		"error":    func(*Env) Agent { return errorAgent{} },
		"test":     func(*Env) Agent { return testAgent{} },
		"file":     func(*Env) Agent { return fileAgent{} },
		"emissary": func(env *Env) Agent { return &emissaryAgent{env: env} },
		"stats":    func(env *Env) Agent { return newStatsAgent(env) },
	}
}

// pingAgent answers liveness checks.
type pingAgent struct{}

func (pingAgent) Methods() map[string]Method {
	return map[string]Method{
		"ping": func(ctx context.Context, c *Call) (Reply, error) {
			reply := c.Message.Response()
			reply.Method = "pong"
			c.Logger.Debug("received ping", "originator", c.Message.Originator)
			return Send(reply), nil
		},
		"pong": func(ctx context.Context, c *Call) (Reply, error) {
			c.Logger.Debug("received pong", "originator", c.Message.Originator)
			return Skip(), nil
		},
	}
}

// errorAgent sends back the already-errored message it was given.
type errorAgent struct{}

func (errorAgent) Methods() map[string]Method {
	return map[string]Method{
		AnyMethod: func(ctx context.Context, c *Call) (Reply, error) {
			return Send(c.Message), nil
		},
	}
}

// RaisedError is the failure produced by test_raise.
type RaisedError struct {
	Name string
	Text string
}

func (e *RaisedError) Error() string { return e.Text }

// Kind implements the message error-kind convention.
func (e *RaisedError) Kind() string { return e.Name }

// testAgent exercises the error reply path.
type testAgent struct{}

func (testAgent) Methods() map[string]Method {
	return map[string]Method{
		"test_raise": func(ctx context.Context, c *Call) (Reply, error) {
			kind := c.StringArg(0, "RuntimeError")
			parts := make([]string, 0, len(c.Args))
			for _, a := range c.Args[min(1, len(c.Args)):] {
				parts = append(parts, fmt.Sprint(a))
			}
			text := strings.Join(parts, " ")
			if text == "" {
				text = kind
			}
			c.Logger.Debug("raising test failure", "kind", kind, "args", parts)
			return Send(c.Message.Error(&RaisedError{Name: kind, Text: text})), nil
		},
	}
}

// fileAgent accepts anything and never replies.
type fileAgent struct{}

func (fileAgent) Methods() map[string]Method {
	return map[string]Method{
		AnyMethod: func(ctx context.Context, c *Call) (Reply, error) {
			return Skip(), nil
		},
	}
}
