// ABOUTME: Resolves a message to an agent method and runs it
// ABOUTME: Unknown agents reroute to the error agent; panics become HandlerErrors

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/2389/emissary/internal/message"
)

// ErrorAgentName is the built-in agent that carries dispatch failures.
const ErrorAgentName = "error"

// Dispatcher resolves messages against a Registry.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch resolves msg to an activation. An unknown or disabled agent
// yields an activation of the error agent carrying msg.Error. A method the
// agent does not accept returns an InvalidOperationError without running
// any handler code.
func (d *Dispatcher) Dispatch(msg *message.Message, env *Env) (*Activation, error) {
	name := strings.ToLower(msg.Agent)

	factory, err := d.registry.Resolve(name)
	if err == nil && env != nil && env.Operator != nil && !env.Operator.AgentEnabled(name) {
		err = &UnknownAgentError{Name: name, Disabled: true}
	}
	if err != nil {
		d.logger.Debug("rerouting to error agent", "agent", name, "error", err)
		return d.errorActivation(msg, env, err)
	}

	a := factory(env)
	fn, ok := lookupMethod(a, msg.Method)
	if !ok {
		return nil, &InvalidOperationError{Agent: name, Method: msg.Method}
	}

	return &Activation{
		Agent:  name,
		Method: strings.ToLower(msg.Method),
		msg:    msg,
		fn:     fn,
		env:    env,
	}, nil
}

func (d *Dispatcher) errorActivation(msg *message.Message, env *Env, cause error) (*Activation, error) {
	factory, err := d.registry.Resolve(ErrorAgentName)
	if err != nil {
		return nil, fmt.Errorf("error agent unavailable: %w", cause)
	}
	fn, ok := lookupMethod(factory(env), msg.Method)
	if !ok {
		return nil, fmt.Errorf("error agent rejected method %q: %w", msg.Method, cause)
	}
	return &Activation{
		Agent:  ErrorAgentName,
		Method: AnyMethod,
		msg:    msg.Error(cause),
		fn:     fn,
		env:    env,
	}, nil
}

// Activation is a resolved, ready-to-run method invocation.
type Activation struct {
	Agent  string
	Method string

	msg *message.Message
	fn  Method
	env *Env
}

// Message returns the message the method will see.
func (a *Activation) Message() *message.Message {
	return a.msg
}

// Activate runs the method with the message's args. Handler errors and
// panics are returned as *HandlerError for the caller to settle.
func (a *Activation) Activate(ctx context.Context) (res Result, err error) {
	logger := a.env.logger().With("agent", a.Agent, "method", a.Method)

	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = &HandlerError{
				Agent:  a.Agent,
				Method: a.Method,
				Err:    fmt.Errorf("panic: %v", r),
				Stack:  stackLines(debug.Stack()),
			}
		}
	}()

	call := &Call{
		Message: a.msg,
		Args:    a.msg.Args,
		Env:     a.env,
		Logger:  logger,
	}

	reply, err := a.fn(ctx, call)
	if err != nil {
		return Result{}, &HandlerError{Agent: a.Agent, Method: a.Method, Err: err}
	}

	switch reply.kind {
	case replySkip:
		return Result{}, nil
	case replySend:
		return Result{Message: reply.msg}, nil
	default:
		note := reply.note
		if note == "" {
			note = SucceededNote
		}
		r := a.msg.Response()
		r.Status = message.Status{Kind: message.StatusOK, Note: note}
		return Result{Message: r}, nil
	}
}

func stackLines(stack []byte) []string {
	var out []string
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
