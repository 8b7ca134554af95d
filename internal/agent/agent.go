// ABOUTME: Agent dispatch protocol: methods, replies, calls and the runtime environment
// ABOUTME: Also defines the dispatch error kinds carried on error replies

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/2389/emissary/internal/config"
	"github.com/2389/emissary/internal/message"
)

// AnyMethod is the wildcard key an agent uses to accept every method.
const AnyMethod = "any"

// SucceededNote is the note on implicit responses that carry none.
const SucceededNote = "Succeeded."

var (
	// ErrUnknownAgent is matched by dispatches to agents that do not resolve.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentDisabled is matched by dispatches to agents turned off by configuration.
	ErrAgentDisabled = errors.New("agent disabled")

	// ErrInvalidOperation is matched when an agent does not accept the requested method.
	ErrInvalidOperation = errors.New("invalid operation")
)

// UnknownAgentError reports an agent name that could not be dispatched to.
type UnknownAgentError struct {
	Name     string
	Disabled bool
}

func (e *UnknownAgentError) Error() string {
	if e.Disabled {
		return fmt.Sprintf("agent %q is disabled", e.Name)
	}
	return fmt.Sprintf("no agent named %q", e.Name)
}

// Is matches ErrUnknownAgent, and ErrAgentDisabled when disabled.
func (e *UnknownAgentError) Is(target error) bool {
	return target == ErrUnknownAgent || (e.Disabled && target == ErrAgentDisabled)
}

// Kind implements the message error-kind convention.
func (e *UnknownAgentError) Kind() string { return "UnknownAgent" }

// InvalidOperationError reports a method the resolved agent does not accept.
type InvalidOperationError struct {
	Agent  string
	Method string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid method %q for agent %q", e.Method, e.Agent)
}

// Is matches ErrInvalidOperation.
func (e *InvalidOperationError) Is(target error) bool { return target == ErrInvalidOperation }

// Kind implements the message error-kind convention.
func (e *InvalidOperationError) Kind() string { return "InvalidOperation" }

// HandlerError wraps any failure raised while an agent method ran,
// including recovered panics.
type HandlerError struct {
	Agent  string
	Method string
	Err    error
	Stack  []string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Agent, e.Method, e.Err)
}

// Unwrap returns the handler's own error.
func (e *HandlerError) Unwrap() error { return e.Err }

// Kind implements the message error-kind convention.
func (e *HandlerError) Kind() string { return "HandlerFailure" }

// Backtrace returns the captured stack, if any.
func (e *HandlerError) Backtrace() []string { return e.Stack }

type replyKind int

const (
	replyImplicit replyKind = iota
	replySend
	replySkip
)

// Reply is what an agent method hands back to the dispatcher. The zero
// value is an implicit "Succeeded." response.
type Reply struct {
	kind replyKind
	msg  *message.Message
	note string
}

// Send replies with msg verbatim; the method controls addressing and status.
func Send(msg *message.Message) Reply {
	return Reply{kind: replySend, msg: msg}
}

// Note replies with an implicit ok response carrying text.
func Note(text string) Reply {
	return Reply{kind: replyImplicit, note: text}
}

// Succeeded is the implicit ok response with the default note.
var Succeeded = Reply{kind: replyImplicit}

// Skip produces no response at all.
func Skip() Reply {
	return Reply{kind: replySkip}
}

// Result is the outcome of an activation.
type Result struct {
	Message *message.Message
}

// NoResponse reports whether the activation produced nothing to send.
func (r Result) NoResponse() bool {
	return r.Message == nil
}

// Identity is the view of the node identity agents can read.
type Identity interface {
	message.Local
	PublicIP() string
	LocalIP() string
	InstanceID() string
	ServerID() string
	ClusterID() string
}

// Signaller delivers signals to another process. *os.Process satisfies it.
type Signaller interface {
	Signal(sig os.Signal) error
}

// Env is the process-wide context handed to every agent.
type Env struct {
	Operator   *config.OperatorConfig
	Identity   Identity
	ConfigPath string
	Parent     Signaller
	Logger     *slog.Logger
}

// Settings returns the per-agent settings block for name.
func (e *Env) Settings(name string) map[string]any {
	if e == nil || e.Operator == nil {
		return map[string]any{}
	}
	return e.Operator.AgentOpts.Settings(name)
}

func (e *Env) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Call is one method invocation.
type Call struct {
	Message *message.Message
	Args    []any
	Env     *Env
	Logger  *slog.Logger
}

// Arg returns the i-th positional argument or nil.
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// StringArg returns the i-th argument as a string, or def when absent.
func (c *Call) StringArg(i int, def string) string {
	switch v := c.Arg(i).(type) {
	case nil:
		return def
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Method handles one operation of an agent.
type Method func(ctx context.Context, call *Call) (Reply, error)

// Agent is a named handler exposing its valid methods. The AnyMethod key
// accepts every method name.
type Agent interface {
	Methods() map[string]Method
}

// Factory builds an agent for one dispatch.
type Factory func(env *Env) Agent

// lookupMethod resolves name against the agent's declared methods.
func lookupMethod(a Agent, name string) (Method, bool) {
	methods := a.Methods()
	if fn, ok := methods[strings.ToLower(name)]; ok {
		return fn, true
	}
	fn, ok := methods[AnyMethod]
	return fn, ok
}
