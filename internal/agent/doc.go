// Package agent implements the dispatch protocol that turns inbound messages
// into handler invocations.
//
// # Overview
//
// An agent is a named handler exposing a table of methods. A message names
// the agent and method it wants; the Dispatcher resolves both and returns an
// Activation that the operator runs on a worker:
//
//	reg := agent.NewDefaultRegistry(cfg.General.PluginDir)
//	d := agent.NewDispatcher(reg, logger)
//
//	act, err := d.Dispatch(msg, env)
//	if err != nil {
//	    // InvalidOperationError: reply with msg.Error(err)
//	}
//	res, err := act.Activate(ctx)
//
// # Replies
//
// Methods return a Reply:
//
//   - Send(msg): publish msg as-is
//   - Note(text): implicit ok response with text as its note
//   - Succeeded: implicit ok response noted "Succeeded."
//   - Skip(): nothing is published
//
// # Failures
//
// Resolution failures never surface as Go errors to the operator. An
// unknown or disabled agent is rerouted to the built-in error agent with
// msg.Error attached, so the caller still gets a reply. A method missing
// from the agent's table returns InvalidOperationError before any handler
// code runs. Errors and panics from handler code come back from Activate as
// *HandlerError with kind "HandlerFailure".
//
// # Built-in Agents
//
//   - ping: ping answers pong; pong is swallowed
//   - error: replies with the errored message it was handed
//   - emissary: startup, shutdown, reconfig and selfupdate
//   - stats: gather load, network and disk statistics
//   - test: test_raise produces an error reply
//   - file: accepts anything, replies with nothing
//
// # Plugins
//
// Names that are not registered are looked up as <plugin_dir>/<name>.yaml:
//
//	command: /opt/emissary/agents/bin/deploy
//	args: ["--quiet"]
//	methods: [deploy, rollback]
//	timeout: 30s
//
// The command receives the method name as its last argument and the request
// as JSON on stdin; trimmed stdout becomes the reply note.
package agent
