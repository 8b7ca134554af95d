// ABOUTME: Operator binds a transport to the agent dispatcher through two worker pools
// ABOUTME: Handles ack/reject bookkeeping, loop suppression, counters and orderly shutdown

package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/emissary/internal/agent"
	"github.com/2389/emissary/internal/config"
	"github.com/2389/emissary/internal/dedupe"
	"github.com/2389/emissary/internal/message"
	"github.com/2389/emissary/internal/metrics"
	"github.com/2389/emissary/internal/store"
	"github.com/2389/emissary/internal/transport"
)

// ErrBroken is returned by Send once a publish has failed.
var ErrBroken = errors.New("operator transport broken")

// State is the operator lifecycle position.
type State int32

// Lifecycle states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Notification features gated by Enabled.
const (
	FeatureStartup  = "startup"
	FeatureShutdown = "shutdown"
	FeatureStats    = "stats"
)

// Params configure an Operator.
type Params struct {
	Settings   *config.OperatorConfig
	Transport  transport.Transport
	Dispatcher *agent.Dispatcher
	Identity   agent.Identity

	// ConfigPath and Parent are handed to agents that rewrite the
	// configuration or signal the supervising daemon.
	ConfigPath string
	Parent     agent.Signaller

	Metrics *metrics.Metrics
	Ledger  store.Ledger
	Logger  *slog.Logger
}

// Operator runs one configured bus binding.
type Operator struct {
	settings   *config.OperatorConfig
	transport  transport.Transport
	dispatcher *agent.Dispatcher
	identity   agent.Identity
	env        *agent.Env
	metrics    *metrics.Metrics
	ledger     store.Ledger
	completed  *dedupe.Completed
	logger     *slog.Logger

	inbound  *Pool
	outbound *Pool
	counters Counters

	// ctx outlives the caller's context so in-flight work can finish
	// during shutdown.
	ctx context.Context

	state        atomic.Int32
	shuttingDown atomic.Bool
	broken       atomic.Bool
	fatal        chan error

	mu       sync.Mutex
	notAcked map[string]*transport.Delivery

	statsStop chan struct{}
	statsDone chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an operator. Settings, Transport, Dispatcher and Identity are required.
func New(p Params) (*Operator, error) {
	if p.Settings == nil {
		return nil, errors.New("operator settings required")
	}
	if p.Transport == nil {
		return nil, errors.New("operator transport required")
	}
	if p.Dispatcher == nil {
		return nil, errors.New("operator dispatcher required")
	}
	if p.Identity == nil {
		return nil, errors.New("operator identity required")
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "operator", "signature", p.Settings.Signature)

	workers := p.Settings.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}
	ttl := p.Settings.WorkerTTL
	if ttl <= 0 {
		ttl = config.DefaultWorkerTTL
	}
	dedupeTTL := p.Settings.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = config.DefaultDedupeTTL
	}

	o := &Operator{
		settings:   p.Settings,
		transport:  p.Transport,
		dispatcher: p.Dispatcher,
		identity:   p.Identity,
		metrics:    p.Metrics,
		ledger:     p.Ledger,
		completed:  dedupe.New(dedupeTTL, 0),
		logger:     logger,
		ctx:        context.Background(),
		fatal:      make(chan error, 1),
		notAcked:   make(map[string]*transport.Delivery),
		inbound:    NewPool("inbound", workers, ttl, logger, p.Metrics),
		outbound:   NewPool("outbound", workers, ttl, logger, p.Metrics),
		env: &agent.Env{
			Operator:   p.Settings,
			Identity:   p.Identity,
			ConfigPath: p.ConfigPath,
			Parent:     p.Parent,
			Logger:     logger,
		},
	}
	o.setState(StateDisconnected)
	return o, nil
}

// TransportSettings derives binding settings from an operator instance.
func TransportSettings(op *config.OperatorConfig, id agent.Identity) transport.Settings {
	boolOr := func(v *bool, def bool) bool {
		if v == nil {
			return def
		}
		return *v
	}
	return transport.Settings{
		URI:        op.URI,
		Name:       "emissary-" + op.Signature,
		QueueName:  id.QueueName(),
		Stream:     op.Stream,
		Durable:    boolOr(op.QueueDurable, false),
		AutoDelete: boolOr(op.QueueAutoDelete, true),
		Exclusive:  boolOr(op.QueueExclusive, true),
	}
}

// State returns the current lifecycle state.
func (o *Operator) State() State {
	return State(o.state.Load())
}

func (o *Operator) setState(s State) {
	o.state.Store(int32(s))
	o.metrics.SetState(int(s))
}

// ShuttingDown reports whether Shutdown has begun.
func (o *Operator) ShuttingDown() bool {
	return o.shuttingDown.Load()
}

// Counters exposes the rx/tx counters.
func (o *Operator) Counters() *Counters {
	return &o.counters
}

// PoolStats returns inbound and outbound pool occupancy.
func (o *Operator) PoolStats() (inbound, outbound PoolStats) {
	return o.inbound.Stats(), o.outbound.Stats()
}

// Routes returns the routes the operator binds: each configured
// subscription followed by the identity queue on the direct exchange.
func (o *Operator) Routes() []message.Route {
	routes := make([]message.Route, 0, len(o.settings.Subscriptions)+1)
	for _, sub := range o.settings.Subscriptions {
		routes = append(routes, message.ParseRoute(strings.TrimSpace(sub)))
	}
	routes = append(routes, message.ParseRoute(o.identity.QueueName()+":"+message.KindDirect))
	return routes
}

// Start connects, subscribes, starts the stats notifier and sends the
// startup notification. A connection failure is returned as is.
func (o *Operator) Start(ctx context.Context) error {
	o.ctx = context.WithoutCancel(ctx)

	o.setState(StateConnecting)
	o.logger.Info("connecting", "type", o.settings.Type, "uri", o.settings.URI)
	if err := o.transport.Connect(ctx); err != nil {
		o.setState(StateDisconnected)
		return err
	}
	o.setState(StateConnected)

	routes := o.Routes()
	for _, r := range routes {
		o.logger.Debug("subscribing", "route", r.Canonical())
	}
	if err := o.transport.Subscribe(ctx, routes, o.handleDelivery); err != nil {
		_ = o.transport.Close()
		o.setState(StateDisconnected)
		return fmt.Errorf("subscribing: %w", err)
	}

	o.startStats()
	o.setState(StateRunning)
	o.logger.Info("operator running", "routes", len(routes), "workers", o.settings.Workers)

	o.sendStartupNotification()
	return nil
}

// Run starts the operator and blocks until ctx ends or the transport breaks,
// then shuts down.
func (o *Operator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		o.logger.Info("context canceled, initiating shutdown")
	case runErr = <-o.fatal:
		o.logger.Error("transport failure, initiating shutdown", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	shutdownErr := o.Shutdown(shutdownCtx)

	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// Done is signalled with the publish error that broke the transport.
func (o *Operator) Done() <-chan error {
	return o.fatal
}

// Enabled reports whether a notification feature is configured and not
// listed in the disable option. Unknown features are never enabled.
func (o *Operator) Enabled(feature string) bool {
	var configured bool
	switch feature {
	case FeatureStartup:
		configured = o.settings.Startup != ""
	case FeatureShutdown:
		configured = o.settings.Shutdown != ""
	case FeatureStats:
		configured = o.settings.Stats != nil
	default:
		o.logger.Debug("feature disabled: not a valid option", "feature", feature)
		return false
	}
	if !configured {
		o.logger.Debug("feature disabled: missing from configuration", "feature", feature)
		return false
	}
	for _, d := range o.settings.Disable {
		if strings.EqualFold(strings.TrimSpace(d), feature) {
			o.logger.Debug("feature disabled: listed in disable", "feature", feature)
			return false
		}
	}
	return true
}

// handleDelivery is the transport callback for inbound bodies.
func (o *Operator) handleDelivery(ctx context.Context, d *transport.Delivery) {
	msg, err := message.Decode(d.Body, o.identity)
	if err != nil {
		o.logger.Warn("discarding malformed delivery", "subject", d.Subject, "error", err)
		o.metrics.RecordReceived(metrics.OutcomeMalformed)
		if rerr := o.transport.Reject(d, true); rerr != nil {
			o.logger.Error("rejecting malformed delivery", "error", rerr)
		}
		return
	}
	msg.StampReceived()

	if o.completed.Done(msg.UUID()) {
		o.logger.Debug("duplicate delivery, acknowledging", "uuid", msg.UUID())
		o.metrics.RecordReceived(metrics.OutcomeDuplicate)
		if err := o.transport.Ack(d); err != nil {
			o.logger.Error("acknowledging duplicate", "uuid", msg.UUID(), "error", err)
		}
		return
	}

	if !o.track(msg.UUID(), d) {
		o.logger.Debug("delivery already in flight, acknowledging", "uuid", msg.UUID())
		o.metrics.RecordReceived(metrics.OutcomeDuplicate)
		if err := o.transport.Ack(d); err != nil {
			o.logger.Error("acknowledging duplicate", "uuid", msg.UUID(), "error", err)
		}
		return
	}
	if err := o.submitInbound(ctx, msg); err != nil {
		o.logger.Warn("inbound pool refused delivery", "uuid", msg.UUID(), "error", err)
		_ = o.Reject(msg.UUID(), true)
	}
}

// Receive dispatches a locally built message through the inbound pool.
// It returns ErrPoolClosed once shutdown has joined the pool.
func (o *Operator) Receive(msg *message.Message) error {
	return o.submitInbound(o.ctx, msg)
}

func (o *Operator) submitInbound(ctx context.Context, msg *message.Message) error {
	return o.inbound.Submit(ctx, func() { o.process(msg) })
}

// process dispatches one message and settles it.
func (o *Operator) process(msg *message.Message) {
	start := time.Now()
	uuid := msg.UUID()
	logger := o.logger.With("uuid", uuid, "agent", msg.Agent, "method", msg.Method)
	logger.Debug("dispatching message")

	name := strings.ToLower(msg.Agent)
	act, err := o.dispatcher.Dispatch(msg, o.env)
	var res agent.Result
	if err == nil {
		name = act.Agent
		res, err = act.Activate(o.ctx)
	}
	elapsed := time.Since(start)
	o.metrics.RecordDispatch(name, elapsed)

	if err != nil {
		rec := message.Record(err)
		logger.Error("dispatch failed", "kind", rec.Kind, "error", err)
		if rerr := o.Reject(uuid, true); rerr != nil {
			logger.Error("rejecting message", "error", rerr)
		}
		o.metrics.RecordReceived(metrics.OutcomeRejected)
		if serr := o.Send(msg.Error(err)); serr != nil {
			logger.Warn("error reply not sent", "error", serr)
		}
		o.recordMessage(msg, name, string(message.StatusErrored), err.Error(), elapsed)
		return
	}

	// Complete before replying: a reply that loops back through our own
	// subscriptions must already count as a duplicate.
	o.completed.Complete(uuid)

	status, note := string(message.StatusOK), ""
	if !res.NoResponse() {
		status, note = string(res.Message.Status.Kind), res.Message.Status.Note
		if serr := o.Send(res.Message); serr != nil {
			logger.Warn("reply not sent", "error", serr)
		}
	}

	if aerr := o.Acknowledge(uuid); aerr != nil {
		logger.Error("acknowledging message", "error", aerr)
	}
	o.counters.IncRx()
	o.metrics.RecordReceived(metrics.OutcomeAcked)
	o.recordMessage(msg, name, status, note, elapsed)

	in, _ := o.PoolStats()
	logger.Debug("message handled", "busy", in.Busy, "workers", in.Workers)
}

func (o *Operator) recordMessage(msg *message.Message, agentName, status, note string, elapsed time.Duration) {
	if o.ledger == nil {
		return
	}
	err := o.ledger.RecordMessage(o.ctx, &store.MessageRecord{
		UUID:      msg.UUID(),
		Signature: o.settings.Signature,
		Agent:     agentName,
		Method:    strings.ToLower(msg.Method),
		Status:    status,
		Note:      note,
		TripTime:  elapsed,
	})
	if err != nil {
		o.logger.Warn("recording message in ledger", "uuid", msg.UUID(), "error", err)
	}
}

// Send publishes msg through the outbound pool.
func (o *Operator) Send(msg *message.Message) error {
	if o.broken.Load() {
		o.logger.Debug("dropping outbound message, transport broken", "uuid", msg.UUID())
		return ErrBroken
	}
	return o.outbound.Submit(o.ctx, func() { o.publish(msg) })
}

func (o *Operator) publish(msg *message.Message) {
	if o.broken.Load() {
		return
	}
	if msg.WillLoop() {
		o.logger.Info("not sending message destined for myself, would loop",
			"uuid", msg.UUID(),
			"recipient", msg.Recipient,
		)
		o.metrics.RecordLoop()
		return
	}

	route := msg.RecipientRoute()
	msg.StampSent()
	body, err := msg.Encode()
	if err != nil {
		o.logger.Error("encoding outbound message", "uuid", msg.UUID(), "error", err)
		return
	}

	o.logger.Debug("publishing", "uuid", msg.UUID(), "route", route.Canonical())
	if err := o.transport.Publish(o.ctx, route, body); err != nil {
		o.metrics.RecordPublishFailure()
		o.fail(fmt.Errorf("publishing %s to %s: %w", msg.UUID(), route.Canonical(), err))
		return
	}
	o.counters.IncTx()
	o.metrics.RecordPublished()
}

// fail marks the transport broken and wakes Run. Shutdown itself runs on
// Run's goroutine, never inside a pool task.
func (o *Operator) fail(err error) {
	if !o.broken.CompareAndSwap(false, true) {
		return
	}
	o.logger.Error("publish failed, operator will shut down", "error", err)
	select {
	case o.fatal <- err:
	default:
	}
}

// track records d as the unsettled delivery for uuid. It reports false,
// leaving the map untouched, when another delivery of uuid is in flight.
func (o *Operator) track(uuid string, d *transport.Delivery) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.notAcked[uuid]; busy {
		return false
	}
	o.notAcked[uuid] = d
	return true
}

func (o *Operator) untrack(uuid string) *transport.Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := o.notAcked[uuid]
	delete(o.notAcked, uuid)
	return d
}

// Acknowledge settles the delivery for uuid. Unknown uuids are ignored.
func (o *Operator) Acknowledge(uuid string) error {
	d := o.untrack(uuid)
	if d == nil {
		return nil
	}
	if err := o.transport.Ack(d); err != nil {
		return fmt.Errorf("acknowledging %s: %w", uuid, err)
	}
	o.logger.Debug("acknowledged message", "uuid", uuid)
	return nil
}

// Reject returns the delivery for uuid to the bus. Unknown uuids are ignored.
func (o *Operator) Reject(uuid string, requeue bool) error {
	d := o.untrack(uuid)
	if d == nil {
		return nil
	}
	if err := o.transport.Reject(d, requeue); err != nil {
		return fmt.Errorf("rejecting %s: %w", uuid, err)
	}
	o.logger.Debug("rejected message", "uuid", uuid, "requeue", requeue)
	return nil
}

// Unacknowledged returns how many deliveries are still unsettled.
func (o *Operator) Unacknowledged() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.notAcked)
}

// Shutdown stops the operator: shutdown notification, stats timer, inbound
// pool, outbound pool, unsubscribe, requeue unsettled deliveries, close.
// Only the first call does anything; later calls return its result.
func (o *Operator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.shutdownErr = o.shutdown(ctx)
	})
	return o.shutdownErr
}

func (o *Operator) shutdown(ctx context.Context) error {
	o.shuttingDown.Store(true)
	o.setState(StateShuttingDown)
	o.logger.Info("shutting down")

	o.sendShutdownNotification()

	o.logger.Info("cancelling statistics timer")
	o.stopStats()

	o.logger.Info("joining inbound pool")
	o.inbound.Join()

	o.logger.Info("joining outbound pool")
	o.outbound.Join()

	var errs []error
	errs = appendCloseError(errs, "unsubscribe", o.transport.Unsubscribe(ctx))

	o.mu.Lock()
	pending := o.notAcked
	o.notAcked = make(map[string]*transport.Delivery)
	o.mu.Unlock()
	if len(pending) > 0 {
		o.logger.Info("requeueing unacknowledged messages", "count", len(pending))
	}
	for uuid, d := range pending {
		errs = appendCloseError(errs, "requeue "+uuid, o.transport.Reject(d, true))
	}

	errs = appendCloseError(errs, "transport close", o.transport.Close())
	o.completed.Close()
	o.setState(StateDisconnected)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	o.logger.Info("operator stopped")
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
