// ABOUTME: Tests for the operator supervisor using a fake spawner
// ABOUTME: Covers the restart cap, pid file ownership, stop escalation, reconfigure and signals

package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/emissary/internal/config"
	"github.com/2389/emissary/internal/store"
)

type fakeChild struct {
	pid        int
	ignoreTerm bool

	mu      sync.Mutex
	alive   bool
	signals []os.Signal
	killed  bool
}

func (c *fakeChild) Pid() int { return c.pid }

func (c *fakeChild) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeChild) Signal(sig os.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
	if sig == syscall.SIGTERM && !c.ignoreTerm {
		c.alive = false
	}
	return nil
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = true
	c.alive = false
	return nil
}

func (c *fakeChild) Signals() []os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]os.Signal(nil), c.signals...)
}

func (c *fakeChild) Killed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// fakeSpawner hands out fake children. With exitImmediately every child is
// already dead, as when the operator cannot reach its bus.
type fakeSpawner struct {
	exitImmediately bool
	ignoreTerm      bool
	err             error

	mu       sync.Mutex
	nextPid  int
	attempts map[string]int
	children []*fakeChild
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPid: 4000000, attempts: make(map[string]int)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, op *config.OperatorConfig) (Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[op.Signature]++
	if s.err != nil {
		return nil, s.err
	}
	s.nextPid++
	c := &fakeChild{pid: s.nextPid, alive: !s.exitImmediately, ignoreTerm: s.ignoreTerm}
	s.children = append(s.children, c)
	return c, nil
}

func (s *fakeSpawner) Attempts(sig string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[sig]
}

func (s *fakeSpawner) Children() []*fakeChild {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeChild(nil), s.children...)
}

func testConfig(t *testing.T, signatures ...string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		General: config.GeneralConfig{
			PidDir:          t.TempDir(),
			PidFile:         "emissary.pid",
			Operators:       []string{"memory"},
			MaxRestarts:     10,
			RecheckInterval: time.Millisecond,
			ShutdownPoll:    time.Millisecond,
			KillTimeout:     50 * time.Millisecond,
		},
		Operators: map[string]map[string]*config.OperatorConfig{"memory": {}},
	}
	for _, sig := range signatures {
		cfg.Operators["memory"][sig] = &config.OperatorConfig{
			Type:          "memory",
			Signature:     sig,
			Subscriptions: []string{"ops:topic"},
		}
	}
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, sp *fakeSpawner, mutate func(*Options)) *Daemon {
	t.Helper()
	opts := Options{Config: cfg, Spawner: sp}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)
	return d
}

func TestRecheck_StopsAfterElevenFailedStarts(t *testing.T) {
	ledger, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	sp := newFakeSpawner()
	sp.exitImmediately = true
	d := newTestDaemon(t, testConfig(t, "edge"), sp, func(o *Options) { o.Ledger = ledger })
	ctx := context.Background()

	for i := 1; i <= 11; i++ {
		require.True(t, d.Recheck(ctx), "operator removed early at attempt %d", i)
		assert.Equal(t, i, sp.Attempts("edge"))
	}

	assert.False(t, d.Recheck(ctx), "operator not removed after exceeding the restart cap")
	assert.Equal(t, 11, sp.Attempts("edge"))
	assert.Empty(t, d.Status())

	events, err := ledger.ListEvents(ctx, store.EventFilter{Signature: "edge", Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventRemoved, events[0].Event)
	assert.Equal(t, 11, events[0].StartCount)
}

func TestRecheck_SpawnFailuresCountTowardCap(t *testing.T) {
	sp := newFakeSpawner()
	sp.err = errors.New("exec format error")
	d := newTestDaemon(t, testConfig(t, "edge"), sp, nil)

	ctx := context.Background()
	for d.Recheck(ctx) {
		require.LessOrEqual(t, sp.Attempts("edge"), 11)
	}
	assert.Equal(t, 11, sp.Attempts("edge"))
}

func TestRecheck_AliveOperatorNotRespawned(t *testing.T) {
	sp := newFakeSpawner()
	d := newTestDaemon(t, testConfig(t, "edge", "core"), sp, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, d.Recheck(ctx))
	}

	assert.Equal(t, 1, sp.Attempts("edge"))
	assert.Equal(t, 1, sp.Attempts("core"))

	status := d.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "core", status[0].Signature)
	assert.True(t, status[0].Alive)
	assert.Equal(t, 1, status[0].StartCount)
}

func TestRecheck_RespawnsDeadOperator(t *testing.T) {
	sp := newFakeSpawner()
	d := newTestDaemon(t, testConfig(t, "edge"), sp, nil)
	ctx := context.Background()

	require.True(t, d.Recheck(ctx))
	first := sp.Children()[0]
	require.NoError(t, first.Kill())

	require.True(t, d.Recheck(ctx))
	assert.Equal(t, 2, sp.Attempts("edge"))
	assert.Equal(t, 2, d.Status()[0].StartCount)
}

func TestRecheck_SkipsOperatorOwnedByAnotherProcess(t *testing.T) {
	cfg := testConfig(t, "edge")
	require.NoError(t, WritePidFile(OperatorPidPath(cfg.General.PidDir, "edge"), os.Getpid()))

	sp := newFakeSpawner()
	d := newTestDaemon(t, cfg, sp, nil)

	assert.False(t, d.Recheck(context.Background()))
	assert.Equal(t, 0, sp.Attempts("edge"))
}

func TestShutdown_StopsOperatorsWithoutPenalty(t *testing.T) {
	sp := newFakeSpawner()
	d := newTestDaemon(t, testConfig(t, "edge"), sp, nil)
	ctx := context.Background()

	require.True(t, d.Recheck(ctx))
	d.Shutdown()

	child := sp.Children()[0]
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, child.Signals())
	assert.False(t, child.Killed())
	assert.Equal(t, 0, d.Status()[0].StartCount)

	d.Recheck(ctx)
	assert.Equal(t, 1, sp.Attempts("edge"), "operator started after shutdown")
}

func TestShutdown_EscalatesToKill(t *testing.T) {
	ledger, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	sp := newFakeSpawner()
	sp.ignoreTerm = true
	cfg := testConfig(t, "edge")
	cfg.General.KillTimeout = 20 * time.Millisecond
	d := newTestDaemon(t, cfg, sp, func(o *Options) { o.Ledger = ledger })

	require.True(t, d.Recheck(context.Background()))
	d.Shutdown()

	child := sp.Children()[0]
	assert.True(t, child.Killed())
	assert.False(t, child.Alive())

	events, err := ledger.ListEvents(context.Background(), store.EventFilter{Signature: "edge"})
	require.NoError(t, err)
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Event)
	}
	assert.Contains(t, kinds, store.EventKilled)
	assert.NotContains(t, kinds, store.EventStopped)
}

func TestShutdown_DeadOperatorKeepsStartCount(t *testing.T) {
	sp := newFakeSpawner()
	sp.exitImmediately = true
	d := newTestDaemon(t, testConfig(t, "edge"), sp, nil)

	d.Recheck(context.Background())
	require.Equal(t, 1, d.Status()[0].StartCount)

	d.Shutdown()

	assert.Empty(t, sp.Children()[0].Signals())
	assert.Equal(t, 1, d.Status()[0].StartCount)
}

func TestShutdown_StatusAvailableWhileWaiting(t *testing.T) {
	sp := newFakeSpawner()
	sp.ignoreTerm = true
	cfg := testConfig(t, "edge")
	cfg.General.KillTimeout = 20 * time.Millisecond
	d := newTestDaemon(t, cfg, sp, nil)
	require.True(t, d.Recheck(context.Background()))

	var during []OperatorStatus
	d.sleep = func(poll time.Duration) {
		if during == nil {
			during = d.Status()
		}
		time.Sleep(poll)
	}
	d.Shutdown()

	require.Len(t, during, 1)
	if !during[0].Alive {
		t.Errorf("expected operator alive while waiting for SIGTERM")
	}
	assert.True(t, sp.Children()[0].Killed())
	assert.Equal(t, 0, d.Status()[0].StartCount)
}

func TestReconfigure_FailureKeepsRunningConfig(t *testing.T) {
	cfg := testConfig(t, "edge")
	sp := newFakeSpawner()
	d := newTestDaemon(t, cfg, sp, func(o *Options) {
		o.Loader = func() (*config.Config, error) { return nil, errors.New("yaml: line 3: bad indentation") }
	})
	ctx := context.Background()
	require.True(t, d.Recheck(ctx))

	err := d.Reconfigure(ctx)
	require.Error(t, err)

	assert.Same(t, cfg, d.Config())
	child := sp.Children()[0]
	assert.Empty(t, child.Signals(), "operator disturbed by failed reconfigure")
	assert.True(t, child.Alive())
}

func TestReconfigure_SuccessSwapsAndRestarts(t *testing.T) {
	cfg := testConfig(t, "edge")
	next := testConfig(t, "edge", "core")
	next.General.PidDir = cfg.General.PidDir

	sp := newFakeSpawner()
	d := newTestDaemon(t, cfg, sp, func(o *Options) {
		o.Loader = func() (*config.Config, error) { return next, nil }
	})
	ctx := context.Background()
	require.True(t, d.Recheck(ctx))

	require.NoError(t, d.Reconfigure(ctx))

	assert.Same(t, next, d.Config())
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, sp.Children()[0].Signals())
	assert.Equal(t, 2, sp.Attempts("edge"))
	assert.Equal(t, 1, sp.Attempts("core"))

	status := d.Status()
	require.Len(t, status, 2)
	for _, st := range status {
		assert.True(t, st.Alive, "%s not running", st.Signature)
		assert.Equal(t, 1, st.StartCount, "%s start count", st.Signature)
	}
}

func TestRestart_RespawnsEveryOperator(t *testing.T) {
	sp := newFakeSpawner()
	d := newTestDaemon(t, testConfig(t, "edge"), sp, nil)
	ctx := context.Background()
	require.True(t, d.Recheck(ctx))

	d.Restart(ctx)

	children := sp.Children()
	require.Len(t, children, 2)
	assert.False(t, children[0].Alive())
	assert.True(t, children[1].Alive())
	assert.Equal(t, 1, d.Status()[0].StartCount)
}

func TestHandleSignal(t *testing.T) {
	sp := newFakeSpawner()
	d := newTestDaemon(t, testConfig(t, "edge"), sp, func(o *Options) {
		o.Loader = func() (*config.Config, error) { return nil, errors.New("broken") }
	})
	ctx := context.Background()

	tests := []struct {
		sig  os.Signal
		exit bool
	}{
		{syscall.SIGHUP, false},
		{syscall.SIGUSR1, false},
		{syscall.SIGINT, true},
		{syscall.SIGTERM, true},
	}
	for _, tt := range tests {
		if got := d.HandleSignal(ctx, tt.sig); got != tt.exit {
			t.Errorf("HandleSignal(%v) = %v, want %v", tt.sig, got, tt.exit)
		}
	}
}

func TestRun_ExitsWhenNoOperatorsLeft(t *testing.T) {
	cfg := testConfig(t, "edge")
	sp := newFakeSpawner()
	sp.exitImmediately = true
	d := newTestDaemon(t, cfg, sp, nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoOperators)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit")
	}

	assert.Equal(t, 11, sp.Attempts("edge"))
	_, err := os.Stat(cfg.PidFilePath())
	assert.True(t, os.IsNotExist(err), "daemon pid file left behind")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t, "edge")
	sp := newFakeSpawner()
	d := newTestDaemon(t, cfg, sp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return sp.Attempts("edge") == 1 }, 2*time.Second, 5*time.Millisecond)
	pid, err := ReadPidFile(cfg.PidFilePath())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.False(t, sp.Children()[0].Alive())
	_, err = os.Stat(cfg.PidFilePath())
	assert.True(t, os.IsNotExist(err))
}

func TestRun_RefusesWhenAlreadyRunning(t *testing.T) {
	cfg := testConfig(t, "edge")
	require.NoError(t, WritePidFile(cfg.PidFilePath(), os.Getppid()))

	d := newTestDaemon(t, cfg, newFakeSpawner(), nil)
	err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	pid, err := ReadPidFile(cfg.PidFilePath())
	require.NoError(t, err)
	assert.Equal(t, os.Getppid(), pid, "pid file of the other daemon was touched")
}

type recordingHealth struct {
	mu        sync.Mutex
	daemon    bool
	operators map[string]bool
}

func (h *recordingHealth) SetDaemon(serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.daemon = serving
}

func (h *recordingHealth) SetOperator(sig string, serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.operators == nil {
		h.operators = make(map[string]bool)
	}
	h.operators[sig] = serving
}

func TestRecheck_ReportsHealth(t *testing.T) {
	health := &recordingHealth{}
	sp := newFakeSpawner()
	d := newTestDaemon(t, testConfig(t, "edge"), sp, func(o *Options) { o.Health = health })

	require.True(t, d.Recheck(context.Background()))
	assert.True(t, health.operators["edge"])

	d.Shutdown()
	assert.False(t, health.operators["edge"])
}
