package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"figger-go/pkg/endpoint"
	"figger-go/pkg/notify"
	"figger-go/pkg/transition"
)

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	fail     map[string]bool
}

func (r *fakeRunner) Run(_ context.Context, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	if r.fail[command] {
		return errors.New("exit status 1")
	}
	return nil
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func setup(t *testing.T, runner Runner, cfg Config) (*Controller, *endpoint.Table) {
	t.Helper()
	table, err := endpoint.NewTable(endpoint.PortRange{Min: 10000, Max: 10003})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	hub := notify.NewHub(table, endpoint.TCP, endpoint.UDP)
	c := New(hub, runner, cfg)
	t.Cleanup(func() {
		c.Close()
		hub.Close()
		table.Close()
	})
	return c, table
}

func lookup(t *testing.T, table *endpoint.Table, proto endpoint.Protocol, port int) *endpoint.Endpoint {
	t.Helper()
	ep, err := table.Lookup(proto, port)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	return ep
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatchResetsToStopped(t *testing.T) {
	c, table := setup(t, &fakeRunner{}, Config{})
	ep := lookup(t, table, endpoint.TCP, 10001)
	ep.Set(transition.Started)

	if err := c.Watch("tcp-10001"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if ep.Snapshot().State != transition.Stopped {
		t.Errorf("state after Watch = %s", ep.Snapshot().State)
	}
	if err := c.Watch("tcp-10001"); !errors.Is(err, ErrAlreadyWatching) {
		t.Errorf("expected ErrAlreadyWatching, got %v", err)
	}
	if w := c.Watching(); len(w) != 1 || w[0] != "tcp-10001" {
		t.Errorf("Watching() = %v", w)
	}
}

func TestWatchRejectsUnknown(t *testing.T) {
	c, _ := setup(t, &fakeRunner{}, Config{})
	for _, name := range []string{"tcp-9999", "TCP-10000", "sctp-10000"} {
		if err := c.Watch(name); err == nil {
			t.Errorf("Watch(%s) succeeded", name)
		}
	}
	if err := c.Unwatch("tcp-10000"); !errors.Is(err, ErrNotWatching) {
		t.Errorf("expected ErrNotWatching, got %v", err)
	}
}

func TestStartOnFirstPacket(t *testing.T) {
	runner := &fakeRunner{}
	c, table := setup(t, runner, Config{
		StartCommand: "start {proto} {port} {name} {host}",
		HostIP:       "10.0.0.5",
	})
	if err := c.Watch("udp-10002"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	ep := lookup(t, table, endpoint.UDP, 10002)

	if o := ep.Arrive(); o.Verdict != transition.Drop {
		t.Fatalf("first packet verdict %s", o.Verdict)
	}
	eventually(t, "started", func() bool { return ep.Snapshot().State == transition.Started })

	if o := ep.Arrive(); o.Verdict != transition.Accept {
		t.Errorf("packet after start verdict %s", o.Verdict)
	}
	cmds := runner.ran()
	if len(cmds) != 1 || cmds[0] != "start udp 10002 udp-10002 10.0.0.5" {
		t.Errorf("commands = %q", cmds)
	}
}

func TestStartFailureStops(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"start": true}}
	c, table := setup(t, runner, Config{StartCommand: "start"})
	if err := c.Watch("tcp-10000"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	ep := lookup(t, table, endpoint.TCP, 10000)
	ep.Arrive()
	eventually(t, "start attempted", func() bool { return len(runner.ran()) == 1 })
	eventually(t, "stopped", func() bool { return ep.Snapshot().State == transition.Stopped })

	// traffic retriggers
	ep.Arrive()
	eventually(t, "second attempt", func() bool { return len(runner.ran()) == 2 })
}

func TestStopCycle(t *testing.T) {
	runner := &fakeRunner{}
	c, table := setup(t, runner, Config{StartCommand: "start", StopCommand: "stop {name}"})
	if err := c.Watch("tcp-10003"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	ep := lookup(t, table, endpoint.TCP, 10003)
	ep.Arrive()
	eventually(t, "started", func() bool { return ep.Snapshot().State == transition.Started })

	ep.Set(transition.Stopping)
	eventually(t, "stopped", func() bool { return ep.Snapshot().State == transition.Stopped })

	cmds := runner.ran()
	if len(cmds) != 2 || cmds[1] != "stop tcp-10003" {
		t.Errorf("commands = %q", cmds)
	}
}

func TestStopOverridesRevivalDuringCommand(t *testing.T) {
	runner := newGateRunner()
	c, table := setup(t, runner, Config{StopCommand: "stop"})
	if err := c.Watch("tcp-10002"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	ep := lookup(t, table, endpoint.TCP, 10002)
	ep.Set(transition.Stopping)
	<-runner.started

	if o := ep.Arrive(); o.To != transition.Started {
		t.Fatalf("traffic during stop did not revive: %+v", o)
	}
	close(runner.release)
	eventually(t, "stopped", func() bool { return ep.Snapshot().State == transition.Stopped })
	if o := ep.Arrive(); o.To != transition.Starting || o.Verdict != transition.Drop {
		t.Errorf("next packet did not restart the endpoint: %+v", o)
	}
}

func TestStopFailureLeavesStopping(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"stop": true}}
	c, table := setup(t, runner, Config{StopCommand: "stop"})
	if err := c.Watch("tcp-10000"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	ep := lookup(t, table, endpoint.TCP, 10000)
	ep.Set(transition.Stopping)
	eventually(t, "stop attempted", func() bool { return len(runner.ran()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if ep.Snapshot().State != transition.Stopping {
		t.Fatalf("state = %s, want stopping", ep.Snapshot().State)
	}
	if o := ep.Arrive(); o.To != transition.Started || o.Verdict != transition.Accept {
		t.Errorf("traffic did not revive endpoint: %+v", o)
	}
}

func TestSetupAndTeardown(t *testing.T) {
	runner := &fakeRunner{}
	c, _ := setup(t, runner, Config{SetupCommand: "add {port}", TeardownCommand: "del {port}"})
	if err := c.Watch("tcp-10001"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := c.Unwatch("tcp-10001"); err != nil {
		t.Fatalf("Unwatch failed: %v", err)
	}
	if got := strings.Join(runner.ran(), ","); got != "add 10001,del 10001" {
		t.Errorf("commands = %s", got)
	}
	if len(c.Watching()) != 0 {
		t.Errorf("still watching %v", c.Watching())
	}
}

func TestSetupFailureRejectsWatch(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"add": true}}
	c, _ := setup(t, runner, Config{SetupCommand: "add"})
	if err := c.Watch("tcp-10001"); err == nil {
		t.Fatal("Watch succeeded despite failing setup")
	}
	if len(c.Watching()) != 0 {
		t.Errorf("watching %v", c.Watching())
	}
}

// gateRunner blocks every command until release is closed or ctx ends.
type gateRunner struct {
	started chan string
	release chan struct{}
}

func newGateRunner() *gateRunner {
	return &gateRunner{started: make(chan string, 4), release: make(chan struct{})}
}

func (r *gateRunner) Run(ctx context.Context, command string) error {
	r.started <- command
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowSetupDoesNotBlockWatching(t *testing.T) {
	runner := newGateRunner()
	c, _ := setup(t, runner, Config{SetupCommand: "add {port}"})

	watchErr := make(chan error, 1)
	go func() { watchErr <- c.Watch("tcp-10000") }()
	<-runner.started

	listed := make(chan []string, 1)
	go func() { listed <- c.Watching() }()
	select {
	case names := <-listed:
		if len(names) != 1 || names[0] != "tcp-10000" {
			t.Errorf("Watching during setup = %v", names)
		}
	case <-time.After(time.Second):
		t.Fatal("Watching blocked behind the setup command")
	}
	if err := c.Watch("tcp-10000"); !errors.Is(err, ErrAlreadyWatching) {
		t.Errorf("expected ErrAlreadyWatching during setup, got %v", err)
	}

	close(runner.release)
	if err := <-watchErr; err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
}

func TestUnwatchDuringSetup(t *testing.T) {
	runner := newGateRunner()
	c, _ := setup(t, runner, Config{SetupCommand: "add {port}"})

	watchErr := make(chan error, 1)
	go func() { watchErr <- c.Watch("tcp-10000") }()
	<-runner.started

	if err := c.Unwatch("tcp-10000"); err != nil {
		t.Fatalf("Unwatch failed: %v", err)
	}
	if err := <-watchErr; !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancelled setup, got %v", err)
	}
	if len(c.Watching()) != 0 {
		t.Errorf("still watching %v", c.Watching())
	}
}

func TestCloseRejectsWatch(t *testing.T) {
	c, _ := setup(t, &fakeRunner{}, Config{})
	if err := c.Watch("tcp-10000"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Watch("tcp-10001"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestExpand(t *testing.T) {
	got := expand("ipvsadm -A -{proto} {host}:{port} # {name} {other}", "tcp", "10000", "tcp-10000", "1.2.3.4")
	want := "ipvsadm -A -tcp 1.2.3.4:10000 # tcp-10000 "
	if got != want {
		t.Errorf("expand = %q, want %q", got, want)
	}
	if expand("plain", "", "", "", "") != "plain" {
		t.Error("plain command altered")
	}
}

func TestShellRunner(t *testing.T) {
	r := ShellRunner{Timeout: time.Second}
	if err := r.Run(context.Background(), "exit 0"); err != nil {
		t.Errorf("exit 0 failed: %v", err)
	}
	if err := r.Run(context.Background(), "exit 3"); err == nil {
		t.Error("exit 3 succeeded")
	}
	short := ShellRunner{Timeout: 20 * time.Millisecond}
	if err := short.Run(context.Background(), "sleep 5"); err == nil {
		t.Error("timeout not enforced")
	}
}
