package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeConn is a scripted Conn. runFn decides each result; calls are recorded.
type fakeConn struct {
	mu     sync.Mutex
	runFn  func(cmd string, stdin []byte) (ExecResult, error)
	cmds   []string
	stdins [][]byte
	closed int
}

func (c *fakeConn) Run(ctx context.Context, cmd string, stdin []byte) (ExecResult, error) {
	c.mu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.stdins = append(c.stdins, stdin)
	fn := c.runFn
	c.mu.Unlock()
	if fn == nil {
		return ExecResult{Stdout: "ok\n"}, nil
	}
	return fn(cmd, stdin)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	targets []Target
	err     error
	runFn   func(cmd string, stdin []byte) (ExecResult, error)
}

func (d *fakeDialer) Dial(ctx context.Context, t Target, timeout time.Duration) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, t)
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{runFn: d.runFn}
	d.conns = append(d.conns, c)
	return c, nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, d *fakeDialer, clock *fakeClock) *Manager {
	t.Helper()
	m := NewManager(Opts{Dialer: d, TTL: 30 * time.Minute, Now: clock.Now})
	t.Cleanup(m.Close)
	return m
}

func connect(t *testing.T, m *Manager) Info {
	t.Helper()
	info, err := m.Connect(context.Background(), Target{Host: "10.0.0.9", Password: "pw"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return info
}

func TestConnect_DefaultsAndID(t *testing.T) {
	d := &fakeDialer{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := newTestManager(t, d, clock)

	info := connect(t, m)
	if info.User != "root" || info.Port != 22 {
		t.Errorf("info = %+v, want root@:22 defaults", info)
	}
	if len(info.ID) != 32 || strings.Contains(info.ID, "-") {
		t.Errorf("ID = %q, want 32 hex chars", info.ID)
	}
	if !info.LastActivity.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, want now", info.LastActivity)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
	if info.Node() != "root@10.0.0.9" {
		t.Errorf("Node() = %q", info.Node())
	}

	other := connect(t, m)
	if other.ID == info.ID {
		t.Error("two sessions share an id")
	}
}

func TestConnect_Validation(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, &fakeClock{})

	tests := []struct {
		name   string
		target Target
	}{
		{"missing host", Target{Password: "pw"}},
		{"blank host", Target{Host: "  ", Password: "pw"}},
		{"missing password", Target{Host: "h"}},
		{"bad port", Target{Host: "h", Password: "pw", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Connect(context.Background(), tt.target)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
	if len(d.targets) != 0 {
		t.Error("dialer called for an invalid target")
	}
}

// Scenario C: bad password and dead host are distinct error kinds.
func TestConnect_ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"wrong password", fmt.Errorf("%w: ssh: unable to authenticate", ErrAuth), ErrAuth},
		{"unreachable", fmt.Errorf("%w: dial tcp: connection refused", ErrConnect), ErrConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, &fakeDialer{err: tt.err}, &fakeClock{})
			_, err := m.Connect(context.Background(), Target{Host: "h", Password: "pw"})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if m.Count() != 0 {
				t.Error("failed connect left a session behind")
			}
		})
	}
}

func TestExec(t *testing.T) {
	d := &fakeDialer{runFn: func(cmd string, stdin []byte) (ExecResult, error) {
		return ExecResult{Stdout: "Linux\n", Stderr: "warn", ExitCode: 2}, nil
	}}
	m := newTestManager(t, d, &fakeClock{t: time.Unix(0, 0)})
	info := connect(t, m)

	res, got, err := m.Exec(context.Background(), info.ID, "  uname -a ")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "Linux\n" || res.Stderr != "warn" || res.ExitCode != 2 {
		t.Errorf("res = %+v", res)
	}
	if got.Host != "10.0.0.9" {
		t.Errorf("info = %+v", got)
	}
	if d.conns[0].cmds[0] != "uname -a" {
		t.Errorf("cmd = %q, want trimmed", d.conns[0].cmds[0])
	}
}

func TestExec_Errors(t *testing.T) {
	d := &fakeDialer{runFn: func(cmd string, stdin []byte) (ExecResult, error) {
		return ExecResult{}, fmt.Errorf("%w: session closed", ErrExec)
	}}
	m := newTestManager(t, d, &fakeClock{})
	info := connect(t, m)

	if _, _, err := m.Exec(context.Background(), info.ID, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("empty cmd err = %v, want ErrValidation", err)
	}
	if _, _, err := m.Exec(context.Background(), "nope", "ls"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
	if _, _, err := m.Exec(context.Background(), info.ID, "ls"); !errors.Is(err, ErrExec) {
		t.Errorf("transport err = %v, want ErrExec", err)
	}
	// A failed command does not tear down the session.
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, &fakeClock{})
	info := connect(t, m)

	if !m.Disconnect(info.ID) {
		t.Error("first Disconnect = false")
	}
	if m.Disconnect(info.ID) {
		t.Error("second Disconnect = true")
	}
	if d.conns[0].closeCount() != 1 {
		t.Errorf("closed %d times, want 1", d.conns[0].closeCount())
	}
	if _, _, err := m.Exec(context.Background(), info.ID, "ls"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Exec after disconnect err = %v, want ErrNotFound", err)
	}
	if _, err := m.Infer(context.Background(), info.ID, InferRequest{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Infer after disconnect err = %v, want ErrNotFound", err)
	}
}

func TestSweep_ExpiresIdleSessions(t *testing.T) {
	d := &fakeDialer{}
	clock := &fakeClock{t: time.Unix(0, 0)}
	var expired []Info
	m := NewManager(Opts{Dialer: d, TTL: 30 * time.Minute, Now: clock.Now, OnExpire: func(i Info) {
		expired = append(expired, i)
	}})
	defer m.Close()

	info := connect(t, m)

	clock.Advance(30 * time.Minute)
	if n := m.Sweep(); n != 0 {
		t.Errorf("Sweep at exactly TTL removed %d, want 0", n)
	}

	clock.Advance(time.Second)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep past TTL removed %d, want 1", n)
	}
	if d.conns[0].closeCount() != 1 {
		t.Error("expired connection was not closed")
	}
	if len(expired) != 1 || expired[0].ID != info.ID {
		t.Errorf("OnExpire got %v", expired)
	}
	if _, _, err := m.Exec(context.Background(), info.ID, "ls"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Exec after expiry err = %v, want ErrNotFound", err)
	}
	if m.Disconnect(info.ID) {
		t.Error("Disconnect after expiry = true")
	}
}

func TestSweep_ActivityKeepsSessionAlive(t *testing.T) {
	d := &fakeDialer{}
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := newTestManager(t, d, clock)
	info := connect(t, m)

	for i := 0; i < 10; i++ {
		clock.Advance(20 * time.Minute)
		if _, _, err := m.Exec(context.Background(), info.ID, "uptime"); err != nil {
			t.Fatalf("exec #%d: %v", i, err)
		}
		m.Sweep()
	}
	if m.Count() != 1 {
		t.Fatalf("session kept alive by exec was swept")
	}

	got, _ := m.Get(info.ID)
	if !got.LastActivity.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, clock.Now())
	}

	clock.Advance(31 * time.Minute)
	m.Sweep()
	if m.Count() != 0 {
		t.Error("idle session survived the sweep")
	}
}

func TestSweep_InferRefreshesActivity(t *testing.T) {
	d := &fakeDialer{runFn: func(cmd string, stdin []byte) (ExecResult, error) {
		return ExecResult{Stdout: `{"response":"hi","done":true}`}, nil
	}}
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := newTestManager(t, d, clock)
	info := connect(t, m)

	clock.Advance(25 * time.Minute)
	if _, err := m.Infer(context.Background(), info.ID, InferRequest{}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(25 * time.Minute)
	if n := m.Sweep(); n != 0 {
		t.Errorf("Sweep removed %d sessions refreshed by infer", n)
	}
}

// blockingConn blocks Close until released, to prove the sweep does not hold
// the table lock while closing.
type blockingConn struct {
	fakeConn
	release chan struct{}
}

func (c *blockingConn) Close() error {
	<-c.release
	return nil
}

type blockingDialer struct {
	release chan struct{}
}

func (d *blockingDialer) Dial(ctx context.Context, t Target, timeout time.Duration) (Conn, error) {
	return &blockingConn{release: d.release}, nil
}

func TestSweep_ClosesOutsideLock(t *testing.T) {
	release := make(chan struct{})
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := NewManager(Opts{Dialer: &blockingDialer{release: release}, TTL: time.Minute, Now: clock.Now})

	if _, err := m.Connect(context.Background(), Target{Host: "h", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)

	sweepDone := make(chan int)
	go func() { sweepDone <- m.Sweep() }()

	// While Close is blocked, the table must stay usable.
	countDone := make(chan int)
	go func() {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case <-deadline:
				countDone <- -1
				return
			default:
			}
			if m.Count() == 0 {
				countDone <- 0
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	if got := <-countDone; got != 0 {
		t.Fatal("table lock held during transport close")
	}

	close(release)
	if n := <-sweepDone; n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	m.Close()
}

func TestManager_ConcurrentAccess(t *testing.T) {
	d := &fakeDialer{}
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := newTestManager(t, d, clock)

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := m.Connect(context.Background(), Target{Host: "h", Password: "pw"})
			if err != nil {
				t.Error(err)
				return
			}
			m.Exec(context.Background(), info.ID, "ls")
			ids <- info.ID
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			m.Sweep()
			m.Count()
		}
	}()
	wg.Wait()
	close(ids)

	n := 0
	for id := range ids {
		if m.Disconnect(id) {
			n++
		}
	}
	if n != 20 {
		t.Errorf("disconnected %d sessions, want 20", n)
	}
}

func TestNewManager_ScheduledSweep(t *testing.T) {
	d := &fakeDialer{}
	clock := &fakeClock{t: time.Unix(0, 0)}
	expired := make(chan Info, 1)
	m := NewManager(Opts{
		Dialer:        d,
		TTL:           time.Minute,
		SweepInterval: time.Second,
		Now:           clock.Now,
		OnExpire:      func(i Info) { expired <- i },
	})
	defer m.Close()

	connect(t, m)
	clock.Advance(time.Hour)

	select {
	case <-expired:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled sweep did not run")
	}
}

func TestClose_ClosesAllSessions(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(Opts{Dialer: d, SweepInterval: time.Minute})
	connect(t, m)
	connect(t, m)
	m.Close()

	if m.Count() != 0 {
		t.Errorf("Count() = %d after Close", m.Count())
	}
	for i, c := range d.conns {
		if c.closeCount() != 1 {
			t.Errorf("conn %d closed %d times", i, c.closeCount())
		}
	}
}
