package remote

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Opts holds parameters for building a Manager.
type Opts struct {
	Dialer         Dialer        // default SSHDialer
	TTL            time.Duration // idle time before a session is swept; default 30m
	SweepInterval  time.Duration // 0 disables the background sweep
	ConnectTimeout time.Duration // default 12s
	ExecTimeout    time.Duration // default 30s
	InferTimeout   time.Duration // per relayed attempt; default 120s

	DaemonURL  string // daemon address as seen from the remote host
	GatewayURL string // gateway address as seen from the remote host
	GatewayKey string // bearer key for the remote gateway

	Now      func() time.Time
	OnExpire func(Info) // called after a swept session is closed
}

type session struct {
	info Info
	conn Conn
}

// Manager owns the session table. The table lock is held only for lookup and
// bookkeeping; every remote I/O call runs outside it.
type Manager struct {
	dialer         Dialer
	ttl            time.Duration
	connectTimeout time.Duration
	execTimeout    time.Duration
	inferTimeout   time.Duration
	daemonURL      string
	gatewayURL     string
	gatewayKey     string
	now            func() time.Time
	onExpire       func(Info)

	mu       sync.Mutex
	sessions map[string]*session

	cron *cron.Cron
}

// NewManager builds a Manager and, when opts.SweepInterval is positive,
// starts its sweep schedule. Call Close to stop it.
func NewManager(opts Opts) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = SSHDialer{}
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 12 * time.Second
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	if opts.InferTimeout <= 0 {
		opts.InferTimeout = 120 * time.Second
	}
	if opts.DaemonURL == "" {
		opts.DaemonURL = "http://localhost:11434"
	}
	if opts.GatewayURL == "" {
		opts.GatewayURL = "http://localhost:8200"
	}
	if opts.GatewayKey == "" {
		opts.GatewayKey = "local"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		dialer:         opts.Dialer,
		ttl:            opts.TTL,
		connectTimeout: opts.ConnectTimeout,
		execTimeout:    opts.ExecTimeout,
		inferTimeout:   opts.InferTimeout,
		daemonURL:      strings.TrimRight(opts.DaemonURL, "/"),
		gatewayURL:     strings.TrimRight(opts.GatewayURL, "/"),
		gatewayKey:     opts.GatewayKey,
		now:            opts.Now,
		onExpire:       opts.OnExpire,
		sessions:       make(map[string]*session),
	}

	if opts.SweepInterval > 0 {
		m.cron = cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default()))))
		m.cron.Schedule(cron.Every(opts.SweepInterval), cron.FuncJob(func() {
			if n := m.Sweep(); n > 0 {
				log.Printf("remote: swept %d expired session(s)", n)
			}
		}))
		m.cron.Start()
	}
	return m
}

// Connect dials t and registers a new session. User defaults to root and
// port to 22; host and password are required.
func (m *Manager) Connect(ctx context.Context, t Target) (Info, error) {
	t.Host = strings.TrimSpace(t.Host)
	t.User = strings.TrimSpace(t.User)
	if t.User == "" {
		t.User = "root"
	}
	if t.Port == 0 {
		t.Port = 22
	}
	if t.Host == "" || t.Password == "" {
		return Info{}, fmt.Errorf("%w: host and password required", ErrValidation)
	}
	if t.Port < 1 || t.Port > 65535 {
		return Info{}, fmt.Errorf("%w: port %d out of range", ErrValidation, t.Port)
	}

	conn, err := m.dialer.Dial(ctx, t, m.connectTimeout)
	if err != nil {
		return Info{}, err
	}

	now := m.now()
	info := Info{
		ID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		Host:         t.Host,
		User:         t.User,
		Port:         t.Port,
		Created:      now,
		LastActivity: now,
	}
	m.mu.Lock()
	m.sessions[info.ID] = &session{info: info, conn: conn}
	m.mu.Unlock()

	log.Printf("remote: session %s connected to %s:%d", shortID(info.ID), info.Node(), info.Port)
	return info, nil
}

// Exec runs command on the session's host. The session's activity clock is
// refreshed before the command starts.
func (m *Manager) Exec(ctx context.Context, id, command string) (ExecResult, Info, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return ExecResult{}, Info{}, fmt.Errorf("%w: cmd required", ErrValidation)
	}
	conn, info, err := m.touch(id)
	if err != nil {
		return ExecResult{}, Info{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.execTimeout)
	defer cancel()
	res, err := conn.Run(ctx, command, nil)
	if err != nil {
		return ExecResult{}, info, err
	}
	return res, info, nil
}

// Disconnect removes and closes the session. It reports whether the id
// existed.
func (m *Manager) Disconnect(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.conn.Close(); err != nil {
		log.Printf("remote: close session %s: %v", shortID(id), err)
	}
	return true
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns a snapshot of one session without refreshing it.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info, true
}

// Sweep closes and removes every session idle for longer than the TTL. The
// expired set is snapshotted under the lock and closed after releasing it.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var expired []*session
	for id, s := range m.sessions {
		if now.Sub(s.info.LastActivity) > m.ttl {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if err := s.conn.Close(); err != nil {
			log.Printf("remote: close expired session %s: %v", shortID(s.info.ID), err)
		}
		if m.onExpire != nil {
			m.onExpire(s.info)
		}
	}
	return len(expired)
}

// Close stops the sweep schedule and closes every open session.
func (m *Manager) Close() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}

	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.conn.Close()
	}
}

// touch looks up id, bumps its activity clock, and returns its connection.
func (m *Manager) touch(id string) (Conn, Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, Info{}, fmt.Errorf("%w: %q", ErrNotFound, shortID(id))
	}
	s.info.LastActivity = m.now()
	return s.conn, s.info, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
