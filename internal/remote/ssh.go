package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshDial is swapped in tests.
var sshDial = dialHandshake

// dialHandshake is ssh.Dial with cfg.Timeout applied as a deadline on the
// whole handshake, not only the TCP connect.
func dialHandshake(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := net.DialTimeout(network, addr, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// SSHDialer connects with password authentication. Unknown host keys are
// accepted.
type SSHDialer struct{}

// Dial opens an SSH client to t. The timeout bounds the TCP connect and the
// handshake.
func (SSHDialer) Dial(ctx context.Context, t Target, timeout time.Duration) (Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cfg := &ssh.ClientConfig{
		User: t.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(t.Password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = t.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	dial := sshDial
	ch := make(chan dialResult, 1)
	go func() {
		c, err := dial("tcp", addr, cfg)
		ch <- dialResult{c, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, classifyDialError(addr, r.err)
		}
		return &sshConn{client: r.client}, nil
	}
}

// classifyDialError separates rejected credentials from everything else.
func classifyDialError(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "permission denied") {
		return fmt.Errorf("%w: %s: %v", ErrAuth, addr, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnect, addr, err)
}

type sshConn struct {
	client *ssh.Client
}

// Run executes cmd in a fresh session, feeding stdin when non-nil. When ctx
// expires the remote process is signalled and the session closed; the
// connection itself stays open.
func (c *sshConn) Run(ctx context.Context, cmd string, stdin []byte) (ExecResult, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: open session: %v", ErrExec, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}

	if err := sess.Start(cmd); err != nil {
		return ExecResult{}, fmt.Errorf("%w: start: %v", ErrExec, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return ExecResult{}, fmt.Errorf("%w: %v", ErrExec, ctx.Err())
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("%w: %v", ErrExec, err)
	}
}

func (c *sshConn) Close() error {
	return c.client.Close()
}
