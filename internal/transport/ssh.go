package transport

import (
	"context"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jkaninda/olav/internal/domain"
)

// DefaultTimeout bounds one device operation when none is configured.
const DefaultTimeout = 30 * time.Second

// SSHDialer establishes an SSH client connection. Overridden in tests.
type SSHDialer func(ctx context.Context, network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

// DialSSH dials addr honoring ctx and performs the SSH handshake within cfg.Timeout.
func DialSSH(ctx context.Context, network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// SSHClientConfig builds the client configuration for a device login. Password and
// keyboard-interactive auth are offered; network OSes differ in which they accept.
//
// Host keys are not verified: devices are reached over a trusted management network.
// Deployments on untrusted networks must supply a HostKeyCallback.
func SSHClientConfig(creds domain.Credentials, timeout time.Duration) *ssh.ClientConfig {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	password := creds.Password
	return &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // G106: management network is a trust boundary
		Timeout:         timeout,
	}
}
