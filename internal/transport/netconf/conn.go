package netconf

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	sltransport "github.com/scrapli/scrapligo/transport"
	"golang.org/x/crypto/ssh"

	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/transport"
)

const subsystemName = "netconf"

// sshConn is the scrapligo transport for a NETCONF session. The connection is made
// with the adapter's dialer so host key policy and credentials match the CLI side.
type sshConn struct {
	ctx     context.Context
	dial    transport.SSHDialer
	addr    string
	creds   domain.Credentials
	timeout time.Duration

	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	readErr error
}

var _ sltransport.Implementation = (*sshConn)(nil)

func newSSHConn(ctx context.Context, dial transport.SSHDialer, addr string, creds domain.Credentials, timeout time.Duration) *sshConn {
	return &sshConn{
		ctx:     ctx,
		dial:    dial,
		addr:    addr,
		creds:   creds,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Open dials the device and requests the netconf subsystem. A refused subsystem
// reports transport.ErrUnsupported.
func (c *sshConn) Open(*sltransport.Args) error {
	client, err := c.dial(c.ctx, "tcp", c.addr, transport.SSHClientConfig(c.creds, c.timeout))
	if err != nil {
		return err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("opening ssh session: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.RequestSubsystem(subsystemName); err != nil {
		sess.Close()
		client.Close()
		return fmt.Errorf("%w: netconf subsystem: %v", transport.ErrUnsupported, err)
	}
	c.client, c.sess, c.stdin, c.stdout = client, sess, stdin, stdout
	return nil
}

// Read returns whatever the device sent. When the stream ends the failure is kept
// and Read parks until Close, so the driver's read loop never sees a transport error
// it has nobody to deliver to.
func (c *sshConn) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	k, err := c.stdout.Read(buf)
	if k > 0 {
		return buf[:k], nil
	}
	if err != nil {
		c.mu.Lock()
		if c.readErr == nil {
			c.readErr = err
		}
		c.mu.Unlock()
		<-c.done
	}
	return nil, nil
}

func (c *sshConn) Write(b []byte) error {
	_, err := c.stdin.Write(b)
	return err
}

func (c *sshConn) IsAlive() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return c.err() == nil
}

func (c *sshConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		if c.sess != nil {
			c.sess.Close()
		}
		if c.client != nil {
			c.client.Close()
		}
	})
	return nil
}

// err is the error that ended the inbound stream, if any.
func (c *sshConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}
