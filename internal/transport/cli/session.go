package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/transport"
)

// ErrEnableFailed is returned when privileged mode could not be entered.
var ErrEnableFailed = errors.New("enable failed")

// session is one interactive shell on a device. It is not safe for concurrent use.
type session struct {
	client  *ssh.Client
	sess    *ssh.Session
	stdin   io.WriteCloser
	chunks  chan []byte
	done    chan struct{} // closed by Close; releases a blocked pump
	once    sync.Once
	readErr error
	buf     bytes.Buffer
	profile Profile
	timeout time.Duration
	prompt  string // last prompt seen
}

func openSession(ctx context.Context, dial transport.SSHDialer, addr string, creds domain.Credentials, profile Profile, timeout time.Duration) (*session, error) {
	client, err := dial(ctx, "tcp", addr, transport.SSHClientConfig(creds, timeout))
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("opening ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 0, 511, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	s := &session{
		client:  client,
		sess:    sess,
		stdin:   stdin,
		chunks:  make(chan []byte, 64),
		done:    make(chan struct{}),
		profile: profile,
		timeout: timeout,
	}
	go s.pump(stdout)

	if _, err := s.readUntilPrompt(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("waiting for initial prompt: %w", err)
	}
	if profile.DisablePaging != "" {
		if _, err := s.Send(ctx, profile.DisablePaging); err != nil {
			s.Close()
			return nil, fmt.Errorf("disabling paging: %w", err)
		}
	}
	return s, nil
}

func (s *session) pump(r io.Reader) {
	defer close(s.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.readErr = err
			}
			return
		}
	}
}

// readUntil consumes output until done reports true for the accumulated text.
func (s *session) readUntil(ctx context.Context, done func(string) bool) (string, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		text := strings.ReplaceAll(s.buf.String(), "\r\n", "\n")
		if done(text) {
			s.buf.Reset()
			return text, nil
		}
		select {
		case <-ctx.Done():
			return text, ctx.Err()
		case <-timer.C:
			return text, fmt.Errorf("no prompt after %s: %w", s.timeout, os.ErrDeadlineExceeded)
		case chunk, ok := <-s.chunks:
			if !ok {
				if s.readErr != nil {
					return text, s.readErr
				}
				return text, io.ErrUnexpectedEOF
			}
			s.buf.Write(chunk)
		}
	}
}

func (s *session) readUntilPrompt(ctx context.Context) (string, error) {
	return s.readUntil(ctx, func(text string) bool {
		last := lastLine(text)
		if s.profile.IsPrompt(last) {
			s.prompt = strings.TrimSpace(last)
			return true
		}
		return false
	})
}

func (s *session) write(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("refusing to send a line containing a line break: %w", domain.ErrInvalidPayload)
	}
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

// Send runs one command and returns its output without the echoed command and the
// trailing prompt.
func (s *session) Send(ctx context.Context, cmd string) (string, error) {
	if err := s.write(cmd); err != nil {
		return "", fmt.Errorf("sending command: %w", err)
	}
	text, err := s.readUntilPrompt(ctx)
	if err != nil {
		return cleanOutput(text, cmd, false), err
	}
	return cleanOutput(text, cmd, true), nil
}

// Enable enters privileged mode, answering a password prompt with secret.
func (s *session) Enable(ctx context.Context, secret string) error {
	if s.profile.EnableCommand == "" {
		return nil
	}
	if err := s.write(s.profile.EnableCommand); err != nil {
		return err
	}
	sawPassword := false
	text, err := s.readUntil(ctx, func(text string) bool {
		last := lastLine(text)
		if s.profile.PasswordPrompt.MatchString(last) {
			sawPassword = true
			return true
		}
		if s.profile.IsPrompt(last) {
			s.prompt = strings.TrimSpace(last)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	if sawPassword {
		if err := s.write(secret); err != nil {
			return err
		}
		if text, err = s.readUntilPrompt(ctx); err != nil {
			return err
		}
	}
	if !strings.HasSuffix(s.prompt, "#") {
		return fmt.Errorf("%w: %s", ErrEnableFailed, strings.TrimSpace(cleanOutput(text, "", true)))
	}
	return nil
}

// Close ends the shell. It may be called more than once.
func (s *session) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.sess != nil {
			s.sess.Close()
		}
		if s.client != nil {
			s.client.Close()
		}
	})
}

func lastLine(text string) string {
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		return text[i+1:]
	}
	return text
}

// cleanOutput strips the command echo and, when trimPrompt is set, the final prompt line.
func cleanOutput(text, cmd string, trimPrompt bool) string {
	if trimPrompt {
		if i := strings.LastIndexByte(text, '\n'); i >= 0 {
			text = text[:i]
		} else {
			text = ""
		}
	}
	if cmd != "" {
		first, rest, found := strings.Cut(text, "\n")
		if strings.HasSuffix(strings.TrimSpace(first), strings.TrimSpace(cmd)) {
			if found {
				text = rest
			} else {
				text = ""
			}
		}
	}
	return strings.TrimRight(text, "\n ")
}
