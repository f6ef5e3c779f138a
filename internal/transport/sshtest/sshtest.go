// Package sshtest runs in-process SSH servers for transport tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Config describes the accepted login and the channel handlers.
type Config struct {
	Username string
	Password string
	// Shell serves "shell" requests. Nil rejects them.
	Shell func(ch ssh.Channel)
	// Subsystems serves "subsystem" requests by name. Unknown names are rejected.
	Subsystems map[string]func(ch ssh.Channel)
}

// Server accepts password logins and hands each shell or subsystem channel to a
// handler. The channel is closed when the handler returns.
type Server struct {
	Addr string

	cfg Config
	ln  net.Listener
	wg  sync.WaitGroup
}

// Start listens on a loopback port and stops the server when the test ends.
func Start(t testing.TB, cfg Config) *Server {
	t.Helper()
	username, password := cfg.Username, cfg.Password

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == username && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{Addr: ln.Addr().String(), cfg: cfg, ln: ln}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn, config)
			}()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(p)
	return n
}

func (s *Server) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}
		go s.serveSession(channel, requests)
	}
}

func (s *Server) serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	started := false
	for req := range requests {
		var handler func(ssh.Channel)
		switch req.Type {
		case "pty-req", "env":
			reply(req, true)
			continue
		case "shell":
			handler = s.cfg.Shell
		case "subsystem":
			handler = s.cfg.Subsystems[subsystemName(req.Payload)]
		}
		if handler == nil || started {
			reply(req, false)
			continue
		}
		reply(req, true)
		started = true
		go func() {
			defer ch.Close()
			handler(ch)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
		}()
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

// subsystemName decodes the SSH string in a subsystem request payload.
func subsystemName(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload)
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}
