package cli

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/olav/internal/domain"
)

// chatty never stops producing output, like a device stuck in a long listing.
type chatty struct{}

func (chatty) Read(p []byte) (int, error) {
	return copy(p, "Gi0/1 up up\n"), nil
}

type nopWriteCloser struct{ bytes.Buffer }

func (*nopWriteCloser) Close() error { return nil }

func TestSession_CloseReleasesPump(t *testing.T) {
	s := &session{chunks: make(chan []byte, 2), done: make(chan struct{})}
	exited := make(chan struct{})
	go func() {
		s.pump(chatty{})
		close(exited)
	}()

	// Let the pump fill the buffer and block, as it does after a read timeout.
	time.Sleep(20 * time.Millisecond)
	s.Close()
	s.Close()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("pump still blocked after Close")
	}
}

func TestSession_WriteRefusesLineBreaks(t *testing.T) {
	stdin := &nopWriteCloser{}
	s := &session{stdin: stdin}

	for _, line := range []string{"show clock\nreload", "show clock\rreload"} {
		if err := s.write(line); !errors.Is(err, domain.ErrInvalidPayload) {
			t.Errorf("write(%q) = %v", line, err)
		}
	}
	if err := s.write("show clock"); err != nil {
		t.Fatal(err)
	}
	if got := stdin.String(); got != "show clock\n" {
		t.Errorf("device received %q", got)
	}
}
