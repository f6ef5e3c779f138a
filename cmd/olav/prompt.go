package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/domain"
)

// promptSource asks the operator on the terminal. Edit replaces the command, the
// config lines or the NETCONF body with lines typed until an empty line. Prompts
// from concurrent requests are asked one at a time.
type promptSource struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
	who string
}

func newPromptSource(in io.Reader, out io.Writer, who string) *promptSource {
	return &promptSource{in: bufio.NewReader(in), out: out, who: who}
}

func (p *promptSource) Decide(ctx context.Context, req approval.ApprovalRequest) (approval.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n%s\n", req.Description)
	for _, a := range req.Actions {
		fmt.Fprintf(p.out, "  %s on %s\n", a.Name, req.Device)
		for _, l := range payloadLines(a.Payload) {
			fmt.Fprintf(p.out, "    %s\n", l)
		}
	}
	fmt.Fprintf(p.out, "Expires at %s.\n", req.ExpiresAt.Format("15:04:05 MST"))

	for {
		fmt.Fprint(p.out, "[a]pprove, [r]eject, [e]dit? ")
		line, err := p.readLine(ctx)
		if err != nil {
			return approval.Response{}, err
		}
		switch strings.ToLower(line) {
		case "a", "approve", "y", "yes":
			return p.respond(approval.Decision{Type: approval.DecisionApprove}), nil
		case "r", "reject", "n", "no":
			fmt.Fprint(p.out, "Reason (optional): ")
			reason, err := p.readLine(ctx)
			if err != nil {
				return approval.Response{}, err
			}
			return p.respond(approval.Decision{Type: approval.DecisionReject, Reason: reason}), nil
		case "e", "edit":
			if len(req.Actions) == 0 {
				continue
			}
			modified, err := p.readEdit(ctx, req.Actions[0].Payload)
			if err != nil {
				return approval.Response{}, err
			}
			return p.respond(approval.Decision{Type: approval.DecisionEdit, ModifiedPayload: &modified}), nil
		}
	}
}

func (p *promptSource) respond(d approval.Decision) approval.Response {
	d.DecidedBy = p.who
	return approval.Response{Decisions: []approval.Decision{d}}
}

func (p *promptSource) readEdit(ctx context.Context, orig domain.Payload) (domain.Payload, error) {
	fmt.Fprintln(p.out, "Enter the replacement, finish with an empty line:")
	var lines []string
	for {
		line, err := p.readLine(ctx)
		if err != nil {
			return domain.Payload{}, err
		}
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	return editedPayload(orig, lines), nil
}

// readLine returns the next trimmed line, or ctx's error if it ends first.
func (p *promptSource) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- result{strings.TrimSpace(line), err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

// editedPayload keeps the shape of orig and swaps in lines.
func editedPayload(orig domain.Payload, lines []string) domain.Payload {
	switch {
	case orig.Netconf != nil:
		op := *orig.Netconf
		op.Config = strings.Join(lines, "\n")
		return domain.Payload{Netconf: &op}
	case len(orig.ConfigLines) > 0:
		return domain.Payload{ConfigLines: lines}
	default:
		return domain.Payload{Command: strings.Join(lines, " ")}
	}
}

func payloadLines(p domain.Payload) []string {
	switch {
	case p.Netconf != nil:
		out := []string{string(p.Netconf.Operation)}
		if p.Netconf.XPath != "" {
			out = append(out, "xpath: "+p.Netconf.XPath)
		}
		if p.Netconf.Config != "" {
			out = append(out, strings.Split(p.Netconf.Config, "\n")...)
		}
		return out
	case len(p.ConfigLines) > 0:
		return p.ConfigLines
	default:
		return []string{p.Command}
	}
}

// isTerminal reports whether stdin is interactive.
func isTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
