package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/olav/internal/domain"
)

// AutoApprovalConfig controls pattern-based approval. Only devices listed in
// AllowedDevices are ever eligible.
type AutoApprovalConfig struct {
	Enabled           bool
	MaxAutoApprovals  int // per user in any rolling hour, default 10
	AllowedDevices    []string
	RequiredApprovals int // manual approvals of the same change, default 3
	WindowHours       int // default 24
}

func (c AutoApprovalConfig) withDefaults() AutoApprovalConfig {
	if c.MaxAutoApprovals <= 0 {
		c.MaxAutoApprovals = 10
	}
	if c.RequiredApprovals <= 0 {
		c.RequiredApprovals = 3
	}
	if c.WindowHours <= 0 {
		c.WindowHours = 24
	}
	return c
}

// AutoApprover approves a change that the same user has had approved by a human
// RequiredApprovals times on the same device within the window. State is kept
// in memory only.
type AutoApprover struct {
	cfg     AutoApprovalConfig
	devices map[string]struct{}
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	manual map[string][]time.Time // fingerprint -> manual approvals
	grants map[string][]time.Time // user -> auto approvals
}

func NewAutoApprover(cfg AutoApprovalConfig, logger *slog.Logger) *AutoApprover {
	cfg = cfg.withDefaults()
	devices := make(map[string]struct{}, len(cfg.AllowedDevices))
	for _, d := range cfg.AllowedDevices {
		devices[strings.ToLower(d)] = struct{}{}
	}
	return &AutoApprover{
		cfg:     cfg,
		devices: devices,
		logger:  logger,
		now:     time.Now,
		manual:  make(map[string][]time.Time),
		grants:  make(map[string][]time.Time),
	}
}

// ShouldAutoApprove reports whether the change can skip the human, with the
// reason to record on the decision. A positive answer consumes the user's quota.
func (a *AutoApprover) ShouldAutoApprove(user, device string, p domain.Payload) (bool, string) {
	if !a.cfg.Enabled {
		return false, ""
	}
	if _, ok := a.devices[strings.ToLower(device)]; !ok {
		return false, ""
	}
	now := a.now()
	fp := fingerprint(user, device, p)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.grants[user] = since(a.grants[user], now.Add(-time.Hour))
	if len(a.grants[user]) >= a.cfg.MaxAutoApprovals {
		a.logger.Debug("auto-approval quota reached", slog.String("user", user))
		return false, ""
	}
	a.manual[fp] = since(a.manual[fp], now.Add(-a.window()))
	seen := len(a.manual[fp])
	if seen < a.cfg.RequiredApprovals {
		return false, ""
	}
	a.grants[user] = append(a.grants[user], now)

	reason := fmt.Sprintf("approved manually %d times in the last %dh", seen, a.cfg.WindowHours)
	a.logger.Info("auto-approved", slog.String("user", user), slog.String("device", device), slog.String("reason", reason))
	return true, reason
}

// RecordManualApproval adds a human approval of the change to the history.
func (a *AutoApprover) RecordManualApproval(user, device string, p domain.Payload) {
	now := a.now()
	fp := fingerprint(user, device, p)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.manual[fp] = append(since(a.manual[fp], now.Add(-a.window())), now)
}

func (a *AutoApprover) window() time.Duration {
	return time.Duration(a.cfg.WindowHours) * time.Hour
}

// since drops timestamps at or before cutoff. ts is in ascending order.
func since(ts []time.Time, cutoff time.Time) []time.Time {
	i, _ := slices.BinarySearchFunc(ts, cutoff, func(t, c time.Time) int {
		if t.After(c) {
			return 1
		}
		return -1
	})
	return ts[i:]
}

// fingerprint identifies a change by user, device (case-insensitive) and payload.
func fingerprint(user, device string, p domain.Payload) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", user, strings.ToLower(device))
	_ = json.NewEncoder(h).Encode(p)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// AutoSource answers single-action requests the AutoApprover recognizes and asks
// Next for the rest. Human approvals are recorded for later matching.
type AutoSource struct {
	Next Source
	Auto *AutoApprover
}

func (s AutoSource) Decide(ctx context.Context, req ApprovalRequest) (Response, error) {
	if len(req.Actions) != 1 {
		return s.Next.Decide(ctx, req)
	}
	payload := req.Actions[0].Payload
	if ok, reason := s.Auto.ShouldAutoApprove(req.User, req.Device, payload); ok {
		return Response{Decisions: []Decision{{Type: DecisionApprove, Reason: reason, DecidedBy: "auto"}}}, nil
	}
	resp, err := s.Next.Decide(ctx, req)
	if err != nil {
		return resp, err
	}
	if d, err := resp.Collapse(); err == nil && d.Type == DecisionApprove {
		s.Auto.RecordManualApproval(req.User, req.Device, payload)
	}
	return resp, nil
}
