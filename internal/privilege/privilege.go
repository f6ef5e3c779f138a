// Package privilege detects a device's CLI privilege level and decides whether
// the sandbox should escalate before running a command.
package privilege

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMinRequired is the Cisco-style full administrative level.
const DefaultMinRequired = 15

// DefaultQuery is sent when a platform does not define its own.
const DefaultQuery = "show privilege"

var (
	levelPattern     = regexp.MustCompile(`(?i)privilege level (is )?(\d+)`)
	bareDigitPattern = regexp.MustCompile(`^\s*(\d+)\s*$`)
)

// CommandSender sends a single command on an open CLI session.
type CommandSender interface {
	Send(ctx context.Context, command string) (string, error)
}

// Config controls escalation.
type Config struct {
	MinRequired int
	// ForceEnable must be set for any escalation to happen.
	ForceEnable bool
}

// Manager holds the escalation settings. It has no per-call state.
type Manager struct {
	minRequired int
	forceEnable bool
	logger      *slog.Logger
}

// NewManager creates a Manager. A zero MinRequired means DefaultMinRequired.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.MinRequired <= 0 {
		cfg.MinRequired = DefaultMinRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		minRequired: cfg.MinRequired,
		forceEnable: cfg.ForceEnable,
		logger:      logger,
	}
}

// MinRequired returns the configured threshold.
func (m *Manager) MinRequired() int { return m.minRequired }

// GetPrivilegeLevel runs query on the session and parses the level.
// It returns nil when the query fails or the output is not understood; it never errors.
func (m *Manager) GetPrivilegeLevel(ctx context.Context, p CommandSender, query string) *int {
	if query == "" {
		query = DefaultQuery
	}
	out, err := p.Send(ctx, query)
	if err != nil {
		m.logger.Debug("privilege query failed",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return ParseLevel(out)
}

// ShouldEscalate is true only when ForceEnable is set and the level is unknown or below the threshold.
func (m *Manager) ShouldEscalate(level *int) bool {
	if !m.forceEnable {
		return false
	}
	return level == nil || *level < m.minRequired
}

// ParseLevel extracts a privilege level from "show privilege" style output.
func ParseLevel(output string) *int {
	if match := levelPattern.FindStringSubmatch(output); match != nil {
		if n, err := strconv.Atoi(match[2]); err == nil {
			return &n
		}
	}
	for _, line := range strings.Split(output, "\n") {
		if match := bareDigitPattern.FindStringSubmatch(line); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil {
				return &n
			}
		}
	}
	return nil
}
