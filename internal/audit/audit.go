// Package audit defines the audit record emitted once per sandbox execution and the
// sinks that persist it.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Actions written by the sandbox.
const (
	ActionCLIQuery              = "cli_query"
	ActionCLIQueryError         = "cli_query_error"
	ActionCLIConfig             = "cli_config"
	ActionCLIConfigError        = "cli_config_error"
	ActionNetconfExecute        = "netconf_execute"
	ActionNetconfExecuteError   = "netconf_execute_error"
	ActionRejected              = "rejected"
	ActionApprovalPending       = "approval_pending"
	ActionApprovalExpired       = "approval_expired"
	ActionApprovalCancelled     = "approval_cancelled"
	ActionCLIBlacklistBlock     = "cli_blacklist_block"
	ActionNetconfBlacklistBlock = "netconf_blacklist_block"
	ActionCLIWhitelistBlock     = "cli_whitelist_block"
	ActionDeviceNotFound        = "device_not_found"
	ActionInvalidRequest        = "invalid_request"
)

// Record is one audit entry.
type Record struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Action        string         `json:"action"`
	Device        string         `json:"device"`
	Command       string         `json:"command"`
	Result        map[string]any `json:"result,omitempty"`
	Success       bool           `json:"success"`
	User          string         `json:"user,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	PrevHash      string         `json:"prev_hash,omitempty"`
	Hash          string         `json:"hash,omitempty"`
}

// Sink persists audit records. Implementations must accept concurrent writes
// without interleaving records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Tailer is implemented by sinks that can report the hash of their last record,
// which lets a Chain continue across restarts.
type Tailer interface {
	LastHash(ctx context.Context) (string, error)
}

// Fill sets the ID and timestamp when missing. Timestamps are UTC at microsecond
// precision so they survive a database round-trip unchanged.
func Fill(rec Record, now time.Time) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	return rec
}

// MultiSink fans a record out to several sinks. Every sink is attempted.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter narrows a read of stored records. Zero fields match everything.
// Records are always returned in write order.
type Filter struct {
	Device        string
	User          string
	CorrelationID string
	Since         time.Time
	Limit         int
}

// Match reports whether rec passes the filter, ignoring Limit.
func (f Filter) Match(rec Record) bool {
	if f.Device != "" && !strings.EqualFold(f.Device, rec.Device) {
		return false
	}
	if f.User != "" && f.User != rec.User {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != rec.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
