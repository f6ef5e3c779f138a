// Package notification tells approvers that a configuration change is waiting for
// them. Channels are configured statically; each send is logged, and a failing
// channel never affects the request that triggered it.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/olav/internal/approval"
)

// EventApprovalPending is sent when a write is left waiting for an approver.
const EventApprovalPending = "approval.pending"

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("slack", "webhook").
	Type() string
	// Send delivers a message to the target specified by the channel config.
	Send(ctx context.Context, ch *Channel, msg *Message) error
}

// Channel is one configured destination.
type Channel struct {
	Name   string
	Type   string
	Config map[string]string // "url" for webhook, "channel_id" for slack.
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Event    string            // Machine-readable kind, such as "approval.pending".
	Subject  string            // Used as a heading by chat channels.
	Body     string            // Plain text body.
	Metadata map[string]string // approval_id, device, user, expires_at.
}

// Dispatcher routes messages to the Sender registered for each channel's type.
// Senders are registered at startup; Notify is safe for concurrent use after that.
type Dispatcher struct {
	senders  map[string]Sender
	channels []Channel
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher for the given channels.
func NewDispatcher(channels []Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		senders:  make(map[string]Sender),
		channels: channels,
		logger:   logger,
	}
}

// RegisterSender adds a channel backend. Not safe for concurrent use; call at startup only.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.senders[s.Type()] = s
}

// Notify sends msg to every channel. Returns per-channel errors keyed by channel
// name (nil = success).
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) map[string]error {
	if d == nil {
		return nil
	}
	results := make(map[string]error, len(d.channels))
	for i := range d.channels {
		ch := &d.channels[i]
		sender, ok := d.senders[ch.Type]
		if !ok {
			results[ch.Name] = fmt.Errorf("no sender registered for channel type %q", ch.Type)
			d.logger.WarnContext(ctx, "notification channel has no sender",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
			)
			continue
		}

		err := sender.Send(ctx, ch, msg)
		results[ch.Name] = err
		if err != nil {
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("channel", ch.Name),
			slog.String("type", ch.Type),
		)
	}
	return results
}

// ApprovalMessage describes a pending approval. The token is left out: it is a
// bearer credential and approvers resume by ID.
func ApprovalMessage(t *approval.Ticket) *Message {
	req := t.Request
	body := fmt.Sprintf("%s\nDevice: %s\nRequested by: %s\nExpires: %s\nApprove with: olav approvals approve %s",
		req.Description, req.Device, orDash(req.User), req.ExpiresAt.UTC().Format(time.RFC3339), req.ID)
	return &Message{
		Event:   EventApprovalPending,
		Subject: "Approval required on " + req.Device,
		Body:    body,
		Metadata: map[string]string{
			"approval_id": req.ID.String(),
			"device":      req.Device,
			"user":        req.User,
			"expires_at":  req.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}
}

func (m *Message) eventName() string {
	if m.Event != "" {
		return m.Event
	}
	return "notification"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
