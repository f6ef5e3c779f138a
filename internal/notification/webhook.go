package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a channel has a secret.
const SignatureHeader = "X-Olav-Signature"

// WebhookSender POSTs a JSON event to the channel's "url". Private and loopback
// hosts are refused unless the channel sets "allow_private". A channel "secret"
// signs the body.
type WebhookSender struct {
	httpClient *http.Client
	resolver   *net.Resolver
	logger     *slog.Logger
}

// WebhookEvent is the JSON body of a webhook notification.
type WebhookEvent struct {
	Event    string            `json:"event"`
	Channel  string            `json:"channel"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// A redirect could point at an internal host after the check passed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		resolver: net.DefaultResolver,
		logger:   logger,
	}
}

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, ch *Channel, msg *Message) error {
	target := ch.Config["url"]
	if target == "" {
		return fmt.Errorf("webhook channel %q has no url", ch.Name)
	}
	if ch.Config["allow_private"] != "true" {
		if err := s.checkPublic(ctx, target); err != nil {
			return fmt.Errorf("webhook URL rejected: %w", err)
		}
	}

	body, err := json.Marshal(WebhookEvent{
		Event:    msg.eventName(),
		Channel:  ch.Name,
		Subject:  msg.Subject,
		Body:     msg.Body,
		Metadata: msg.Metadata,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Olav-Webhook/1.0")
	if secret := ch.Config["secret"]; secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign([]byte(secret), body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in SignatureHeader.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// checkPublic requires an http(s) URL whose host resolves only to public addresses.
func (s *WebhookSender) checkPublic(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}

	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	} else {
		ips, err := s.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", host, err)
		}
		addrs = ips
	}
	for _, a := range addrs {
		a = a.Unmap()
		if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsUnspecified() {
			return fmt.Errorf("%s resolves to non-public address %s", host, a)
		}
	}
	return nil
}
