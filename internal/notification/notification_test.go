package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/olav/internal/approval"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTicket() *approval.Ticket {
	return &approval.Ticket{
		Request: approval.ApprovalRequest{
			ID:          uuid.MustParse("7b0e1a9e-2f43-4c1b-9d1e-5a2f0c3b4d5e"),
			Description: "Apply 2 config lines on R1",
			Device:      "R1",
			User:        "alice",
			ExpiresAt:   time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		},
		Token: "secret-token",
	}
}

func TestApprovalMessageOmitsToken(t *testing.T) {
	msg := ApprovalMessage(testTicket())
	if strings.Contains(msg.Body, "secret-token") {
		t.Fatal("message body carries the approval token")
	}
	for k, v := range msg.Metadata {
		if strings.Contains(v, "secret-token") {
			t.Fatalf("metadata %s carries the approval token", k)
		}
	}
	if msg.Metadata["approval_id"] != "7b0e1a9e-2f43-4c1b-9d1e-5a2f0c3b4d5e" {
		t.Errorf("approval_id = %q", msg.Metadata["approval_id"])
	}
	if !strings.Contains(msg.Body, "olav approvals approve 7b0e1a9e") {
		t.Errorf("body has no resume hint: %q", msg.Body)
	}
}

func TestWebhookSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(testLogger())
	ch := &Channel{Name: "ops", Type: "webhook", Config: map[string]string{"url": srv.URL, "allow_private": "true"}}
	if err := s.Send(context.Background(), ch, ApprovalMessage(testTicket())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["subject"] != "Approval required on R1" || got["channel"] != "ops" || got["event"] != EventApprovalPending {
		t.Errorf("payload = %v", got)
	}
}

func TestWebhookSender_Signature(t *testing.T) {
	var sig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(SignatureHeader)
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	s := NewWebhookSender(testLogger())
	ch := &Channel{Name: "ops", Config: map[string]string{"url": srv.URL, "allow_private": "true", "secret": "s3cret"}}
	if err := s.Send(context.Background(), ch, &Message{Body: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if want := "sha256=" + Sign([]byte("s3cret"), body); sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
}

func TestWebhookSender_RejectsLoopbackByDefault(t *testing.T) {
	s := NewWebhookSender(testLogger())
	ch := &Channel{Name: "ops", Type: "webhook", Config: map[string]string{"url": "http://127.0.0.1:9/hook"}}
	err := s.Send(context.Background(), ch, &Message{Body: "x"})
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestWebhookSender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(testLogger())
	ch := &Channel{Name: "ops", Config: map[string]string{"url": srv.URL, "allow_private": "true"}}
	if err := s.Send(context.Background(), ch, &Message{Body: "x"}); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}

func TestSlackSender(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr string
	}{
		{"ok", `{"ok":true}`, ""},
		{"api error", `{"ok":false,"error":"channel_not_found"}`, "channel_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer xoxb-test" {
					t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
				}
				var body slackPost
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Errorf("decoding body: %v", err)
				}
				if body.Channel != "C123" || !strings.HasPrefix(body.Text, "*Approval required on R1*") {
					t.Errorf("body = %+v", body)
				}
				if len(body.Blocks) != 3 || body.Blocks[0].Text.Text != "Approval required on R1" {
					t.Errorf("blocks = %+v", body.Blocks)
				}
				_, _ = io.WriteString(w, tt.reply)
			}))
			defer srv.Close()

			s := NewSlackSender("xoxb-test", testLogger())
			s.apiURL = srv.URL
			err := s.Send(context.Background(), &Channel{Name: "netops", Config: map[string]string{"channel_id": "C123"}}, ApprovalMessage(testTicket()))
			if tt.wantErr == "" && err != nil {
				t.Fatalf("Send: %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestSlackSender_ChannelToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	s := NewSlackSender("", testLogger())
	s.apiURL = srv.URL
	ch := &Channel{Name: "netops", Config: map[string]string{"channel_id": "C1", "bot_token": "xoxb-chan"}}
	if err := s.Send(context.Background(), ch, &Message{Body: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer xoxb-chan" {
		t.Errorf("Authorization = %q", auth)
	}

	delete(ch.Config, "bot_token")
	if err := s.Send(context.Background(), ch, &Message{Body: "x"}); err == nil {
		t.Fatal("expected error without a token")
	}
}

type stubSender struct {
	typ  string
	err  error
	sent []string
}

func (s *stubSender) Type() string { return s.typ }
func (s *stubSender) Send(_ context.Context, ch *Channel, _ *Message) error {
	s.sent = append(s.sent, ch.Name)
	return s.err
}

func TestDispatcher_PerChannelResults(t *testing.T) {
	good := &stubSender{typ: "webhook"}
	bad := &stubSender{typ: "slack", err: errors.New("boom")}
	d := NewDispatcher([]Channel{
		{Name: "hook", Type: "webhook"},
		{Name: "chat", Type: "slack"},
		{Name: "pager", Type: "pagerduty"},
	}, testLogger())
	d.RegisterSender(good)
	d.RegisterSender(bad)

	res := d.Notify(context.Background(), &Message{Body: "x"})
	if res["hook"] != nil {
		t.Errorf("hook: %v", res["hook"])
	}
	if res["chat"] == nil || res["pager"] == nil {
		t.Errorf("expected failures for chat and pager, got %v", res)
	}
	if len(good.sent) != 1 || len(bad.sent) != 1 {
		t.Errorf("sent: good=%v bad=%v", good.sent, bad.sent)
	}
}

func TestDispatcher_NilSafe(t *testing.T) {
	var d *Dispatcher
	if res := d.Notify(context.Background(), &Message{}); res != nil {
		t.Errorf("nil dispatcher returned %v", res)
	}
}
