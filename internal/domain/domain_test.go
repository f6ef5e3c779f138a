package domain

import (
	"errors"
	"testing"
)

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"command", Payload{Command: "show version"}, false},
		{"config", Payload{ConfigLines: []string{"interface Lo11"}}, false},
		{"netconf get-config", Payload{Netconf: &NetconfOp{Operation: NetconfGetConfig, XPath: "/interfaces"}}, false},
		{"netconf commit without body", Payload{Netconf: &NetconfOp{Operation: NetconfCommit}}, false},
		{"empty", Payload{}, true},
		{"blank command", Payload{Command: "   "}, true},
		{"two variants", Payload{Command: "show version", ConfigLines: []string{"hostname x"}}, true},
		{"unknown netconf op", Payload{Netconf: &NetconfOp{Operation: "kill-session"}}, true},
		{"edit-config without body", Payload{Netconf: &NetconfOp{Operation: NetconfEditConfig}}, true},
		{"command with newline", Payload{Command: "show clock\nclear counters"}, true},
		{"command with carriage return", Payload{Command: "show clock\rreload"}, true},
		{"command with escape", Payload{Command: "show clock\x1b[A"}, true},
		{"command with tab", Payload{Command: "show\tclock"}, false},
		{"config line with newline", Payload{ConfigLines: []string{"interface Lo11", "description x\nusername y secret z"}}, true},
		{"config line with NUL", Payload{ConfigLines: []string{"hostname r1\x00"}}, true},
		{"bad target", Payload{Netconf: &NetconfOp{Operation: NetconfEditConfig, Config: "<a/>", Target: "startup"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("error %v does not wrap ErrInvalidPayload", err)
			}
		})
	}
}

func TestIntrinsicKind(t *testing.T) {
	tests := []struct {
		name string
		req  CommandRequest
		want OperationKind
	}{
		{"show command", CommandRequest{Payload: Payload{Command: "show version"}}, KindRead},
		{"config lines", CommandRequest{Payload: Payload{ConfigLines: []string{"no shutdown"}}}, KindWrite},
		{"get-config", CommandRequest{Payload: Payload{Netconf: &NetconfOp{Operation: NetconfGetConfig}}}, KindRead},
		{"edit-config", CommandRequest{Payload: Payload{Netconf: &NetconfOp{Operation: NetconfEditConfig, Config: "<x/>"}}}, KindWrite},
		{"set", CommandRequest{Payload: Payload{Netconf: &NetconfOp{Operation: NetconfSet, Config: "<x/>"}}}, KindWrite},
		{"explicit write", CommandRequest{Kind: KindWrite, Payload: Payload{Command: "clear counters"}}, KindWrite},
		{"read label cannot downgrade", CommandRequest{Kind: KindRead, Payload: Payload{ConfigLines: []string{"hostname x"}}}, KindWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.IntrinsicKind(); got != tt.want {
				t.Errorf("IntrinsicKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceAddrDefaults(t *testing.T) {
	d := Device{Hostname: "10.0.0.1"}
	if got := d.CLIAddr(); got != "10.0.0.1:22" {
		t.Errorf("CLIAddr() = %q", got)
	}
	if got := d.NetconfAddr(); got != "10.0.0.1:830" {
		t.Errorf("NetconfAddr() = %q", got)
	}
	d.CLIPort, d.NetconfPort = 2222, 8300
	if got := d.CLIAddr(); got != "10.0.0.1:2222" {
		t.Errorf("CLIAddr() = %q", got)
	}
	if got := d.NetconfAddr(); got != "10.0.0.1:8300" {
		t.Errorf("NetconfAddr() = %q", got)
	}
}

func TestNormalizePlatform(t *testing.T) {
	for in, want := range map[string]string{
		"IOS":           "cisco_ios",
		" junos ":       "juniper_junos",
		"eos":           "arista_eos",
		"cisco_ios":     "cisco_ios",
		"unknown_thing": "unknown_thing",
	} {
		if got := NormalizePlatform(in); got != want {
			t.Errorf("NormalizePlatform(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPayloadText(t *testing.T) {
	p := Payload{ConfigLines: []string{"interface Lo11", "no shutdown"}}
	if got := p.Text(); got != "interface Lo11\nno shutdown" {
		t.Errorf("Text() = %q", got)
	}
	n := Payload{Netconf: &NetconfOp{Operation: NetconfGetConfig, XPath: "/system"}}
	if got := n.Text(); got != "get-config xpath=/system" {
		t.Errorf("Text() = %q", got)
	}
}
