// Package domain defines the entity types shared by the sandbox, its transports
// and its collaborators (inventory, approvals, audit).
package domain

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Protocol identifies the transport a request is dispatched over.
type Protocol string

const (
	ProtocolCLI     Protocol = "cli"
	ProtocolNetconf Protocol = "netconf"
)

// OperationKind tells whether a request can change device state.
type OperationKind string

const (
	KindRead  OperationKind = "read"
	KindWrite OperationKind = "write"
)

const (
	DefaultCLIPort     = 22
	DefaultNetconfPort = 830
)

// Credentials holds the login material for a device.
// Password and EnableSecret may be literal values or secret references
// ("env://VAR", "file:///path", "vault://path#field"); references are only
// resolved by the transport at connect time.
type Credentials struct {
	Username     string `json:"username" yaml:"username"`
	Password     string `json:"password,omitempty" yaml:"password,omitempty"`
	EnableSecret string `json:"enable_secret,omitempty" yaml:"enable_secret,omitempty"`
}

// Device is an inventory record. Owned by the inventory provider, read-only to the sandbox.
type Device struct {
	ID          uuid.UUID         `json:"id" yaml:"id,omitempty"`
	Name        string            `json:"name" yaml:"name"`
	Aliases     []string          `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Hostname    string            `json:"hostname" yaml:"hostname"`
	CLIPort     int               `json:"cli_port,omitempty" yaml:"cli_port,omitempty"`
	NetconfPort int               `json:"netconf_port,omitempty" yaml:"netconf_port,omitempty"`
	Platform    string            `json:"platform" yaml:"platform"`
	Credentials Credentials       `json:"credentials" yaml:"credentials"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Disabled    bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// CLIAddr returns host:port for the SSH CLI.
func (d *Device) CLIAddr() string {
	port := d.CLIPort
	if port <= 0 {
		port = DefaultCLIPort
	}
	return net.JoinHostPort(d.Hostname, strconv.Itoa(port))
}

// NetconfAddr returns host:port for the NETCONF SSH subsystem.
func (d *Device) NetconfAddr() string {
	port := d.NetconfPort
	if port <= 0 {
		port = DefaultNetconfPort
	}
	return net.JoinHostPort(d.Hostname, strconv.Itoa(port))
}

// Sanitized returns a copy of the device safe for logs and audit output.
func (d Device) Sanitized() map[string]any {
	return map[string]any{
		"name":     d.Name,
		"hostname": d.Hostname,
		"platform": d.Platform,
		"user":     d.Credentials.Username,
	}
}

var platformAliases = map[string]string{
	"ios":         "cisco_ios",
	"cisco":       "cisco_ios",
	"iosxe":       "cisco_xe",
	"ios_xe":      "cisco_xe",
	"ios-xe":      "cisco_xe",
	"nxos":        "cisco_nxos",
	"nx-os":       "cisco_nxos",
	"eos":         "arista_eos",
	"arista":      "arista_eos",
	"junos":       "juniper_junos",
	"juniper":     "juniper_junos",
	"vrp":         "huawei_vrp",
	"huawei":      "huawei_vrp",
	"cisco_iosxe": "cisco_xe",
}

// NormalizePlatform maps vendor OS spellings onto the canonical platform ids.
func NormalizePlatform(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if canonical, ok := platformAliases[p]; ok {
		return canonical
	}
	return p
}

// NetconfOperation names a NETCONF RPC (or a shorthand that maps onto edit-config).
type NetconfOperation string

const (
	NetconfGet        NetconfOperation = "get"
	NetconfGetConfig  NetconfOperation = "get-config"
	NetconfEditConfig NetconfOperation = "edit-config"
	NetconfCommit     NetconfOperation = "commit"
	// Shorthands for edit-config with a default-operation of merge, none and replace.
	NetconfSet     NetconfOperation = "set"
	NetconfDelete  NetconfOperation = "delete"
	NetconfReplace NetconfOperation = "replace"
)

// IsWrite reports whether the operation can change device state.
func (o NetconfOperation) IsWrite() bool {
	switch o {
	case NetconfEditConfig, NetconfCommit, NetconfSet, NetconfDelete, NetconfReplace:
		return true
	}
	return false
}

// Valid reports whether o is a known operation.
func (o NetconfOperation) Valid() bool {
	switch o {
	case NetconfGet, NetconfGetConfig:
		return true
	}
	return o.IsWrite()
}

// NetconfOp is a single NETCONF request.
type NetconfOp struct {
	Operation NetconfOperation `json:"operation" yaml:"operation"`
	XPath     string           `json:"xpath,omitempty" yaml:"xpath,omitempty"`
	Config    string           `json:"config,omitempty" yaml:"config,omitempty"`
	Target    string           `json:"target,omitempty" yaml:"target,omitempty"` // "candidate" or "running"
}

// Payload is exactly one of: a CLI command, an ordered list of CLI config lines, or a NETCONF op.
type Payload struct {
	Command     string     `json:"command,omitempty" yaml:"command,omitempty"`
	ConfigLines []string   `json:"config_lines,omitempty" yaml:"config_lines,omitempty"`
	Netconf     *NetconfOp `json:"netconf,omitempty" yaml:"netconf,omitempty"`
}

var ErrInvalidPayload = errors.New("invalid payload")

// Validate checks that exactly one payload variant is set.
func (p Payload) Validate() error {
	set := 0
	if strings.TrimSpace(p.Command) != "" {
		set++
		if err := singleLine("command", p.Command); err != nil {
			return err
		}
	}
	if len(p.ConfigLines) > 0 {
		set++
		for i, line := range p.ConfigLines {
			if err := singleLine(fmt.Sprintf("config_lines[%d]", i), line); err != nil {
				return err
			}
		}
	}
	if p.Netconf != nil {
		set++
		if !p.Netconf.Operation.Valid() {
			return fmt.Errorf("%w: unknown netconf operation %q", ErrInvalidPayload, p.Netconf.Operation)
		}
		if p.Netconf.Operation != NetconfCommit && p.Netconf.Operation.IsWrite() && strings.TrimSpace(p.Netconf.Config) == "" {
			return fmt.Errorf("%w: %s requires a config body", ErrInvalidPayload, p.Netconf.Operation)
		}
		switch p.Netconf.Target {
		case "", "candidate", "running":
		default:
			return fmt.Errorf("%w: netconf target must be candidate or running, got %q", ErrInvalidPayload, p.Netconf.Target)
		}
	}
	switch set {
	case 0:
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	case 1:
		return nil
	default:
		return fmt.Errorf("%w: command, config_lines and netconf are mutually exclusive", ErrInvalidPayload)
	}
}

// singleLine rejects control characters other than tab. A device shell treats
// CR or LF as the end of a command, so one payload entry must be one line.
func singleLine(field, s string) error {
	for i, r := range s {
		if r != '\t' && unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control character %U at byte %d", ErrInvalidPayload, field, r, i)
		}
	}
	return nil
}

// Protocol returns the transport this payload needs.
func (p Payload) Protocol() Protocol {
	if p.Netconf != nil {
		return ProtocolNetconf
	}
	return ProtocolCLI
}

// IsConfig reports whether the payload is a CLI configuration sequence.
func (p Payload) IsConfig() bool { return len(p.ConfigLines) > 0 }

// Text renders the payload the way it is shown to approvers and written to the audit log.
func (p Payload) Text() string {
	switch {
	case p.Netconf != nil:
		var b strings.Builder
		b.WriteString(string(p.Netconf.Operation))
		if p.Netconf.XPath != "" {
			b.WriteString(" xpath=" + p.Netconf.XPath)
		}
		if p.Netconf.Target != "" {
			b.WriteString(" target=" + p.Netconf.Target)
		}
		if p.Netconf.Config != "" {
			b.WriteString(" " + p.Netconf.Config)
		}
		return b.String()
	case len(p.ConfigLines) > 0:
		return strings.Join(p.ConfigLines, "\n")
	default:
		return p.Command
	}
}

// CommandRequest is one unit of work for the sandbox.
type CommandRequest struct {
	Device        string        `json:"device" yaml:"device"`
	Kind          OperationKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Payload       Payload       `json:"payload" yaml:"payload"`
	CaptureDiff   *bool         `json:"capture_diff,omitempty" yaml:"capture_diff,omitempty"`
	RawOutput     bool          `json:"raw_output,omitempty" yaml:"raw_output,omitempty"`
	User          string        `json:"user,omitempty" yaml:"user,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
}

// Validate checks the request shape. It does not consult policy.
func (r *CommandRequest) Validate() error {
	if r == nil {
		return errors.New("nil request")
	}
	if strings.TrimSpace(r.Device) == "" {
		return errors.New("device is required")
	}
	switch r.Kind {
	case "", KindRead, KindWrite:
	default:
		return fmt.Errorf("unknown operation kind %q", r.Kind)
	}
	return r.Payload.Validate()
}

// IntrinsicKind classifies the payload on its own: NETCONF write operations and
// CLI config sequences are writes. An explicit KindWrite on the request is honored;
// an explicit KindRead never downgrades a write payload.
func (r *CommandRequest) IntrinsicKind() OperationKind {
	if r.Kind == KindWrite {
		return KindWrite
	}
	if r.Payload.Netconf != nil && r.Payload.Netconf.Operation.IsWrite() {
		return KindWrite
	}
	if r.Payload.IsConfig() {
		return KindWrite
	}
	return KindRead
}

// WithPayload returns a copy of r carrying p.
func (r CommandRequest) WithPayload(p Payload) CommandRequest {
	r.Payload = p
	return r
}

// BoolPtr is a small helper for optional flags.
func BoolPtr(v bool) *bool { return &v }
