// Package policy decides which device commands may run.
//
// A Policy is an immutable snapshot built once from defaults, optional files and
// optional CEL rules. It is safe for concurrent use without locking; reloading
// means building a new Policy.
package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jkaninda/olav/internal/domain"
)

// DefaultBlacklist is always enforced, whatever the override files contain.
var DefaultBlacklist = []string{
	"traceroute",
	"reload",
	"reboot",
	"write erase",
	"erase startup-config",
	"format",
	"delete flash:",
	"delete disk:",
}

// Decision is the outcome of a pre-flight check.
type Decision struct {
	Blocked        bool   `json:"blocked"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
}

// Input is what a command is evaluated against.
type Input struct {
	Command  string
	Platform string
	Kind     domain.OperationKind
	Protocol domain.Protocol
}

// WhitelistEntry is one allowed command pattern for a platform.
type WhitelistEntry struct {
	Pattern          string // normalized, without the "!" and "*" markers
	Prefix           bool   // pattern ended with "*"
	RequiresApproval bool   // pattern started with "!"
}

// Options configures New.
type Options struct {
	BlacklistFile  string
	ExtraBlacklist []string
	// Whitelist maps platform → raw patterns ("show *", "!clear counters").
	Whitelist map[string][]string
	// WhitelistPath is a YAML file or a directory of <platform>.txt files.
	WhitelistPath string
	Rules         []Rule
}

// Policy is the immutable command policy snapshot.
type Policy struct {
	blacklist []blacklistEntry
	whitelist map[string][]WhitelistEntry
	rules     []compiledRule
	logger    *slog.Logger
}

// blacklistEntry keeps the configured spelling for messages next to the form
// commands are matched against.
type blacklistEntry struct {
	pattern string
	norm    string
}

// New builds a Policy. A missing or malformed blacklist file is logged and the
// defaults alone are enforced. Only CEL compile failures are returned as errors.
func New(opts Options, logger *slog.Logger) (*Policy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Policy{
		whitelist: make(map[string][]WhitelistEntry),
		logger:    logger,
	}

	seen := make(map[string]bool)
	add := func(pattern string) {
		n := Normalize(pattern)
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		p.blacklist = append(p.blacklist, blacklistEntry{pattern: strings.TrimSpace(pattern), norm: n})
	}
	for _, pattern := range DefaultBlacklist {
		add(pattern)
	}
	if opts.BlacklistFile != "" {
		entries, err := LoadBlacklistFile(opts.BlacklistFile)
		if err != nil {
			logger.Warn("blacklist file rejected, enforcing defaults only",
				slog.String("path", opts.BlacklistFile),
				slog.String("error", err.Error()),
			)
		} else {
			for _, e := range entries {
				add(e)
			}
		}
	}
	for _, e := range opts.ExtraBlacklist {
		add(e)
	}

	raw := make(map[string][]string)
	if opts.WhitelistPath != "" {
		loaded, err := LoadWhitelist(opts.WhitelistPath)
		if err != nil {
			// Fail closed: an unreadable whitelist allows nothing for the platforms it would have covered.
			logger.Warn("whitelist could not be loaded",
				slog.String("path", opts.WhitelistPath),
				slog.String("error", err.Error()),
			)
		}
		for platform, patterns := range loaded {
			raw[platform] = append(raw[platform], patterns...)
		}
	}
	for platform, patterns := range opts.Whitelist {
		raw[platform] = append(raw[platform], patterns...)
	}
	for platform, patterns := range raw {
		key := domain.NormalizePlatform(platform)
		for _, pattern := range patterns {
			if entry, ok := parseWhitelistEntry(pattern); ok {
				p.whitelist[key] = append(p.whitelist[key], entry)
			}
		}
	}

	rules, err := compileRules(opts.Rules)
	if err != nil {
		return nil, err
	}
	p.rules = rules

	logger.Debug("command policy built",
		slog.Int("blacklist", len(p.blacklist)),
		slog.Int("whitelist_platforms", len(p.whitelist)),
		slog.Int("rules", len(p.rules)),
	)
	return p, nil
}

// Normalize lowercases a command, treats hyphens as spaces and collapses whitespace.
func Normalize(command string) string {
	command = strings.ToLower(command)
	command = strings.ReplaceAll(command, "-", " ")
	return strings.Join(strings.Fields(command), " ")
}

// IsBlocked returns the first blacklist pattern contained in command, spelled as
// configured. Matching is on normalized text.
func (p *Policy) IsBlocked(command string) (string, bool) {
	n := Normalize(command)
	if n == "" {
		return "", false
	}
	for _, e := range p.blacklist {
		if strings.Contains(n, e.norm) {
			return e.pattern, true
		}
	}
	return "", false
}

// IsAllowed reports whether command matches the platform whitelist, exactly or by
// "prefix*" wildcard. Unknown platforms are rejected.
func (p *Policy) IsAllowed(command, platform string) bool {
	_, ok := p.matchWhitelist(command, platform)
	return ok
}

// RequiresApproval reports whether the matching whitelist entry is marked "!".
func (p *Policy) RequiresApproval(command, platform string) bool {
	e, ok := p.matchWhitelist(command, platform)
	return ok && e.RequiresApproval
}

// HasWhitelist reports whether any whitelist entries are loaded.
func (p *Policy) HasWhitelist() bool { return len(p.whitelist) > 0 }

// Blacklist returns the effective blacklist as configured.
func (p *Policy) Blacklist() []string {
	out := make([]string, len(p.blacklist))
	for i, e := range p.blacklist {
		out[i] = e.pattern
	}
	return out
}

// Evaluate runs the blacklist and then every CEL rule. A rule that errors blocks.
func (p *Policy) Evaluate(in Input) Decision {
	if pattern, blocked := p.IsBlocked(in.Command); blocked {
		return Decision{Blocked: true, MatchedPattern: pattern}
	}
	return p.EvaluateRules(in)
}

// EvaluateRules runs only the CEL rules. NETCONF bodies are blacklist-scanned with
// ScanPayload and then passed here.
func (p *Policy) EvaluateRules(in Input) Decision {
	for _, r := range p.rules {
		hit, err := r.eval(in)
		if err != nil {
			p.logger.Warn("policy rule evaluation failed, blocking",
				slog.String("rule", r.name),
				slog.String("error", err.Error()),
			)
			return Decision{Blocked: true, MatchedPattern: "rule:" + r.name}
		}
		if hit {
			return Decision{Blocked: true, MatchedPattern: "rule:" + r.name}
		}
	}
	return Decision{}
}

func (p *Policy) matchWhitelist(command, platform string) (WhitelistEntry, bool) {
	entries, ok := p.whitelist[domain.NormalizePlatform(platform)]
	if !ok {
		return WhitelistEntry{}, false
	}
	n := Normalize(command)
	for _, e := range entries {
		if e.Prefix {
			if strings.HasPrefix(n, e.Pattern) {
				return e, true
			}
			continue
		}
		if n == e.Pattern {
			return e, true
		}
	}
	return WhitelistEntry{}, false
}

func parseWhitelistEntry(raw string) (WhitelistEntry, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "#") {
		return WhitelistEntry{}, false
	}
	var e WhitelistEntry
	if strings.HasPrefix(s, "!") {
		e.RequiresApproval = true
		s = strings.TrimSpace(s[1:])
	}
	if strings.HasSuffix(s, "*") {
		e.Prefix = true
		s = s[:len(s)-1]
	}
	// Keep a trailing space on prefix patterns ("show *" must not match "shows").
	trailingSpace := e.Prefix && strings.HasSuffix(s, " ")
	e.Pattern = Normalize(s)
	if trailingSpace && e.Pattern != "" {
		e.Pattern += " "
	}
	if e.Pattern == "" && !e.Prefix {
		return WhitelistEntry{}, false
	}
	return e, true
}

// String is used by `olav policy show`.
func (e WhitelistEntry) String() string {
	s := e.Pattern
	if e.Prefix {
		s += "*"
	}
	if e.RequiresApproval {
		s = "!" + s
	}
	return s
}

// Whitelist returns the entries for a platform.
func (p *Policy) Whitelist(platform string) []WhitelistEntry {
	entries := p.whitelist[domain.NormalizePlatform(platform)]
	out := make([]WhitelistEntry, len(entries))
	copy(out, entries)
	return out
}

// Platforms lists the platforms that have whitelist entries, sorted.
func (p *Policy) Platforms() []string {
	out := make([]string, 0, len(p.whitelist))
	for platform := range p.whitelist {
		out = append(out, platform)
	}
	sort.Strings(out)
	return out
}

// Describe renders a decision for error messages.
func (d Decision) Describe() string {
	if !d.Blocked {
		return "allowed"
	}
	return fmt.Sprintf("blacklisted pattern: '%s'", d.MatchedPattern)
}
