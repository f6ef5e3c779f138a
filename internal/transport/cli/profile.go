package cli

import (
	"regexp"
	"strings"
)

// Profile captures how one network OS behaves at the prompt.
type Profile struct {
	Platform       string
	Prompt         *regexp.Regexp // matched against the last line of output
	PasswordPrompt *regexp.Regexp
	DisablePaging  string
	EnableCommand  string // empty when the OS has no enable mode
	ConfigEnter    string
	ConfigExit     string
	ConfigCommit   string // empty when changes apply immediately
	ConfigAbort    string // discards uncommitted changes after a failure
	RunningConfig  string
	PrivilegeQuery string // empty when the OS has no numeric privilege levels
	ErrorMarkers   []string
}

var passwordPrompt = regexp.MustCompile(`(?i)(password|secret):\s*$`)

var iosErrors = []string{"% Invalid", "% Incomplete", "% Ambiguous", "% Unknown command", "% Error"}

var profiles = map[string]Profile{
	"cisco_ios": {
		Prompt:         regexp.MustCompile(`^[\w.\-@/:]+(\([\w.\-/]+\))?[>#]\s*$`),
		DisablePaging:  "terminal length 0",
		EnableCommand:  "enable",
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		RunningConfig:  "show running-config",
		PrivilegeQuery: "show privilege",
		ErrorMarkers:   iosErrors,
	},
	"cisco_nxos": {
		Prompt:         regexp.MustCompile(`^[\w.\-@/:]+(\([\w.\-/]+\))?#\s*$`),
		DisablePaging:  "terminal length 0",
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		RunningConfig:  "show running-config",
		PrivilegeQuery: "show privilege",
		ErrorMarkers:   iosErrors,
	},
	"arista_eos": {
		Prompt:         regexp.MustCompile(`^[\w.\-@/:]+(\([\w.\-/]+\))?[>#]\s*$`),
		DisablePaging:  "terminal length 0",
		EnableCommand:  "enable",
		ConfigEnter:    "configure terminal",
		ConfigExit:     "end",
		RunningConfig:  "show running-config",
		PrivilegeQuery: "show privilege",
		ErrorMarkers:   []string{"% Invalid", "% Incomplete", "% Ambiguous", "% Error"},
	},
	"juniper_junos": {
		Prompt:        regexp.MustCompile(`^([\w.\-]+@)?[\w.\-]+[>#%]\s*$`),
		DisablePaging: "set cli screen-length 0",
		ConfigEnter:   "configure",
		ConfigExit:    "exit configuration-mode",
		ConfigCommit:  "commit",
		ConfigAbort:   "rollback 0",
		RunningConfig: "show configuration | display set",
		ErrorMarkers:  []string{"syntax error", "error:", "unknown command", "missing argument"},
	},
	"huawei_vrp": {
		Prompt:        regexp.MustCompile(`^[<\[]~?[\w.\-@/:]+(-[\w.\-/]+)?[>\]]\s*$`),
		DisablePaging: "screen-length 0 temporary",
		ConfigEnter:   "system-view",
		ConfigExit:    "return",
		RunningConfig: "display current-configuration",
		ErrorMarkers:  []string{"Error:", "Unrecognized command", "Incomplete command"},
	},
}

func init() {
	profiles["cisco_xe"] = withPlatform(profiles["cisco_ios"], "cisco_xe")
	for name, p := range profiles {
		profiles[name] = withPlatform(p, name)
	}
}

func withPlatform(p Profile, name string) Profile {
	p.Platform = name
	if p.PasswordPrompt == nil {
		p.PasswordPrompt = passwordPrompt
	}
	return p
}

// defaultProfile is used for platforms without a dedicated profile.
var defaultProfile = Profile{
	Platform:       "default",
	Prompt:         regexp.MustCompile(`[>#$%\]]\s*$`),
	PasswordPrompt: passwordPrompt,
	RunningConfig:  "show running-config",
	ErrorMarkers:   []string{"% Invalid", "% Error", "error:"},
}

// ProfileFor returns the profile for a normalized platform id.
func ProfileFor(platform string) Profile {
	if p, ok := profiles[platform]; ok {
		return p
	}
	return defaultProfile
}

// ErrorIn returns the first output line carrying one of the profile's error markers.
func (p Profile) ErrorIn(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		for _, m := range p.ErrorMarkers {
			if strings.Contains(strings.ToLower(line), strings.ToLower(m)) {
				return strings.TrimSpace(line), true
			}
		}
	}
	return "", false
}

// IsPrompt reports whether line is a prompt for this platform.
func (p Profile) IsPrompt(line string) bool {
	return p.Prompt.MatchString(strings.TrimRight(line, "\r "))
}
