package cli

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestTemplate_FilldownAndList(t *testing.T) {
	tmpl, err := CompileTemplate("vlans", IndexEntry{Platforms: []string{"cisco_ios"}, Command: `^show vlan$`}, `Value Filldown SWITCH (\S+)
Value Required VLAN (\d+)
Value List PORTS (\S+)

Start
  ^Switch ${SWITCH}$$
  ^\d+\s -> Continue.Record
  ^${VLAN}\s+\w+\s+${PORTS}
  ^\s+${PORTS}$$
`)
	if err != nil {
		t.Fatalf("CompileTemplate: %v", err)
	}

	out := "Switch sw1\n10 users Gi0/1\n     Gi0/2\n20 voice Gi0/3\n"
	want := []map[string]any{
		{"switch": "sw1", "vlan": "10", "ports": []string{"Gi0/1", "Gi0/2"}},
		{"switch": "sw1", "vlan": "20", "ports": []string{"Gi0/3"}},
	}
	// The second run must not see values left over from the first.
	for run := 0; run < 2; run++ {
		got, err := tmpl.Parse(out)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("run %d: Parse = %v, want %v", run, got, want)
		}
	}
}

func TestTemplate_ErrorAction(t *testing.T) {
	tmpl, err := CompileTemplate("strict", IndexEntry{Platforms: []string{"cisco_ios"}, Command: `^show x$`}, `Value A (\d+)

Start
  ^a=${A}$$
  ^. -> Error
`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpl.Parse("a=1\nunexpected"); !errors.Is(err, ErrParseState) || !IsParseFailure(err) {
		t.Errorf("err = %v, want state error", err)
	}
	if _, err := tmpl.Parse("nothing here\n"); err == nil {
		t.Error("expected a failure on unmatched output")
	}
	if _, err := tmpl.Parse(""); !errors.Is(err, ErrNoRecords) {
		t.Errorf("empty output: %v", err)
	}
}

func TestCompileTemplate_Invalid(t *testing.T) {
	const valid = "Value A (\\d+)\n\nStart\n  ^${A}$$\n"
	entry := IndexEntry{Platforms: []string{"cisco_ios"}, Command: `^show x$`}
	tests := map[string]struct {
		entry  IndexEntry
		source string
	}{
		"no platforms":     {IndexEntry{Command: `^show x$`}, valid},
		"bad command":      {IndexEntry{Platforms: []string{"cisco_ios"}, Command: `(`}, valid},
		"no start":         {entry, "Value A (\\d+)\n\nOther\n  ^x\n"},
		"unknown option":   {entry, "Value Sometimes A (\\d+)\n\nStart\n  ^${A}\n"},
		"unknown action":   {entry, "Value A (\\d+)\n\nStart\n  ^${A} -> Jump.Now\n"},
		"unknown state":    {entry, "Value A (\\d+)\n\nStart\n  ^${A} -> Record Nowhere\n"},
		"continue + state": {entry, "Value A (\\d+)\n\nStart\n  ^${A} -> Continue Start\n"},
		"bad regex":        {entry, "Value A (()\n\nStart\n  ^${A}\n"},
		"rule indent":      {entry, "Value A (\\d+)\n\nStart\n^${A}\n"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := CompileTemplate("t", tt.entry, tt.source); err == nil {
				t.Error("expected compile error")
			}
		})
	}
}

func TestRegistry_BuiltinsAndOverride(t *testing.T) {
	reg, err := LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if reg.Len() < 4 {
		t.Errorf("only %d builtin templates", reg.Len())
	}
	if _, err := reg.Parse("cisco_ios", "show clock", "10:00"); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("err = %v, want no template", err)
	}
	if _, err := reg.Parse("huawei_vrp", "show version", "x"); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("platform must match: %v", err)
	}

	eos := "Arista DCS-7050TX-64\nHardware version: 01.11\nSerial number: JPE1234\nSystem MAC address: 001c.7312.3456\n\nSoftware image version: 4.28.3M\nUptime: 5 weeks, 1 day\n"
	recs, err := reg.Parse("arista_eos", "show  version", eos)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if recs[0]["version"] != "4.28.3M" || recs[0]["model"] != "DCS-7050TX-64" {
		t.Errorf("eos record = %v", recs[0])
	}

	dir := t.TempDir()
	index := "- template: clock.textfsm\n  platforms: [cisco_ios]\n  command: '^show clock$'\n"
	clock := "Value Required TIME (\\S+)\n\nStart\n  ^\\*?${TIME}\\s\n"
	for name, body := range map[string]string{"index.yaml": index, "clock.textfsm": clock} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
	}
	reg, err = LoadRegistry(dir)
	if err != nil {
		t.Fatalf("LoadRegistry(dir): %v", err)
	}
	recs, err = reg.Parse("cisco_ios", "show clock", "*10:00:00.000 UTC Mon Oct 19 2026")
	if err != nil || recs[0]["time"] != "10:00:00.000" {
		t.Errorf("override parse = %v, %v", recs, err)
	}
}

func TestProfileFor(t *testing.T) {
	ios := ProfileFor("cisco_ios")
	for _, p := range []string{"R1>", "R1#", "R1(config)#", "R1(config-if)# ", "core-sw.lab#"} {
		if !ios.IsPrompt(p) {
			t.Errorf("%q should be an IOS prompt", p)
		}
	}
	for _, p := range []string{"Building configuration...", "", "interface Gi0/1"} {
		if ios.IsPrompt(p) {
			t.Errorf("%q should not be an IOS prompt", p)
		}
	}
	if line, bad := ios.ErrorIn("foo\n% Invalid input detected at '^' marker.\n"); !bad || line == "" {
		t.Error("invalid input not detected")
	}
	if ProfileFor("juniper_junos").ConfigCommit != "commit" {
		t.Error("junos must commit")
	}
	if ProfileFor("unknown_os").Platform != "default" {
		t.Error("unknown platforms use the default profile")
	}
	if ProfileFor("cisco_xe").Platform != "cisco_xe" {
		t.Error("xe profile platform")
	}
}

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		text, cmd string
		trim      bool
		want      string
	}{
		{"show clock\n10:00\nR1>", "show clock", true, "10:00"},
		{"R1#show clock\n10:00\nR1#", "show clock", true, "10:00"},
		{"terminal length 0\nR1>", "terminal length 0", true, ""},
		{"partial\n", "show x", false, "partial"},
	}
	for _, tt := range tests {
		if got := cleanOutput(tt.text, tt.cmd, tt.trim); got != tt.want {
			t.Errorf("cleanOutput(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
