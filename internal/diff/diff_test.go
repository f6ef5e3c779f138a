package diff

import (
	"fmt"
	"strings"
	"testing"
)

func strp(s string) *string { return &s }

func TestUnified_SingleChange(t *testing.T) {
	res := Unified(strp("a\nb\nc"), strp("a\nx\nc"), 0)
	if !res.Captured() {
		t.Fatal("expected a diff")
	}
	text := *res.Text

	var changed []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
			continue
		}
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			changed = append(changed, line)
		}
	}
	if len(changed) != 2 || changed[0] != "-b" || changed[1] != "+x" {
		t.Fatalf("changed lines = %q, want [-b +x]\n%s", changed, text)
	}
	if res.Added != 1 || res.Removed != 1 {
		t.Errorf("Added=%d Removed=%d", res.Added, res.Removed)
	}
	if res.Truncated {
		t.Error("unexpected truncation")
	}
}

func TestUnified_MissingSnapshot(t *testing.T) {
	if res := Unified(nil, strp("a"), 0); res.Captured() {
		t.Error("missing before should yield no diff")
	}
	if res := Unified(strp("a"), nil, 0); res.Captured() {
		t.Error("missing after should yield no diff")
	}
	var r *Result
	if r.Captured() {
		t.Error("nil Result must not report captured")
	}
}

func TestUnified_Identical(t *testing.T) {
	res := Unified(strp("hostname r1\n"), strp("hostname r1\n"), 0)
	if !res.Captured() || *res.Text != "" {
		t.Errorf("identical snapshots: %+v", res)
	}
}

func TestUnified_Truncates(t *testing.T) {
	var before, after strings.Builder
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&before, "interface Loopback%d\n", i)
		fmt.Fprintf(&after, "interface Loopback%d\n description changed\n", i)
	}
	res := Unified(strp(before.String()), strp(after.String()), 1024)
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	if len(*res.Text) > 1024 {
		t.Errorf("diff length %d exceeds cap", len(*res.Text))
	}
	if !strings.HasSuffix(*res.Text, "\n"+TruncatedMarker) {
		t.Errorf("truncated diff should end with a full line and the marker: %q", (*res.Text)[len(*res.Text)-40:])
	}
	if !strings.HasPrefix(*res.Text, "--- before\n+++ after\n") {
		t.Error("truncation should keep the diff header")
	}
}

func TestUnified_TinyCapKeepsMarker(t *testing.T) {
	res := Unified(strp("a\n"), strp("b\n"), 8)
	if !res.Truncated || *res.Text != TruncatedMarker {
		t.Errorf("res = %+v %q", res, *res.Text)
	}
}

func TestUnified_CRLF(t *testing.T) {
	res := Unified(strp("a\r\nb\r\n"), strp("a\nb\n"), 0)
	if *res.Text != "" {
		t.Errorf("line endings should not produce a diff: %q", *res.Text)
	}
}
