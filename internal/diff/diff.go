// Package diff renders bounded unified diffs of configuration snapshots.
package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultMaxBytes caps a rendered diff.
const DefaultMaxBytes = 20 * 1024

// TruncatedMarker ends a diff that was cut at the cap.
const TruncatedMarker = "... diff truncated\n"

// Result is a captured diff. Text is nil when either snapshot is missing.
type Result struct {
	Text      *string `json:"text,omitempty"`
	Truncated bool    `json:"truncated"`
	Added     int     `json:"added"`
	Removed   int     `json:"removed"`
}

// Captured reports whether a diff was produced.
func (r *Result) Captured() bool { return r != nil && r.Text != nil }

// Unified diffs before against after with three lines of context.
// A missing snapshot yields an empty Result rather than an error so that a failed
// capture never fails the operation it describes.
func Unified(before, after *string, maxBytes int) Result {
	if before == nil || after == nil {
		return Result{}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(normalize(*before)),
		B:        difflib.SplitLines(normalize(*after)),
		FromFile: "before",
		ToFile:   "after",
		Context:  3,
	})
	if err != nil {
		return Result{}
	}

	res := Result{}
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			res.Added++
		case strings.HasPrefix(line, "-"):
			res.Removed++
		}
	}

	if len(text) > maxBytes {
		text = truncate(text, maxBytes)
		res.Truncated = true
	}
	res.Text = &text
	return res
}

// truncate cuts text at a line boundary so that text plus the marker fits in
// maxBytes. A cap smaller than the marker yields the marker alone.
func truncate(text string, maxBytes int) string {
	room := maxBytes - len(TruncatedMarker)
	if room <= 0 {
		return TruncatedMarker
	}
	cut := text[:room]
	if i := strings.LastIndexByte(cut, '\n'); i >= 0 {
		cut = cut[:i+1]
	} else {
		cut = ""
	}
	return cut + TruncatedMarker
}

func normalize(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
