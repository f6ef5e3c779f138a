// Package secrets resolves device credential references ("env://", "file://",
// "vault://") into secret material at connect time. Resolved values never leave the
// transport layer: they are not logged, audited or returned to callers.
package secrets

import (
	"context"
	"errors"
	"strings"
)

// Secret is resolved credential material. Metadata describes where it came from
// and never carries the value.
type Secret struct {
	Value    string
	Metadata map[string]string
}

// Provider turns a credential reference into a Secret. A reference the provider
// cannot answer yields an error wrapping ErrSecretNotFound. Providers are shared
// by concurrent device sessions.
type Provider interface {
	Resolve(ctx context.Context, ref string) (*Secret, error)
	Name() string
}

var ErrSecretNotFound = errors.New("secret not found")

// Scheme returns the reference scheme ("env", "file", "vault"), or "" for a literal value.
func Scheme(value string) string {
	scheme, rest, ok := strings.Cut(value, "://")
	if !ok || rest == "" {
		return ""
	}
	switch scheme {
	case "env", "file", "vault":
		return scheme
	}
	return ""
}

// IsRef reports whether value is a credential reference rather than a literal.
func IsRef(value string) bool { return Scheme(value) != "" }
