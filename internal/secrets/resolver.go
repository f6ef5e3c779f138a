package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/olav/internal/domain"
)

// CredentialResolver resolves the reference fields of device credentials. Literal
// values pass through unchanged.
type CredentialResolver struct {
	provider Provider
}

func NewCredentialResolver(p Provider) *CredentialResolver {
	return &CredentialResolver{provider: p}
}

// ResolveCredentials returns a copy of c with every reference replaced by its value.
func (r *CredentialResolver) ResolveCredentials(ctx context.Context, c domain.Credentials) (domain.Credentials, error) {
	out := c
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"username", &out.Username},
		{"password", &out.Password},
		{"enable_secret", &out.EnableSecret},
	} {
		if !IsRef(*f.dst) {
			continue
		}
		s, err := r.provider.Resolve(ctx, *f.dst)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("resolving %s: %w", f.name, err)
		}
		*f.dst = s.Value
	}
	return out, nil
}

// Sanitizer redacts known secret values from text. The zero value redacts nothing.
type Sanitizer struct {
	values []string
}

const redacted = "[REDACTED]"

// NewSanitizer builds a sanitizer for the resolved secrets in c. Usernames are kept.
func NewSanitizer(c domain.Credentials) Sanitizer {
	var vals []string
	for _, v := range []string{c.Password, c.EnableSecret} {
		// Very short values would redact ordinary output.
		if len(v) >= 4 {
			vals = append(vals, v)
		}
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })
	return Sanitizer{values: vals}
}

// Sanitize replaces every known secret in s.
func (s Sanitizer) Sanitize(text string) string {
	for _, v := range s.values {
		text = strings.ReplaceAll(text, v, redacted)
	}
	return text
}
