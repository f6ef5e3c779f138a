package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// CompositeProvider dispatches each reference on its scheme. Providers register
// under their Name; the first one wins on a duplicate.
type CompositeProvider struct {
	routes map[string]Provider
}

func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	c := &CompositeProvider{routes: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, taken := c.routes[p.Name()]; !taken {
			c.routes[p.Name()] = p
		}
	}
	return c
}

func (c *CompositeProvider) Name() string { return "composite" }

// Schemes lists the registered schemes in order.
func (c *CompositeProvider) Schemes() []string {
	out := make([]string, 0, len(c.routes))
	for s := range c.routes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *CompositeProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme := Scheme(ref)
	p, ok := c.routes[scheme]
	if !ok {
		if scheme == "" {
			return nil, fmt.Errorf("%w: value is not a reference", ErrSecretNotFound)
		}
		return nil, fmt.Errorf("%w: no provider for %s:// (have %s)",
			ErrSecretNotFound, scheme, strings.Join(c.Schemes(), ", "))
	}
	return p.Resolve(ctx, ref)
}
