package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// refBody strips scheme:// from ref. Anything else, including an empty body,
// is reported as not found so a composite can move on.
func refBody(ref, scheme string) (string, error) {
	body, ok := strings.CutPrefix(ref, scheme+"://")
	if !ok {
		return "", fmt.Errorf("%w: %q is not a %s:// reference", ErrSecretNotFound, Scheme(ref), scheme)
	}
	if body == "" {
		return "", fmt.Errorf("%w: empty %s reference", ErrSecretNotFound, scheme)
	}
	return body, nil
}

// EnvProvider reads "env://NAME" from the process environment, which includes
// anything loaded from the .env file at startup. Empty variables count as unset.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (*EnvProvider) Name() string { return "env" }

func (*EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name, err := refBody(ref, "env")
	if err != nil {
		return nil, err
	}
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("%w: $%s is unset", ErrSecretNotFound, name)
	}
	return &Secret{Value: v, Metadata: map[string]string{"source": "env", "variable": name}}, nil
}

// FileProvider reads "file:///path", typically a mounted container secret.
// Trailing line breaks are dropped.
type FileProvider struct{}

func NewFileProvider() *FileProvider { return &FileProvider{} }

func (*FileProvider) Name() string { return "file" }

func (*FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	path, err := refBody(ref, "file")
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: no file at %s", ErrSecretNotFound, path)
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	v := strings.TrimRight(string(raw), "\r\n")
	if v == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrSecretNotFound, path)
	}
	return &Secret{Value: v, Metadata: map[string]string{"source": "file", "path": path}}, nil
}
