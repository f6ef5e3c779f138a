package policy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// ErrMalformed is returned when a policy file cannot be trusted as a whole.
var ErrMalformed = errors.New("malformed policy file")

// LoadBlacklistFile reads one pattern per line. Blank lines and "#" comments are skipped.
// Any line that is not valid UTF-8 or carries control characters rejects the whole file.
func LoadBlacklistFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading blacklist %s: %w", path, err)
	}
	return parseLines(data)
}

// LoadWhitelist reads either a YAML map (platform → patterns) or a directory of
// <platform>.txt files with one pattern per line.
func LoadWhitelist(path string) (map[string][]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading whitelist %s: %w", path, err)
	}
	if info.IsDir() {
		return loadWhitelistDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading whitelist %s: %w", path, err)
	}
	var out map[string][]string
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return out, nil
}

func loadWhitelistDir(dir string) (map[string][]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("reading whitelist %s: %w", m, err)
		}
		lines, err := parseLines(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		platform := strings.TrimSuffix(filepath.Base(m), ".txt")
		out[platform] = append(out[platform], lines...)
	}
	return out, nil
}

func parseLines(data []byte) ([]string, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrMalformed)
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, r := range line {
			if unicode.IsControl(r) && r != '\t' {
				return nil, fmt.Errorf("%w: control character on line %d", ErrMalformed, n)
			}
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}
