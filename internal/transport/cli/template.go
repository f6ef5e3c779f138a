package cli

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/sirikothe/gotextfsm"
	"gopkg.in/yaml.v3"
)

// Parser failure signatures. Any of them downgrades a query to raw output.
var (
	ErrNoTemplate = errors.New("no matching template")
	ErrParseState = errors.New("state error")
	ErrNoRecords  = errors.New("template produced no records")
)

// IsParseFailure reports whether err is a structured-parse failure.
func IsParseFailure(err error) bool {
	return errors.Is(err, ErrNoTemplate) || errors.Is(err, ErrParseState) || errors.Is(err, ErrNoRecords)
}

//go:embed templates
var builtinTemplates embed.FS

// indexFile lists the templates of a directory and what they parse.
const indexFile = "index.yaml"

// IndexEntry binds a TextFSM template file to platforms and a command pattern.
//
//	- template: cisco_ios_show_version.textfsm
//	  platforms: [cisco_ios, cisco_xe]
//	  command: '^sh(ow?)?\s+ver(s(i(on?)?)?)?$'
type IndexEntry struct {
	Template  string   `yaml:"template"`
	Platforms []string `yaml:"platforms"`
	Command   string   `yaml:"command"`
}

// Template is a validated TextFSM template.
type Template struct {
	Name      string
	platforms []string
	command   *regexp.Regexp
	source    string
}

// CompileTemplate validates the TextFSM source and the index entry.
func CompileTemplate(name string, entry IndexEntry, source string) (*Template, error) {
	if len(entry.Platforms) == 0 || entry.Command == "" {
		return nil, fmt.Errorf("template %s: platforms and command are required", name)
	}
	cmd, err := regexp.Compile("(?i)" + entry.Command)
	if err != nil {
		return nil, fmt.Errorf("template %s: command: %w", name, err)
	}
	var fsm gotextfsm.TextFSM
	if err := fsm.ParseString(source); err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return &Template{Name: name, platforms: entry.Platforms, command: cmd, source: source}, nil
}

// Matches reports whether the template handles command on platform.
func (t *Template) Matches(platform, command string) bool {
	return slices.Contains(t.platforms, platform) && t.command.MatchString(normalizeCommand(command))
}

// Parse runs the template over output and returns one map per record, keyed by
// lower-cased value names. The FSM keeps per-run state in its values, so every
// call works on a fresh copy.
func (t *Template) Parse(output string) ([]map[string]any, error) {
	var fsm gotextfsm.TextFSM
	if err := fsm.ParseString(t.source); err != nil {
		return nil, fmt.Errorf("template %s: %w", t.Name, err)
	}
	var parsed gotextfsm.ParserOutput
	if err := parsed.ParseTextString(strings.ReplaceAll(output, "\r\n", "\n"), fsm, true); err != nil {
		return nil, fmt.Errorf("%w: template %s: %v", ErrParseState, t.Name, err)
	}
	if len(parsed.Dict) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, t.Name)
	}

	records := make([]map[string]any, 0, len(parsed.Dict))
	for _, row := range parsed.Dict {
		rec := make(map[string]any, len(row))
		for name, val := range row {
			if val == nil {
				val = ""
			}
			rec[strings.ToLower(name)] = val
		}
		records = append(records, rec)
	}
	return records, nil
}

func normalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}

// Registry selects templates by platform and command.
type Registry struct {
	templates []*Template
}

// LoadRegistry loads the built-in templates plus those indexed in dir.
// Templates from dir take precedence.
func LoadRegistry(dir string) (*Registry, error) {
	r := &Registry{}
	if dir != "" {
		if err := r.load(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("templates dir %s: %w", dir, err)
		}
	}
	builtin, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		return nil, err
	}
	if err := r.load(builtin); err != nil {
		return nil, fmt.Errorf("builtin templates: %w", err)
	}
	return r, nil
}

func (r *Registry) load(fsys fs.FS) error {
	data, err := fs.ReadFile(fsys, indexFile)
	if err != nil {
		return err
	}
	var index []IndexEntry
	if err := yaml.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("parsing %s: %w", indexFile, err)
	}
	for _, entry := range index {
		source, err := fs.ReadFile(fsys, entry.Template)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(path.Base(entry.Template), path.Ext(entry.Template))
		t, err := CompileTemplate(name, entry, string(source))
		if err != nil {
			return err
		}
		r.templates = append(r.templates, t)
	}
	return nil
}

// Parse finds the first template for platform and command and runs it.
func (r *Registry) Parse(platform, command, output string) ([]map[string]any, error) {
	if r != nil {
		for _, t := range r.templates {
			if t.Matches(platform, command) {
				return t.Parse(output)
			}
		}
	}
	return nil, fmt.Errorf("%w: platform=%s command=%q", ErrNoTemplate, platform, command)
}

// Len returns the number of loaded templates.
func (r *Registry) Len() int { return len(r.templates) }
