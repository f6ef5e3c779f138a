package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule is a named CEL deny expression. The expression sees the string variables
// command (normalized), platform, kind ("read"|"write") and protocol ("cli"|"netconf")
// and must return a bool; true blocks the command.
//
//	name: no-interface-shutdown-on-core
//	expr: platform == "cisco_nxos" && kind == "write" && command.startsWith("shutdown")
type Rule struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

type compiledRule struct {
	name string
	prg  cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("command", cel.StringType),
		cel.Variable("platform", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("protocol", cel.StringType),
	)
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("policy rule %d: name is required", i)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy rule %q: CEL compile error: %w", r.Name, issues.Err())
		}
		switch out := ast.OutputType().String(); out {
		case "bool", "dyn":
		default:
			return nil, fmt.Errorf("policy rule %q: expression must return bool, got %s", r.Name, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy rule %q: CEL program error: %w", r.Name, err)
		}
		out = append(out, compiledRule{name: r.Name, prg: prg})
	}
	return out, nil
}

func (r compiledRule) eval(in Input) (bool, error) {
	out, _, err := r.prg.Eval(map[string]any{
		"command":  Normalize(in.Command),
		"platform": in.Platform,
		"kind":     string(in.Kind),
		"protocol": string(in.Protocol),
	})
	if err != nil {
		return false, err
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule returned %T, want bool", out.Value())
	}
	return hit, nil
}
