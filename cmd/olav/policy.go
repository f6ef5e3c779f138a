package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/policy"
)

var (
	policyPlatform string
	policyProtocol string
	policyJSON     bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the command policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check COMMAND...",
	Short: "Report whether a command would pass the blacklist, rules and whitelist",
	Long: `Evaluate commands against the loaded policy without touching any device.
Each argument is checked separately.

Exit codes:
  0  every command is allowed
  2  at least one command is blocked`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPolicyCheck,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective blacklist and whitelist",
	Args:  cobra.NoArgs,
	RunE:  runPolicyShow,
}

func init() {
	policyCheckCmd.Flags().StringVar(&policyPlatform, "platform", "", "device platform for whitelist and rules (e.g. cisco_ios)")
	policyCheckCmd.Flags().StringVar(&policyProtocol, "protocol", string(domain.ProtocolCLI), "cli or netconf")
	policyCheckCmd.Flags().BoolVar(&policyJSON, "json", false, "print verdicts as JSON")
	policyShowCmd.Flags().StringVar(&policyPlatform, "platform", "", "only show this platform's whitelist")
	policyCmd.AddCommand(policyCheckCmd, policyShowCmd)
}

type verdict struct {
	Command          string `json:"command"`
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

func loadPolicy() (*policy.Policy, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return initPolicy(cfg, newLogger())
}

func runPolicyCheck(_ *cobra.Command, args []string) error {
	pol, err := loadPolicy()
	if err != nil {
		return err
	}
	platform := domain.NormalizePlatform(policyPlatform)
	protocol := domain.Protocol(policyProtocol)

	blocked := false
	verdicts := make([]verdict, 0, len(args))
	for _, cmd := range args {
		v := checkCommand(pol, cmd, platform, protocol)
		blocked = blocked || !v.Allowed
		verdicts = append(verdicts, v)
	}

	if policyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(verdicts)
	} else {
		for _, v := range verdicts {
			switch {
			case !v.Allowed:
				fmt.Printf("BLOCKED  %s  (%s)\n", v.Command, v.Reason)
			case v.RequiresApproval:
				fmt.Printf("APPROVAL %s\n", v.Command)
			default:
				fmt.Printf("ALLOWED  %s\n", v.Command)
			}
		}
	}
	if blocked {
		os.Exit(ExitPolicyDenied)
	}
	return nil
}

// checkCommand mirrors the executor's pre-flight order for a single command.
func checkCommand(pol *policy.Policy, cmd, platform string, protocol domain.Protocol) verdict {
	v := verdict{Command: cmd}
	if protocol == domain.ProtocolNetconf {
		if p, hit := pol.ScanPayload(cmd); hit {
			v.Reason = "Command blocked: matches " + policy.Decision{Blocked: true, MatchedPattern: p}.Describe()
			return v
		}
	} else if p, hit := pol.IsBlocked(cmd); hit {
		v.Reason = "Command blocked: matches " + policy.Decision{Blocked: true, MatchedPattern: p}.Describe()
		return v
	}

	d := pol.EvaluateRules(policy.Input{Command: cmd, Platform: platform, Kind: domain.KindRead, Protocol: protocol})
	if d.Blocked {
		v.Reason = "Command blocked: matches " + d.Describe()
		return v
	}
	if protocol == domain.ProtocolCLI && pol.HasWhitelist() {
		if !pol.IsAllowed(cmd, platform) {
			v.Reason = fmt.Sprintf("not in whitelist for platform %q", platform)
			return v
		}
		v.RequiresApproval = pol.RequiresApproval(cmd, platform)
	}
	v.Allowed = true
	return v
}

func runPolicyShow(_ *cobra.Command, _ []string) error {
	pol, err := loadPolicy()
	if err != nil {
		return err
	}
	fmt.Println("Blacklist:")
	for _, p := range pol.Blacklist() {
		fmt.Printf("  %s\n", p)
	}
	if !pol.HasWhitelist() {
		fmt.Println("Whitelist: none (all non-blacklisted commands allowed)")
		return nil
	}
	platforms := pol.Platforms()
	if policyPlatform != "" {
		platforms = []string{domain.NormalizePlatform(policyPlatform)}
	}
	fmt.Println("Whitelist:")
	for _, platform := range platforms {
		entries := pol.Whitelist(platform)
		if len(entries) == 0 {
			continue
		}
		fmt.Printf("  %s:\n", platform)
		for _, e := range entries {
			fmt.Printf("    %s\n", e)
		}
	}
	return nil
}
