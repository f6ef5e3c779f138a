package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/sandbox"
)

var (
	execDevice      string
	execCommand     string
	execConfigLines []string
	execConfigFile  string
	execNetconfOp   string
	execXPath       string
	execXML         string
	execTarget      string
	execKind        string
	execRaw         bool
	execDiff        bool
	execUser        string
	execCorrelation string
	execYes         bool
	execNoWait      bool
	execTimeout     int
	execJSON        bool
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run one command against a device",
	Long: `Run a CLI command, a list of configuration lines, or a NETCONF operation
against a device from the inventory. Configuration changes wait for approval
on the terminal unless --yes or --no-wait is given.

Examples:
  olav exec -d R1 --command "show ip interface brief"
  olav exec -d R1 --config-line "interface Loopback11" --config-line "description mgmt"
  olav exec -d J1 --netconf-op get-config --xpath /interfaces
  olav exec -d J1 --netconf-op edit-config --xml @change.xml --no-wait

Exit codes:
  0  success
  1  execution failure
  2  blocked by policy, rejected, or approval pending/expired
  3  device not found or unreachable`,
	RunE: runExec,
}

func init() {
	f := execCmd.Flags()
	f.StringVarP(&execDevice, "device", "d", "", "device name or alias (required)")
	f.StringVar(&execCommand, "command", "", "single CLI command")
	f.StringArrayVar(&execConfigLines, "config-line", nil, "configuration line (repeatable)")
	f.StringVar(&execConfigFile, "config-file", "", "file with configuration lines")
	f.StringVar(&execNetconfOp, "netconf-op", "", "NETCONF operation: get, get-config, edit-config, commit")
	f.StringVar(&execXPath, "xpath", "", "NETCONF filter path")
	f.StringVar(&execXML, "xml", "", "NETCONF config body, or @file")
	f.StringVar(&execTarget, "target", "", "NETCONF datastore: candidate or running")
	f.StringVar(&execKind, "kind", "", "force classification: read or write")
	f.BoolVar(&execRaw, "raw", false, "skip structured parsing")
	f.BoolVar(&execDiff, "diff", true, "capture a running-config diff for writes")
	f.StringVar(&execUser, "user", "", "operator name recorded in audit (default $USER)")
	f.StringVar(&execCorrelation, "correlation-id", "", "correlation ID recorded in audit")
	f.BoolVarP(&execYes, "yes", "y", false, "approve configuration changes without prompting")
	f.BoolVar(&execNoWait, "no-wait", false, "return a pending approval instead of prompting")
	f.IntVar(&execTimeout, "timeout", 0, "overall timeout in seconds (0 = none)")
	f.BoolVar(&execJSON, "json", false, "print the full result as JSON")

	_ = execCmd.MarkFlagRequired("device")
}

func runExec(cmd *cobra.Command, _ []string) error {
	payload, err := buildPayload()
	if err != nil {
		return err
	}
	req := domain.CommandRequest{
		Device:        execDevice,
		Kind:          domain.OperationKind(execKind),
		Payload:       payload,
		RawOutput:     execRaw,
		User:          operator(execUser),
		CorrelationID: execCorrelation,
	}
	if cmd.Flags().Changed("diff") {
		req.CaptureDiff = &execDiff
	}

	ctx, cancel := commandContext(execTimeout)
	defer cancel()

	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	startMetricsServer(ctx, sc)

	executor, err := pickExecutor(sc, req.User, execYes, execNoWait)
	if err != nil {
		return err
	}

	res, err := executor.Execute(ctx, req)
	if err != nil {
		return err
	}
	sc.notifyPending(ctx, res)
	printResult(os.Stdout, res, execJSON)
	return exitWith(sc, cancel, exitCode(res))
}

// pickExecutor chooses how approvals are answered: --yes approves, --no-wait or a
// non-interactive stdin leaves them pending, otherwise the terminal is asked.
func pickExecutor(sc *SharedComponents, user string, yes, noWait bool) (*sandbox.Executor, error) {
	switch {
	case yes:
		return sc.withSource(approval.StaticSource(approval.Decision{
			Type:      approval.DecisionApprove,
			DecidedBy: user,
			Reason:    "approved with --yes",
		}))
	case noWait || !isTerminal():
		return sc.Executor, nil
	default:
		return sc.withSource(newPromptSource(os.Stdin, os.Stderr, user))
	}
}

func buildPayload() (domain.Payload, error) {
	if execNetconfOp != "" {
		body, err := readArg(execXML)
		if err != nil {
			return domain.Payload{}, err
		}
		return domain.Payload{Netconf: &domain.NetconfOp{
			Operation: domain.NetconfOperation(execNetconfOp),
			XPath:     execXPath,
			Config:    body,
			Target:    execTarget,
		}}, nil
	}

	lines := execConfigLines
	if execConfigFile != "" {
		data, err := os.ReadFile(execConfigFile)
		if err != nil {
			return domain.Payload{}, fmt.Errorf("reading config file: %w", err)
		}
		for _, l := range strings.Split(string(data), "\n") {
			if l = strings.TrimRight(l, "\r"); strings.TrimSpace(l) != "" {
				lines = append(lines, l)
			}
		}
	}
	if len(lines) > 0 {
		return domain.Payload{ConfigLines: lines}, nil
	}
	if execCommand == "" {
		return domain.Payload{}, fmt.Errorf("one of --command, --config-line, --config-file or --netconf-op is required")
	}
	return domain.Payload{Command: execCommand}, nil
}

// readArg returns s, or the contents of the file when s starts with '@'.
func readArg(s string) (string, error) {
	if !strings.HasPrefix(s, "@") {
		return s, nil
	}
	data, err := os.ReadFile(s[1:])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", s[1:], err)
	}
	return string(data), nil
}

func operator(flag string) string {
	if flag != "" {
		return flag
	}
	return goutils.Env("OLAV_USER", goutils.Env("USER", ""))
}

// commandContext returns a context cancelled on SIGINT/SIGTERM or on timeout, when set.
func commandContext(timeoutSeconds int) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeoutSeconds <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	return ctx, func() {
		cancel()
		stop()
	}
}
