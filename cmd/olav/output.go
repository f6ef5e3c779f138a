package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jkaninda/olav/internal/audit"
	"github.com/jkaninda/olav/internal/sandbox"
	"github.com/jkaninda/olav/internal/transport"
)

// Exit codes shared by exec, batch and approvals.
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitPolicyDenied      = 2
	ExitDeviceUnavailable = 3
)

// exitWith releases resources and terminates with code. Deferred calls do not run
// after os.Exit, so cleanup happens here.
func exitWith(sc *SharedComponents, cancel context.CancelFunc, code int) error {
	sc.Cleanup()
	cancel()
	if code != ExitSuccess {
		os.Exit(code)
	}
	return nil
}

// exitCode maps a result to the process exit code.
func exitCode(res *sandbox.ExecutionResult) int {
	if res == nil {
		return ExitFailure
	}
	if res.Success {
		return ExitSuccess
	}
	switch res.Action {
	case audit.ActionCLIBlacklistBlock, audit.ActionNetconfBlacklistBlock, audit.ActionCLIWhitelistBlock,
		audit.ActionRejected, audit.ActionApprovalPending, audit.ActionApprovalExpired, audit.ActionApprovalCancelled:
		return ExitPolicyDenied
	case audit.ActionDeviceNotFound:
		return ExitDeviceUnavailable
	}
	switch transport.Kind(res.ErrorKind()) {
	case transport.KindConnectionRefused, transport.KindTimeout:
		return ExitDeviceUnavailable
	}
	return ExitFailure
}

// printResult writes res as JSON or as plain text.
func printResult(w io.Writer, res *sandbox.ExecutionResult, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}
	switch {
	case res.Pending && res.Approval != nil:
		fmt.Fprintf(w, "Approval required (id %s, expires %s).\n",
			res.Approval.Request.ID, res.Approval.Request.ExpiresAt.Format("15:04:05 MST"))
		fmt.Fprintf(w, "Resume with: olav approvals approve %s\n", res.Approval.Request.ID)
	case !res.Success:
		fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", res.Action, res.Error)
		if res.ShouldFallback() {
			fmt.Fprintln(os.Stderr, "Hint: the device refused the connection; try the other transport.")
		}
		if out, ok := res.Output.(string); ok && out != "" {
			fmt.Fprintln(w, out)
		}
	default:
		switch out := res.Output.(type) {
		case string:
			fmt.Fprintln(w, out)
		case nil:
		default:
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			_ = enc.Encode(out)
		}
	}
	if res.Diff != nil && *res.Diff != "" {
		fmt.Fprintln(w, "--- diff ---")
		fmt.Fprintln(w, *res.Diff)
	}
}
