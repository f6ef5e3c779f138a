package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/domain"
)

var (
	approvalsStatus  string
	approvalsJSON    bool
	approvalsReason  string
	approvalsUser    string
	editCommand      string
	editConfigLines  []string
	editXML          string
	approvalsTimeout int
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and resolve pending approvals",
	Long: `Approvals are created by configuration changes run with --no-wait or from
a non-interactive session. Resolve them by ID (or by token) with approve,
reject or edit; approve and edit then run the change and exit like exec.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approvals",
	Args:  cobra.NoArgs,
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve ID|TOKEN",
	Short: "Approve a pending change and run it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return resolveApproval(args[0], approval.Decision{Type: approval.DecisionApprove, Reason: approvalsReason})
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject ID|TOKEN",
	Short: "Reject a pending change",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return resolveApproval(args[0], approval.Decision{Type: approval.DecisionReject, Reason: approvalsReason})
	},
}

var approvalsEditCmd = &cobra.Command{
	Use:   "edit ID|TOKEN",
	Short: "Replace the payload of a pending change and run it",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsEdit,
}

var approvalsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale approvals and delete old resolved ones",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(approvalsTimeout)
		defer cancel()
		sc, err := initShared(ctx)
		if err != nil {
			return err
		}
		defer sc.Cleanup()
		sc.Sweeper.Sweep(ctx)
		return nil
	},
}

func init() {
	approvalsListCmd.Flags().StringVar(&approvalsStatus, "status", string(approval.StatusPending), "filter by status (empty = all)")
	approvalsListCmd.Flags().BoolVar(&approvalsJSON, "json", false, "print records as JSON")

	for _, c := range []*cobra.Command{approvalsApproveCmd, approvalsRejectCmd, approvalsEditCmd} {
		c.Flags().StringVar(&approvalsReason, "reason", "", "reason recorded with the decision")
		c.Flags().StringVar(&approvalsUser, "user", "", "approver recorded in audit (default $USER)")
		c.Flags().BoolVar(&approvalsJSON, "json", false, "print the full result as JSON")
	}
	approvalsEditCmd.Flags().StringVar(&editCommand, "command", "", "replacement CLI command")
	approvalsEditCmd.Flags().StringArrayVar(&editConfigLines, "config-line", nil, "replacement configuration line (repeatable)")
	approvalsEditCmd.Flags().StringVar(&editXML, "xml", "", "replacement NETCONF body, or @file")
	approvalsCmd.PersistentFlags().IntVar(&approvalsTimeout, "timeout", 0, "overall timeout in seconds (0 = none)")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd, approvalsEditCmd, approvalsSweepCmd)
}

func runApprovalsList(_ *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(approvalsTimeout)
	defer cancel()
	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	records, err := sc.Store.Approvals().List(ctx, approval.Status(approvalsStatus))
	if err != nil {
		return fmt.Errorf("listing approvals: %w", err)
	}
	if approvalsJSON {
		// Tokens are bearer credentials; list output never carries them.
		for i := range records {
			records[i].Token = ""
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tDEVICE\tUSER\tEXPIRES\tDESCRIPTION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Request.ID, r.Status, r.Request.Device, r.Request.User,
			r.Request.ExpiresAt.Local().Format(time.DateTime), r.Request.Description)
	}
	return tw.Flush()
}

func runApprovalsEdit(_ *cobra.Command, args []string) error {
	var p domain.Payload
	switch {
	case editXML != "":
		body, err := readArg(editXML)
		if err != nil {
			return err
		}
		// Operation and target are taken from the original request.
		p.Netconf = &domain.NetconfOp{Config: body}
	case len(editConfigLines) > 0:
		p.ConfigLines = editConfigLines
	case editCommand != "":
		p.Command = editCommand
	default:
		return fmt.Errorf("one of --command, --config-line or --xml is required")
	}
	return resolveApproval(args[0], approval.Decision{Type: approval.DecisionEdit, ModifiedPayload: &p, Reason: approvalsReason})
}

// resolveApproval resumes the approval named by ref and prints the outcome.
func resolveApproval(ref string, d approval.Decision) error {
	ctx, cancel := commandContext(approvalsTimeout)
	defer cancel()
	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	token, err := lookupToken(ctx, sc, ref)
	if err != nil {
		return err
	}
	if d.ModifiedPayload != nil && d.ModifiedPayload.Netconf != nil {
		if err := fillNetconfEdit(ctx, sc, token, d.ModifiedPayload.Netconf); err != nil {
			return err
		}
	}
	d.DecidedBy = operator(approvalsUser)

	res, err := sc.Executor.Resume(ctx, token, d)
	if err != nil {
		return err
	}
	printResult(os.Stdout, res, approvalsJSON)
	return exitWith(sc, cancel, exitCode(res))
}

// lookupToken accepts an approval ID or the token itself.
func lookupToken(ctx context.Context, sc *SharedComponents, ref string) (string, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		return ref, nil
	}
	rec, err := sc.Gate.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("approval %s: %w", id, err)
	}
	return rec.Token, nil
}

// fillNetconfEdit copies the operation and target of the pending request into a
// replacement that only carries a body.
func fillNetconfEdit(ctx context.Context, sc *SharedComponents, token string, op *domain.NetconfOp) error {
	claims, _, err := sc.Gate.Inspect(ctx, token)
	if err != nil {
		return err
	}
	orig := claims.Request.Payload.Netconf
	if orig == nil {
		return fmt.Errorf("approval is not a NETCONF request; use --command or --config-line")
	}
	op.Operation = orig.Operation
	op.Target = orig.Target
	op.XPath = orig.XPath
	return nil
}
