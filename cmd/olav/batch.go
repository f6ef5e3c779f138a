package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/sandbox"
)

var (
	batchConcurrency int
	batchYes         bool
	batchNoWait      bool
	batchTimeout     int
	batchJSON        bool
)

var batchCmd = &cobra.Command{
	Use:   "batch FILE",
	Short: "Run a list of requests with bounded concurrency",
	Long: `Run every request in a YAML or JSON file ("-" reads JSON from stdin).
Each entry has the same shape as a single request:

  - device: R1
    payload:
      command: show version
  - device: J1
    payload:
      netconf:
        operation: get-config
        xpath: /interfaces

Results are printed in input order. The exit code is the most severe
exit code of any request.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	f := batchCmd.Flags()
	f.IntVar(&batchConcurrency, "concurrency", 0, "requests in flight (default sandbox.batch_concurrency)")
	f.BoolVarP(&batchYes, "yes", "y", false, "approve configuration changes without prompting")
	f.BoolVar(&batchNoWait, "no-wait", false, "leave approvals pending instead of prompting")
	f.IntVar(&batchTimeout, "timeout", 0, "overall timeout in seconds (0 = none)")
	f.BoolVar(&batchJSON, "json", false, "print results as a JSON array")
}

func runBatch(_ *cobra.Command, args []string) error {
	reqs, err := readRequests(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(batchTimeout)
	defer cancel()

	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	startMetricsServer(ctx, sc)

	user := operator("")
	for i := range reqs {
		if reqs[i].User == "" {
			reqs[i].User = user
		}
	}

	executor, err := pickExecutor(sc, user, batchYes, batchNoWait || args[0] == "-")
	if err != nil {
		return err
	}

	concurrency := batchConcurrency
	if concurrency <= 0 {
		concurrency = sc.Config.Sandbox.Concurrency()
	}
	results := executor.Batch(ctx, reqs, concurrency)

	code := ExitSuccess
	if batchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	}
	for i, res := range results {
		sc.notifyPending(ctx, res)
		if !batchJSON {
			printBatchLine(os.Stdout, i, reqs[i], res)
		}
		if c := exitCode(res); c > code {
			code = c
		}
	}
	return exitWith(sc, cancel, code)
}

func printBatchLine(w io.Writer, i int, req domain.CommandRequest, res *sandbox.ExecutionResult) {
	status := "ok"
	if !res.Success {
		status = "FAILED"
		if res.Pending {
			status = "PENDING"
		}
	}
	fmt.Fprintf(w, "[%d] %s %s: %s (%s)\n", i, req.Device, strings.Join(payloadLines(req.Payload), "; "), status, res.Action)
	if res.Error != "" {
		fmt.Fprintf(w, "    %s\n", res.Error)
	}
	if res.Pending && res.Approval != nil {
		fmt.Fprintf(w, "    approval id %s\n", res.Approval.Request.ID)
	}
}

// readRequests loads a request list. YAML is chosen by extension, everything else
// is read as JSON.
func readRequests(path string) ([]domain.CommandRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading requests: %w", err)
	}

	var reqs []domain.CommandRequest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, &reqs)
	default:
		err = json.Unmarshal(data, &reqs)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing requests %s: %w", path, err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no requests in %s", path)
	}
	return reqs, nil
}
