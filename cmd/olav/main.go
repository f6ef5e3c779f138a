// Command olav runs guarded commands against network devices.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "olav",
	Short: "Policy-checked, approval-gated command execution for network devices.",
	Long: `Olav runs CLI and NETCONF operations against network devices through a
single sandbox. Every request is classified, checked against the command
blacklist and whitelist, held for human approval when it changes
configuration, executed over SSH or NETCONF, and written to a hash-chained
audit log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $OLAV_CONFIG or ~/.olav/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.AddCommand(execCmd, batchCmd, approvalsCmd, policyCmd, auditCmd, inventoryCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(ExitFailure)
	}
}
