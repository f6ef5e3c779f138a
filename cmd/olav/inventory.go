package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/olav/internal/inventory"
)

var (
	inventoryPlatform string
	inventoryJSON     bool
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Manage the device inventory",
}

var inventoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled devices (credentials are never printed)",
	Args:  cobra.NoArgs,
	RunE:  runInventoryList,
}

var inventoryImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load devices from a YAML or JSON file into the database inventory",
	Long: `Upsert every device in FILE into the database inventory, keyed by name.
Credentials should be references (env://, file://, vault://); they are
stored as given and resolved only when a command runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runInventoryImport,
}

var inventoryDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Remove a device from the database inventory",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := commandContext(0)
		defer cancel()
		sc, err := initShared(ctx)
		if err != nil {
			return err
		}
		defer sc.Cleanup()
		return sc.Store.Devices().Delete(ctx, args[0])
	},
}

func init() {
	inventoryListCmd.Flags().StringVar(&inventoryPlatform, "platform", "", "filter by platform")
	inventoryListCmd.Flags().BoolVar(&inventoryJSON, "json", false, "print devices as JSON")
	inventoryCmd.AddCommand(inventoryListCmd, inventoryImportCmd, inventoryDeleteCmd)
}

func runInventoryList(_ *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(0)
	defer cancel()
	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	devices, err := sc.Inventory.List(ctx, inventoryPlatform)
	if err != nil {
		return err
	}
	if inventoryJSON {
		out := make([]map[string]any, len(devices))
		for i, d := range devices {
			out[i] = d.Sanitized()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHOSTNAME\tPLATFORM\tALIASES")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Hostname, d.Platform, strings.Join(d.Aliases, ","))
	}
	return tw.Flush()
}

func runInventoryImport(_ *cobra.Command, args []string) error {
	devices, err := inventory.LoadFile(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(0)
	defer cancel()
	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	store := sc.Store.Devices()
	for i := range devices {
		if err := store.Upsert(ctx, &devices[i]); err != nil {
			return fmt.Errorf("importing %s: %w", devices[i].Name, err)
		}
	}
	fmt.Printf("imported %d devices into %s\n", len(devices), sc.Store.Driver())
	return nil
}
