package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/contract"
)

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesShowCmd)
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Built-in contract bundles",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in bundles",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, name := range contract.TemplateNames() {
			b, err := contract.LoadTemplate(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-16s %d contracts  (mode: %s)\n", name, len(b.Contracts), b.DefaultMode)
		}
		return nil
	},
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print the YAML of a built-in bundle",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := contract.TemplateSource(args[0])
		if err != nil {
			return exitWith(exitBadFile, err)
		}
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	},
}
