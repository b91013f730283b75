package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/config"
	"github.com/ppiankov/callwarden/internal/policydiff"
)

var diffFormat string

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var diffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare two contract bundles and show changes",
	Long: "Compiles two bundles and reports contracts added, removed and changed, with\n" +
		"the changed fields of each. Reordering the children of all/any is not a change.\n" +
		"Exits 0 when the bundles are equivalent, 1 when they differ.",
	Args: exactArgs(2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldB, err := config.LoadBundle(args[0])
	if err != nil {
		return loadError(fmt.Errorf("load old bundle: %w", err))
	}

	newB, err := config.LoadBundle(args[1])
	if err != nil {
		return loadError(fmt.Errorf("load new bundle: %w", err))
	}

	result, err := policydiff.Diff(oldB, newB)
	if err != nil {
		return err
	}
	result.OldPath = args[0]
	result.NewPath = args[1]

	out := cmd.OutOrStdout()
	switch diffFormat {
	case "json":
		data, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, data)
	default:
		fmt.Fprint(out, policydiff.FormatText(result))
	}

	if result.HasChanges {
		return exitWith(exitFailed, nil)
	}
	return nil
}
