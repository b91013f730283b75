package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/scenario"
)

var (
	testBundle string
	testFormat string
)

func init() {
	rootCmd.AddCommand(testCmd)
	testCmd.Flags().StringVarP(&testBundle, "bundle", "b", "", "Bundle file or template:<name>, overriding the bundle named in each scenario")
	testCmd.Flags().StringVarP(&testFormat, "format", "f", "text", "Output format (text|json)")
}

var testCmd = &cobra.Command{
	Use:   "test <scenario.yaml>...",
	Short: "Run scenario files against a contract bundle",
	Long: "Each scenario lists calls with the decision they should get. Cases run in\n" +
		"order in one session, so session limits can be tested.\n" +
		"Exits 0 when every case passes, 1 when any case fails, 2 when a scenario or\n" +
		"bundle cannot be loaded.",
	Args: minArgs(1),
	RunE: runTest,
}

func runTest(cmd *cobra.Command, args []string) error {
	var results []*scenario.RunResult
	failed := false
	for _, path := range args {
		r, err := scenario.LoadAndRun(cmd.Context(), path, testBundle)
		if err != nil {
			return exitWith(exitBadFile, err)
		}
		if r.Failed > 0 {
			failed = true
		}
		results = append(results, r)
	}

	out := cmd.OutOrStdout()
	switch testFormat {
	case "json":
		data, err := scenario.FormatJSON(results)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, data)
	default:
		fmt.Fprint(out, scenario.FormatText(results))
	}

	if failed {
		return exitWith(exitFailed, nil)
	}
	return nil
}
