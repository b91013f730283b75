package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/config"
	"github.com/ppiankov/callwarden/internal/replay"
)

var (
	replayBundle  string
	replayLog     string
	replayFormat  string
	replaySession string
	replayTool    string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVarP(&replayBundle, "bundle", "b", "", "Bundle file or template:<name> to replay against (required)")
	replayCmd.Flags().StringVarP(&replayLog, "log", "l", "", "Recorded audit log (JSONL) (required)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
	replayCmd.Flags().StringVar(&replaySession, "session", "", "Only replay events of this session")
	replayCmd.Flags().StringVar(&replayTool, "tool", "", "Only replay events of this tool")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded audit log against a bundle",
	Long: "Re-evaluates every recorded call against a new bundle without executing\n" +
		"anything and reports the calls whose decision changed. Session limits are\n" +
		"rebuilt in event order. Exits 1 when any decision changed.",
	Example: `  callwarden replay --bundle new.yaml --log ~/.callwarden/audit.jsonl`,
	Args:    exactArgs(0),
	RunE:    runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayBundle == "" || replayLog == "" {
		return usageError(cmd, fmt.Errorf("--bundle and --log are required"))
	}

	b, err := config.LoadBundle(replayBundle)
	if err != nil {
		return loadError(fmt.Errorf("load bundle: %w", err))
	}
	log, err := audit.Read(replayLog, audit.Filter{SessionID: replaySession, Tool: replayTool})
	if err != nil {
		return exitWith(exitBadFile, err)
	}

	result, err := replay.Replay(cmd.Context(), b, log.Events)
	if err != nil {
		return err
	}
	result.BundlePath = replayBundle
	result.Skipped += log.Skipped

	out := cmd.OutOrStdout()
	switch replayFormat {
	case "json":
		data, err := replay.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, data)
	default:
		fmt.Fprint(out, replay.FormatText(result))
	}

	if result.ChangedEvents > 0 {
		return exitWith(exitFailed, nil)
	}
	return nil
}
