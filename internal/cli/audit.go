package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/audit"
)

var (
	tailLines   int
	tailFormat  string
	tailSession string
	tailTool    string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditTailCmd.Flags().StringVarP(&tailFormat, "format", "f", "text", "Output format (text|json)")
	auditTailCmd.Flags().StringVar(&tailSession, "session", "", "Only show events of this session")
	auditTailCmd.Flags().StringVar(&tailTool, "tool", "", "Only show events of this tool")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  exactArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N events from the JSONL audit log and prints them as a timeline.",
	Args:  exactArgs(1),
	RunE:  runAuditTail,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(args[0]); err != nil {
		return exitWith(exitBadFile, fmt.Errorf("open audit log: %w", err))
	}
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	return exitWith(exitFailed, nil)
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	log, err := audit.Read(args[0], audit.Filter{SessionID: tailSession, Tool: tailTool})
	if err != nil {
		return exitWith(exitBadFile, err)
	}
	if log.Skipped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: skipped %d malformed lines\n", log.Skipped)
	}

	out := cmd.OutOrStdout()
	switch tailFormat {
	case "json":
		data, err := audit.FormatJSON(&audit.Log{Events: log.Tail(tailLines), Summary: log.Summary})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, data)
	default:
		fmt.Fprint(out, audit.FormatTimeline(log.Tail(tailLines), log.Summary))
	}
	return nil
}
