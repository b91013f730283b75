package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/client"
	"github.com/ppiankov/callwarden/internal/config"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/pipeline"
)

var (
	checkBundle     string
	checkTool       string
	checkArgs       string
	checkPrincipal  string
	checkEnv        string
	checkSession    string
	checkSideEffect string
	checkOutput     string
	checkFormat     string
	checkServer     string
	checkToken      string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkBundle, "bundle", "b", "", "Bundle file or template:<name> (required)")
	checkCmd.Flags().StringVarP(&checkTool, "tool", "t", "", "Tool name (required)")
	checkCmd.Flags().StringVar(&checkArgs, "args", "{}", "Tool arguments as a JSON object")
	checkCmd.Flags().StringVar(&checkPrincipal, "principal", "", "Principal as a JSON object")
	checkCmd.Flags().StringVar(&checkEnv, "env", "", "Environment name")
	checkCmd.Flags().StringVar(&checkSession, "session", "check", "Session id")
	checkCmd.Flags().StringVar(&checkSideEffect, "side-effect", "", "Override the tool side effect (pure|read|write|irreversible)")
	checkCmd.Flags().StringVar(&checkOutput, "output", "", "Tool output to evaluate postconditions against")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
	checkCmd.Flags().StringVar(&checkServer, "server", "", "Ask a running governance server instead of a local bundle")
	checkCmd.Flags().StringVar(&checkToken, "token", "", "Bearer JWT sent to --server (default: $CALLWARDEN_TOKEN)")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run one tool call against a bundle",
	Long: "Evaluates preconditions, session limits and postconditions for a single\n" +
		"synthetic call without executing anything. Exits 1 when the call would be\n" +
		"denied, 2 when the bundle or the JSON flags cannot be read.",
	Example: `  callwarden check -b bundle.yaml -t read_file --args '{"path": "/app/.env"}'
  callwarden check -b template:devops-agent -t Bash --args '{"command": "kubectl delete ns prod"}' --env production`,
	Args: exactArgs(0),
	RunE: runCheck,
}

type checkReport struct {
	Tool          string                `json:"tool"`
	Effect        model.Decision        `json:"effect"`
	Source        model.Source          `json:"source,omitempty"`
	DecidedBy     string                `json:"decided_by,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Warnings      []string              `json:"warnings,omitempty"`
	PolicyError   bool                  `json:"policy_error,omitempty"`
	PolicyVersion string                `json:"policy_version"`
	Contracts     []checkContractReport `json:"contracts"`
}

type checkContractReport struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Mode     string         `json:"mode"`
	Decision model.Decision `json:"decision"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkTool == "" || (checkBundle == "") == (checkServer == "") {
		return usageError(cmd, fmt.Errorf("--tool and exactly one of --bundle or --server are required"))
	}

	call := model.Call{
		Tool:        checkTool,
		SessionID:   checkSession,
		Environment: checkEnv,
		SideEffect:  model.SideEffect(checkSideEffect),
	}
	if err := json.Unmarshal([]byte(checkArgs), &call.Args); err != nil {
		return exitWith(exitBadFile, fmt.Errorf("--args: %w", err))
	}
	if checkPrincipal != "" {
		var p model.Principal
		if err := json.Unmarshal([]byte(checkPrincipal), &p); err != nil {
			return exitWith(exitBadFile, fmt.Errorf("--principal: %w", err))
		}
		call.Principal = &p
	}
	var output *string
	if cmd.Flags().Changed("output") {
		output = &checkOutput
	}

	var (
		report     checkReport
		bundleName string
		err        error
	)
	if checkServer != "" {
		report, err = remoteCheck(cmd, call, output)
		if err != nil {
			return err
		}
		bundleName = checkServer
	} else {
		b, err := config.LoadBundle(checkBundle)
		if err != nil {
			return loadError(fmt.Errorf("load bundle: %w", err))
		}
		pipe, err := pipeline.New(b)
		if err != nil {
			return err
		}
		res, err := pipe.Check(cmd.Context(), call, output)
		if err != nil {
			return exitWith(exitBadFile, err)
		}
		report = newCheckReport(checkTool, res)
		bundleName = b.Name
	}

	out := cmd.OutOrStdout()
	switch checkFormat {
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	default:
		writeCheckText(out, bundleName, report)
	}

	if report.Effect == model.Denied {
		return exitWith(exitFailed, nil)
	}
	return nil
}

func newCheckReport(tool string, res *pipeline.CheckResult) checkReport {
	ev := res.Evaluation
	r := checkReport{
		Tool:          tool,
		Effect:        res.Effect,
		Source:        ev.Decision.Source,
		DecidedBy:     ev.Decision.DecidedBy,
		Reason:        ev.Decision.Reason,
		Warnings:      ev.Warnings,
		PolicyError:   ev.PolicyError,
		PolicyVersion: ev.PolicyVersion,
		Contracts:     make([]checkContractReport, 0, len(ev.Contracts)),
	}
	for _, c := range ev.Contracts {
		r.Contracts = append(r.Contracts, checkContractReport{
			ID:       c.ID,
			Type:     string(c.Type),
			Mode:     string(c.Mode),
			Decision: c.Decision,
			Message:  c.Message,
			Error:    c.Error,
		})
	}
	return r
}

func remoteCheck(cmd *cobra.Command, call model.Call, output *string) (checkReport, error) {
	token := checkToken
	if token == "" {
		token = os.Getenv("CALLWARDEN_TOKEN")
	}
	c, err := client.New(checkServer, client.WithToken(token))
	if err != nil {
		return checkReport{}, err
	}
	defer c.Close()

	d, err := c.Check(cmd.Context(), call, output)
	if err != nil {
		return checkReport{}, err
	}
	return checkReport{
		Tool:          call.Tool,
		Effect:        d.Effect,
		Source:        d.Source,
		DecidedBy:     d.DecidedBy,
		Reason:        d.Reason,
		Warnings:      d.Warnings,
		PolicyError:   d.PolicyError,
		PolicyVersion: d.PolicyVersion,
		Contracts:     []checkContractReport{},
	}, nil
}

func writeCheckText(w io.Writer, bundleName string, r checkReport) {
	fmt.Fprintf(w, "Tool:     %s\n", r.Tool)
	fmt.Fprintf(w, "Effect:   %s\n", r.Effect)
	if r.DecidedBy != "" {
		fmt.Fprintf(w, "Decided:  %s %s\n", r.Source, r.DecidedBy)
		fmt.Fprintf(w, "Reason:   %s\n", r.Reason)
	}
	fmt.Fprintf(w, "Bundle:   %s (%s)\n", bundleName, shortVersion(r.PolicyVersion))

	if len(r.Contracts) > 0 {
		fmt.Fprintln(w, "\nContracts:")
		for _, c := range r.Contracts {
			line := fmt.Sprintf("  %-16s %-28s %-8s", c.Decision, c.ID, c.Type)
			if c.Mode == string(model.ModeObserve) {
				line += " [observe]"
			}
			if c.Decision != model.Allowed && c.Message != "" {
				line += "  " + c.Message
			}
			if c.Error != "" {
				line += "  error: " + c.Error
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, msg := range r.Warnings {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}
}
