package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/config"
	"github.com/ppiankov/callwarden/internal/contract"
)

var validateFormat string

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVarP(&validateFormat, "format", "f", "text", "Output format (text|json)")
}

var validateCmd = &cobra.Command{
	Use:   "validate <bundle>...",
	Short: "Validate contract bundles",
	Long: "Parses each bundle, checks it against the bundle schema and compiles every\n" +
		"expression and regex. Every problem is listed with its line number.\n" +
		"Exits 0 when all bundles are valid, 1 on validation problems, 2 when a file\n" +
		"cannot be read or parsed. Use template:<name> to validate a built-in bundle.",
	Args: minArgs(1),
	RunE: runValidate,
}

type validateReport struct {
	Path      string             `json:"path"`
	Valid     bool               `json:"valid"`
	Name      string             `json:"name,omitempty"`
	Version   string             `json:"version,omitempty"`
	Contracts int                `json:"contracts,omitempty"`
	Problems  []contract.Problem `json:"problems,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	code := exitOK
	reports := make([]validateReport, 0, len(args))
	for _, path := range args {
		r := validateReport{Path: path}
		b, err := config.LoadBundle(path)
		var ve *contract.ValidationError
		switch {
		case err == nil:
			r.Valid, r.Name, r.Version, r.Contracts = true, b.Name, b.Version, len(b.Contracts)
		case errors.As(err, &ve):
			r.Problems = ve.Problems
			code = max(code, exitFailed)
		default:
			r.Error = err.Error()
			code = exitBadFile
		}
		reports = append(reports, r)
	}

	out := cmd.OutOrStdout()
	switch validateFormat {
	case "json":
		data, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	default:
		for _, r := range reports {
			switch {
			case r.Valid:
				fmt.Fprintf(out, "OK       %s  (%s, %d contracts, %s)\n", r.Path, r.Name, r.Contracts, shortVersion(r.Version))
			case r.Error != "":
				fmt.Fprintf(out, "ERROR    %s  %s\n", r.Path, r.Error)
			default:
				fmt.Fprintf(out, "INVALID  %s  (%d problems)\n", r.Path, len(r.Problems))
				for _, p := range r.Problems {
					fmt.Fprintf(out, "  %s\n", p)
				}
			}
		}
	}

	if code != exitOK {
		return exitWith(code, nil)
	}
	return nil
}
