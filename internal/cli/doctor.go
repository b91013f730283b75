package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/config"
	"github.com/ppiankov/callwarden/internal/systemd"
)

var doctorConfig string

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVarP(&doctorConfig, "config", "c", "", "Config file (default: $CALLWARDEN_CONFIG or ~/.callwarden/config.yaml)")
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, bundle, session store and audit log",
	Args:  exactArgs(0),
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	// 1. Config.
	cfg, err := config.Load(doctorConfig)
	if err != nil {
		checks = append(checks, checkResult{label: "config", detail: err.Error(), fix: "callwarden init"})
		return printChecks(cmd, checks)
	}
	checks = append(checks, checkResult{label: "config", ok: true, detail: configSource(doctorConfig)})

	// 2. Bundle.
	if cfg.Bundle == "" {
		checks = append(checks, checkResult{label: "bundle", detail: "not configured", fix: "callwarden init"})
	} else if b, err := cfg.LoadBundle(); err != nil {
		checks = append(checks, checkResult{label: "bundle", detail: err.Error(), fix: "callwarden validate " + cfg.Bundle})
	} else {
		checks = append(checks, checkResult{
			label:  "bundle",
			ok:     true,
			detail: fmt.Sprintf("%s (%d contracts, %s)", b.Name, len(b.Contracts), shortVersion(b.Version)),
		})
	}

	// 3. Session backend.
	backend, err := cfg.OpenBackend(slog.New(slog.DiscardHandler))
	if err != nil {
		checks = append(checks, checkResult{label: "session store", detail: err.Error()})
	} else {
		_, err := backend.Snapshot(cmd.Context(), "doctor")
		_ = backend.Close()
		if err != nil {
			checks = append(checks, checkResult{label: "session store", detail: err.Error()})
		} else {
			checks = append(checks, checkResult{label: "session store", ok: true, detail: backendName(cfg)})
		}
	}

	// 4. Audit log.
	if cfg.Audit.File != "" {
		if _, err := os.Stat(cfg.Audit.File); err != nil {
			checks = append(checks, checkResult{label: "audit log", ok: true, detail: "not written yet"})
		} else if res := audit.Verify(cfg.Audit.File); res.Valid {
			checks = append(checks, checkResult{label: "audit log", ok: true, detail: fmt.Sprintf("%d entries, chain intact", res.Lines)})
		} else {
			checks = append(checks, checkResult{
				label:  "audit log",
				detail: fmt.Sprintf("chain broken at line %d: %s", res.ErrorLine, res.Error),
				fix:    "callwarden audit verify " + cfg.Audit.File,
			})
		}
	}

	// 5. Auth secret.
	if cfg.Auth.JWTSecretEnv != "" {
		if len(cfg.JWTSecret()) == 0 {
			checks = append(checks, checkResult{
				label:  "jwt secret",
				detail: "$" + cfg.Auth.JWTSecretEnv + " is empty",
				fix:    "export " + cfg.Auth.JWTSecretEnv + "=<secret>",
			})
		} else {
			checks = append(checks, checkResult{label: "jwt secret", ok: true, detail: "$" + cfg.Auth.JWTSecretEnv})
		}
	}

	// 6. Service unit written by init --systemd.
	if src := configSource(doctorConfig); fileExists(src) {
		unitPath := filepath.Join(filepath.Dir(src), systemd.UnitName)
		if fileExists(unitPath) {
			if msg := systemd.CheckUnitFile(unitPath); msg != "" {
				checks = append(checks, checkResult{label: "systemd unit", detail: msg, fix: "callwarden init --systemd --force"})
			} else {
				checks = append(checks, checkResult{label: "systemd unit", ok: true, detail: unitPath})
			}
		}
	}

	return printChecks(cmd, checks)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func printChecks(cmd *cobra.Command, checks []checkResult) error {
	out := cmd.OutOrStdout()
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-16s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out)
	if hasFailures {
		fmt.Fprintln(out, "Some checks failed. Run the suggested commands to fix.")
		return exitWith(exitFailed, nil)
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}

func configSource(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("CALLWARDEN_CONFIG"); env != "" {
		return env
	}
	if p := config.DefaultPath(); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "defaults (no config file)"
}

func backendName(cfg *config.Config) string {
	switch cfg.Session.Backend {
	case config.BackendSQLite:
		return "sqlite " + cfg.Session.SQLitePath
	case config.BackendRedis:
		return "redis " + cfg.Session.RedisAddr
	}
	return "memory"
}

func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
