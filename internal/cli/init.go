package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/systemd"
)

var (
	initTemplate string
	initMode     string
	initForce    bool
	initSystemd  bool
)

func init() {
	initCmd.Flags().StringVar(&initTemplate, "template", "file-agent", "Built-in bundle to start from (see: callwarden templates list)")
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.callwarden) or system (/etc/callwarden)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	initCmd.Flags().BoolVar(&initSystemd, "systemd", false, "Also write a systemd unit for callwarden serve")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap callwarden configuration and a starter bundle",
	Long: `Creates the config directory with config.yaml and bundle.yaml.

User mode (default):  writes to ~/.callwarden/
System mode:          writes to /etc/callwarden/ (requires root)

bundle.yaml is a copy of a built-in template; edit it and check the result
with: callwarden validate <path>`,
	Args: exactArgs(0),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return usageError(cmd, err)
	}
	bundleSrc, err := contract.TemplateSource(initTemplate)
	if err != nil {
		return usageError(cmd, err)
	}

	var created []string

	bundlePath := filepath.Join(configDir, "bundle.yaml")
	if wrote, err := writeIfMissing(bundlePath, string(bundleSrc)); err != nil {
		return err
	} else if wrote {
		created = append(created, bundlePath)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if wrote, err := writeIfMissing(configPath, defaultConfigYAML(configDir, bundlePath)); err != nil {
		return err
	} else if wrote {
		created = append(created, configPath)
	}

	var unitPath string
	if initSystemd {
		unitPath = filepath.Join(configDir, systemd.UnitName)
		unit := systemd.ServeUnit(serveBinary(), configDir)
		if wrote, err := writeIfMissing(unitPath, unit); err != nil {
			return err
		} else if wrote {
			if err := os.WriteFile(unitPath+systemd.HashSuffix, []byte(systemd.Hash([]byte(unit))+"\n"), 0o644); err != nil {
				return fmt.Errorf("write unit hash: %w", err)
			}
			created = append(created, unitPath)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "callwarden init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  %s\n", path)
		}
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Verify:")
	fmt.Fprintln(out, "  callwarden doctor")
	fmt.Fprintln(out)
	if unitPath != "" {
		fmt.Fprintln(out, "Install the service:")
		fmt.Fprintf(out, "  sudo cp %s /etc/systemd/system/ && sudo systemctl enable --now callwarden\n", unitPath)
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, "Try a call against the bundle:")
	fmt.Fprintf(out, "  callwarden check --bundle %s --tool read_file --args '{\"path\":\"/app/.env\"}'\n", bundlePath)
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/callwarden", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".callwarden"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// serveBinary is the absolute path of the running binary, falling back to
// the usual install location.
func serveBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "/usr/local/bin/callwarden"
	}
	return exe
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigYAML(configDir, bundlePath string) string {
	return fmt.Sprintf(`# callwarden runtime configuration, read by serve, mcp and doctor.
bundle: %s
environment: dev

listen: 127.0.0.1:7443
metrics_listen: 127.0.0.1:9464
watch: true

session:
  # memory | sqlite | redis
  backend: sqlite
  sqlite_path: %s
  idle_ttl: 24h
  cleanup_schedule: "@hourly"

audit:
  console: false
  file: %s
  queue_size: 1024

redact:
  extra_keys: []

# auth:
#   jwt_secret_env: CALLWARDEN_JWT_SECRET
#   required: true

log_level: info
log_format: text
`, bundlePath, filepath.Join(configDir, "sessions.db"), filepath.Join(configDir, "audit.jsonl"))
}
