package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/mcp"
)

var (
	mcpConfig  string
	mcpBundle  string
	mcpSession string
	mcpEnv     string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVarP(&mcpConfig, "config", "c", "", "Config file (default: $CALLWARDEN_CONFIG or ~/.callwarden/config.yaml)")
	mcpCmd.Flags().StringVarP(&mcpBundle, "bundle", "b", "", "Bundle file or template:<name> (overrides config)")
	mcpCmd.Flags().StringVar(&mcpSession, "session", "", "Session ID for every call (default: generated)")
	mcpCmd.Flags().StringVar(&mcpEnv, "env", "", "Environment recorded on every call (overrides config)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run as an MCP tool server over stdio",
	Long: "Exposes governed exec and HTTP tools plus check and validate to MCP clients.\n" +
		"Every call goes through the pipeline and is audited. Logs go to stderr so\n" +
		"stdout stays reserved for the protocol.",
	Example: `  callwarden mcp --bundle template:devops-agent`,
	Args:    exactArgs(0),
	RunE:    runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd, mcpConfig, mcpBundle)
	if err != nil {
		return err
	}
	if mcpEnv != "" {
		cfg.Environment = mcpEnv
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	srv, err := mcp.New(rt.pipe, mcp.Config{
		SessionID:   mcpSession,
		Environment: cfg.Environment,
		Version:     version,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
