package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/config"
	"github.com/b0ase/path402/apps/hashdash/internal/daemon"
	"github.com/b0ase/path402/apps/hashdash/internal/logging"
)

var Version = "0.1.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "hashdashd",
	Short:         "Mining dashboard daemon",
	Long:          "hashdashd simulates hash-rate accrual from selected hardware, cloud and pool sources, keeps a balance ledger and settles withdrawals.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the daemon and serve MCP tools on stdio",
	RunE:  runMCP,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to hashdash.yaml (default ~/.hashdash/hashdash.yaml)")
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*daemon.Daemon, *zap.Logger, error) {
	if cfgPath == "" {
		home, _ := os.UserHomeDir()
		cfgPath = filepath.Join(home, ".hashdash", "hashdash.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Starting hashdashd",
		zap.String("version", Version),
		zap.String("config", cfgPath),
		zap.String("data_dir", cfg.DataDir))

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return nil, nil, fmt.Errorf("start daemon: %w", err)
	}
	return d, logger, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	d, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal, shutting down", zap.Stringer("signal", sig))

	d.Stop()
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	d, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer d.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := d.MCP(Version).Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}
