package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-warden/pkg/config"
)

const flagConfig = "config"

// cliContext is filled by the root command before any subcommand runs.
type cliContext struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cobra.EnableCommandSorting = false

	cc := &cliContext{}
	root := &cobra.Command{
		Use:          "warden",
		Short:        "Relays bridge deposits and unwraps between the source and destination chains",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString(flagConfig)
			if err != nil {
				return err
			}
			cc.cfg, err = config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cc.logger, err = config.NewLogger(cc.cfg.Logging)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if cc.logger != nil {
				_ = cc.logger.Sync()
			}
		},
	}
	root.PersistentFlags().String(flagConfig, "config.yaml", "path to the configuration file")

	root.AddCommand(
		serveCmd(cc),
		scanCmd(cc),
		reconcileCmd(cc),
		redriveCmd(cc),
		recordsCmd(cc),
	)
	return root
}
