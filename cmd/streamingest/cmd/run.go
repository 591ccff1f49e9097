package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"streamingest/internal/engine"
	"streamingest/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion pipeline until SIGINT/SIGTERM",
	RunE:  runPipeline,
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		logging.L().Error("config", logging.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		logging.L().Error("bootstrap", logging.Error(err))
		return err
	}
	if err := e.Run(ctx); err != nil {
		logging.L().Error("engine", logging.Error(err))
		return err
	}
	logging.L().Info("shutdown complete")
	return nil
}
