package cmd

import (
	"github.com/spf13/cobra"

	"streamingest/internal/config"
	"streamingest/internal/logging"
	"streamingest/source/kafka"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "streamingest",
	Short: "Checkpointed event stream to log ingestion pipeline",
	Long: `streamingest consumes gateway log events from an Event Hubs (Kafka)
stream, reshapes them into ingestion records and forwards them in batches
to a sink, checkpointing each partition only after a successful forward.

Running without a subcommand is the same as "streamingest run".`,
	SilenceUsage: true,
	RunE:         runPipeline,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	kafka.Register("sarama", func() kafka.Adapter { return &kafka.SaramaDriver{} })

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file (YAML, optional)")
	rootCmd.AddCommand(runCmd, healthCmd, checkpointCmd, configCmd)
}

// loadConfig reads the config and reconfigures logging from it.
func loadConfig() (config.Config, error) {
	base := logging.InitFromEnv()
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	logging.Configure(logging.Merge(base, logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON}))
	return cfg, nil
}
