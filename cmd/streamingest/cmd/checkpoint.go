package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"streamingest/checkpoint"
	"streamingest/internal/engine"
)

var (
	cpPartition int32
	cpStream    string
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect stored partition checkpoints",
}

var checkpointGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the last checkpointed offset of a partition",
	RunE:  runCheckpointGet,
}

func init() {
	checkpointGetCmd.Flags().Int32Var(&cpPartition, "partition", 0, "partition id")
	checkpointGetCmd.Flags().StringVar(&cpStream, "stream", "", "stream (topic) name (default: first configured topic)")
	checkpointCmd.AddCommand(checkpointGetCmd)
}

func runCheckpointGet(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stream := cpStream
	if stream == "" {
		stream = cfg.Stream.Topics[0]
	}

	cred, err := engine.Credential(cfg)
	if err != nil {
		return err
	}
	store, err := engine.OpenStore(cmd.Context(), cfg, cred)
	if err != nil {
		return err
	}
	defer store.Close()

	k := checkpoint.Key{Stream: stream, ConsumerGroup: cfg.Stream.GroupID, Partition: cpPartition}
	off, found, err := store.Load(cmd.Context(), k)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no checkpoint\n", k)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", k, off)
	return nil
}
