package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"streamingest/internal/transport"
)

var (
	healthAddr      string
	healthStream    string
	healthPartition int32
	healthTimeout   time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the health service of a running instance",
	Long: `Asks a running instance for its serving status. With --partition the
status of that partition's worker on --stream is reported instead of the
process.`,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "localhost:7070", "gRPC address of the instance")
	healthCmd.Flags().StringVar(&healthStream, "stream", "", "stream (topic) of --partition")
	healthCmd.Flags().Int32Var(&healthPartition, "partition", -1, "partition to check (default: whole process)")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "request timeout")
}

func runHealth(cmd *cobra.Command, _ []string) error {
	service := transport.Service
	if healthPartition >= 0 {
		if healthStream == "" {
			return errors.New("--partition needs --stream")
		}
		service = transport.PartitionService(healthStream, healthPartition)
	}

	cc, err := transport.Dial(healthAddr)
	if err != nil {
		return err
	}
	defer cc.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
	defer cancel()

	st, err := transport.Check(ctx, cc, service)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", service, st)
	if st != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", service, st)
	}
	return nil
}
