package transport

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"streamingest/internal/pipeline"
)

// Service is the name of the overall health entry.
const Service = "streamingest"

// PartitionService names the health entry of one partition worker.
func PartitionService(stream string, partition int32) string {
	return fmt.Sprintf("%s/partition/%s/%d", Service, stream, partition)
}

// Server exposes grpc.health.v1 for the process and each partition.
type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	health *health.Server
}

func StartServer(port int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		lis:    lis,
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

// Ready flips the overall entry to SERVING once the pipeline runs.
func (s *Server) Ready() {
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// PartitionStatus implements pipeline.Observer.
func (s *Server) PartitionStatus(stream string, partition int32, st pipeline.Status) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == pipeline.Running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(PartitionService(stream, partition), status)
}

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
