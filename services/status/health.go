package status

import (
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"primegap/services/scanner"
)

// ScanService is the health service name reported for the running scan.
// The empty name reports the same status for the whole process.
const ScanService = "primegap.Scan"

// HealthServer serves grpc.health.v1 for orchestrators that check health over gRPC.
// It reports SERVING while a scan runs and NOT_SERVING once it is done.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
	lis    net.Listener
	errc   chan error
}

// NewHealthServer returns a server that already reports SERVING.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger,
		errc:   make(chan error, 1),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.SetServing(true)
	return h
}

// SetServing flips both the scan service and the process status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ScanService, status)
}

// Update is a scanner.ProgressFunc; the final report marks the scan NOT_SERVING.
func (h *HealthServer) Update(p scanner.Progress) {
	if p.Done {
		h.SetServing(false)
	}
}

// Start listens on addr and serves in the background.
func (h *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.Serve(lis)
	return nil
}

// Serve serves on lis in the background.
func (h *HealthServer) Serve(lis net.Listener) {
	h.lis = lis
	h.logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
	go func() {
		err := h.grpc.Serve(lis)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		h.errc <- err
	}()
}

// Addr is the bound address, empty before Serve.
func (h *HealthServer) Addr() string {
	if h.lis == nil {
		return ""
	}
	return h.lis.Addr().String()
}

// Stop marks the process NOT_SERVING, then stops the server gracefully.
func (h *HealthServer) Stop() error {
	h.health.Shutdown()
	h.grpc.GracefulStop()
	if h.lis == nil {
		return nil
	}
	return <-h.errc
}
