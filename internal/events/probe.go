package events

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthProbe checks a sink through the standard gRPC health service.
type GRPCHealthProbe struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// NewGRPCHealthProbe creates a probe for addr. The connection is
// established lazily on the first Check.
func NewGRPCHealthProbe(addr, service string) (*GRPCHealthProbe, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc health client %s: %w", addr, err)
	}
	return &GRPCHealthProbe{conn: conn, client: healthpb.NewHealthClient(conn), service: service}, nil
}

// Check returns nil when the service reports SERVING.
func (p *GRPCHealthProbe) Check(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check: %s", resp.GetStatus())
	}
	return nil
}

// Close releases the connection.
func (p *GRPCHealthProbe) Close() error {
	return p.conn.Close()
}
