package app

import (
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcmw "github.com/agrolink-io/agrolink/internal/pkg/middleware/grpc"
	grpcserver "github.com/agrolink-io/agrolink/internal/syncd/server/grpc"
)

func newHealthCommand(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service of a running agl-syncd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.NewClient(opts.server,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithUnaryInterceptor(grpcmw.UnaryClientTimeout(opts.timeout)),
			)
			if err != nil {
				return fmt.Errorf("failed to create client for %s: %w", opts.server, err)
			}
			defer conn.Close()

			client := healthpb.NewHealthClient(conn)
			resp, err := client.Check(cmd.Context(), &healthpb.HealthCheckRequest{Service: grpcserver.ServiceName})
			if err != nil {
				return fmt.Errorf("health check against %s failed: %w", opts.server, err)
			}

			table := uitable.New()
			table.AddRow("SERVER", "SERVICE", "STATUS")
			table.AddRow(opts.server, grpcserver.ServiceName, resp.GetStatus().String())
			fmt.Fprintln(cmd.OutOrStdout(), table)

			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("agl-syncd is %s", resp.GetStatus())
			}
			return nil
		},
	}
}
