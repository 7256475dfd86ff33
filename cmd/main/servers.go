package main

import (
	"context"
	"fmt"

	"market-relay/src/grpc_control"
	"market-relay/src/logger"
	"market-relay/src/models"

	"golang.org/x/sync/errgroup"
)

// -----------------------------------------------------------------------------

// runServers starts every component and blocks until ctx is cancelled or one
// of them fails. Gateway exhaustion is not a failure: the hub keeps serving
// cached snapshots.
func runServers(ctx context.Context, r *relay, config *models.MConfig, appLogger *logger.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	// 1. Hub loop
	g.Go(func() error { return r.hub.Run(gctx) })

	// 2. HTTP / WebSocket API
	g.Go(func() error { return r.hub.Serve(gctx) })

	// 3. Gateway session supervisor
	g.Go(func() error {
		if err := r.connector.Run(gctx); err != nil {
			return err
		}
		appLogger.Info("Gateway supervisor stopped (state: %s)", r.connector.State())
		return nil
	})

	// 4. Side-effect sinks
	g.Go(func() error { return r.sinks.Run(gctx) })

	// 5. gRPC Control Server
	if config.GrpcPort > 0 {
		g.Go(func() error {
			addr := fmt.Sprintf("%s:%d", config.GrpcHost, config.GrpcPort)
			svc := grpc_control.NewControlService(r.hub, appLogger.Named("ControlService"))
			return grpc_control.Serve(gctx, addr, svc, appLogger)
		})
	}

	return g.Wait()
}
