package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/pixperk/pdmlock/pkg/config"
	"github.com/pixperk/pdmlock/pkg/coordinator"
	"github.com/pixperk/pdmlock/pkg/gateway"
	"github.com/pixperk/pdmlock/pkg/hub"
	"github.com/pixperk/pdmlock/pkg/ledger"
	"github.com/pixperk/pdmlock/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lock service",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("ledger-dir", "", "Local working copy of the ledger")
	f.String("remote", "", "Ledger remote URL")
	f.String("branch", "main", "Ledger branch")
	f.String("grpc-addr", ":9000", "gRPC listen address")
	f.String("http-addr", ":8080", "HTTP ops listen address")
	f.StringSlice("privileged", nil, "Identities allowed to force-release")

	_ = v.BindPFlag("ledger.dir", f.Lookup("ledger-dir"))
	_ = v.BindPFlag("ledger.remote_url", f.Lookup("remote"))
	_ = v.BindPFlag("ledger.branch", f.Lookup("branch"))
	_ = v.BindPFlag("server.grpc_addr", f.Lookup("grpc-addr"))
	_ = v.BindPFlag("server.http_addr", f.Lookup("http-addr"))
	_ = v.BindPFlag("auth.privileged", f.Lookup("privileged"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if errs := cfg.Ledger.Validate(); len(errs) > 0 {
		return config.ValidationErrors(errs)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting pdmlock",
		zap.String("ledger", cfg.Ledger.Dir),
		zap.String("remote", cfg.Ledger.RemoteURL),
		zap.String("branch", cfg.Ledger.Branch),
		zap.String("grpc", cfg.Server.GRPCAddr),
		zap.String("http", cfg.Server.HTTPAddr),
	)

	l, err := ledger.Open(ctx, cfg.Ledger.ToLedger(), logger.Named("ledger"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	h := hub.New(cfg.Hub.ToHub(), nil, logger.Named("hub"))
	coord := coordinator.New(l, cfg.Server.ToCoordinator(),
		coordinator.WithPublisher(h),
		coordinator.WithLogger(logger.Named("coordinator")),
	)
	//in-flight mutations finish on shutdown, Stop waits for them
	coord.Start(context.WithoutCancel(ctx))
	defer coord.Stop()

	if _, rev, err := coord.Locks(ctx); err != nil {
		logger.Warn("initial sync failed, serving from the local working copy", zap.Error(err))
	} else {
		logger.Info("ledger synced", zap.String("revision", rev.Short()))
	}

	limiter := server.NewIdentityRateLimiter(
		cfg.Server.RateLimit.Requests,
		cfg.Server.RateLimit.Burst,
		cfg.Server.RateLimit.Window,
		logger,
	)
	srv := server.NewServer(coord, h, cfg.Server.ToServer(),
		server.WithIdentityProvider(server.NewMetadataIdentityProvider(cfg.Auth.Privileged)),
		server.WithRateLimiter(limiter),
		server.WithLogger(logger),
	)
	gs := grpc.NewServer()
	srv.Register(gs)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}
	gw := gateway.NewServer(cfg.Server.HTTPAddr, coord, h, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		return gw.Start(gctx)
	})
	g.Go(func() error {
		h.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdown(gs, gw, h, cfg.Server.ShutdownTimeout, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func shutdown(gs *grpc.Server, gw *gateway.Server, h *hub.Hub, timeout time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	//end the event streams first, GracefulStop waits for them otherwise
	h.CloseAll()

	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		logger.Warn("graceful stop timed out, closing remaining calls")
		gs.Stop()
	}

	if err := gw.Stop(ctx); err != nil {
		logger.Warn("HTTP gateway shutdown", zap.Error(err))
	}
}
