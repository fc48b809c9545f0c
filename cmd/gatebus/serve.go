package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/archive"
	"github.com/alfredjeanlab/gatebus/internal/bus"
	"github.com/alfredjeanlab/gatebus/internal/config"
	"github.com/alfredjeanlab/gatebus/internal/events"
	"github.com/alfredjeanlab/gatebus/internal/gateway"
	"github.com/alfredjeanlab/gatebus/internal/server"
	"github.com/alfredjeanlab/gatebus/internal/store"
	"github.com/alfredjeanlab/gatebus/internal/store/memory"
	"github.com/alfredjeanlab/gatebus/internal/store/postgres"
	"github.com/alfredjeanlab/gatebus/internal/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/health"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the gatebus server",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		// Load configuration.
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		shutdownTracing, err := telemetry.Setup(context.Background(), cfg.OTelEndpoint, "gatebus")
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Error("tracing shutdown error", "err", err)
			}
		}()
		if cfg.OTelEndpoint != "" {
			logger.Info("tracing enabled", "endpoint", cfg.OTelEndpoint)
		}

		// Open the store.
		var st store.Store
		if cfg.DatabaseURL != "" {
			pg, err := postgres.New(cfg.DatabaseURL, cfg.LogCap)
			if err != nil {
				return err
			}
			st = pg
			logger.Info("postgres store enabled", "log_cap", cfg.LogCap)
		} else {
			st = memory.New(cfg.LogCap)
			logger.Info("in-memory store (GATEBUS_DATABASE_URL not set)", "log_cap", cfg.LogCap)
		}

		// Create the fan-out channel.
		var fanout events.Broadcaster
		if cfg.NATSURL != "" {
			nf, err := events.NewNATSFanout(cfg.NATSURL,
				nats.Name("gatebus-server"),
				nats.MaxReconnects(-1),
				nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
					logger.Warn("nats disconnected", "err", err)
				}),
				nats.ReconnectHandler(func(nc *nats.Conn) {
					logger.Info("nats reconnected", "url", nc.ConnectedUrl())
				}),
			)
			if err != nil {
				st.Close()
				return err
			}
			fanout = nf
			logger.Info("nats fan-out enabled", "nats_url", cfg.NATSURL)
		} else {
			fanout = events.NewLocalFanout()
			logger.Info("single-process fan-out (GATEBUS_NATS_URL not set)")
		}

		// Start the bus and gateway.
		b := bus.New(st, fanout, bus.Options{
			Logger:         logger,
			DispatchBuffer: cfg.DispatchBuffer,
			MaxResyncLimit: cfg.ResyncMaxLimit,
		})
		initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = b.Init(initCtx)
		initCancel()
		if err != nil {
			fanout.Close()
			st.Close()
			return err
		}

		gw := gateway.New(b, gateway.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			MissedHeartbeats:  cfg.MissedHeartbeats,
			SessionTTL:        cfg.SessionTTL,
			MaxResumeEvents:   cfg.MaxResumeEvents,
			Logger:            logger,
		})
		gw.StartReaper()

		var auth server.Authenticator = server.TokenAuthenticator{Token: cfg.AuthToken}
		if cfg.JWTSecret != "" {
			auth = server.JWTAuthenticator{
				Secret:   []byte(cfg.JWTSecret),
				Issuer:   cfg.JWTIssuer,
				Audience: cfg.JWTAudience,
			}
			logger.Info("gateway JWT authentication enabled", "issuer", cfg.JWTIssuer, "audience", cfg.JWTAudience)
		}
		srv := server.New(b, gw, auth, logger)

		// Start gRPC listener.
		hs := health.NewServer()
		grpcServer := server.NewGRPCServer(cfg.AuthToken, hs, logger)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			gw.Stop()
			_ = b.Shutdown(context.Background())
			fanout.Close()
			st.Close()
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		healthCtx, healthCancel := context.WithCancel(context.Background())
		healthDone := make(chan struct{})
		go func() {
			defer close(healthDone)
			srv.WatchHealth(healthCtx, hs, 0)
		}()

		// Start HTTP server.
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.NewHTTPHandler(cfg.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		scheduler := startArchive(cfg, st, logger)

		if cfg.AuthToken == "" {
			logger.Warn("authentication disabled (GATEBUS_AUTH_TOKEN not set)")
		}
		logger.Info("gatebus server started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
		)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Graceful shutdown: streams first so HTTP Shutdown is not held open.
		srv.Close()

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("archive scheduler stopped")
		}

		healthCancel()
		<-healthDone
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		gw.Stop()
		if err := b.Shutdown(shutdownCtx); err != nil {
			logger.Error("bus shutdown error", "err", err)
		}
		if err := fanout.Close(); err != nil {
			logger.Error("error closing fan-out", "err", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}

// startArchive starts the snapshot scheduler when an interval and at least
// one destination are configured. It returns nil otherwise.
func startArchive(cfg *config.Config, src archive.Source, logger *slog.Logger) *archive.Scheduler {
	if cfg.ArchiveInterval <= 0 {
		return nil
	}

	var dests []archive.Destination
	if cfg.ArchiveS3Bucket != "" {
		s3Dest, err := archive.NewS3Destination(
			context.Background(),
			cfg.ArchiveS3Bucket,
			cfg.ArchiveS3Key,
			cfg.ArchiveS3Region,
			cfg.ArchiveS3Endpoint,
		)
		if err != nil {
			logger.Error("failed to create S3 archive destination", "err", err)
		} else {
			dests = append(dests, s3Dest)
			logger.Info("archive S3 destination enabled", "bucket", cfg.ArchiveS3Bucket, "key", cfg.ArchiveS3Key)
		}
	}
	if cfg.ArchiveFile != "" {
		dests = append(dests, archive.NewFileDestination(cfg.ArchiveFile))
		logger.Info("archive file destination enabled", "path", cfg.ArchiveFile)
	}
	if len(dests) == 0 {
		logger.Warn("GATEBUS_ARCHIVE_INTERVAL set but no archive destination configured")
		return nil
	}

	scheduler := archive.NewScheduler(src, dests, cfg.ArchiveInterval, logger)
	if cfg.ArchiveCompress {
		scheduler.EnableCompression()
	}
	scheduler.Start()
	logger.Info("archive scheduler started", "interval", cfg.ArchiveInterval, "zstd", cfg.ArchiveCompress)
	return scheduler
}
