package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/room"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/signaling"
)

var errCoordinatorStopped = errors.New("signaling coordinator stopped")

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-mesh-signaling",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"max_rooms", cfg.MaxRooms,
		"max_members_per_room", cfg.MaxMembersPerRoom,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"max_signaling_bytes_per_second", cfg.MaxSignalingBytesPerSecond,
		"signaling_send_queue_len", cfg.SignalingSendQueueLen,
		"ice_servers", len(cfg.ICEServers),
	)
	if err := cfg.ICEConfigError(); err != nil {
		// Signaling still works; /webrtc/ice and /readyz report the error.
		logger.Error("invalid ICE server configuration", "err", err)
	}

	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})
	srv.SetMetrics(m)

	reg := room.NewRegistry(room.Limits{
		MaxRooms:            cfg.MaxRooms,
		MaxMembersPerRoom:   cfg.MaxMembersPerRoom,
		MaxDisplayNameRunes: cfg.MaxDisplayNameRunes,
	}, m)
	coord := signaling.NewCoordinator(signaling.CoordinatorConfig{
		Registry: reg,
		Metrics:  m,
		Logger:   logger,
	})
	coordCtx, stopCoord := context.WithCancel(context.Background())
	defer stopCoord()
	go coord.Run(coordCtx)
	srv.AddReadinessCheck("coordinator", func() error {
		select {
		case <-coord.Done():
			return errCoordinatorStopped
		default:
			return nil
		}
	})
	srv.SetRoomStats(reg)

	sig := signaling.NewServer(signaling.Config{
		Coordinator: coord,
		Metrics:     m,
		Logger:      logger,

		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxSignalingBytesPerSecond:    cfg.MaxSignalingBytesPerSecond,
		SignalingSendQueueLen:         cfg.SignalingSendQueueLen,
		MaxChatBytes:                  cfg.MaxChatBytes,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters and room gauges in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, reg))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		stopCoord()
		<-coord.Done()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()
	stopCoord()
	<-coord.Done()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
