// Command mesh-server-go runs the signaling stack for browser end-to-end
// tests: any origin, no ICE servers, an ephemeral port by default. It prints
// "READY <port>" once it accepts connections.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/room"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/signaling"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.Config{
		ListenAddr: ln.Addr().String(),
		// Accept all origins for E2E.
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 5 * time.Second,
	}

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: "e2e"})
	srv.SetMetrics(m)

	reg := room.NewRegistry(room.Limits{
		MaxMembersPerRoom:   envIntOrDefault("MAX_MEMBERS_PER_ROOM", 0),
		MaxDisplayNameRunes: config.DefaultMaxDisplayNameRunes,
	}, m)
	coord := signaling.NewCoordinator(signaling.CoordinatorConfig{Registry: reg, Metrics: m, Logger: logger})
	coordCtx, stopCoord := context.WithCancel(context.Background())
	go coord.Run(coordCtx)

	sig := signaling.NewServer(signaling.Config{Coordinator: coord, Metrics: m, Logger: logger})
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, reg))
	srv.SetRoomStats(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			sig.Close()
			stopCoord()
			os.Exit(1)
		}
	}
	sig.Close()
	stopCoord()
	<-coord.Done()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q: %v\n", key, v, err)
		os.Exit(2)
	}
	return n
}
