package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/console"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/meshclient"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/webrtcpeer"
)

var joinOpts = joinOptions{
	Server:      defaultServer,
	LogLevel:    defaultLogLevel,
	RenderEvery: defaultRenderEvery,
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and stay until interrupted",
	Long: `Join a room, link with every member and print room events.

Type /help once joined for the list of commands.

Examples:
  aero-mesh-client join --room standup --name bot --camera-ivf cam.ivf
  aero-mesh-client join --server https://meet.example.com --room standup --ice-from-server
  AERO_MESH_CLIENT_ROOM=standup aero-mesh-client join --screen-ivf slides.ivf --camera-ivf cam.ivf`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := joinOpts.resolve(cmd.Flags().Changed, os.LookupEnv); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runJoin(ctx, joinOpts)
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)

	f := joinCmd.Flags()
	f.StringVarP(&joinOpts.Server, "server", "s", joinOpts.Server, "Signaling server base URL (env "+flagEnv["server"]+")")
	f.StringVar(&joinOpts.Origin, "origin", "", "Origin header sent on the WebSocket handshake (env "+flagEnv["origin"]+")")
	f.StringVarP(&joinOpts.Room, "room", "r", "", "Room to join (env "+flagEnv["room"]+")")
	f.StringVarP(&joinOpts.Name, "name", "n", "", "Display name; blank joins as Guest (env "+flagEnv["name"]+")")
	f.StringVar(&joinOpts.CameraIVF, "camera-ivf", "", "VP8/VP9 IVF file looped as the camera; without it the client only receives")
	f.StringVar(&joinOpts.ScreenIVF, "screen-ivf", "", "IVF file played once by /share")
	f.StringVar(&joinOpts.ICEServersJSON, "ice-servers-json", "", "ICE servers as JSON (env "+flagEnv["ice-servers-json"]+")")
	f.StringVar(&joinOpts.STUNURLs, "stun-urls", "", "Comma-separated STUN URLs (env "+flagEnv["stun-urls"]+")")
	f.BoolVar(&joinOpts.ICEFromServer, "ice-from-server", false, "Fetch ICE servers from the server's /webrtc/ice")
	f.StringVar(&joinOpts.LogLevel, "log-level", joinOpts.LogLevel, "Log level: debug, info, warn, error")
	f.DurationVar(&joinOpts.RenderEvery, "render-every", joinOpts.RenderEvery, "Redraw the room this often (0 disables)")
}

func runJoin(ctx context.Context, opts joinOptions) error {
	level, err := opts.logLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	iceServers, err := resolveICEServers(ctx, opts)
	if err != nil {
		return err
	}

	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{
		LoggerFactory: webrtcpeer.NewLoggerFactory(level, os.Stderr),
	})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	wsURL, err := signalclient.SignalURL(opts.Server)
	if err != nil {
		return err
	}
	sig, err := signalclient.Dial(ctx, signalclient.Config{
		URL:    wsURL,
		Origin: opts.Origin,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer sig.Close()

	mgr := startMedia(ctx, opts, logger)
	if mgr != nil {
		defer mgr.Close()
	}

	con := console.New(os.Stdout)
	con.SetSelf(opts.Room, opts.Name)

	session, err := meshclient.Join(ctx, meshclient.Config{
		Signal:     sig,
		API:        api,
		ICEServers: iceServers,
		Media:      mgr,
		Observer:   con,
		Logger:     logger,
	}, opts.Room, opts.Name)
	if err != nil {
		return err
	}
	con.Render()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		loop := newCommandLoop(session, con, os.Stdout, mgr != nil)
		if loop.run(runCtx, os.Stdin) {
			cancel()
		}
	}()
	if opts.RenderEvery > 0 {
		go func() {
			t := time.NewTicker(opts.RenderEvery)
			defer t.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-t.C:
					con.Render()
				}
			}
		}()
	}

	err = session.Run(runCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err == nil {
		// The server closed the connection.
		if cause := sig.Err(); cause != nil && !errors.Is(cause, signalclient.ErrClosed) {
			return cause
		}
	}
	return err
}

// startMedia opens the camera file. A camera that cannot be opened leaves
// the client receive-only instead of failing the join.
func startMedia(ctx context.Context, opts joinOptions, logger *slog.Logger) *media.Manager {
	if opts.CameraIVF == "" {
		return nil
	}
	mgr := media.NewManager(media.FileCapturer{
		CameraPath: opts.CameraIVF,
		ScreenPath: opts.ScreenIVF,
		Logger:     logger,
	}, logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Warn("camera unavailable, joining receive-only", "path", opts.CameraIVF, "err", err)
		_ = mgr.Close()
		return nil
	}
	return mgr
}

func resolveICEServers(ctx context.Context, opts joinOptions) ([]webrtc.ICEServer, error) {
	if opts.staticICE() {
		servers, err := config.ICESettings{JSON: opts.ICEServersJSON, STUNURLs: opts.STUNURLs}.Resolve()
		if err != nil {
			return nil, fmt.Errorf("ice servers: %w", err)
		}
		return servers, nil
	}
	if !opts.ICEFromServer {
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchICETimeout)
	defer cancel()
	servers, err := signalclient.FetchICEServers(fetchCtx, &http.Client{Timeout: fetchICETimeout}, opts.Server)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	return servers, nil
}
