// Package webrtcpeer builds the pion API used by mesh clients: default audio
// and video codecs, the default interceptor chain (NACK, RTCP reports, TWCC)
// and the network knobs of the SettingEngine.
package webrtcpeer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

type Options struct {
	// Net replaces the OS network stack. Tests pass a pion vnet.Net.
	Net transport.Net

	LoggerFactory logging.LoggerFactory

	// UDPPortMin and UDPPortMax restrict ICE host candidates to a port range.
	// Both zero means any port.
	UDPPortMin uint16
	UDPPortMax uint16

	IncludeLoopbackCandidates bool

	// ICE timeouts; zero keeps pion's defaults.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

func NewAPI(opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts Options) error {
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	se.SetIncludeLoopbackCandidate(opts.IncludeLoopbackCandidates)

	if opts.ICEDisconnectedTimeout != 0 || opts.ICEFailedTimeout != 0 || opts.ICEKeepaliveInterval != 0 {
		disconnected, failed, keepalive := opts.ICEDisconnectedTimeout, opts.ICEFailedTimeout, opts.ICEKeepaliveInterval
		if disconnected == 0 {
			disconnected = 5 * time.Second
		}
		if failed == 0 {
			failed = 25 * time.Second
		}
		if keepalive == 0 {
			keepalive = 2 * time.Second
		}
		se.SetICETimeouts(disconnected, failed, keepalive)
	}
	return nil
}

// NewLoggerFactory returns a pion logger factory writing to w (stderr when
// nil). pion is chatty at info, so anything above debug is raised to warn.
func NewLoggerFactory(level slog.Level, w io.Writer) logging.LoggerFactory {
	if w == nil {
		w = os.Stderr
	}
	f := logging.NewDefaultLoggerFactory()
	f.Writer = w
	f.DefaultLogLevel = pionLogLevel(level)
	return f
}

func pionLogLevel(level slog.Level) logging.LogLevel {
	switch {
	case level <= slog.LevelDebug:
		return logging.LogLevelDebug
	case level <= slog.LevelWarn:
		return logging.LogLevelWarn
	default:
		return logging.LogLevelError
	}
}
