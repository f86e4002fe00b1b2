package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/config"
)

const envPrefix = "AERO_MESH_CLIENT_"

const (
	defaultServer        = "http://127.0.0.1:8080"
	defaultLogLevel      = "warn"
	defaultRenderEvery   = 5 * time.Second
	fetchICETimeout      = 10 * time.Second
)

type joinOptions struct {
	Server         string
	Origin         string
	Room           string
	Name           string
	CameraIVF      string
	ScreenIVF      string
	ICEServersJSON string
	STUNURLs       string
	ICEFromServer  bool
	LogLevel       string
	RenderEvery    time.Duration
}

// flagEnv maps each join flag to its environment fallback.
var flagEnv = map[string]string{
	"server":           envPrefix + "SERVER",
	"origin":           envPrefix + "ORIGIN",
	"room":             envPrefix + "ROOM",
	"name":             envPrefix + "NAME",
	"camera-ivf":       envPrefix + "CAMERA_IVF",
	"screen-ivf":       envPrefix + "SCREEN_IVF",
	"ice-servers-json": envPrefix + "ICE_SERVERS_JSON",
	"stun-urls":        envPrefix + "STUN_URLS",
	"ice-from-server":  envPrefix + "ICE_FROM_SERVER",
	"log-level":        envPrefix + "LOG_LEVEL",
	"render-every":     envPrefix + "RENDER_EVERY",
}

// resolve fills every option whose flag was not given on the command line
// from its environment variable. Flags win over env, env over defaults.
func (o *joinOptions) resolve(changed func(flag string) bool, lookup func(string) (string, bool)) error {
	env := func(flag string) (string, bool) {
		if changed(flag) {
			return "", false
		}
		v, ok := lookup(flagEnv[flag])
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	for flag, dst := range map[string]*string{
		"server":           &o.Server,
		"origin":           &o.Origin,
		"room":             &o.Room,
		"name":             &o.Name,
		"camera-ivf":       &o.CameraIVF,
		"screen-ivf":       &o.ScreenIVF,
		"ice-servers-json": &o.ICEServersJSON,
		"stun-urls":        &o.STUNURLs,
		"log-level":        &o.LogLevel,
	} {
		if v, ok := env(flag); ok {
			*dst = v
		}
	}

	if v, ok := env("ice-from-server"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", flagEnv["ice-from-server"], v, err)
		}
		o.ICEFromServer = b
	}
	if v, ok := env("render-every"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", flagEnv["render-every"], v, err)
		}
		o.RenderEvery = d
	}

	return o.validate()
}

func (o *joinOptions) validate() error {
	if strings.TrimSpace(o.Server) == "" {
		return fmt.Errorf("--server must not be empty")
	}
	if strings.TrimSpace(o.Room) == "" {
		return fmt.Errorf("--room is required (or %s)", flagEnv["room"])
	}
	if o.ScreenIVF != "" && o.CameraIVF == "" {
		return fmt.Errorf("--screen-ivf requires --camera-ivf")
	}
	if o.RenderEvery < 0 {
		return fmt.Errorf("--render-every must be >= 0")
	}
	if _, err := o.logLevel(); err != nil {
		return err
	}
	return nil
}

func (o *joinOptions) logLevel() (slog.Level, error) {
	return config.ParseLogLevel(o.LogLevel)
}

// staticICE reports whether ICE servers were given locally, in which case
// the server's list is not fetched.
func (o *joinOptions) staticICE() bool {
	return strings.TrimSpace(o.ICEServersJSON) != "" || strings.TrimSpace(o.STUNURLs) != ""
}
