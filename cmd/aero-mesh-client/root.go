package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/console"
)

var rootCmd = &cobra.Command{
	Use:   "aero-mesh-client",
	Short: "Headless participant for aero mesh video rooms",
	Long: `aero-mesh-client joins a room on an aero mesh signaling server and
negotiates a direct WebRTC link with every other member. IVF files stand in
for the camera and the screen, so it can be used to exercise rooms from a
terminal or a CI job.`,
}

// Execute runs the root command. Errors are printed in the console error
// style and exit with status 1.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if buildCommit != "" {
		rootCmd.Version = buildCommit
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, console.ErrorStyle.Render(err.Error()))
		os.Exit(1)
	}
}
