// Command aero-mesh-client joins a mesh room as a headless participant. It
// publishes IVF files as its camera and screen and prints the room to the
// terminal.
package main

var (
	// Set via -ldflags at build time.
	buildCommit = ""
)

func main() {
	Execute()
}
