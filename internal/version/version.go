package version

import (
	"fmt"
	"log"

	"github.com/pterm/pterm"
)

var (
	Name        = "tio-proxy"
	Description = "Multiplexing sensor telemetry proxy"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
)

const (
	GithubHomeText  = "github.com/twinleaf/tio-proxy"
	GithubHomeUri   = "https://github.com/twinleaf/tio-proxy"
	GithubLatestUri = "https://github.com/twinleaf/tio-proxy/releases/latest"
)

// PrintVersionInfo logs a short banner identifying the build, in the
// teacher's startup-banner style but without its interactive-terminal theme
// dependency: a plain coloured line when attached to a terminal, extended
// with commit/build metadata when requested.
func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	banner := pterm.LightCyan(fmt.Sprintf("%s %s", Name, Version))
	vlog.Println(banner + " — " + Description)
	vlog.Println(GithubHomeUri)

	if extendedInfo {
		vlog.Printf("commit: %s\n", Commit)
		vlog.Printf(" built: %s\n", Date)
	}
}
