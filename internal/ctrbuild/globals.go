package ctrbuild

import (
	"embed"
	"errors"
	"os"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// Global variables
var (
	Verbose bool
	Debug   bool

	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time

	// Cross-compilation target. Everything in this tool is specific to it.
	targetTriple = "armv6k-nintendo-3ds"

	errNoArtifact = errors.New("no executable artifact found in build output")

	//go:embed assets/default_icon.png
	embeddedAssets embed.FS
	//go:embed assets/template.tar.gz
	embeddedTemplate embed.FS
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

func init() {
	// Keep console output plain when not attached to a terminal
	// (build servers, pipes into pagers).
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.Disable()
	}
}

func debugf(format string, args ...interface{}) {
	if Debug {
		colInfo.Printf(format, args...)
	}
}
