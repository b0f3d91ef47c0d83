package cellar

import (
	"runtime"

	"github.com/gookit/color"
)

var (
	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time
	arch      = runtime.GOARCH
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)
