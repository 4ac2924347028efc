// Package logger configures the structured logger shared by every
// component, grounded on cli/internal/cmdutil/cmdutil.go's getLogger: an
// hclog.Logger whose level comes from an environment variable, colored only
// when writing to an interactive terminal.
package logger

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-isatty"
)

// EnvLogLevel is the environment variable that sets the log level, e.g.
// LOG_FILTER=debug. Unset or unrecognized values fall back to Info.
const EnvLogLevel = "LOG_FILTER"

// IsTTY reports whether stderr (where logs are written) is an interactive
// terminal, the same check cli/internal/logger/logger.go makes for stdout.
var IsTTY = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

// New builds the process-wide logger. output defaults to os.Stderr; tests
// pass their own writer to capture log lines.
func New(output io.Writer) hclog.Logger {
	if output == nil {
		output = os.Stderr
	}

	level := hclog.Info
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		if parsed := hclog.LevelFromString(raw); parsed != hclog.NoLevel {
			level = parsed
		}
	}

	color := hclog.ColorOff
	if IsTTY {
		color = hclog.AutoColor
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "sitedev",
		Level:  level,
		Color:  color,
		Output: output,
	})
}
