package cli

import (
	"io"
	"os"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tracekit/tracectl/internal/config"
)

// Globals carries the process environment every run needs: streams,
// the logger, the loaded client config and the clock. Tests swap the
// streams for buffers and the clock for a mock.
type Globals struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
	Log    *zap.Logger
	Cfg    *config.Client
	Clock  clock.Clock
}

// NewGlobals builds Globals around the real process streams.
func NewGlobals(cfg *config.Client, verbose bool) *Globals {
	return &Globals{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Stdin:  os.Stdin,
		Log:    newLogger(cfg.Verbose || verbose),
		Cfg:    cfg,
		Clock:  clock.New(),
	}
}
