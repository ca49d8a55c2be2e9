package cli

import (
	"errors"
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/tracekit/tracectl/internal/config"
	"github.com/tracekit/tracectl/internal/session"
)

// CLI is the full flag surface. Mode selection is flag-driven and
// deliberately kept flat: all mutual-exclusion rules live in
// session.Resolve, not here.
type CLI struct {
	Config string `short:"c" placeholder:"PATH" help:"Capture config YAML, - for stdin, or :test for a built-in smoke config."`
	Out    string `short:"o" placeholder:"PATH" help:"Output trace file, or - for stdout."`

	Background     bool `short:"d" help:"Exit immediately and continue the session in the background; prints the background PID."`
	BackgroundWait bool `short:"D" help:"Like --background, but wait (up to 30s) for all data sources to start before exiting."`

	Time   string   `short:"t" placeholder:"N[s|m|h]" help:"Trace duration (default 10s). Shorthand, not usable with --config."`
	Buffer string   `short:"b" placeholder:"N[mb|gb]" help:"Ring buffer size (default 32mb). Shorthand."`
	Size   string   `short:"s" placeholder:"N[mb|gb]" help:"Max output file size (default: in-memory ring buffer only). Shorthand."`
	App    []string `short:"a" help:"App to record annotation events from. Shorthand, repeatable."`

	Categories []string `arg:"" optional:"" help:"GROUP/EVENT kernel events or bare annotation categories. Shorthand."`

	Upload         bool     `help:"Hand the finished trace to the upload spool instead of keeping it local."`
	Trigger        []string `placeholder:"NAME" help:"Activate the named trigger on the service instead of starting a capture. Repeatable."`
	SubscriptionID int64    `name:"subscription-id" help:"Id of the subscription that caused this session to start."`

	NoGuardrails    bool `name:"no-guardrails" help:"Ignore guardrails triggered when using --upload (testing only)."`
	ResetGuardrails bool `name:"reset-guardrails" help:"Reset guardrail state and exit (testing only)."`

	Detach     string `placeholder:"KEY" help:"Detach from the new session with the given key."`
	Attach     string `placeholder:"KEY" help:"Re-attach to the detached session with the given key."`
	IsDetached string `name:"is-detached" placeholder:"KEY" help:"Check if the session can be re-attached. Exit code: 0 yes, 2 no, 1 error."`
	Stop       bool   `help:"Stop the session once re-attached (only with --attach)."`

	Query            bool `help:"Query service state and print it as human-readable text."`
	QueryRaw         bool `name:"query-raw" help:"Like --query, but print the raw encoded service-state bytes."`
	SaveForBugreport bool `name:"save-for-bugreport" help:"Save a running high-priority session into a file and print its path."`

	Verbose bool             `help:"Enable debug logging."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

// intent builds the immutable SessionIntent from the parsed flags.
func (c *CLI) intent() session.Intent {
	in := session.Intent{
		AttachKey:        c.Attach,
		DetachKey:        c.Detach,
		StopOnAttach:     c.Stop,
		Query:            c.Query || c.QueryRaw,
		QueryRaw:         c.QueryRaw,
		BugreportRescue:  c.SaveForBugreport,
		Background:       c.Background || c.BackgroundWait,
		BackgroundWait:   c.BackgroundWait,
		Upload:           c.Upload,
		BypassGuardrails: c.NoGuardrails,
		OutputPath:       c.Out,
	}
	if c.IsDetached != "" {
		in.AttachKey = c.IsDetached
		in.RedetachOnAttach = true
	}
	return in
}

// captureConfig resolves the capture parameters from either the config
// file or the shorthand options, and folds in the trigger shorthand.
// The returned bool reports whether any capture config was supplied.
func (c *CLI) captureConfig(g *Globals) (*config.Capture, bool, error) {
	opts := config.Options{
		Time:        c.Time,
		BufferSize:  c.Buffer,
		MaxFileSize: c.Size,
		Categories:  c.Categories,
		Apps:        c.App,
	}

	var capture *config.Capture
	var err error
	haveConfig := false

	switch {
	case c.Config != "" && opts.Set():
		return nil, false, errors.New("cannot specify both --config and any of --time, --buffer, --size, --app or categories")
	case c.Config == ":test":
		capture = config.TestCapture()
		haveConfig = true
	case c.Config != "":
		capture, err = config.LoadCapture(c.Config, g.Stdin)
		if err != nil {
			return nil, false, err
		}
		haveConfig = true
	case opts.Set():
		capture, err = config.CaptureFromOptions(opts)
		if err != nil {
			return nil, false, err
		}
		haveConfig = true
	}

	if len(c.Trigger) > 0 {
		if capture == nil {
			capture = &config.Capture{}
		}
		capture.ActivateTriggers = append(capture.ActivateTriggers, c.Trigger...)
		haveConfig = true
	}

	// Trigger activation acts on sessions that already exist: the rest
	// of the capture config is discarded, only the trigger names and
	// identity survive.
	if capture != nil && len(capture.ActivateTriggers) > 0 {
		capture = &config.Capture{
			ActivateTriggers:         capture.ActivateTriggers,
			TraceUUID:                capture.TraceUUID,
			TriggeringSubscriptionID: capture.TriggeringSubscriptionID,
		}
	}

	if capture != nil && c.SubscriptionID != 0 {
		capture.TriggeringSubscriptionID = c.SubscriptionID
	}

	if c.Upload && haveConfig && len(capture.ActivateTriggers) == 0 &&
		capture.Upload.DestinationPackage == "" && !capture.Upload.SkipSpool {
		return nil, false, fmt.Errorf("missing upload.destination_package in the capture config with --upload")
	}
	if !c.Upload && haveConfig && capture.Upload.DestinationPackage != "" {
		return nil, false, fmt.Errorf("unexpected upload.destination_package without --upload")
	}

	return capture, haveConfig, nil
}
