package cli

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/tracekit/tracectl/internal/background"
	"github.com/tracekit/tracectl/internal/config"
	"github.com/tracekit/tracectl/internal/guardrail"
	"github.com/tracekit/tracectl/internal/output"
	"github.com/tracekit/tracectl/internal/service"
	"github.com/tracekit/tracectl/internal/session"
	"github.com/tracekit/tracectl/internal/telemetry"
	"github.com/tracekit/tracectl/internal/transport"
)

// Run drives one invocation end to end: resolve the mode, consult the
// guardrail gate, hand off to the background if requested, run the
// session controller and settle the exit code.
func (c *CLI) Run(g *Globals) error {
	gate := guardrail.NewGate(g.Cfg.StateDir, g.Log)

	// Standalone maintenance mode, never combined with a capture.
	if c.ResetGuardrails {
		if err := gate.ClearState(); err != nil {
			return usageError(g, "%v", err)
		}
		g.Log.Info("guardrail state cleared")
		return nil
	}

	in := c.intent()
	capture, haveConfig, err := c.captureConfig(g)
	if err != nil {
		return usageError(g, "%v", err)
	}

	resolved, err := session.Resolve(in, capture, haveConfig)
	if err != nil {
		return usageError(g, "%v", err)
	}

	isCapture := resolved.Mode == session.ModeCapture || resolved.Mode == session.ModeDetach

	if isCapture {
		if err := capture.Validate(); err != nil {
			return usageError(g, "%v", err)
		}
	}

	// The background handoff happens before anything stateful: the
	// child re-runs this whole path itself, the parent only waits for
	// the status byte (or exits immediately) and never returns here.
	var notifier *background.Notifier
	if in.Background {
		notifier, err = background.Daemonize(in.BackgroundWait, g.Stdout, g.Stderr)
		if err != nil {
			return usageError(g, "%v", err)
		}
	}

	uploading := false
	var uuid string
	if capture != nil {
		uuid = capture.EnsureUUID()
		uploading = in.Upload && !capture.Upload.SkipSpool
	}
	rec := telemetry.NewRecorder(g.Log, uploading, uuid)

	if isCapture {
		capture.EnableExtraGuardrails = uploading
		if capture.TriggerConfig.TriggerTimeoutMs == 0 {
			rec.Event(telemetry.AtomTraceBegin)
		} else {
			rec.Event(telemetry.AtomBackgroundTraceBegin)
		}
	}

	// The gate is consulted once, before any connection. Trigger
	// activation, queries and bugreport rescues never consume quota.
	var args guardrail.Args
	gated := isCapture || resolved.Mode == session.ModeAttach
	if gated {
		args = guardrail.Args{
			Now:              g.Clock.Now(),
			IsUserBuild:      g.Cfg.ProductionBuild,
			IsUploading:      uploading,
			BypassGuardrails: in.BypassGuardrails,
		}
		if capture != nil {
			args.AllowUserBuildTracing = capture.AllowUserBuildTracing
			args.UniqueSessionName = capture.UniqueSessionName
			args.MaxUploadBytesOverride = capture.GuardrailOverrides.MaxUploadPerDayBytes
		}
		if d := gate.ShouldTrace(args); d != guardrail.Proceed {
			rec.Event(telemetry.AtomHitGuardrails)
			rec.Event(refusalAtom(d))
			err := usageError(g, "tracing refused: %v", d)
			notifier.Notify(background.StatusOtherError)
			return err
		}
	}

	var sink *output.Sink
	if resolved.OpenLocalFile {
		if c.Out == "-" && isatty.IsTerminal(os.Stdout.Fd()) {
			return usageError(g, "refusing to write the trace to a terminal; redirect stdout or use --out PATH")
		}
		sink, err = output.OpenSink(c.Out, g.Cfg.StateDir)
		if err != nil {
			return usageError(g, "%v", err)
		}
		if resolved.NeedsPacketWriter {
			if err := sink.AttachWriter(capture.Compression); err != nil {
				return usageError(g, "%v", err)
			}
		}
	}

	if resolved.Mode == session.ModeCapture && !in.Background && !uploading &&
		!isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsTerminal(os.Stderr.Fd()) {
		g.Log.Warn("no PTY: Ctrl+C will not gracefully stop the capture")
	}

	client := transport.NewIPCClient(g.Cfg.Socket, g.Log)
	ctrl := session.New(session.Params{
		Log:      g.Log,
		Clock:    g.Clock,
		Client:   client,
		Recorder: rec,
		Intent:   in,
		Resolved: resolved,
		Capture:  capture,
		Sink:     sink,
		OnStarted: func() {
			notifier.Notify(background.StatusOK)
		},
		OnQueryState: func(ok bool, st *service.State, raw []byte) int {
			return printServiceState(g, ok, st, raw, c.QueryRaw)
		},
	})

	outcome := ctrl.Run(context.Background())

	code := outcome.Code
	if !outcome.Direct {
		code = c.settleCapture(g, gate, args, capture, sink, uploading, uuid, outcome)
	}

	if code == 0 {
		notifier.Notify(background.StatusOK)
		return nil
	}
	notifier.Notify(background.StatusOtherError)
	return &ExitError{Code: code}
}

// settleCapture finishes a capture-path run: report or hand off the
// output, then let the guardrail gate's accounting settle the exit
// code.
func (c *CLI) settleCapture(g *Globals, gate *guardrail.Gate, args guardrail.Args,
	capture *config.Capture, sink *output.Sink, uploading bool, uuid string,
	outcome session.Outcome) int {

	code := outcome.Code

	if outcome.Finalized {
		switch {
		case uploading && sink != nil && !sink.IsStdout():
			dest, err := output.SpoolForUpload(sink.Path(), g.Cfg.SpoolDir, uuid)
			if err != nil {
				g.Log.Error("upload handoff failed", zap.Error(err))
				if code == 0 {
					code = session.ExitFailure
				}
			} else {
				g.Log.Info("trace spooled for upload",
					zap.String("path", dest),
					zap.Int64("bytes", outcome.BytesWritten))
			}
		case capture != nil && capture.WriteIntoFile:
			g.Log.Info("trace written into the output file")
		case sink != nil:
			dest := sink.Path()
			if dest == "-" {
				dest = "stdout"
			}
			g.Log.Info("trace written",
				zap.Int64("bytes", outcome.BytesWritten),
				zap.String("path", dest))
		}
	} else if sink != nil {
		// The session ended without finalizing (a soft error or an
		// abort). Whatever is in the staging file is not a trace;
		// release the handle quietly and never spool it.
		sink.Finish()
	}

	args.Now = g.Clock.Now()
	if !gate.OnTraceDone(args, outcome.UpdateGuardrail, outcome.BytesWritten) && code == 0 {
		code = session.ExitFailure
	}
	return code
}

func refusalAtom(d guardrail.Decision) telemetry.Atom {
	switch d {
	case guardrail.RefusedUserBuild:
		return telemetry.AtomUserBuildRefused
	case guardrail.RefusedInitFailure:
		return telemetry.AtomInitFailure
	case guardrail.RefusedInvalidState:
		return telemetry.AtomInvalidState
	case guardrail.RefusedQuotaExceeded:
		return telemetry.AtomQuotaExceeded
	default:
		return telemetry.AtomHitGuardrails
	}
}
