package session

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tracekit/tracectl/internal/config"
	"github.com/tracekit/tracectl/internal/output"
	"github.com/tracekit/tracectl/internal/service"
	"github.com/tracekit/tracectl/internal/telemetry"
	"github.com/tracekit/tracectl/internal/transport"
)

// Process exit codes. ExitNotAttachable is distinguishable from the
// generic failure so callers probing --is-detached can branch on it.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitNotAttachable = 2
)

const (
	// traceDataStallTimeout guards the read-back stream: it re-arms on
	// every received batch and forces a finalize when a gap exceeds it.
	traceDataStallTimeout = 3 * time.Second

	// failsafeGrace pads the expected session duration before the
	// failsafe gives up on a hung service.
	failsafeGrace = 60 * time.Second
)

// Outcome is what one controller run leaves behind.
type Outcome struct {
	// Code is the controller's own exit code. When Direct is false the
	// guardrail gate's post-hoc accounting may still turn a zero into
	// a failure.
	Code   int
	Direct bool

	BytesWritten    int64
	UpdateGuardrail bool
	Connected       bool

	// Finalized reports that the sink went through its normal
	// close-and-measure; only then is the output worth reporting or
	// handing to the upload spool.
	Finalized bool
}

// Params wires a controller. Everything is injected; the controller
// owns the sink and the client connection from Run to completion.
type Params struct {
	Log      *zap.Logger
	Clock    clock.Clock
	Client   transport.Client
	Recorder *telemetry.Recorder

	Intent   Intent
	Resolved Resolved
	Capture  *config.Capture

	// Sink is nil when the mode produces no local output.
	Sink *output.Sink

	// OnStarted fires once when the service confirms all data sources
	// started (the background-wait acknowledgement).
	OnStarted func()

	// OnQueryState renders a query response and returns the exit
	// code. Called at most once, from the event loop.
	OnQueryState func(ok bool, st *service.State, raw []byte) int
}

// Controller drives one session lifecycle over the control protocol.
// It is a single-threaded event loop: every service event, timer
// expiry and interrupt is handled to completion on the loop goroutine,
// so session state needs no locking.
type Controller struct {
	log    *zap.Logger
	clock  clock.Clock
	client transport.Client
	rec    *telemetry.Recorder

	intent   Intent
	resolved Resolved
	cfg      *config.Capture
	sink     *output.Sink

	onStarted    func()
	onQueryState func(ok bool, st *service.State, raw []byte) int

	failsafe *clock.Timer
	stall    *clock.Timer

	startedNotified bool
	interrupted     bool
	out             Outcome
	done            bool
}

// New builds a controller from its dependencies.
func New(p Params) *Controller {
	c := &Controller{
		log:          p.Log,
		clock:        p.Clock,
		client:       p.Client,
		rec:          p.Recorder,
		intent:       p.Intent,
		resolved:     p.Resolved,
		cfg:          p.Capture,
		sink:         p.Sink,
		onStarted:    p.OnStarted,
		onQueryState: p.OnQueryState,
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	return c
}

// Run connects, drives the session to completion and returns the
// outcome. It blocks until the session ends one way or another; every
// timeout path funnels into the same finalize-or-exit handling, so Run
// never hangs on a wedged service.
func (c *Controller) Run(ctx context.Context) Outcome {
	if err := c.client.Connect(ctx); err != nil {
		c.log.Error("failed to connect to the tracing service", zap.Error(err))
		c.out.Code = ExitFailure
		c.out.Direct = c.resolved.Mode != ModeCapture && c.resolved.Mode != ModeDetach
		return c.out
	}
	defer c.client.Close()
	c.out.Connected = true
	c.rec.Event(telemetry.AtomOnConnect)

	c.dispatch()

	var sigCh chan os.Signal
	if m := c.resolved.Mode; m == ModeCapture || m == ModeAttach {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	for !c.done {
		select {
		case ev, ok := <-c.client.Events():
			if !ok {
				c.done = true
				continue
			}
			c.handleEvent(ev)
		case <-c.failsafeC():
			c.onFailsafeTimeout()
		case <-c.stallC():
			c.onStallTimeout()
		case <-sigCh:
			c.onInterrupt()
		case <-ctx.Done():
			c.log.Warn("cancelled, ending session", zap.Error(ctx.Err()))
			c.out.Code = ExitFailure
			c.done = true
		}
	}
	c.stopTimers()
	return c.out
}

// dispatch issues the initial request for the resolved mode right
// after connecting.
func (c *Controller) dispatch() {
	switch c.resolved.Mode {
	case ModeQuery:
		c.send(c.client.QueryServiceState())
	case ModeBugreport:
		c.send(c.client.SaveTraceForBugreport())
	case ModeTriggers:
		c.rec.TriggerEvent(telemetry.AtomTriggerBegin, c.cfg.ActivateTriggers)
		c.send(c.client.ActivateTriggers(c.cfg.ActivateTriggers))
	case ModeAttach:
		c.send(c.client.Attach(c.intent.AttachKey))
	case ModeCapture, ModeDetach:
		c.enableCapture()
	}
}

func (c *Controller) enableCapture() {
	if c.intent.BackgroundWait {
		c.send(c.client.ObserveEvents())
	}

	if ttl := c.cfg.ExpectedDurationMs(); ttl > 0 {
		c.log.Info("connected to the tracing service",
			zap.Int("ttl_s", (ttl+999)/1000))
	} else {
		c.log.Info("connected to the tracing service, starting capture")
	}

	var out *os.File
	if c.resolved.PassFile && c.sink != nil {
		out = c.sink.File()
	}
	c.send(c.client.EnableTracing(c.cfg, out))
	if c.done {
		return
	}

	if c.resolved.Mode == ModeDetach {
		// The service owns the file from here; we only wait for the
		// detach acknowledgement.
		c.send(c.client.Detach(c.intent.DetachKey))
		return
	}

	if expected := c.cfg.ExpectedDurationMs(); expected > 0 {
		d := time.Duration(expected)*time.Millisecond +
			failsafeGrace +
			time.Duration(c.cfg.FlushTimeoutMs)*time.Millisecond +
			time.Duration(c.cfg.DataSourceStopTimeoutMs)*time.Millisecond
		c.failsafe = c.clock.Timer(d)
	}
}

func (c *Controller) handleEvent(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.Disconnected:
		c.onDisconnect(ev)
	case transport.TracingDisabled:
		c.onTracingDisabled(ev.Error)
	case transport.TraceData:
		c.onTraceData(ev)
	case transport.AttachResult:
		c.onAttachResult(ev)
	case transport.DetachResult:
		c.onDetachResult(ev)
	case transport.FlushResult:
		if !ev.OK {
			c.log.Error("final flush unsuccessful")
		}
		c.send(c.client.DisableTracing())
	case transport.TriggersResult:
		c.onTriggersResult(ev)
	case transport.QueryResult:
		c.out.Code = c.renderQuery(ev)
		c.out.Direct = true
		c.done = true
	case transport.BugreportResult:
		if ev.OK {
			c.log.Info("trace saved for bugreport", zap.String("path", ev.Path))
			c.out.Code = ExitSuccess
		} else {
			c.log.Error("bugreport trace rescue failed", zap.String("error", ev.Path))
			c.out.Code = ExitFailure
		}
		c.out.Direct = true
		c.done = true
	case transport.ObservedEvents:
		if ev.Events.AllDataSourcesStarted {
			c.notifyStarted()
		}
	}
}

func (c *Controller) onDisconnect(ev transport.Disconnected) {
	if ev.Err != nil {
		c.log.Warn("disconnected from the tracing service", zap.Error(ev.Err))
	} else {
		c.log.Info("disconnected from the tracing service")
	}
	switch c.resolved.Mode {
	case ModeQuery, ModeBugreport, ModeTriggers:
		// A disconnect before the response means the request failed;
		// after a response the loop has already ended.
		c.out.Code = ExitFailure
		c.out.Direct = true
	case ModeCapture:
		// Mid-session disconnect: no read-back is possible and any
		// partial data must not be assumed complete. Guardrail state
		// is still updated so a failure storm cannot bypass quota.
		c.out.UpdateGuardrail = true
		if c.sink != nil {
			n, err := c.sink.Finish()
			if err == nil {
				c.out.BytesWritten = n
				c.out.Finalized = true
			}
		}
	}
	c.done = true
}

func (c *Controller) onTracingDisabled(errStr string) {
	if errStr != "" {
		// Soft failure, expected in nominal operation (for example a
		// duplicate unique session name). Guardrail state still gets
		// updated to keep retry storms inside the quota.
		c.log.Info("service ended the session", zap.String("error", errStr))
		c.out.UpdateGuardrail = true
		c.done = true
		return
	}

	c.rec.Event(telemetry.AtomOnTracingDisabled)

	if c.cfg == nil || c.cfg.WriteIntoFile {
		// The target file already holds every packet (or, on an
		// interrupted attach, nothing was ever read back here).
		c.finalize()
		return
	}

	c.stall = c.clock.Timer(traceDataStallTimeout)
	c.send(c.client.ReadBuffers())
}

func (c *Controller) onTraceData(ev transport.TraceData) {
	if c.stall != nil {
		// A tick that fired while this batch was queued must not
		// survive the re-arm, or the next loop iteration would
		// force-finalize with data still flowing.
		if !c.stall.Stop() {
			select {
			case <-c.stall.C:
			default:
			}
		}
		c.stall.Reset(traceDataStallTimeout)
	}
	if c.sink == nil {
		// Only reachable when the service streams data for a session
		// it claimed to write into a file itself.
		c.log.Error("received trace data with no local output sink, aborting")
		c.out.Code = ExitFailure
		c.done = true
		return
	}
	if err := c.sink.WritePackets(ev.Packets); err != nil {
		c.log.Error("failed to write packets", zap.Error(err))
		c.out.Code = ExitFailure
		c.finalize()
		return
	}
	if !ev.HasMore {
		c.finalize()
	}
}

func (c *Controller) onAttachResult(ev transport.AttachResult) {
	if !ev.OK {
		if !c.intent.RedetachOnAttach {
			// The probe stays silent on purpose; everything else gets
			// a diagnostic.
			c.log.Error("session re-attach failed; check service logs for details")
		}
		c.out.Code = ExitNotAttachable
		c.out.Direct = true
		c.done = true
		return
	}

	if c.intent.RedetachOnAttach {
		c.send(c.client.Detach(c.intent.AttachKey))
		return
	}

	// Adopt the live session's config wholesale.
	c.cfg = ev.Config

	if c.intent.StopOnAttach {
		c.send(c.client.Flush(0))
	}
}

func (c *Controller) onDetachResult(ev transport.DetachResult) {
	if !ev.OK {
		c.log.Error("session detach failed")
		c.out.Code = ExitFailure
	} else {
		c.out.Code = ExitSuccess
	}
	c.out.Direct = true
	c.done = true
}

func (c *Controller) onTriggersResult(ev transport.TriggersResult) {
	if ev.OK {
		c.rec.TriggerEvent(telemetry.AtomTriggerSuccess, c.cfg.ActivateTriggers)
		c.out.Code = ExitSuccess
	} else {
		c.rec.TriggerEvent(telemetry.AtomTriggerFailure, c.cfg.ActivateTriggers)
		c.out.Code = ExitFailure
	}
	c.out.Direct = true
	c.done = true
}

func (c *Controller) renderQuery(ev transport.QueryResult) int {
	if c.onQueryState != nil {
		return c.onQueryState(ev.OK, ev.State, ev.Raw)
	}
	if ev.OK {
		return ExitSuccess
	}
	return ExitFailure
}

// onInterrupt turns an operator cancel into a flush-then-disable
// sequence on the control channel, so partial data still goes through
// the normal finalize path.
func (c *Controller) onInterrupt() {
	if c.interrupted {
		return
	}
	c.interrupted = true
	c.log.Info("interrupt received, disabling capture")
	c.send(c.client.Flush(0))
}

func (c *Controller) onFailsafeTimeout() {
	c.log.Error("timed out waiting for the session to end, aborting")
	c.rec.Event(telemetry.AtomOnTimeout)
	c.out.Code = ExitFailure
	c.done = true
}

func (c *Controller) onStallTimeout() {
	c.log.Error("timed out waiting for trace data, aborting read-back")
	c.out.Code = ExitFailure
	c.finalize()
}

func (c *Controller) notifyStarted() {
	if c.startedNotified {
		return
	}
	c.startedNotified = true
	if c.onStarted != nil {
		c.onStarted()
	}
}

// finalize stops accepting packets, measures what was written and ends
// the loop. It always marks guardrail state for update.
func (c *Controller) finalize() {
	c.rec.Event(telemetry.AtomFinalizeTrace)
	c.stopTimers()
	if c.sink != nil {
		n, err := c.sink.Finish()
		if err != nil {
			c.log.Error("failed to finalize output", zap.Error(err))
			if c.out.Code == ExitSuccess {
				c.out.Code = ExitFailure
			}
		}
		c.out.BytesWritten = n
	}
	c.out.Finalized = true
	c.out.UpdateGuardrail = true
	c.done = true
}

// send treats a request-write failure as terminal for the session.
func (c *Controller) send(err error) {
	if err == nil {
		return
	}
	c.log.Error("control request failed", zap.Error(err))
	c.out.Code = ExitFailure
	c.done = true
}

// A nil timer yields a nil channel, which blocks forever in select.
func (c *Controller) failsafeC() <-chan time.Time {
	if c.failsafe == nil {
		return nil
	}
	return c.failsafe.C
}

func (c *Controller) stallC() <-chan time.Time {
	if c.stall == nil {
		return nil
	}
	return c.stall.C
}

func (c *Controller) stopTimers() {
	if c.failsafe != nil {
		c.failsafe.Stop()
		c.failsafe = nil
	}
	if c.stall != nil {
		c.stall.Stop()
		c.stall = nil
	}
}
