// Package transport is the control-protocol client for the tracing
// daemon. Requests are fire-and-forget writes; every service reaction
// arrives as an Event on a single channel, preserving arrival order so
// the session controller can stay single-threaded.
package transport

import (
	"context"
	"os"
	"time"

	"github.com/tracekit/tracectl/internal/config"
	"github.com/tracekit/tracectl/internal/service"
)

// Client is the asynchronous control-protocol endpoint consumed by the
// session controller. All methods are non-blocking apart from Connect;
// results surface as Events.
type Client interface {
	// Connect opens the control connection. No automatic retry: a
	// failure here is terminal for the invocation.
	Connect(ctx context.Context) error

	// EnableTracing starts a capture with the given config. A non-nil
	// out hands the service a duplicated descriptor to stream the
	// trace into directly.
	EnableTracing(cfg *config.Capture, out *os.File) error

	DisableTracing() error

	// Flush asks the service to commit buffered data. The result
	// arrives as a FlushResult event. A zero timeout uses the
	// service default.
	Flush(timeout time.Duration) error

	// ReadBuffers streams buffered packets back as TraceData events,
	// the last one carrying HasMore=false.
	ReadBuffers() error

	Attach(key string) error
	Detach(key string) error

	// ObserveEvents subscribes to data-source lifecycle notifications
	// (ObservedEvents events).
	ObserveEvents() error

	QueryServiceState() error
	SaveTraceForBugreport() error
	ActivateTriggers(names []string) error

	// Events is the single ordered stream of service reactions. It is
	// closed after a Disconnected event has been delivered.
	Events() <-chan Event

	Close() error
}

// Event is a service reaction delivered on the client's event stream.
type Event interface{ event() }

// Disconnected reports that the control connection ended. Err is nil
// for an orderly close.
type Disconnected struct{ Err error }

// TracingDisabled reports the end of capture. A non-empty Error is a
// soft failure (for example a duplicate unique session name); an empty
// one is the normal end-of-capture signal.
type TracingDisabled struct{ Error string }

// TraceData carries one read-back batch.
type TraceData struct {
	Packets []service.Packet
	HasMore bool
}

// AttachResult answers an Attach request. On success Config is the
// live session's capture config, adopted wholesale by the controller.
type AttachResult struct {
	OK     bool
	Config *config.Capture
}

// DetachResult answers a Detach request.
type DetachResult struct{ OK bool }

// FlushResult answers a Flush request.
type FlushResult struct{ OK bool }

// TriggersResult acknowledges an ActivateTriggers request.
type TriggersResult struct{ OK bool }

// QueryResult answers a QueryServiceState request. Raw preserves the
// encoded service-state bytes for machine consumption.
type QueryResult struct {
	OK    bool
	State *service.State
	Raw   []byte
}

// BugreportResult answers a SaveTraceForBugreport request. Path is the
// destination the service saved the trace to, or the error message on
// failure.
type BugreportResult struct {
	OK   bool
	Path string
}

// ObservedEvents carries subscribed service-side notifications.
type ObservedEvents struct{ Events service.ObservableEvents }

func (Disconnected) event()    {}
func (TracingDisabled) event() {}
func (TraceData) event()       {}
func (AttachResult) event()    {}
func (DetachResult) event()    {}
func (FlushResult) event()     {}
func (TriggersResult) event()  {}
func (QueryResult) event()     {}
func (BugreportResult) event() {}
func (ObservedEvents) event()  {}
