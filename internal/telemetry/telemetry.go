// Package telemetry records session lifecycle events for fleet-side
// accounting. Events are structured log records keyed by the session
// UUID; they are only emitted for uploading sessions unless the
// capture config opts in explicitly.
package telemetry

import (
	"go.uber.org/zap"
)

// Atom identifies one recordable lifecycle event.
type Atom string

const (
	AtomTraceBegin           Atom = "trace_begin"
	AtomBackgroundTraceBegin Atom = "background_trace_begin"
	AtomOnConnect            Atom = "on_connect"
	AtomOnTimeout            Atom = "on_timeout"
	AtomOnTracingDisabled    Atom = "on_tracing_disabled"
	AtomFinalizeTrace        Atom = "finalize_trace"
	AtomHitGuardrails        Atom = "hit_guardrails"
	AtomUserBuildRefused     Atom = "guardrail_user_build_refused"
	AtomInitFailure          Atom = "guardrail_init_failure"
	AtomInvalidState         Atom = "guardrail_invalid_state"
	AtomQuotaExceeded        Atom = "guardrail_quota_exceeded"
	AtomTriggerBegin         Atom = "trigger_begin"
	AtomTriggerSuccess       Atom = "trigger_success"
	AtomTriggerFailure       Atom = "trigger_failure"
)

// Recorder emits telemetry events for one session.
type Recorder struct {
	log     *zap.Logger
	enabled bool
	uuid    string
}

// NewRecorder returns a recorder for the session identified by uuid.
// A disabled recorder swallows every event.
func NewRecorder(log *zap.Logger, enabled bool, uuid string) *Recorder {
	return &Recorder{log: log, enabled: enabled, uuid: uuid}
}

// Event records one lifecycle atom.
func (r *Recorder) Event(a Atom) {
	if r == nil || !r.enabled {
		return
	}
	r.log.Info("telemetry",
		zap.String("atom", string(a)),
		zap.String("session_uuid", r.uuid))
}

// TriggerEvent records a trigger atom together with the trigger names
// it applies to.
func (r *Recorder) TriggerEvent(a Atom, names []string) {
	if r == nil || !r.enabled {
		return
	}
	r.log.Info("telemetry",
		zap.String("atom", string(a)),
		zap.String("session_uuid", r.uuid),
		zap.Strings("triggers", names))
}
