package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecorder(t *testing.T) {
	t.Run("enabled recorder emits atoms with the session uuid", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		r := NewRecorder(zap.New(core), true, "uuid-1")

		r.Event(AtomTraceBegin)
		r.TriggerEvent(AtomTriggerSuccess, []string{"oom"})

		entries := logs.All()
		require.Len(t, entries, 2)
		assert.Equal(t, "telemetry", entries[0].Message)
		fields := entries[0].ContextMap()
		assert.Equal(t, string(AtomTraceBegin), fields["atom"])
		assert.Equal(t, "uuid-1", fields["session_uuid"])

		fields = entries[1].ContextMap()
		assert.Equal(t, string(AtomTriggerSuccess), fields["atom"])
		assert.Equal(t, []interface{}{"oom"}, fields["triggers"])
	})

	t.Run("disabled recorder swallows everything", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		r := NewRecorder(zap.New(core), false, "uuid-1")

		r.Event(AtomOnConnect)
		r.TriggerEvent(AtomTriggerBegin, nil)
		assert.Zero(t, logs.Len())
	})

	t.Run("nil recorder no-ops", func(t *testing.T) {
		var r *Recorder
		r.Event(AtomOnConnect)
		r.TriggerEvent(AtomTriggerBegin, nil)
	})
}
