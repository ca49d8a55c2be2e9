package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tracekit/tracectl/internal/service"
	"github.com/tracekit/tracectl/internal/session"
)

func TestPrintServiceState(t *testing.T) {
	state := &service.State{
		Producers: []service.Producer{
			{ID: 1, Name: "traced_probes", UID: 0, SDKVersion: "44.0"},
			{ID: 7, Name: "com.example.app", UID: 10001, SDKVersion: "43.1"},
		},
		DataSources: []service.DataSource{
			{ProducerID: 1, Name: "linux.ftrace"},
			{ProducerID: 7, Name: "app.annotations"},
		},
		ServiceVersion:     "44.0",
		NumSessions:        3,
		NumSessionsStarted: 2,
	}

	t.Run("human-readable tables", func(t *testing.T) {
		var stdout, stderr strings.Builder
		g := &Globals{Stdout: &stdout, Stderr: &stderr, Log: zap.NewNop()}

		code := printServiceState(g, true, state, []byte("raw"), false)
		require.Equal(t, session.ExitSuccess, code)

		out := stdout.String()
		assert.Contains(t, out, "Not meant for machine consumption")
		assert.Contains(t, out, "traced_probes")
		assert.Contains(t, out, "com.example.app")
		assert.Contains(t, out, "linux.ftrace")
		assert.Contains(t, out, "service version: 44.0")
		assert.Contains(t, out, "sessions: 3 (started: 2)")
		assert.Empty(t, stderr.String())
	})

	t.Run("raw mode emits the bytes untouched", func(t *testing.T) {
		var stdout strings.Builder
		g := &Globals{Stdout: &stdout, Stderr: &strings.Builder{}, Log: zap.NewNop()}

		code := printServiceState(g, true, state, []byte{0xA1, 0x62, 0x6F, 0x6B}, true)
		require.Equal(t, session.ExitSuccess, code)
		assert.Equal(t, "\xa1\x62ok", stdout.String())
	})

	t.Run("failed query", func(t *testing.T) {
		var stderr strings.Builder
		g := &Globals{Stdout: &strings.Builder{}, Stderr: &stderr, Log: zap.NewNop()}

		code := printServiceState(g, false, nil, nil, false)
		assert.Equal(t, session.ExitFailure, code)
		assert.Contains(t, stderr.String(), "query failed")
	})
}
