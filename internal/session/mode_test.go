package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracekit/tracectl/internal/config"
)

func captureCfg() *config.Capture {
	return &config.Capture{
		DurationMs:  10000,
		Buffers:     []config.Buffer{{SizeKB: 32768}},
		DataSources: []config.DataSource{{Name: "linux.ftrace"}},
	}
}

func TestResolveConflicts(t *testing.T) {
	cfg := captureCfg()

	tests := []struct {
		name    string
		in      Intent
		cfg     *config.Capture
		have    bool
		wantErr string
	}{
		{
			name:    "query with attach",
			in:      Intent{Query: true, AttachKey: "key"},
			wantErr: "--query cannot be combined",
		},
		{
			name:    "query with background",
			in:      Intent{Query: true, Background: true},
			wantErr: "--query cannot be combined",
		},
		{
			name:    "attach with detach",
			in:      Intent{AttachKey: "a", DetachKey: "b"},
			wantErr: "mutually exclusive",
		},
		{
			name:    "detach with background",
			in:      Intent{DetachKey: "b", Background: true},
			cfg:     cfg,
			have:    true,
			wantErr: "mutually exclusive",
		},
		{
			name:    "stop without attach",
			in:      Intent{StopOnAttach: true},
			cfg:     cfg,
			have:    true,
			wantErr: "--stop is supported only",
		},
		{
			name:    "bugreport with config",
			in:      Intent{BugreportRescue: true},
			cfg:     cfg,
			have:    true,
			wantErr: "cannot take any other argument",
		},
		{
			name:    "bugreport with background wait",
			in:      Intent{BugreportRescue: true, BackgroundWait: true},
			wantErr: "cannot take any other argument",
		},
		{
			name:    "attach with config",
			in:      Intent{AttachKey: "key"},
			cfg:     cfg,
			have:    true,
			wantErr: "cannot specify a capture config with --attach",
		},
		{
			name:    "query with out",
			in:      Intent{Query: true, OutputPath: "trace.bin"},
			wantErr: "cannot pass --out or --upload with --query",
		},
		{
			name:    "out and upload together",
			in:      Intent{OutputPath: "trace.bin", Upload: true},
			cfg:     cfg,
			have:    true,
			wantErr: "mutually exclusive",
		},
		{
			name:    "capture without destination",
			in:      Intent{},
			cfg:     cfg,
			have:    true,
			wantErr: "either --out or --upload is required",
		},
		{
			name:    "capture without config",
			in:      Intent{OutputPath: "trace.bin"},
			wantErr: "no capture config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.in, tt.cfg, tt.have)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveModes(t *testing.T) {
	t.Run("plain capture writes packets locally", func(t *testing.T) {
		r, err := Resolve(Intent{OutputPath: "trace.bin"}, captureCfg(), true)
		require.NoError(t, err)
		assert.Equal(t, ModeCapture, r.Mode)
		assert.True(t, r.OpenLocalFile)
		assert.True(t, r.NeedsPacketWriter)
		assert.False(t, r.PassFile)
	})

	t.Run("write_into_file hands the descriptor to the service", func(t *testing.T) {
		cfg := captureCfg()
		cfg.WriteIntoFile = true
		r, err := Resolve(Intent{OutputPath: "trace.bin"}, cfg, true)
		require.NoError(t, err)
		assert.Equal(t, ModeCapture, r.Mode)
		assert.True(t, r.OpenLocalFile)
		assert.False(t, r.NeedsPacketWriter)
		assert.True(t, r.PassFile)
	})

	t.Run("config output_path means the service owns the file", func(t *testing.T) {
		cfg := captureCfg()
		cfg.WriteIntoFile = true
		cfg.OutputPath = "/data/trace.bin"
		r, err := Resolve(Intent{}, cfg, true)
		require.NoError(t, err)
		assert.Equal(t, ModeCapture, r.Mode)
		assert.False(t, r.OpenLocalFile)
		assert.False(t, r.NeedsPacketWriter)
		assert.False(t, r.PassFile)
	})

	t.Run("config output_path requires write_into_file", func(t *testing.T) {
		cfg := captureCfg()
		cfg.OutputPath = "/data/trace.bin"
		_, err := Resolve(Intent{}, cfg, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires write_into_file")
	})

	t.Run("detach requires write_into_file", func(t *testing.T) {
		_, err := Resolve(Intent{DetachKey: "k", OutputPath: "trace.bin"}, captureCfg(), true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "write_into_file must be set")
	})

	t.Run("detach with write_into_file resolves", func(t *testing.T) {
		cfg := captureCfg()
		cfg.WriteIntoFile = true
		r, err := Resolve(Intent{DetachKey: "k", OutputPath: "trace.bin"}, cfg, true)
		require.NoError(t, err)
		assert.Equal(t, ModeDetach, r.Mode)
		assert.True(t, r.PassFile)
	})

	t.Run("attach takes no config or output", func(t *testing.T) {
		r, err := Resolve(Intent{AttachKey: "k"}, nil, false)
		require.NoError(t, err)
		assert.Equal(t, ModeAttach, r.Mode)
		assert.False(t, r.OpenLocalFile)
	})

	t.Run("query", func(t *testing.T) {
		r, err := Resolve(Intent{Query: true}, nil, false)
		require.NoError(t, err)
		assert.Equal(t, ModeQuery, r.Mode)
	})

	t.Run("bugreport", func(t *testing.T) {
		r, err := Resolve(Intent{BugreportRescue: true}, nil, false)
		require.NoError(t, err)
		assert.Equal(t, ModeBugreport, r.Mode)
	})

	t.Run("trigger activation beats capture", func(t *testing.T) {
		cfg := &config.Capture{ActivateTriggers: []string{"oom"}}
		r, err := Resolve(Intent{}, cfg, true)
		require.NoError(t, err)
		assert.Equal(t, ModeTriggers, r.Mode)
		assert.False(t, r.OpenLocalFile)
	})

	t.Run("triggers reject an output destination", func(t *testing.T) {
		cfg := &config.Capture{ActivateTriggers: []string{"oom"}}
		_, err := Resolve(Intent{OutputPath: "trace.bin"}, cfg, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "activating triggers")
	})
}

func TestResolveUploadDuration(t *testing.T) {
	t.Run("indefinite upload refused", func(t *testing.T) {
		cfg := captureCfg()
		cfg.DurationMs = 0
		_, err := Resolve(Intent{Upload: true}, cfg, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot trace indefinitely")
	})

	t.Run("trigger timeout bounds an upload", func(t *testing.T) {
		cfg := captureCfg()
		cfg.DurationMs = 0
		cfg.TriggerConfig.TriggerTimeoutMs = 60000
		_, err := Resolve(Intent{Upload: true}, cfg, true)
		require.NoError(t, err)
	})

	t.Run("bypass lifts the bound", func(t *testing.T) {
		cfg := captureCfg()
		cfg.DurationMs = 0
		_, err := Resolve(Intent{Upload: true, BypassGuardrails: true}, cfg, true)
		require.NoError(t, err)
	})
}
