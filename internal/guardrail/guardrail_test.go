package guardrail

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testGate(t *testing.T) *Gate {
	t.Helper()
	return NewGate(t.TempDir(), zap.NewNop())
}

func TestShouldTrace(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("local capture always proceeds", func(t *testing.T) {
		g := testGate(t)
		assert.Equal(t, Proceed, g.ShouldTrace(Args{Now: now}))
	})

	t.Run("local capture proceeds even on a user build", func(t *testing.T) {
		g := testGate(t)
		assert.Equal(t, Proceed, g.ShouldTrace(Args{Now: now, IsUserBuild: true}))
	})

	t.Run("upload on a user build is refused", func(t *testing.T) {
		g := testGate(t)
		d := g.ShouldTrace(Args{Now: now, IsUserBuild: true, IsUploading: true})
		assert.Equal(t, RefusedUserBuild, d)
	})

	t.Run("allow_user_build_tracing lifts the build refusal", func(t *testing.T) {
		g := testGate(t)
		d := g.ShouldTrace(Args{
			Now:                   now,
			IsUserBuild:           true,
			IsUploading:           true,
			AllowUserBuildTracing: true,
		})
		assert.Equal(t, Proceed, d)
	})

	t.Run("bypass skips quota entirely", func(t *testing.T) {
		g := testGate(t)
		// Burn the quota first.
		required := g.OnTraceDone(Args{Now: now, IsUploading: true}, true, 20*1024*1024)
		require.True(t, required)
		d := g.ShouldTrace(Args{Now: now, IsUploading: true, BypassGuardrails: true})
		assert.Equal(t, Proceed, d)
	})

	t.Run("corrupt state file refuses", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "guardrail.json"), []byte("{nope"), 0o600))
		g := NewGate(dir, zap.NewNop())
		d := g.ShouldTrace(Args{Now: now, IsUploading: true})
		assert.Equal(t, RefusedInvalidState, d)
	})

	t.Run("unsupported state version refuses", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "guardrail.json"), []byte(`{"version": 99}`), 0o600))
		g := NewGate(dir, zap.NewNop())
		d := g.ShouldTrace(Args{Now: now, IsUploading: true})
		assert.Equal(t, RefusedInvalidState, d)
	})
}

func TestUploadQuota(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("quota exhausts and recovers after the window", func(t *testing.T) {
		g := testGate(t)
		args := Args{Now: now, IsUploading: true}

		require.True(t, g.OnTraceDone(args, true, 10*1024*1024))
		assert.Equal(t, RefusedQuotaExceeded, g.ShouldTrace(args))

		// 25h later the record has aged out of the window.
		later := Args{Now: now.Add(25 * time.Hour), IsUploading: true}
		assert.Equal(t, Proceed, g.ShouldTrace(later))
	})

	t.Run("per-config override raises the limit", func(t *testing.T) {
		g := testGate(t)
		args := Args{Now: now, IsUploading: true}
		require.True(t, g.OnTraceDone(args, true, 10*1024*1024))

		args.MaxUploadBytesOverride = 50 * 1024 * 1024
		assert.Equal(t, Proceed, g.ShouldTrace(args))
	})

	t.Run("named sessions respect the cooldown", func(t *testing.T) {
		g := testGate(t)
		args := Args{Now: now, IsUploading: true, UniqueSessionName: "nightly"}
		require.True(t, g.OnTraceDone(args, true, 1024))

		// One minute later the same name is refused.
		args.Now = now.Add(time.Minute)
		assert.Equal(t, RefusedQuotaExceeded, g.ShouldTrace(args))

		// A different name is unaffected.
		other := Args{Now: args.Now, IsUploading: true, UniqueSessionName: "weekly"}
		assert.Equal(t, Proceed, g.ShouldTrace(other))

		// After the cooldown the name is usable again.
		args.Now = now.Add(6 * time.Minute)
		assert.Equal(t, Proceed, g.ShouldTrace(args))
	})
}

func TestOnTraceDone(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("failed session records nothing", func(t *testing.T) {
		g := testGate(t)
		assert.False(t, g.OnTraceDone(Args{Now: now, IsUploading: true}, false, 1024))
		_, err := os.Stat(filepath.Join(g.dir, "guardrail.json"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("local capture records nothing", func(t *testing.T) {
		g := testGate(t)
		assert.True(t, g.OnTraceDone(Args{Now: now}, true, 1024))
		_, err := os.Stat(filepath.Join(g.dir, "guardrail.json"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("upload persists across gates", func(t *testing.T) {
		dir := t.TempDir()
		args := Args{Now: now, IsUploading: true}
		require.True(t, NewGate(dir, zap.NewNop()).OnTraceDone(args, true, 10*1024*1024))

		// A fresh gate over the same directory sees the spent quota.
		g := NewGate(dir, zap.NewNop())
		assert.Equal(t, RefusedQuotaExceeded, g.ShouldTrace(args))
	})

	t.Run("corrupt state is rewritten on record", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "guardrail.json"), []byte("{nope"), 0o600))
		g := NewGate(dir, zap.NewNop())
		args := Args{Now: now, IsUploading: true}
		require.True(t, g.OnTraceDone(args, true, 1024))
		assert.Equal(t, Proceed, g.ShouldTrace(args))
	})
}

func TestClearState(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	g := testGate(t)
	args := Args{Now: now, IsUploading: true}
	require.True(t, g.OnTraceDone(args, true, 10*1024*1024))
	require.Equal(t, RefusedQuotaExceeded, g.ShouldTrace(args))

	require.NoError(t, g.ClearState())
	assert.Equal(t, Proceed, g.ShouldTrace(args))

	// Clearing an already clean state is not an error.
	require.NoError(t, g.ClearState())
}
