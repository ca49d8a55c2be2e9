// Package guardrail enforces the quota policy that keeps uploading
// captures from running away on production devices. The gate decides
// once before a session whether tracing may proceed, and records the
// outcome once after it ends. State is a small JSON file under the
// client state directory.
package guardrail

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Decision is the gate's verdict for one session.
type Decision int

const (
	Proceed Decision = iota
	RefusedUserBuild
	RefusedInitFailure
	RefusedInvalidState
	RefusedQuotaExceeded
)

// String returns the refusal reason surfaced to the operator.
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "ok"
	case RefusedUserBuild:
		return "tracing is not allowed on production builds"
	case RefusedInitFailure:
		return "failed to initialize guardrail state"
	case RefusedInvalidState:
		return "guardrail state is invalid"
	case RefusedQuotaExceeded:
		return "upload quota exceeded"
	default:
		return fmt.Sprintf("unknown decision (%d)", int(d))
	}
}

// Args carries everything the decision depends on.
type Args struct {
	Now                    time.Time
	IsUserBuild            bool
	IsUploading            bool
	BypassGuardrails       bool
	AllowUserBuildTracing  bool
	UniqueSessionName      string
	MaxUploadBytesOverride int64
}

const (
	// Upload quota within the trailing 24h window.
	defaultMaxUploadPerDayBytes = 10 * 1024 * 1024

	// Minimum spacing between uploaded sessions with the same unique
	// name, to coalesce retry storms.
	minSessionInterval = 5 * time.Minute

	stateFile     = "guardrail.json"
	stateVersion  = 1
	uploadWindow  = 24 * time.Hour
	maxNamedSlots = 64
)

type uploadRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Bytes     int64     `json:"bytes"`
}

type state struct {
	Version    int                  `json:"version"`
	Uploads    []uploadRecord       `json:"uploads,omitempty"`
	LastByName map[string]time.Time `json:"last_by_name,omitempty"`
}

// Gate evaluates and records guardrail decisions.
type Gate struct {
	dir string
	log *zap.Logger
}

// NewGate returns a gate persisting under dir.
func NewGate(dir string, log *zap.Logger) *Gate {
	return &Gate{dir: dir, log: log}
}

func (g *Gate) statePath() string { return filepath.Join(g.dir, stateFile) }

func (g *Gate) loadState() (*state, error) {
	b, err := os.ReadFile(g.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &state{Version: stateVersion}, nil
		}
		return nil, err
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("unsupported guardrail state version %d", st.Version)
	}
	return &st, nil
}

func (g *Gate) saveState(st *state) error {
	if err := os.MkdirAll(g.dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(g.statePath(), b, 0o600)
}

// prune drops upload records outside the quota window and caps the
// per-name map so the state file cannot grow without bound.
func (st *state) prune(now time.Time) {
	kept := st.Uploads[:0]
	for _, u := range st.Uploads {
		if now.Sub(u.Timestamp) < uploadWindow {
			kept = append(kept, u)
		}
	}
	st.Uploads = kept
	if len(st.LastByName) > maxNamedSlots {
		for name, ts := range st.LastByName {
			if now.Sub(ts) >= uploadWindow {
				delete(st.LastByName, name)
			}
		}
	}
}

// ShouldTrace is evaluated once, before any control connection is
// made. Only uploading sessions consume quota; local captures always
// proceed unless the build forbids tracing outright.
func (g *Gate) ShouldTrace(a Args) Decision {
	if a.IsUserBuild && !a.AllowUserBuildTracing && a.IsUploading {
		return RefusedUserBuild
	}
	if !a.IsUploading || a.BypassGuardrails {
		return Proceed
	}

	st, err := g.loadState()
	if err != nil {
		if os.IsPermission(err) {
			return RefusedInitFailure
		}
		g.log.Warn("guardrail state unreadable", zap.Error(err))
		return RefusedInvalidState
	}
	st.prune(a.Now)

	if a.UniqueSessionName != "" {
		if last, ok := st.LastByName[a.UniqueSessionName]; ok {
			if a.Now.Sub(last) < minSessionInterval {
				return RefusedQuotaExceeded
			}
		}
	}

	limit := int64(defaultMaxUploadPerDayBytes)
	if a.MaxUploadBytesOverride > 0 {
		limit = a.MaxUploadBytesOverride
	}
	var used int64
	for _, u := range st.Uploads {
		used += u.Bytes
	}
	if used >= limit {
		return RefusedQuotaExceeded
	}
	return Proceed
}

// OnTraceDone records the session outcome. The success flag is false
// when the session did not complete in a state worth recording; the
// return value becomes the process success signal when nothing else
// has already decided it.
func (g *Gate) OnTraceDone(a Args, success bool, bytesWritten int64) bool {
	if !success {
		return false
	}
	if !a.IsUploading {
		return true
	}

	st, err := g.loadState()
	if err != nil {
		g.log.Warn("guardrail state unreadable, rewriting", zap.Error(err))
		st = &state{Version: stateVersion}
	}
	st.prune(a.Now)
	st.Uploads = append(st.Uploads, uploadRecord{Timestamp: a.Now, Bytes: bytesWritten})
	if a.UniqueSessionName != "" {
		if st.LastByName == nil {
			st.LastByName = make(map[string]time.Time)
		}
		st.LastByName[a.UniqueSessionName] = a.Now
	}
	if err := g.saveState(st); err != nil {
		g.log.Error("failed to save guardrail state", zap.Error(err))
		return false
	}
	return true
}

// ClearState resets the persisted quota state. Standalone maintenance
// operation, never combined with a capture.
func (g *Gate) ClearState() error {
	err := os.Remove(g.statePath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear guardrail state: %w", err)
	}
	return nil
}
