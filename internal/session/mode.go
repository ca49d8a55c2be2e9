package session

import (
	"errors"
	"fmt"

	"github.com/tracekit/tracectl/internal/config"
)

// Mode is the single concrete operation a session performs.
type Mode int

const (
	ModeInvalid Mode = iota
	ModeCapture      // run a new capture to completion
	ModeDetach       // run a new capture, then detach and exit
	ModeAttach       // re-attach to a detached session
	ModeQuery        // query and print service state
	ModeTriggers     // activate named triggers, no capture
	ModeBugreport    // rescue an in-flight high-priority trace
)

func (m Mode) String() string {
	switch m {
	case ModeCapture:
		return "capture"
	case ModeDetach:
		return "detach"
	case ModeAttach:
		return "attach"
	case ModeQuery:
		return "query"
	case ModeTriggers:
		return "triggers"
	case ModeBugreport:
		return "bugreport"
	default:
		return "invalid"
	}
}

// Resolved is the outcome of mode resolution: the mode plus the output
// plumbing decisions the controller needs.
type Resolved struct {
	Mode Mode

	// OpenLocalFile means the client owns an output sink (a file or
	// stdout). False when the service writes the trace itself or the
	// mode produces no output.
	OpenLocalFile bool

	// NeedsPacketWriter means packets come back over the control
	// connection and are written locally.
	NeedsPacketWriter bool

	// PassFile means the sink's descriptor is handed to the service
	// with the enable request.
	PassFile bool
}

// ErrNoConfig marks capture attempts with no capture config at all.
var ErrNoConfig = errors.New("no capture config: pass a config file or shorthand options")

// Resolve validates the full intent cross-product and returns exactly
// one concrete mode, or an error naming the conflicting flags. None of
// these errors are retryable; they are caller mistakes.
func Resolve(in Intent, cfg *config.Capture, haveConfig bool) (Resolved, error) {
	if in.Query && (in.IsAttach() || in.IsDetach() || in.Background) {
		return Resolved{}, errors.New("--query cannot be combined with --attach, --detach or --background")
	}
	if in.IsAttach() && in.IsDetach() {
		return Resolved{}, errors.New("--attach and --detach are mutually exclusive")
	}
	if in.IsDetach() && in.Background {
		return Resolved{}, errors.New("--detach and --background are mutually exclusive")
	}
	if in.StopOnAttach && !in.IsAttach() {
		return Resolved{}, errors.New("--stop is supported only in combination with --attach")
	}
	if in.BugreportRescue && (in.IsAttach() || in.IsDetach() || in.Query || haveConfig || in.Background || in.BackgroundWait) {
		return Resolved{}, errors.New("--save-for-bugreport cannot take any other argument")
	}

	triggers := cfg != nil && len(cfg.ActivateTriggers) > 0

	var mode Mode
	switch {
	case in.Query:
		mode = ModeQuery
	case in.BugreportRescue:
		mode = ModeBugreport
	case in.IsAttach():
		mode = ModeAttach
	case triggers:
		mode = ModeTriggers
	case in.IsDetach():
		mode = ModeDetach
	default:
		mode = ModeCapture
	}

	// Modes that act on already existing (or no) sessions take neither
	// a capture config nor an output destination.
	if mode == ModeQuery || mode == ModeBugreport || mode == ModeAttach {
		if haveConfig {
			return Resolved{}, fmt.Errorf("cannot specify a capture config with --%s", flagName(mode))
		}
		if in.OutputPath != "" || in.Upload {
			return Resolved{}, fmt.Errorf("cannot pass --out or --upload with --%s", flagName(mode))
		}
		return Resolved{Mode: mode}, nil
	}

	if mode == ModeTriggers {
		if in.OutputPath != "" || in.Upload {
			return Resolved{}, errors.New("cannot pass --out or --upload when activating triggers")
		}
		return Resolved{Mode: mode}, nil
	}

	// New capture (foreground or detached).
	if cfg == nil || !haveConfig {
		return Resolved{}, ErrNoConfig
	}
	if in.OutputPath != "" && in.Upload {
		return Resolved{}, errors.New("--out and --upload are mutually exclusive")
	}
	if cfg.OutputPath != "" {
		if in.OutputPath != "" || in.Upload {
			return Resolved{}, errors.New("cannot pass --out or --upload when output_path is set in the capture config")
		}
		if !cfg.WriteIntoFile {
			return Resolved{}, errors.New("output_path in the capture config requires write_into_file")
		}
	} else if in.OutputPath == "" && !in.Upload {
		return Resolved{}, errors.New("either --out or --upload is required")
	}
	if mode == ModeDetach && !cfg.WriteIntoFile {
		// The client exits right after detaching, so read-back is
		// impossible; the service must own the file.
		return Resolved{}, errors.New("write_into_file must be set in the capture config when using --detach")
	}
	if in.Upload && !in.BypassGuardrails && cfg.DurationMs == 0 && cfg.TriggerConfig.TriggerTimeoutMs == 0 {
		return Resolved{}, errors.New("cannot trace indefinitely when uploading: set a duration or a trigger timeout")
	}

	serviceOwnsFile := cfg.WriteIntoFile && cfg.OutputPath != ""
	return Resolved{
		Mode:              mode,
		OpenLocalFile:     !serviceOwnsFile,
		NeedsPacketWriter: !cfg.WriteIntoFile,
		PassFile:          cfg.WriteIntoFile && cfg.OutputPath == "",
	}, nil
}

func flagName(m Mode) string {
	switch m {
	case ModeQuery:
		return "query"
	case ModeBugreport:
		return "save-for-bugreport"
	case ModeAttach:
		return "attach"
	default:
		return m.String()
	}
}
