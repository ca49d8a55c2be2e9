package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Options is the light configuration shorthand accepted on the command
// line when no capture config file is given: a duration, ring buffer
// and file size with unit suffixes, plus bare trace categories.
type Options struct {
	Time        string   // trace duration, N[s|m|h]
	BufferSize  string   // ring buffer size, N[mb|gb]
	MaxFileSize string   // max output file size, N[mb|gb]
	Categories  []string // GROUP/EVENT kernel events or bare annotation categories
	Apps        []string // per-app annotation sources
}

// Set reports whether any shorthand option was supplied.
func (o Options) Set() bool {
	return o.Time != "" || o.BufferSize != "" || o.MaxFileSize != "" ||
		len(o.Categories) > 0 || len(o.Apps) > 0
}

const (
	defaultDurationMs   = 10_000
	defaultBufferSizeKB = 32 * 1024
)

// CaptureFromOptions expands the shorthand into a full capture config.
func CaptureFromOptions(o Options) (*Capture, error) {
	cfg := &Capture{DurationMs: defaultDurationMs}

	if o.Time != "" {
		ms, err := parseDurationMs(o.Time)
		if err != nil {
			return nil, err
		}
		cfg.DurationMs = ms
	}

	bufKB := defaultBufferSizeKB
	if o.BufferSize != "" {
		kb, err := parseSizeKB(o.BufferSize)
		if err != nil {
			return nil, err
		}
		bufKB = kb
	}
	cfg.Buffers = []Buffer{{SizeKB: bufKB, Policy: "ring_buffer"}}

	if o.MaxFileSize != "" {
		kb, err := parseSizeKB(o.MaxFileSize)
		if err != nil {
			return nil, err
		}
		cfg.MaxFileSizeBytes = int64(kb) * 1024
		cfg.WriteIntoFile = true
		cfg.FileWritePeriodMs = 5000
	}

	// Slash-separated categories are kernel events; everything else is
	// an annotation category handled by the per-app data source.
	kernelEvents := lo.Filter(o.Categories, func(c string, _ int) bool {
		return strings.Contains(c, "/")
	})
	annotations := lo.Filter(o.Categories, func(c string, _ int) bool {
		return !strings.Contains(c, "/")
	})

	if len(kernelEvents) > 0 {
		cfg.DataSources = append(cfg.DataSources, DataSource{
			Name:   "linux.ftrace",
			Events: kernelEvents,
		})
	}
	if len(annotations) > 0 || len(o.Apps) > 0 {
		cfg.DataSources = append(cfg.DataSources, DataSource{
			Name:   "app.annotations",
			Events: annotations,
			Apps:   o.Apps,
		})
	}
	if len(cfg.DataSources) == 0 {
		return nil, fmt.Errorf("no data sources: pass at least one category or app")
	}

	return cfg, nil
}

// TestCapture is the built-in smoke-test config selected with
// "--config :test": two seconds of scheduling and power events.
func TestCapture() *Capture {
	cfg, err := CaptureFromOptions(Options{
		Time: "2s",
		Categories: []string{
			"sched/sched_switch",
			"power/cpu_idle",
			"power/cpu_frequency",
			"power/gpu_frequency",
		},
	})
	if err != nil {
		panic(err) // static input
	}
	return cfg
}

func parseDurationMs(s string) (int, error) {
	unit := 1000
	switch {
	case strings.HasSuffix(s, "h"):
		unit = 3600 * 1000
		s = strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "m"):
		unit = 60 * 1000
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
	default:
		return 0, fmt.Errorf("invalid duration %q: expected N[s|m|h]", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q: expected N[s|m|h]", s)
	}
	return n * unit, nil
}

func parseSizeKB(s string) (int, error) {
	orig := s
	unit := 1024
	switch {
	case strings.HasSuffix(s, "gb"):
		unit = 1024 * 1024
		s = strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		s = strings.TrimSuffix(s, "mb")
	default:
		return 0, fmt.Errorf("invalid size %q: expected N[mb|gb]", orig)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q: expected N[mb|gb]", orig)
	}
	return n * unit, nil
}
