package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Compression selects the packet-writer variant for read-back output.
const (
	CompressionNone = ""
	CompressionZstd = "zstd"
)

// Buffer describes one in-service ring buffer.
type Buffer struct {
	SizeKB int    `mapstructure:"size_kb" json:"size_kb"`
	Policy string `mapstructure:"fill_policy" json:"fill_policy,omitempty"`
}

// DataSource names a data source to enable plus its source-specific
// settings. Events holds ftrace-style group/name identifiers, Apps the
// per-app annotation sources.
type DataSource struct {
	Name         string   `mapstructure:"name" json:"name"`
	TargetBuffer int      `mapstructure:"target_buffer" json:"target_buffer,omitempty"`
	Events       []string `mapstructure:"events" json:"events,omitempty"`
	Apps         []string `mapstructure:"apps" json:"apps,omitempty"`
}

// Trigger is one named trigger the service may match against a
// running session.
type Trigger struct {
	Name        string `mapstructure:"name" json:"name"`
	StopDelayMs int    `mapstructure:"stop_delay_ms" json:"stop_delay_ms,omitempty"`
}

// TriggerConfig configures trigger-gated capture: the session stays
// armed for TriggerTimeoutMs waiting for one of Triggers to fire.
type TriggerConfig struct {
	TriggerTimeoutMs int       `mapstructure:"trigger_timeout_ms" json:"trigger_timeout_ms,omitempty"`
	Triggers         []Trigger `mapstructure:"triggers" json:"triggers,omitempty"`
}

// Upload configures the post-capture upload handoff.
type Upload struct {
	DestinationPackage string `mapstructure:"destination_package" json:"destination_package,omitempty"`
	SkipSpool          bool   `mapstructure:"skip_spool" json:"skip_spool,omitempty"`
}

// GuardrailOverrides carries per-config quota overrides.
type GuardrailOverrides struct {
	MaxUploadPerDayBytes int64 `mapstructure:"max_upload_per_day_bytes" json:"max_upload_per_day_bytes,omitempty"`
}

// Capture is the fully resolved capture configuration sent to the
// service when enabling tracing. It is owned by the session controller
// for the lifetime of one session and replaced wholesale on attach.
type Capture struct {
	DurationMs               int                `mapstructure:"duration_ms" json:"duration_ms,omitempty"`
	Buffers                  []Buffer           `mapstructure:"buffers" json:"buffers,omitempty"`
	DataSources              []DataSource       `mapstructure:"data_sources" json:"data_sources,omitempty"`
	OutputPath               string             `mapstructure:"output_path" json:"output_path,omitempty"`
	WriteIntoFile            bool               `mapstructure:"write_into_file" json:"write_into_file,omitempty"`
	FileWritePeriodMs        int                `mapstructure:"file_write_period_ms" json:"file_write_period_ms,omitempty"`
	MaxFileSizeBytes         int64              `mapstructure:"max_file_size_bytes" json:"max_file_size_bytes,omitempty"`
	FlushTimeoutMs           int                `mapstructure:"flush_timeout_ms" json:"flush_timeout_ms,omitempty"`
	DataSourceStopTimeoutMs  int                `mapstructure:"data_source_stop_timeout_ms" json:"data_source_stop_timeout_ms,omitempty"`
	Compression              string             `mapstructure:"compression" json:"compression,omitempty"`
	UniqueSessionName        string             `mapstructure:"unique_session_name" json:"unique_session_name,omitempty"`
	AllowUserBuildTracing    bool               `mapstructure:"allow_user_build_tracing" json:"allow_user_build_tracing,omitempty"`
	EnableExtraGuardrails    bool               `mapstructure:"enable_extra_guardrails" json:"enable_extra_guardrails,omitempty"`
	TraceUUID                string             `mapstructure:"trace_uuid" json:"trace_uuid,omitempty"`
	TriggerConfig            TriggerConfig      `mapstructure:"trigger_config" json:"trigger_config,omitzero"`
	ActivateTriggers         []string           `mapstructure:"activate_triggers" json:"activate_triggers,omitempty"`
	Upload                   Upload             `mapstructure:"upload" json:"upload,omitzero"`
	GuardrailOverrides       GuardrailOverrides `mapstructure:"guardrail_overrides" json:"guardrail_overrides,omitzero"`
	TriggeringSubscriptionID int64              `mapstructure:"triggering_subscription_id" json:"triggering_subscription_id,omitempty"`
}

// LoadCapture decodes a capture config from a YAML file, or from
// stdin when path is "-".
func LoadCapture(path string, stdin io.Reader) (*Capture, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read capture config %s: %w", path, err)
	}
	return ParseCapture(raw)
}

// ParseCapture decodes a capture config from YAML bytes.
func ParseCapture(raw []byte) (*Capture, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("parse capture config: %w", err)
	}
	cfg := &Capture{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode capture config: %w", err)
	}
	return cfg, nil
}

// EnsureUUID assigns a session UUID if the config does not already
// carry one. Sessions started on behalf of a subscription derive the
// UUID from the subscription id so the two can be correlated later.
func (c *Capture) EnsureUUID() string {
	if c.TraceUUID != "" {
		return c.TraceUUID
	}
	if c.TriggeringSubscriptionID != 0 {
		c.TraceUUID = uuid.NewSHA1(uuid.NameSpaceOID,
			fmt.Appendf(nil, "subscription-%d", c.TriggeringSubscriptionID)).String()
	} else {
		c.TraceUUID = uuid.NewString()
	}
	return c.TraceUUID
}

// ExpectedDurationMs is the wall time the session is expected to run:
// the configured duration, or for trigger-gated sessions the trigger
// timeout plus the largest per-trigger stop delay.
func (c *Capture) ExpectedDurationMs() int {
	if c.DurationMs != 0 {
		return c.DurationMs
	}
	maxStopDelay := lo.MaxBy(c.TriggerConfig.Triggers, func(a, b Trigger) bool {
		return a.StopDelayMs > b.StopDelayMs
	}).StopDelayMs
	return c.TriggerConfig.TriggerTimeoutMs + maxStopDelay
}

// TriggerNames returns the names of the triggers this config would
// activate.
func (c *Capture) TriggerNames() []string {
	return lo.Map(c.TriggerConfig.Triggers, func(t Trigger, _ int) string { return t.Name })
}

// Validate rejects capture parameters the service would refuse anyway,
// before any connection is made.
func (c *Capture) Validate() error {
	for _, b := range c.Buffers {
		if b.SizeKB < 0 {
			return fmt.Errorf("buffer size_kb must be non-negative, got %d", b.SizeKB)
		}
	}
	if c.DurationMs < 0 {
		return fmt.Errorf("duration_ms must be non-negative, got %d", c.DurationMs)
	}
	if c.Compression != CompressionNone && c.Compression != CompressionZstd {
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	if c.OutputPath != "" {
		if _, err := os.Stat(c.OutputPath); err == nil {
			return fmt.Errorf("output_path %s already exists; the service never overwrites existing files, remove it or pick a different path", c.OutputPath)
		}
	}
	return nil
}
