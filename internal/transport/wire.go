package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/tracekit/tracectl/internal/config"
	"github.com/tracekit/tracectl/internal/service"
)

// Frames are length-prefixed CBOR: a 4-byte big-endian body length
// followed by the encoded frame. Core Deterministic Encoding keeps the
// bytes stable for the raw query output.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Unknown fields are ignored for forward compatibility with
		// newer services; any-typed targets decode as string-keyed
		// maps.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// Frame type identifiers, client to service.
const (
	msgEnableTracing    = "enable_tracing"
	msgDisableTracing   = "disable_tracing"
	msgFlush            = "flush"
	msgReadBuffers      = "read_buffers"
	msgAttach           = "attach"
	msgDetach           = "detach"
	msgObserveEvents    = "observe_events"
	msgQueryState       = "query_state"
	msgSaveForBugreport = "save_for_bugreport"
	msgActivateTriggers = "activate_triggers"
)

// Frame type identifiers, service to client.
const (
	msgTracingDisabled = "tracing_disabled"
	msgTraceData       = "trace_data"
	msgAttachResult    = "attach_result"
	msgDetachResult    = "detach_result"
	msgFlushResult     = "flush_result"
	msgTriggersResult  = "triggers_result"
	msgQueryResult     = "query_result"
	msgBugreportResult = "bugreport_result"
	msgObservedEvents  = "observed_events"
)

// frame is the wire envelope.
type frame struct {
	Type string          `json:"t"`
	Body cbor.RawMessage `json:"b,omitempty"`
}

type enableTracingBody struct {
	Config *config.Capture `json:"config"`
	// HasFD flags that a trace-output descriptor rides along as
	// socket ancillary data.
	HasFD bool `json:"has_fd,omitempty"`
}

type flushBody struct {
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

type keyBody struct {
	Key string `json:"key"`
}

type observeBody struct {
	AllDataSourcesStarted bool `json:"all_data_sources_started"`
}

type triggersBody struct {
	Names []string `json:"names"`
}

type tracingDisabledBody struct {
	Error string `json:"error,omitempty"`
}

type traceDataBody struct {
	Packets []service.Packet `json:"packets,omitempty"`
	HasMore bool             `json:"has_more,omitempty"`
}

type attachResultBody struct {
	OK     bool            `json:"ok"`
	Config *config.Capture `json:"config,omitempty"`
}

type okBody struct {
	OK bool `json:"ok"`
}

type queryResultBody struct {
	OK    bool           `json:"ok"`
	State *service.State `json:"state,omitempty"`
}

type bugreportResultBody struct {
	OK   bool   `json:"ok"`
	Path string `json:"path,omitempty"`
}

const maxFrameSize = 64 << 20 // refuse absurd frames before allocating

func encodeFrame(ftype string, body any) ([]byte, error) {
	f := frame{Type: ftype}
	if body != nil {
		raw, err := encMode.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", ftype, err)
		}
		f.Body = raw
	}
	payload, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", ftype, err)
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func readFrame(r io.Reader) (*frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var f frame
	if err := decMode.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// decodeEvent maps a service frame to its Event. Unknown frame types
// are skipped by returning nil so older clients survive newer
// services.
func decodeEvent(f *frame) (Event, error) {
	decode := func(v any) error {
		if f.Body == nil {
			return nil
		}
		return decMode.Unmarshal(f.Body, v)
	}
	switch f.Type {
	case msgTracingDisabled:
		var b tracingDisabledBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return TracingDisabled{Error: b.Error}, nil
	case msgTraceData:
		var b traceDataBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return TraceData{Packets: b.Packets, HasMore: b.HasMore}, nil
	case msgAttachResult:
		var b attachResultBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return AttachResult{OK: b.OK, Config: b.Config}, nil
	case msgDetachResult:
		var b okBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return DetachResult{OK: b.OK}, nil
	case msgFlushResult:
		var b okBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return FlushResult{OK: b.OK}, nil
	case msgTriggersResult:
		var b okBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return TriggersResult{OK: b.OK}, nil
	case msgQueryResult:
		var b queryResultBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return QueryResult{OK: b.OK, State: b.State, Raw: f.Body}, nil
	case msgBugreportResult:
		var b bugreportResultBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return BugreportResult{OK: b.OK, Path: b.Path}, nil
	case msgObservedEvents:
		var b service.ObservableEvents
		if err := decode(&b); err != nil {
			return nil, err
		}
		return ObservedEvents{Events: b}, nil
	}
	return nil, nil
}
