package store

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/acrlabs/simkube/pkg/k8s"
)

// CurrentTraceFormatVersion guards against loading a trace written by an
// incompatible version of the codec; bump whenever ExportedTrace's wire
// shape changes. Grounded on trace_store.rs's CURRENT_TRACE_VERSION.
const CurrentTraceFormatVersion = 2

// ExportedTrace is the self-contained, serializable form of a
// TraceStore slice: the tracking config that produced it, the event
// log, the index of objects present at export time, and pod lifecycle
// data for their owners. Grounded on sk-store/src/trace.rs.
type ExportedTrace struct {
	Version       uint16                                  `msgpack:"version"`
	Config        TracerConfig                             `msgpack:"config"`
	Events        []TraceEvent                             `msgpack:"events"`
	Index         *TraceIndex                               `msgpack:"index"`
	PodLifecycles map[k8s.GVK]map[string]PodLifecyclesMap `msgpack:"podLifecycles"`
}

// ToBytes serializes the trace using msgpack, the Go analog of the
// original's rmp_serde::to_vec_named.
func (t *ExportedTrace) ToBytes() ([]byte, error) {
	b, err := msgpack.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal trace")
	}
	return b, nil
}

// ImportTrace decodes a trace blob, applying overrideDuration (if
// non-empty) by truncating events to the derived end timestamp and
// appending a trailing empty event so the driver's final sleep still
// elapses. A version mismatch is a hard error: older trace formats are
// only readable by older SimKube releases, per trace.rs's ParseFailed
// guidance.
func ImportTrace(data []byte, overrideDuration string, durationToTs func(startTs int64, duration string) (int64, error)) (*ExportedTrace, error) {
	var trace ExportedTrace
	if err := msgpack.Unmarshal(data, &trace); err != nil {
		return nil, errors.Wrap(err, "could not parse trace file")
	}

	if trace.Version != CurrentTraceFormatVersion {
		return nil, errors.Errorf("unsupported trace version: %d", trace.Version)
	}

	if len(trace.Events) == 0 {
		return &trace, nil
	}

	if overrideDuration == "" {
		return &trace, nil
	}

	startTs := trace.Events[0].Ts
	endTs, err := durationToTs(startTs, overrideDuration)
	if err != nil {
		return nil, errors.Wrap(err, "could not compute overridden trace duration")
	}

	kept := trace.Events[:0:0]
	for _, evt := range trace.Events {
		if evt.Ts < endTs {
			kept = append(kept, evt)
		}
	}
	kept = append(kept, TraceEvent{Ts: endTs})
	trace.Events = kept

	return &trace, nil
}

// LookupPodLifecycle returns the lifecycle data for the seq'th pod
// observed under (ownerGVK, ownerNsName, podHash), wrapping with modulo
// the same way TraceStore.LookupPodLifecycle does.
func (t *ExportedTrace) LookupPodLifecycle(ownerGVK k8s.GVK, ownerNsName string, podHash uint64, seq int) k8s.PodLifecycleData {
	byName, ok := t.PodLifecycles[ownerGVK]
	if !ok {
		return k8s.Empty
	}
	lifecycles, ok := byName[ownerNsName]
	if !ok {
		return k8s.Empty
	}
	data, ok := lifecycles[podHash]
	if !ok || len(data) == 0 {
		return k8s.Empty
	}
	return data[seq%len(data)]
}

// StartTs returns the timestamp of the trace's first event.
func (t *ExportedTrace) StartTs() (int64, bool) {
	if len(t.Events) == 0 {
		return 0, false
	}
	return t.Events[0].Ts, true
}

// EndTs returns the timestamp of the trace's last event.
func (t *ExportedTrace) EndTs() (int64, bool) {
	if len(t.Events) == 0 {
		return 0, false
	}
	return t.Events[len(t.Events)-1].Ts, true
}

// Iter returns an iterator over the trace's events in timestamp order.
func (t *ExportedTrace) Iter() *TraceIterator {
	return NewTraceIterator(t.Events)
}
