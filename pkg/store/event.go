package store

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// TraceAction distinguishes the two kinds of mutation a TraceEvent can
// carry, grounded on sk-store/src/trace_store.rs's TraceAction enum.
type TraceAction int

const (
	ObjectApplied TraceAction = iota
	ObjectDeleted
)

// TraceEvent groups every object applied or deleted at a single
// timestamp, per spec.md's TraceEvent invariant: ts is identical for
// every object an event carries, the event list is non-decreasing in
// ts, and two consecutive events never share a ts (callers coalesce on
// append via appendEvent below).
type TraceEvent struct {
	Ts          int64                          `msgpack:"ts"`
	AppliedObjs []*unstructured.Unstructured   `msgpack:"appliedObjs"`
	DeletedObjs []*unstructured.Unstructured   `msgpack:"deletedObjs"`
}

// appendEvent coalesces obj into events, appending to the last event in
// place when it shares ts, or starting a new event otherwise. Grounded
// on trace_store.rs's append_event / store.rs's free-standing
// append_event helper.
func appendEvent(events []TraceEvent, ts int64, obj *unstructured.Unstructured, action TraceAction) []TraceEvent {
	clone := obj.DeepCopy()

	if n := len(events); n > 0 && events[n-1].Ts == ts {
		switch action {
		case ObjectApplied:
			events[n-1].AppliedObjs = append(events[n-1].AppliedObjs, clone)
		case ObjectDeleted:
			events[n-1].DeletedObjs = append(events[n-1].DeletedObjs, clone)
		}
		return events
	}

	evt := TraceEvent{Ts: ts}
	switch action {
	case ObjectApplied:
		evt.AppliedObjs = []*unstructured.Unstructured{clone}
	case ObjectDeleted:
		evt.DeletedObjs = []*unstructured.Unstructured{clone}
	}
	return append(events, evt)
}

// TraceIterator walks a trace's events in timestamp order, pairing each
// event with the timestamp of the next one (none for the last), which is
// what the replay driver needs to compute sleep durations.
type TraceIterator struct {
	events []TraceEvent
	idx    int
}

// NewTraceIterator builds an iterator over events.
func NewTraceIterator(events []TraceEvent) *TraceIterator {
	return &TraceIterator{events: events}
}

// Next returns the current event, the timestamp of the following event
// (hasNext=false when this is the last one), and ok=false once every
// event has already been returned.
func (it *TraceIterator) Next() (evt TraceEvent, nextTs int64, hasNext, ok bool) {
	if it.idx >= len(it.events) {
		return TraceEvent{}, 0, false, false
	}
	evt = it.events[it.idx]
	if it.idx < len(it.events)-1 {
		nextTs = it.events[it.idx+1].Ts
		hasNext = true
	}
	it.idx++
	return evt, nextTs, hasNext, true
}
