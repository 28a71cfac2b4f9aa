package k8s

import (
	corev1 "k8s.io/api/core/v1"

	"github.com/pkg/errors"
)

// Phase discriminates the three PodLifecycleData states.
type Phase int

const (
	PhaseEmpty Phase = iota
	PhaseRunning
	PhaseFinished
)

// Ordering mirrors cmp.Ordering plus an explicit "incomparable" result,
// since PodLifecycleData is only a partial order (see Compare).
type Ordering int

const (
	OrderLess Ordering = iota
	OrderEqual
	OrderGreater
	OrderIncomparable
)

// PodLifecycleData tracks how long a pod ran, as one of three states:
// Empty (no timing known), Running(startTs), or Finished(startTs, endTs).
// Never compare two instances with ==; use Compare, which implements the
// partial order described in spec.md §3: Empty < everything; Running(t)
// < Finished(t, _) for matching t; anything else with differing
// timestamps is incomparable, not unequal.
type PodLifecycleData struct {
	Phase    Phase
	StartTs  int64
	EndTs    int64
}

// Empty is the zero-value lifecycle: nothing observed yet.
var Empty = PodLifecycleData{Phase: PhaseEmpty}

// Running builds a Running(startTs) lifecycle.
func Running(startTs int64) PodLifecycleData {
	return PodLifecycleData{Phase: PhaseRunning, StartTs: startTs}
}

// Finished builds a Finished(startTs, endTs) lifecycle.
func Finished(startTs, endTs int64) PodLifecycleData {
	return PodLifecycleData{Phase: PhaseFinished, StartTs: startTs, EndTs: endTs}
}

func newLifecycle(startTs, endTs *int64) PodLifecycleData {
	switch {
	case startTs == nil:
		return Empty
	case endTs == nil:
		return Running(*startTs)
	default:
		return Finished(*startTs, *endTs)
	}
}

// NewForPod derives a PodLifecycleData from a pod's container statuses:
// the earliest observed start across init + main containers is StartTs;
// EndTs is the latest terminal finishedAt, but only once every main
// container has terminated (init containers may finish arbitrarily
// earlier and don't gate completion).
func NewForPod(pod *corev1.Pod) (PodLifecycleData, error) {
	var earliestStart, latestEnd *int64
	terminatedCount := 0

	for _, cs := range pod.Status.InitContainerStatuses {
		start, end := containerStartEnd(cs)
		earliestStart = minSome(start, earliestStart)
		latestEnd = maxSome(latestEnd, end)
	}

	for _, cs := range pod.Status.ContainerStatuses {
		start, end := containerStartEnd(cs)
		earliestStart = minSome(start, earliestStart)
		if end != nil {
			terminatedCount++
		}
		latestEnd = maxSome(latestEnd, end)
	}

	if terminatedCount != len(pod.Spec.Containers) {
		latestEnd = nil
	}
	return newLifecycle(earliestStart, latestEnd), nil
}

func containerStartEnd(cs corev1.ContainerStatus) (*int64, *int64) {
	var start, end *int64
	switch {
	case cs.State.Running != nil:
		ts := cs.State.Running.StartedAt.Unix()
		start = &ts
	case cs.State.Terminated != nil:
		ts := cs.State.Terminated.StartedAt.Unix()
		start = &ts
		e := cs.State.Terminated.FinishedAt.Unix()
		end = &e
	}
	return start, end
}

func minSome(a, b *int64) *int64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a < *b:
		return a
	default:
		return b
	}
}

func maxSome(a, b *int64) *int64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a > *b:
		return a
	default:
		return b
	}
}

// StartTsPtr returns the start timestamp, if known.
func (p PodLifecycleData) StartTsPtr() *int64 {
	if p.Phase == PhaseRunning || p.Phase == PhaseFinished {
		ts := p.StartTs
		return &ts
	}
	return nil
}

// EndTsPtr returns the end timestamp, if the lifecycle is Finished.
func (p PodLifecycleData) EndTsPtr() *int64 {
	if p.Phase == PhaseFinished {
		ts := p.EndTs
		return &ts
	}
	return nil
}

func (p PodLifecycleData) IsEmpty() bool    { return p.Phase == PhaseEmpty }
func (p PodLifecycleData) IsRunning() bool  { return p.Phase == PhaseRunning }
func (p PodLifecycleData) IsFinished() bool { return p.Phase == PhaseFinished }

// Overlaps reports whether this lifecycle has any activity within
// [startTs, endTs): a Running pod overlaps if it started before endTs; a
// Finished pod overlaps if either its start or end timestamp falls in
// the window.
func (p PodLifecycleData) Overlaps(startTs, endTs int64) bool {
	switch p.Phase {
	case PhaseRunning:
		return p.StartTs < endTs
	case PhaseFinished:
		return (startTs <= p.StartTs && p.StartTs < endTs) || (startTs <= p.EndTs && p.EndTs < endTs)
	default:
		return false
	}
}

// Compare implements the partial order from spec.md §3 and §9: Empty is
// less than everything; Running(t) < Finished(t, _) only when start
// timestamps agree; any other pairing of non-Empty values with
// differing timestamps is OrderIncomparable, not unequal. This must
// stay an explicit match on variant pairs, never a derived field
// comparison.
func (p PodLifecycleData) Compare(other PodLifecycleData) Ordering {
	switch p.Phase {
	case PhaseEmpty:
		if other.IsEmpty() {
			return OrderEqual
		}
		return OrderLess
	case PhaseRunning:
		switch other.Phase {
		case PhaseEmpty:
			return OrderGreater
		case PhaseRunning:
			if p.StartTs == other.StartTs {
				return OrderEqual
			}
			return OrderIncomparable
		default: // Finished
			return OrderLess
		}
	default: // Finished
		switch other.Phase {
		case PhaseEmpty:
			return OrderGreater
		case PhaseRunning:
			if p.StartTs == other.StartTs {
				return OrderGreater
			}
			return OrderIncomparable
		default: // Finished
			if p.StartTs == other.StartTs && p.EndTs == other.EndTs {
				return OrderEqual
			}
			return OrderIncomparable
		}
	}
}

// GreaterThan reports whether p is strictly greater than other under
// Compare; this is the write-admission test the pod watcher uses.
func (p PodLifecycleData) GreaterThan(other PodLifecycleData) bool {
	return p.Compare(other) == OrderGreater
}

// GuessFinishedLifecycle is used on pod deletion when the API object is
// still available: if the pod body itself reports Finished, trust it;
// if Running, promote to Finished(start, now); if Empty, backfill the
// start timestamp from the current in-memory lifecycle or, failing
// that, the pod's creation timestamp.
func GuessFinishedLifecycle(pod *corev1.Pod, current PodLifecycleData, now int64) (PodLifecycleData, error) {
	derived, err := NewForPod(pod)
	if err != nil {
		derived = Empty
	}

	switch derived.Phase {
	case PhaseFinished:
		return derived, nil
	case PhaseRunning:
		return Finished(derived.StartTs, now), nil
	default:
		if start := current.StartTsPtr(); start != nil {
			return Finished(*start, now), nil
		}
		if !pod.CreationTimestamp.IsZero() {
			return Finished(pod.CreationTimestamp.Unix(), now), nil
		}
		return PodLifecycleData{}, errors.Errorf("could not determine final pod lifecycle for %s/%s", pod.Namespace, pod.Name)
	}
}
