package store

import (
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/acrlabs/simkube/pkg/jsonutils"
	"github.com/acrlabs/simkube/pkg/k8s"
)

// ExportFilters determines which objects are excluded from an exported
// trace: objects in an excluded namespace, objects owned by a
// DaemonSet (hardcoded, since DaemonSet pods are per-node and not
// replayable), and objects matching any of the excluded label
// selectors. Grounded on spec.md §6.3 and store.rs's object_matches_filter.
type ExportFilters struct {
	ExcludedNamespaces []string
	ExcludedLabels     []*metav1.LabelSelector
}

// Export collects every event between startTs and endTs (end-exclusive)
// that survives filter, plus any pod lifecycle data owned by an object
// in the resulting index, and serializes the result as a trace blob.
// Grounded on store.rs's export / sk-store/src/trace_store.rs's export.
func (s *TraceStore) Export(startTs, endTs int64, filter ExportFilters) ([]byte, error) {
	events, index, err := s.collectEvents(startTs, endTs, filter, true)
	if err != nil {
		return nil, errors.Wrap(err, "could not collect events for export")
	}

	podLifecycles := s.podOwners.Filter(startTs, endTs, index)

	trace := ExportedTrace{
		Version:       CurrentTraceFormatVersion,
		Config:        s.config,
		Events:        events,
		Index:         index,
		PodLifecycles: podLifecycles,
	}
	return trace.ToBytes()
}

// ObjsAt returns the flattened keys of every object tracked at endTs,
// without carrying deleted objects forward; used by tests to assert on
// point-in-time trace contents.
func (s *TraceStore) ObjsAt(endTs int64, filter ExportFilters) ([]string, error) {
	_, index, err := s.collectEvents(0, endTs, filter, false)
	if err != nil {
		return nil, err
	}
	return index.FlattenedKeys(), nil
}

// collectEvents walks s.events, dropping anything at or after endTs,
// filtering out excluded objects and objects owned by another object
// already present in the resulting index (to avoid re-exporting a
// child whose parent will already recreate it on replay), and
// flattening everything before startTs into a single synthetic first
// event representing the starting configuration.
func (s *TraceStore) collectEvents(
	startTs, endTs int64,
	filter ExportFilters,
	keepDeleted bool,
) ([]TraceEvent, *TraceIndex, error) {
	events := []TraceEvent{{Ts: startTs}}
	flattened := map[string]*unstructured.Unstructured{}
	index := NewTraceIndex()

	for _, evt := range s.events {
		if evt.Ts >= endTs {
			break
		}

		var filteredApplied, filteredDeleted []*unstructured.Unstructured

		for _, obj := range evt.AppliedObjs {
			gvk, err := k8s.FromDynamicObj(obj)
			if err != nil {
				return nil, nil, err
			}
			nsName := k8s.NamespacedName(obj.GetNamespace(), obj.GetName())

			owned, err := s.isOwnedByTrackedObject(gvk, nsName, obj, index)
			if err != nil {
				return nil, nil, err
			}
			if objectMatchesFilter(obj, filter) || owned {
				continue
			}

			if evt.Ts < startTs {
				flattened[nsName] = obj
			} else {
				filteredApplied = append(filteredApplied, obj)
			}
			hash := jsonutils.HashOption(obj.Object["spec"])
			index.Insert(gvk, nsName, hash)
		}

		for _, obj := range evt.DeletedObjs {
			gvk, err := k8s.FromDynamicObj(obj)
			if err != nil {
				return nil, nil, err
			}
			nsName := k8s.NamespacedName(obj.GetNamespace(), obj.GetName())

			owned, err := s.isOwnedByTrackedObject(gvk, nsName, obj, index)
			if err != nil {
				return nil, nil, err
			}
			if objectMatchesFilter(obj, filter) || owned {
				continue
			}

			if evt.Ts < startTs {
				delete(flattened, nsName)
			} else {
				filteredDeleted = append(filteredDeleted, obj)
			}
			if !keepDeleted {
				index.Remove(gvk, nsName)
			}
		}

		if evt.Ts >= startTs && (len(filteredApplied) > 0 || len(filteredDeleted) > 0) {
			events = append(events, TraceEvent{Ts: evt.Ts, AppliedObjs: filteredApplied, DeletedObjs: filteredDeleted})
		}
	}

	startObjs := make([]*unstructured.Unstructured, 0, len(flattened))
	for _, obj := range flattened {
		startObjs = append(startObjs, obj)
	}
	events[0].AppliedObjs = startObjs

	return events, index, nil
}

// isOwnedByTrackedObject reports whether any direct owner reference of
// obj is already present in index; used to skip re-exporting children
// whose parent will recreate them on replay.
func (s *TraceStore) isOwnedByTrackedObject(
	gvk k8s.GVK,
	nsName string,
	obj *unstructured.Unstructured,
	index *TraceIndex,
) (bool, error) {
	_ = gvk
	for _, ref := range obj.GetOwnerReferences() {
		ownerGVK, err := k8s.FromOwnerRef(ref)
		if err != nil {
			return false, errors.Wrapf(err, "could not parse owner reference for %s", nsName)
		}
		ownerNsName := k8s.NamespacedName(obj.GetNamespace(), ref.Name)
		if index.Contains(ownerGVK, ownerNsName) {
			return true, nil
		}
	}
	return false, nil
}

// objectMatchesFilter reports whether obj should be excluded per f. A
// malformed label selector is treated as a match (the original panics
// on an invalid selector; erring toward exclusion is the closer Go
// analog of "this is a configuration bug, not a runtime data problem").
func objectMatchesFilter(obj *unstructured.Unstructured, f ExportFilters) bool {
	if ns := obj.GetNamespace(); ns != "" {
		for _, excluded := range f.ExcludedNamespaces {
			if ns == excluded {
				return true
			}
		}
	}

	if k8s.IsOwnedByDaemonSet(obj.GetOwnerReferences()) {
		return true
	}

	objLabels := labels.Set(obj.GetLabels())
	for _, sel := range f.ExcludedLabels {
		if sel == nil {
			continue
		}
		selector, err := metav1.LabelSelectorAsSelector(sel)
		if err != nil {
			// A malformed selector is a configuration bug, not a
			// runtime data problem; err toward excluding the object
			// rather than silently exporting data the user meant to drop.
			return true
		}
		if selector.Matches(objLabels) {
			return true
		}
	}
	return false
}
