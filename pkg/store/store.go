// Package store implements SimKube's in-memory cluster trace: the
// TraceStore records every object applied or deleted against a set of
// tracked GVKs, reconstructs pod lifecycle data for their owners, and
// can export or import a timestamped slice of that history. Grounded on
// sk-store/src/trace_store.rs and sk-store/src/store.rs.
package store

import (
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/acrlabs/simkube/pkg/errs"
	"github.com/acrlabs/simkube/pkg/jsonutils"
	"github.com/acrlabs/simkube/pkg/k8s"
)

// TraceStore is an in-memory store of a cluster trace. It tracks every
// configured Kubernetes object plus lifecycle data for pods owned by
// those objects, and supports importing/exporting a trace as a
// msgpack-encoded blob.
//
// The store grows without bound for the lifetime of a trace; SimKube
// traces one simulated run at a time so this has never needed garbage
// collection in practice.
type TraceStore struct {
	config    TracerConfig
	events    []TraceEvent
	podOwners *PodOwnersMap
	index     *TraceIndex
}

// NewTraceStore returns an empty store configured by config.
func NewTraceStore(config TracerConfig) *TraceStore {
	return &TraceStore{
		config:    config,
		podOwners: NewPodOwnersMap(),
		index:     NewTraceIndex(),
	}
}

// NewTraceStoreFromExported rebuilds a live, queryable TraceStore from
// an imported trace. The replay driver and the admission mutator both
// look owners and lifecycles up through a *TraceStore's HasObj/
// LookupPodLifecycle, not through ExportedTrace's own (read-only)
// accessors, so the driver converts once at import time. Mirrors
// NewPodOwnersMapFromParts's "rebuild from wire shape, reverse index
// regrown lazily" approach.
func NewTraceStoreFromExported(trace *ExportedTrace) *TraceStore {
	index := trace.Index
	if index == nil {
		index = NewTraceIndex()
	}
	return &TraceStore{
		config:    trace.Config,
		events:    trace.Events,
		podOwners: NewPodOwnersMapFromParts(trace.PodLifecycles),
		index:     index,
	}
}

// Config returns the store's tracking configuration.
func (s *TraceStore) Config() TracerConfig {
	return s.config
}

// HasObj reports whether (gvk, nsName) is currently tracked.
func (s *TraceStore) HasObj(gvk k8s.GVK, nsName string) bool {
	return s.index.Contains(gvk, nsName)
}

// StartTs returns the timestamp of the earliest recorded event.
func (s *TraceStore) StartTs() (int64, bool) {
	if len(s.events) == 0 {
		return 0, false
	}
	return s.events[0].Ts, true
}

// EndTs returns the timestamp of the most recent recorded event.
func (s *TraceStore) EndTs() (int64, bool) {
	if len(s.events) == 0 {
		return 0, false
	}
	return s.events[len(s.events)-1].Ts, true
}

// Iter returns an iterator over the store's events in timestamp order.
func (s *TraceStore) Iter() *TraceIterator {
	return NewTraceIterator(s.events)
}

// CreateOrUpdateObj records obj's current spec hash, appending an
// ObjectApplied event only if the hash changed since the last
// observation (an unchanged spec produces no event, since the replay
// driver has nothing new to apply).
func (s *TraceStore) CreateOrUpdateObj(obj *unstructured.Unstructured, ts int64) error {
	gvk, err := k8s.FromDynamicObj(obj)
	if err != nil {
		return errors.Wrap(err, "could not determine object GVK")
	}
	nsName := k8s.NamespacedName(obj.GetNamespace(), obj.GetName())

	newHash := jsonutils.HashOption(obj.Object["spec"])
	oldHash, hadOld := s.index.Get(gvk, nsName)

	if !hadOld || newHash != oldHash {
		s.events = appendEvent(s.events, ts, obj, ObjectApplied)
	}
	s.index.Insert(gvk, nsName, newHash)
	return nil
}

// DeleteObj records obj's removal at ts and drops it from the index.
func (s *TraceStore) DeleteObj(obj *unstructured.Unstructured, ts int64) error {
	gvk, err := k8s.FromDynamicObj(obj)
	if err != nil {
		return errors.Wrap(err, "could not determine object GVK")
	}
	nsName := k8s.NamespacedName(obj.GetNamespace(), obj.GetName())

	s.events = appendEvent(s.events, ts, obj, ObjectDeleted)
	s.index.Remove(gvk, nsName)
	return nil
}

// UpdateAllObjs reconciles the index against a fresh relist: any
// currently-tracked object absent from objs is treated as deleted.
// Grounded on trace_store.rs's update_all_objs swap-and-diff.
func (s *TraceStore) UpdateAllObjs(objs []*unstructured.Unstructured, ts int64) error {
	stale := s.index.Owners()
	for _, obj := range objs {
		gvk, err := k8s.FromDynamicObj(obj)
		if err != nil {
			return errors.Wrap(err, "could not determine object GVK")
		}
		nsName := k8s.NamespacedName(obj.GetNamespace(), obj.GetName())
		delete(stale, ownerKey{gvk, nsName})

		if err := s.CreateOrUpdateObj(obj, ts); err != nil {
			return err
		}
	}

	for key := range stale {
		placeholder := &unstructured.Unstructured{}
		placeholder.SetAPIVersion(key.gvk.APIVersion())
		placeholder.SetKind(key.gvk.Kind)
		ns, name := k8s.SplitNamespacedName(key.nsName)
		placeholder.SetNamespace(ns)
		placeholder.SetName(name)
		if err := s.DeleteObj(placeholder, ts); err != nil {
			return err
		}
	}
	return nil
}

// LookupPodLifecycle returns the lifecycle data recorded for the seq'th
// pod observed under (ownerNsName, podHash), wrapping around with
// modulo the way a replaying owner with fewer live pods than the trace
// saw still gets a plausible lifecycle.
func (s *TraceStore) LookupPodLifecycle(ownerGVK k8s.GVK, ownerNsName string, podHash uint64, seq int) k8s.PodLifecycleData {
	data, ok := s.podOwners.LifecycleDataFor(ownerGVK, ownerNsName, podHash)
	if !ok || len(data) == 0 {
		return k8s.Empty
	}
	return data[seq%len(data)]
}

// RecordPodLifecycle stores lifecycle data for a pod, either updating an
// existing entry or, for a pod seen for the first time, locating a
// tracked owner among maybeOwnerRefs and creating a new entry under it.
// The caller (the pod watcher) is trusted to pass correct lifecycle
// data; this method does no validation of its own. Grounded on
// trace_store.rs's record_pod_lifecycle.
func (s *TraceStore) RecordPodLifecycle(
	podNsName string,
	maybePod *corev1.Pod,
	maybeOwnerRefs []metav1.OwnerReference,
	lifecycleData k8s.PodLifecycleData,
) error {
	if s.podOwners.HasPod(podNsName) {
		return s.podOwners.UpdatePodLifecycle(podNsName, lifecycleData)
	}

	if maybePod == nil {
		return errors.Wrapf(errs.ErrTraceStoreInvariant, "no pod ownership data found for %s, cannot store", podNsName)
	}

	for _, ref := range maybeOwnerRefs {
		ownerNsName := k8s.NamespacedName(maybePod.Namespace, ref.Name)
		ownerGVK, err := k8s.FromOwnerRef(ref)
		if err != nil {
			return errors.Wrapf(err, "could not parse owner reference for %s", ref.Name)
		}

		if !s.index.Contains(ownerGVK, ownerNsName) {
			continue
		}
		if !s.config.TrackLifecycleFor(ownerGVK) {
			continue
		}

		stable, err := k8s.StablePodSpec(map[string]any{"spec": podSpecAsMap(maybePod)}, "")
		if err != nil {
			return errors.Wrap(err, "could not compute stable pod spec")
		}
		hash := jsonutils.Hash(stable)

		s.podOwners.StoreNewPodLifecycle(podNsName, ownerGVK, ownerNsName, hash, lifecycleData)
		return nil
	}

	return nil
}

// podSpecAsMap converts a typed pod spec into the generic map shape
// StablePodSpec's exclusion-list walker expects.
func podSpecAsMap(pod *corev1.Pod) map[string]any {
	u, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&pod.Spec)
	if err != nil {
		return map[string]any{}
	}
	return u
}
