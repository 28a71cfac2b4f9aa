package store

import (
	"github.com/pkg/errors"

	"github.com/acrlabs/simkube/pkg/errs"
	"github.com/acrlabs/simkube/pkg/k8s"
)

// PodLifecyclesMap holds every observed lifecycle for pods sharing a
// single content hash under one owner, in the order each pod was first
// seen. Multiple entries happen whenever an owner (e.g. a Deployment)
// cycles through replacement pods with an identical spec.
type PodLifecyclesMap map[uint64][]k8s.PodLifecycleData

// indexPos locates a single pod's lifecycle slot inside a PodOwnersMap,
// grounded on pod_owners_map.rs's reverse index tuple
// `((GVK, String), u64, usize)`: the owner key, the pod-spec content
// hash, and the pod's position within that hash's lifecycle vector.
type indexPos struct {
	owner    ownerKey
	hash     uint64
	position int
}

// PodOwnersMap is the single owner of every pod lifecycle vector a
// TraceStore tracks. It never hands out a reference into the vectors;
// callers look data up through LifecycleDataFor, keyed by the owning
// object, or mutate it through UpdatePodLifecycle, keyed by the pod. A reverse index
// from pod ns/name to (owner, hash, position) lets UpdatePodLifecycle
// find an existing pod's slot in O(1) without re-deriving its hash.
//
// Grounded on sk-store/src/pod_owners_map.rs.
type PodOwnersMap struct {
	byOwner map[ownerKey]PodLifecyclesMap
	index   map[string]indexPos
}

// NewPodOwnersMap returns an empty map.
func NewPodOwnersMap() *PodOwnersMap {
	return &PodOwnersMap{byOwner: map[ownerKey]PodLifecyclesMap{}, index: map[string]indexPos{}}
}

// NewPodOwnersMapFromParts rebuilds a PodOwnersMap from trace data that
// was imported without a reverse index (the exported wire format only
// carries byOwner; the index is rebuilt lazily as pods are re-observed
// during replay). Mirrors pod_owners_map.rs's new_from_parts.
func NewPodOwnersMapFromParts(byOwner map[k8s.GVK]map[string]PodLifecyclesMap) *PodOwnersMap {
	m := NewPodOwnersMap()
	for gvk, byName := range byOwner {
		for nsName, lifecycles := range byName {
			m.byOwner[ownerKey{gvk, nsName}] = lifecycles
		}
	}
	return m
}

// HasPod reports whether podNsName already has a recorded lifecycle
// slot in the reverse index.
func (m *PodOwnersMap) HasPod(podNsName string) bool {
	_, ok := m.index[podNsName]
	return ok
}

// LifecycleDataFor returns the lifecycle vector for a given owner and
// pod-spec hash, if any pods with that hash have been observed.
func (m *PodOwnersMap) LifecycleDataFor(ownerGVK k8s.GVK, ownerNsName string, podHash uint64) ([]k8s.PodLifecycleData, bool) {
	lifecycles, ok := m.byOwner[ownerKey{ownerGVK, ownerNsName}]
	if !ok {
		return nil, false
	}
	data, ok := lifecycles[podHash]
	return append([]k8s.PodLifecycleData(nil), data...), ok
}

// StoreNewPodLifecycle records lifecycleData as a brand-new pod under
// (ownerGVK, ownerNsName, hash), and remembers podNsName's position in
// the reverse index so a later UpdatePodLifecycle call can find it.
func (m *PodOwnersMap) StoreNewPodLifecycle(
	podNsName string,
	ownerGVK k8s.GVK,
	ownerNsName string,
	hash uint64,
	lifecycleData k8s.PodLifecycleData,
) {
	key := ownerKey{ownerGVK, ownerNsName}
	if m.byOwner[key] == nil {
		m.byOwner[key] = PodLifecyclesMap{}
	}
	position := len(m.byOwner[key][hash])
	m.byOwner[key][hash] = append(m.byOwner[key][hash], lifecycleData)
	m.index[podNsName] = indexPos{owner: key, hash: hash, position: position}
}

// UpdatePodLifecycle overwrites the lifecycle data for a pod already
// present in the reverse index. Every lookup level failing is an
// invariant violation: the index should never point at a slot that
// doesn't exist, per spec.md §7's TraceStore invariant-error category.
func (m *PodOwnersMap) UpdatePodLifecycle(podNsName string, lifecycleData k8s.PodLifecycleData) error {
	pos, ok := m.index[podNsName]
	if !ok {
		return errors.Wrapf(errs.ErrTraceStoreInvariant, "pod %s not present in lifecycle index", podNsName)
	}

	lifecycles, ok := m.byOwner[pos.owner]
	if !ok {
		return errors.Wrapf(errs.ErrTraceStoreInvariant, "no owner entry for pod %s", podNsName)
	}

	seq, ok := lifecycles[pos.hash]
	if !ok {
		return errors.Wrapf(errs.ErrTraceStoreInvariant, "no lifecycle entry matching hash for pod %s", podNsName)
	}

	if pos.position >= len(seq) {
		return errors.Wrapf(errs.ErrTraceStoreInvariant, "no sequence index %d for pod %s", pos.position, podNsName)
	}

	seq[pos.position] = lifecycleData
	return nil
}

// Filter returns the subset of this map whose owners are still present
// in idx, with each owner's lifecycle vectors further trimmed to the
// entries overlapping [startTs, endTs). Owners or hashes with no
// surviving entries are dropped entirely, matching
// pod_owners_map.rs's filter/filter_lifecycles_map pair.
func (m *PodOwnersMap) Filter(startTs, endTs int64, idx *TraceIndex) map[k8s.GVK]map[string]PodLifecyclesMap {
	tracked := idx.Owners()
	out := map[k8s.GVK]map[string]PodLifecyclesMap{}

	for key, lifecycles := range m.byOwner {
		if _, ok := tracked[key]; !ok {
			continue
		}

		filtered := filterLifecyclesMap(startTs, endTs, lifecycles)
		if len(filtered) == 0 {
			continue
		}

		if out[key.gvk] == nil {
			out[key.gvk] = map[string]PodLifecyclesMap{}
		}
		out[key.gvk][key.nsName] = filtered
	}
	return out
}

func filterLifecyclesMap(startTs, endTs int64, lifecycles PodLifecyclesMap) PodLifecyclesMap {
	filtered := PodLifecyclesMap{}
	for hash, seq := range lifecycles {
		var kept []k8s.PodLifecycleData
		for _, data := range seq {
			if data.Overlaps(startTs, endTs) {
				kept = append(kept, data)
			}
		}
		if len(kept) > 0 {
			filtered[hash] = kept
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}
