package store

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/acrlabs/simkube/pkg/k8s"
)

// ownerKey identifies a tracked object by its kind and namespaced name,
// the composite key store.rs's TraceIndex and PodOwnersMap both use.
type ownerKey struct {
	gvk    k8s.GVK
	nsName string
}

// TraceIndex tracks the current content hash of every object the store
// is following, keyed by (GVK, ns/name), grounded on
// sk-store/src/store.rs's `TraceIndex` (a HashMap<(GVK,String), u64> in
// the version of the store that also tracks owner chains, as opposed to
// trace_store.rs's simpler String-keyed variant).
type TraceIndex struct {
	entries map[ownerKey]uint64
}

// NewTraceIndex returns an empty index.
func NewTraceIndex() *TraceIndex {
	return &TraceIndex{entries: map[ownerKey]uint64{}}
}

// Get returns the stored hash for (gvk, nsName), if present.
func (idx *TraceIndex) Get(gvk k8s.GVK, nsName string) (uint64, bool) {
	h, ok := idx.entries[ownerKey{gvk, nsName}]
	return h, ok
}

// Contains reports whether (gvk, nsName) has an entry at all.
func (idx *TraceIndex) Contains(gvk k8s.GVK, nsName string) bool {
	_, ok := idx.entries[ownerKey{gvk, nsName}]
	return ok
}

// Insert records hash as the current content hash for (gvk, nsName).
func (idx *TraceIndex) Insert(gvk k8s.GVK, nsName string, hash uint64) {
	if idx.entries == nil {
		idx.entries = map[ownerKey]uint64{}
	}
	idx.entries[ownerKey{gvk, nsName}] = hash
}

// Remove drops any entry for (gvk, nsName).
func (idx *TraceIndex) Remove(gvk k8s.GVK, nsName string) {
	delete(idx.entries, ownerKey{gvk, nsName})
}

// Len returns the number of tracked objects.
func (idx *TraceIndex) Len() int {
	return len(idx.entries)
}

// FlattenedKeys renders every tracked object as "group/version.kind ns/name",
// used by tests to assert on the set of objects present at a timestamp
// (mirrors the test-only objs_at helper in store.rs).
func (idx *TraceIndex) FlattenedKeys() []string {
	keys := make([]string, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k.gvk.String()+" "+k.nsName)
	}
	return keys
}

// Owners returns the distinct (GVK, ns/name) pairs currently tracked,
// which PodOwnersMap.Filter uses to decide which owners survive a
// particular export window.
func (idx *TraceIndex) Owners() map[ownerKey]struct{} {
	out := make(map[ownerKey]struct{}, len(idx.entries))
	for k := range idx.entries {
		out[k] = struct{}{}
	}
	return out
}

// indexEntry is TraceIndex's wire representation: ownerKey's fields are
// unexported, so the msgpack codec round-trips through this instead.
type indexEntry struct {
	GVK    k8s.GVK `msgpack:"gvk"`
	NsName string  `msgpack:"nsName"`
	Hash   uint64  `msgpack:"hash"`
}

var (
	_ msgpack.CustomEncoder = (*TraceIndex)(nil)
	_ msgpack.CustomDecoder = (*TraceIndex)(nil)
)

// EncodeMsgpack implements msgpack.CustomEncoder.
func (idx *TraceIndex) EncodeMsgpack(enc *msgpack.Encoder) error {
	entries := make([]indexEntry, 0, len(idx.entries))
	for k, h := range idx.entries {
		entries = append(entries, indexEntry{GVK: k.gvk, NsName: k.nsName, Hash: h})
	}
	return enc.Encode(entries)
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (idx *TraceIndex) DecodeMsgpack(dec *msgpack.Decoder) error {
	var entries []indexEntry
	if err := dec.Decode(&entries); err != nil {
		return err
	}
	idx.entries = make(map[ownerKey]uint64, len(entries))
	for _, e := range entries {
		idx.entries[ownerKey{e.GVK, e.NsName}] = e.Hash
	}
	return nil
}
