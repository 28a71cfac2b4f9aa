// Package jsonutils provides the content-hashing helpers TraceStore uses
// to decide whether an object's spec changed between two observations.
// The original hashes a canonicalized serde_json::Value with Rust's
// std::hash; Go has no equivalent derive, so this package round-trips
// through encoding/json (which sorts map keys) and feeds the canonical
// bytes to xxhash, a dependency already pulled in transitively by the
// pack's Kubernetes client stack.
package jsonutils

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// Hash returns the content hash of v, canonicalizing through JSON
// marshaling first so that key order never affects the result.
func Hash(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// HashOption is Hash for an optional field, mirroring
// jsonutils::hash_option: a missing value still produces a stable hash
// (of JSON null) rather than a sentinel, so "absent" and "present but
// null" compare equal, which is what the index comparison relies on.
func HashOption(v any) uint64 {
	if v == nil {
		return Hash(nil)
	}
	return Hash(v)
}
