// Package jsonpatchext extends RFC 6901 JSON Pointer handling with a
// "*" wildcard path segment: RemovePath applies the rest of the pointer
// to every element of the array found at a "*" position. Neither
// evanphx/json-patch nor tidwall/sjson support this natively, so
// RemovePath walks pointers by hand. AddPath and HasPath go through
// sjson/gjson and do not expand a "*" segment into the array's elements.
package jsonpatchext

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Escape applies RFC 6901 escaping (~ -> ~0, / -> ~1) to a single path
// segment, so callers can safely interpolate arbitrary keys into a
// pointer string.
func Escape(segment string) string {
	r := strings.NewReplacer("~", "~0", "/", "~1")
	return r.Replace(segment)
}

func unescape(segment string) string {
	r := strings.NewReplacer("~1", "/", "~0", "~")
	return r.Replace(segment)
}

func splitPointer(pointer string) []string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return nil
	}
	parts := strings.Split(pointer, "/")
	for i, p := range parts {
		parts[i] = unescape(p)
	}
	return parts
}

// DeepCopyMap round-trips an unstructured object's data through JSON to
// produce an independent copy, the way status-stripping and
// pod-spec-stabilization need before they mutate in place.
func DeepCopyMap(m map[string]any) (map[string]any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal object")
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal object")
	}
	return out, nil
}

// RemovePath deletes the value at pointer from data in place. If any
// segment of pointer is "*", the remaining suffix is removed from every
// element of the array found at that position. A missing path is not an
// error; it's a no-op, matching the original's "skip if path doesn't
// exist" behaviour for per-kind optional pod-spec-template paths.
func RemovePath(data map[string]any, pointer string) error {
	segments := splitPointer(pointer)
	return removeAt(data, segments)
}

func removeAt(node any, segments []string) error {
	if len(segments) == 0 {
		return nil
	}
	head, rest := segments[0], segments[1:]

	if head == "*" {
		arr, ok := node.([]any)
		if !ok {
			return nil
		}
		for _, elem := range arr {
			if err := removeAt(elem, rest); err != nil {
				return err
			}
		}
		return nil
	}

	switch n := node.(type) {
	case map[string]any:
		if len(rest) == 0 {
			delete(n, head)
			return nil
		}
		child, ok := n[head]
		if !ok {
			return nil
		}
		return removeAt(child, rest)
	case []any:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx >= len(n) {
			return nil
		}
		if len(rest) == 0 {
			n[idx] = nil
			return nil
		}
		return removeAt(n[idx], rest)
	default:
		return nil
	}
}

// AddPath sets value at pointer, creating intermediate maps as needed,
// for the non-wildcard case; it delegates to sjson for the actual
// mutation since sjson already handles path creation correctly.
func AddPath(data map[string]any, pointer string, value any) (map[string]any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal object")
	}

	sjsonPath := toSjsonPath(pointer)
	updated, err := sjson.SetBytes(b, sjsonPath, value)
	if err != nil {
		return nil, errors.Wrap(err, "could not set path")
	}

	var out map[string]any
	if err := json.Unmarshal(updated, &out); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal object")
	}
	return out, nil
}

// HasPath reports whether pointer resolves to a present value, used to
// decide whether "add of empty maps must precede add into those maps"
// (spec.md §9) is already satisfied.
func HasPath(data map[string]any, pointer string) bool {
	b, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return gjson.GetBytes(b, toSjsonPath(pointer)).Exists()
}

func toSjsonPath(pointer string) string {
	// sjson/gjson read "." as a separator and "\" as an escape, so both
	// are escaped to keep a key like "simkube.io/x" a single segment.
	escaper := strings.NewReplacer(`\`, `\\`, ".", `\.`)
	segments := splitPointer(pointer)
	for i, s := range segments {
		segments[i] = escaper.Replace(s)
	}
	return strings.Join(segments, ".")
}
