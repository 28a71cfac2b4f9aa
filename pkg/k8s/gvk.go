package k8s

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GVK wraps schema.GroupVersionKind with the wire format the trace
// format and the index keys use: "group/version.kind", or just
// "version.kind" when the group is empty (the core API group).
type GVK struct {
	schema.GroupVersionKind
}

// NewGVK builds a GVK from its three parts.
func NewGVK(group, version, kind string) GVK {
	return GVK{schema.GroupVersionKind{Group: group, Version: version, Kind: kind}}
}

// FromDynamicObj extracts the GVK from an unstructured object's TypeMeta.
func FromDynamicObj(obj *unstructured.Unstructured) (GVK, error) {
	gvk := obj.GroupVersionKind()
	if gvk.Kind == "" || gvk.Version == "" {
		return GVK{}, errors.New("no type data present")
	}
	return GVK{gvk}, nil
}

// FromOwnerRef derives a GVK from an OwnerReference's APIVersion+Kind.
func FromOwnerRef(ref metav1.OwnerReference) (GVK, error) {
	parts := strings.Split(ref.APIVersion, "/")
	switch len(parts) {
	case 1:
		return NewGVK("", parts[0], ref.Kind), nil
	case 2:
		return NewGVK(parts[0], parts[1], ref.Kind), nil
	default:
		return GVK{}, errors.Errorf("invalid format for apiVersion: %s", ref.APIVersion)
	}
}

// String renders the wire format "group/version.kind" ("version.kind"
// when the group is empty).
func (g GVK) String() string {
	if g.Group == "" {
		return fmt.Sprintf("%s.%s", g.Version, g.Kind)
	}
	return fmt.Sprintf("%s/%s.%s", g.Group, g.Version, g.Kind)
}

// ParseGVK parses the wire format produced by String, also accepting a
// leading "/" before a group-less version.kind for backwards compatibility.
func ParseGVK(s string) (GVK, error) {
	s = strings.TrimPrefix(s, "/")
	p1 := strings.SplitN(s, "/", 2)
	var group, rest string
	switch len(p1) {
	case 2:
		group, rest = p1[0], p1[1]
	case 1:
		group, rest = "", p1[0]
	default:
		return GVK{}, errors.Errorf("invalid format for gvk: %s", s)
	}

	p2 := strings.SplitN(rest, ".", 2)
	if len(p2) != 2 {
		return GVK{}, errors.Errorf("invalid format for gvk: %s", s)
	}
	return NewGVK(group, p2[0], p2[1]), nil
}

// MarshalText implements encoding.TextMarshaler so GVK can be used
// directly as a map key by msgpack and JSON.
func (g GVK) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GVK) UnmarshalText(text []byte) error {
	parsed, err := ParseGVK(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// APIVersion renders group/version the way metav1.TypeMeta expects it.
func (g GVK) APIVersion() string {
	if g.Group == "" {
		return g.Version
	}
	return g.Group + "/" + g.Version
}
