package k8s

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func TestGVK_StringAndAPIVersion(t *testing.T) {
	g := NewGVK("apps", "v1", "Deployment")
	assert.Equal(t, "apps/v1.Deployment", g.String())
	assert.Equal(t, "apps/v1", g.APIVersion())

	core := NewGVK("", "v1", "Pod")
	assert.Equal(t, "v1.Pod", core.String())
	assert.Equal(t, "v1", core.APIVersion())
}

func TestParseGVK_RoundTrips(t *testing.T) {
	for _, g := range []GVK{
		NewGVK("apps", "v1", "Deployment"),
		NewGVK("", "v1", "Pod"),
		NewGVK("simkube.io", "v1alpha1", "Simulation"),
	} {
		parsed, err := ParseGVK(g.String())
		require.NoError(t, err)
		assert.Equal(t, g, parsed)
	}
}

func TestParseGVK_LeadingSlashAccepted(t *testing.T) {
	parsed, err := ParseGVK("/v1.Pod")
	require.NoError(t, err)
	assert.Equal(t, NewGVK("", "v1", "Pod"), parsed)
}

func TestParseGVK_InvalidFormatErrors(t *testing.T) {
	_, err := ParseGVK("not-a-gvk")
	assert.Error(t, err)
}

func TestGVK_MarshalUnmarshalText(t *testing.T) {
	g := NewGVK("apps", "v1", "Deployment")
	text, err := g.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "apps/v1.Deployment", string(text))

	var out GVK
	require.NoError(t, out.UnmarshalText(text))
	assert.Equal(t, g, out)
}

func TestFromDynamicObj(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
	}}
	gvk, err := FromDynamicObj(obj)
	require.NoError(t, err)
	assert.Equal(t, NewGVK("apps", "v1", "Deployment"), gvk)
}

func TestFromDynamicObj_MissingTypeDataErrors(t *testing.T) {
	_, err := FromDynamicObj(&unstructured.Unstructured{Object: map[string]any{}})
	assert.Error(t, err)
}

func TestFromOwnerRef(t *testing.T) {
	ref := metav1.OwnerReference{APIVersion: "apps/v1", Kind: "Deployment", Name: "dep1"}
	gvk, err := FromOwnerRef(ref)
	require.NoError(t, err)
	assert.Equal(t, NewGVK("apps", "v1", "Deployment"), gvk)

	coreRef := metav1.OwnerReference{APIVersion: "v1", Kind: "Pod", Name: "p1"}
	gvk, err = FromOwnerRef(coreRef)
	require.NoError(t, err)
	assert.Equal(t, NewGVK("", "v1", "Pod"), gvk)
}

func TestFromOwnerRef_InvalidAPIVersionErrors(t *testing.T) {
	_, err := FromOwnerRef(metav1.OwnerReference{APIVersion: "a/b/c", Kind: "X", Name: "y"})
	assert.Error(t, err)
}
