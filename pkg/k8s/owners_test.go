package k8s

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
)

func ownersTestGVR(kind string) schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: "", Version: "v1alpha1", Resource: strings.ToLower(kind) + "s"}
}

func ownersTestMapper(g GVK) (schema.GroupVersionResource, error) {
	return schema.GroupVersionResource{Group: g.Group, Version: g.Version, Resource: strings.ToLower(g.Kind) + "s"}, nil
}

func ownersTestObj(kind, namespace, name string, owners []metav1.OwnerReference) *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1alpha1",
		"kind":       kind,
		"metadata":   map[string]any{"namespace": namespace, "name": name},
	}}
	u.SetOwnerReferences(owners)
	return u
}

func TestOwnersCache_ComputeOwnerChainWalksMultipleLevels(t *testing.T) {
	rsOwners := []metav1.OwnerReference{{APIVersion: "v1alpha1", Kind: "Deployment", Name: "dep1"}}
	depOwners := []metav1.OwnerReference{{APIVersion: "v1alpha1", Kind: "SimulationRoot", Name: "sim-1-root"}}

	dep := ownersTestObj("Deployment", "sims", "dep1", depOwners)
	root := ownersTestObj("SimulationRoot", "sims", "sim-1-root", nil)

	listKinds := map[schema.GroupVersionResource]string{
		ownersTestGVR("Deployment"):     "DeploymentList",
		ownersTestGVR("SimulationRoot"): "SimulationRootList",
	}
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds, dep, root)
	cache := NewOwnersCache(dyn, ownersTestMapper)

	rs := ownersTestObj("ReplicaSet", "sims", "rs1", rsOwners)
	chain, err := cache.ComputeOwnerChain(t.Context(), "sims/rs1", "sims", rs)
	require.NoError(t, err)

	require.Len(t, chain, 2)
	assert.Equal(t, "dep1", chain[0].Name)
	assert.Equal(t, "sim-1-root", chain[1].Name)
	assert.True(t, chain.ContainsKind("SimulationRoot", "sim-1-root"))
	assert.False(t, chain.ContainsKind("SimulationRoot", "other-root"))
}

func TestOwnersCache_LookupMissIsFalseUntilComputed(t *testing.T) {
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	cache := NewOwnersCache(dyn, ownersTestMapper)

	_, ok := cache.Lookup("sims/rs1")
	assert.False(t, ok)

	rs := ownersTestObj("ReplicaSet", "sims", "rs1", nil)
	_, err := cache.ComputeOwnerChain(t.Context(), "sims/rs1", "sims", rs)
	require.NoError(t, err)

	chain, ok := cache.Lookup("sims/rs1")
	assert.True(t, ok)
	assert.Empty(t, chain)
}

func TestOwnersCache_CachesIntermediateAncestors(t *testing.T) {
	depOwners := []metav1.OwnerReference{{APIVersion: "v1alpha1", Kind: "SimulationRoot", Name: "sim-1-root"}}
	dep := ownersTestObj("Deployment", "sims", "dep1", depOwners)
	root := ownersTestObj("SimulationRoot", "sims", "sim-1-root", nil)

	listKinds := map[schema.GroupVersionResource]string{
		ownersTestGVR("Deployment"):     "DeploymentList",
		ownersTestGVR("SimulationRoot"): "SimulationRootList",
	}
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds, dep, root)
	cache := NewOwnersCache(dyn, ownersTestMapper)

	rs1 := ownersTestObj("ReplicaSet", "sims", "rs1", []metav1.OwnerReference{{APIVersion: "v1alpha1", Kind: "Deployment", Name: "dep1"}})
	_, err := cache.ComputeOwnerChain(t.Context(), "sims/rs1", "sims", rs1)
	require.NoError(t, err)

	_, ok := cache.Lookup("sims/dep1")
	assert.True(t, ok, "walking rs1's chain should have cached dep1's ancestor chain too")
}

func TestOwnersCache_UnresolvableGVKErrors(t *testing.T) {
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	cache := NewOwnersCache(dyn, func(GVK) (schema.GroupVersionResource, error) {
		return schema.GroupVersionResource{}, assert.AnError
	})

	rs := ownersTestObj("ReplicaSet", "sims", "rs1", []metav1.OwnerReference{{APIVersion: "v1alpha1", Kind: "Deployment", Name: "dep1"}})
	_, err := cache.ComputeOwnerChain(t.Context(), "sims/rs1", "sims", rs)
	assert.Error(t, err)
}
