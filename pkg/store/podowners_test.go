package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrlabs/simkube/pkg/k8s"
)

var testDeployGVK = k8s.NewGVK("apps", "v1", "Deployment")

func TestPodOwnersMapStoreAndLookup(t *testing.T) {
	m := NewPodOwnersMap()
	assert.False(t, m.HasPod("ns/pod-1"))

	m.StoreNewPodLifecycle("ns/pod-1", testDeployGVK, "ns/dep", 42, k8s.Running(100))
	assert.True(t, m.HasPod("ns/pod-1"))

	data, ok := m.LifecycleDataFor(testDeployGVK, "ns/dep", 42)
	require.True(t, ok)
	assert.Equal(t, []k8s.PodLifecycleData{k8s.Running(100)}, data)
}

func TestPodOwnersMapStoreSecondPodSameHash(t *testing.T) {
	m := NewPodOwnersMap()
	m.StoreNewPodLifecycle("ns/pod-1", testDeployGVK, "ns/dep", 42, k8s.Running(100))
	m.StoreNewPodLifecycle("ns/pod-2", testDeployGVK, "ns/dep", 42, k8s.Running(200))

	data, ok := m.LifecycleDataFor(testDeployGVK, "ns/dep", 42)
	require.True(t, ok)
	assert.Len(t, data, 2)
	assert.Equal(t, k8s.Running(100), data[0])
	assert.Equal(t, k8s.Running(200), data[1])
}

func TestPodOwnersMapUpdateInPlace(t *testing.T) {
	m := NewPodOwnersMap()
	m.StoreNewPodLifecycle("ns/pod-1", testDeployGVK, "ns/dep", 42, k8s.Running(100))

	err := m.UpdatePodLifecycle("ns/pod-1", k8s.Finished(100, 150))
	require.NoError(t, err)

	data, ok := m.LifecycleDataFor(testDeployGVK, "ns/dep", 42)
	require.True(t, ok)
	assert.Equal(t, k8s.Finished(100, 150), data[0])
}

func TestPodOwnersMapUpdateUnknownPodIsInvariantError(t *testing.T) {
	m := NewPodOwnersMap()
	err := m.UpdatePodLifecycle("ns/missing", k8s.Finished(1, 2))
	assert.Error(t, err)
}

func TestPodOwnersMapFilterDropsUntrackedOwners(t *testing.T) {
	m := NewPodOwnersMap()
	m.StoreNewPodLifecycle("ns/pod-1", testDeployGVK, "ns/tracked", 1, k8s.Finished(10, 20))
	m.StoreNewPodLifecycle("ns/pod-2", testDeployGVK, "ns/untracked", 2, k8s.Finished(10, 20))

	idx := NewTraceIndex()
	idx.Insert(testDeployGVK, "ns/tracked", 999)

	filtered := m.Filter(0, 100, idx)
	require.Contains(t, filtered, testDeployGVK)
	assert.Contains(t, filtered[testDeployGVK], "ns/tracked")
	assert.NotContains(t, filtered[testDeployGVK], "ns/untracked")
}

func TestPodOwnersMapFilterDropsNonOverlappingLifecycles(t *testing.T) {
	m := NewPodOwnersMap()
	m.StoreNewPodLifecycle("ns/pod-1", testDeployGVK, "ns/dep", 1, k8s.Finished(10, 20))
	m.StoreNewPodLifecycle("ns/pod-2", testDeployGVK, "ns/dep", 1, k8s.Finished(500, 600))

	idx := NewTraceIndex()
	idx.Insert(testDeployGVK, "ns/dep", 999)

	filtered := m.Filter(0, 100, idx)
	require.Contains(t, filtered, testDeployGVK)
	lifecycles := filtered[testDeployGVK]["ns/dep"]
	assert.Len(t, lifecycles[1], 1)
	assert.Equal(t, k8s.Finished(10, 20), lifecycles[1][0])
}

func TestPodOwnersMapFilterDropsOwnerWithNoSurvivingEntries(t *testing.T) {
	m := NewPodOwnersMap()
	m.StoreNewPodLifecycle("ns/pod-1", testDeployGVK, "ns/dep", 1, k8s.Finished(500, 600))

	idx := NewTraceIndex()
	idx.Insert(testDeployGVK, "ns/dep", 999)

	filtered := m.Filter(0, 100, idx)
	assert.NotContains(t, filtered, testDeployGVK)
}
