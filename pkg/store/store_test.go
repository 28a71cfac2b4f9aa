package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/acrlabs/simkube/pkg/k8s"
)

func newDeploy(ns, name string, replicas int64) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion("apps/v1")
	obj.SetKind("Deployment")
	obj.SetNamespace(ns)
	obj.SetName(name)
	_ = unstructured.SetNestedField(obj.Object, replicas, "spec", "replicas")
	return obj
}

func newTestConfig(trackLifecycle bool) TracerConfig {
	return TracerConfig{
		TrackedObjects: map[k8s.GVK]TrackedObjectConfig{
			testDeployGVK: {TrackLifecycle: trackLifecycle},
		},
	}
}

func TestCreateOrUpdateObjAppendsEventOnlyWhenSpecChanges(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))

	require.NoError(t, s.CreateOrUpdateObj(newDeploy("ns", "dep", 1), 10))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("ns", "dep", 1), 20))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("ns", "dep", 2), 30))

	assert.Len(t, s.events, 2)
	assert.Equal(t, int64(10), s.events[0].Ts)
	assert.Equal(t, int64(30), s.events[1].Ts)
}

func TestCreateOrUpdateObjCoalescesSameTimestamp(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))

	require.NoError(t, s.CreateOrUpdateObj(newDeploy("ns", "dep-a", 1), 10))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("ns", "dep-b", 1), 10))

	require.Len(t, s.events, 1)
	assert.Len(t, s.events[0].AppliedObjs, 2)
}

func TestDeleteObjRemovesFromIndex(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))
	obj := newDeploy("ns", "dep", 1)

	require.NoError(t, s.CreateOrUpdateObj(obj, 10))
	assert.True(t, s.HasObj(testDeployGVK, "ns/dep"))

	require.NoError(t, s.DeleteObj(obj, 20))
	assert.False(t, s.HasObj(testDeployGVK, "ns/dep"))
}

func TestUpdateAllObjsDeletesMissingObjects(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("ns", "dep-a", 1), 10))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("ns", "dep-b", 1), 10))

	require.NoError(t, s.UpdateAllObjs([]*unstructured.Unstructured{newDeploy("ns", "dep-a", 2)}, 20))

	assert.True(t, s.HasObj(testDeployGVK, "ns/dep-a"))
	assert.False(t, s.HasObj(testDeployGVK, "ns/dep-b"))
}

func TestRecordPodLifecycleUpdatesExistingPod(t *testing.T) {
	s := NewTraceStore(newTestConfig(true))
	s.podOwners.StoreNewPodLifecycle("ns/pod-1", testDeployGVK, "ns/dep", 1, k8s.Running(5))

	err := s.RecordPodLifecycle("ns/pod-1", nil, nil, k8s.Finished(5, 10))
	require.NoError(t, err)

	data, ok := s.podOwners.LifecycleDataFor(testDeployGVK, "ns/dep", 1)
	require.True(t, ok)
	assert.Equal(t, k8s.Finished(5, 10), data[0])
}

func TestRecordPodLifecycleSkipsUntrackedOwner(t *testing.T) {
	s := NewTraceStore(newTestConfig(false)) // trackLifecycle: false
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("ns", "dep", 1), 10))

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "pod-1"}}
	owners := []metav1.OwnerReference{{APIVersion: "apps/v1", Kind: "Deployment", Name: "dep"}}

	err := s.RecordPodLifecycle("ns/pod-1", pod, owners, k8s.Running(5))
	require.NoError(t, err)
	assert.False(t, s.podOwners.HasPod("ns/pod-1"))
}

func TestRecordPodLifecycleNoOwnerDataIsInvariantError(t *testing.T) {
	s := NewTraceStore(newTestConfig(true))
	err := s.RecordPodLifecycle("ns/pod-1", nil, nil, k8s.Running(5))
	assert.Error(t, err)
}
