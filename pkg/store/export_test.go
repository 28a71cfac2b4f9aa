package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestCollectEventsExcludesNamespace(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("kube-system", "dep", 1), 10))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("default", "dep", 1), 10))

	keys, err := s.ObjsAt(100, ExportFilters{ExcludedNamespaces: []string{"kube-system"}})
	require.NoError(t, err)

	assert.NotContains(t, keys, "apps/v1.Deployment kube-system/dep")
	assert.Contains(t, keys, "apps/v1.Deployment default/dep")
}

func TestCollectEventsExcludesDaemonSetOwned(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))
	obj := newDeploy("default", "ds-pod", 1)
	obj.SetOwnerReferences([]metav1.OwnerReference{{APIVersion: "apps/v1", Kind: "DaemonSet", Name: "ds"}})
	require.NoError(t, s.CreateOrUpdateObj(obj, 10))

	keys, err := s.ObjsAt(100, ExportFilters{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCollectEventsExcludesChildOfTrackedOwner(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))
	parent := newDeploy("default", "parent", 1)
	require.NoError(t, s.CreateOrUpdateObj(parent, 10))

	child := newDeploy("default", "child", 1)
	child.SetOwnerReferences([]metav1.OwnerReference{{APIVersion: "apps/v1", Kind: "Deployment", Name: "parent"}})
	require.NoError(t, s.CreateOrUpdateObj(child, 10))

	keys, err := s.ObjsAt(100, ExportFilters{})
	require.NoError(t, err)
	assert.Contains(t, keys, "apps/v1.Deployment default/parent")
	assert.NotContains(t, keys, "apps/v1.Deployment default/child")
}

func TestCollectEventsExcludesLabelSelector(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))
	obj := newDeploy("default", "dep", 1)
	obj.SetLabels(map[string]string{"tier": "infra"})
	require.NoError(t, s.CreateOrUpdateObj(obj, 10))

	filter := ExportFilters{
		ExcludedLabels: []*metav1.LabelSelector{{MatchLabels: map[string]string{"tier": "infra"}}},
	}
	keys, err := s.ObjsAt(100, filter)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestExportFlattensObjectsBeforeStartTs(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("default", "dep", 1), 10))

	events, _, err := s.collectEvents(50, 200, ExportFilters{}, true)
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, int64(50), events[0].Ts)
	require.Len(t, events[0].AppliedObjs, 1)
	assert.Equal(t, "dep", events[0].AppliedObjs[0].GetName())
}

func TestExportEndExclusive(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("default", "dep", 1), 10))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("default", "dep", 2), 100))

	events, _, err := s.collectEvents(0, 100, ExportFilters{}, true)
	require.NoError(t, err)

	for _, evt := range events {
		assert.Less(t, evt.Ts, int64(100))
	}
}

func TestExportRoundTripsThroughCodec(t *testing.T) {
	s := NewTraceStore(newTestConfig(false))
	require.NoError(t, s.CreateOrUpdateObj(newDeploy("default", "dep", 1), 10))

	data, err := s.Export(0, 100, ExportFilters{})
	require.NoError(t, err)

	trace, err := ImportTrace(data, "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(CurrentTraceFormatVersion), trace.Version)

	start, ok := trace.StartTs()
	require.True(t, ok)
	assert.Equal(t, int64(0), start)
}
