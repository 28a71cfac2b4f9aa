package watch

import (
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/acrlabs/simkube/pkg/k8s"
	"github.com/acrlabs/simkube/pkg/k8s/clock"
	"github.com/acrlabs/simkube/pkg/store"
)

var deploymentGVK = k8s.NewGVK("apps", "v1", "Deployment")
var deploymentGVR = schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}

func deploymentObj(namespace, name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]any{"namespace": namespace, "name": name},
		"spec":       map[string]any{"replicas": int64(1)},
	}}
}

func newTestTraceStore() *store.TraceStore {
	return store.NewTraceStore(store.TracerConfig{
		TrackedObjects: map[k8s.GVK]store.TrackedObjectConfig{deploymentGVK: {TrackLifecycle: true}},
	})
}

func TestObjectWatcher_RelistImportsExistingObjects(t *testing.T) {
	dep := deploymentObj("ns1", "dep1")
	listKinds := map[schema.GroupVersionResource]string{deploymentGVR: "DeploymentList"}
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds, dep)

	s := newTestTraceStore()
	w := NewObjectWatcher(dyn, deploymentGVR, s, clock.Mock{Ts: 100}, testr.New(t))

	list, err := w.client.Resource(w.gvr).Namespace(metav1.NamespaceAll).List(t.Context(), metav1.ListOptions{})
	require.NoError(t, err)

	objs := make([]*unstructured.Unstructured, len(list.Items))
	for i := range list.Items {
		objs[i] = &list.Items[i]
	}
	require.NoError(t, s.UpdateAllObjs(objs, w.clock.NowTs()))

	assert.True(t, s.HasObj(deploymentGVK, "ns1/dep1"))
}

func TestObjectWatcher_ReadyLatchClosesOnlyOnce(t *testing.T) {
	s := newTestTraceStore()
	w := NewObjectWatcher(nil, deploymentGVR, s, clock.Mock{Ts: 100}, testr.New(t))

	select {
	case <-w.Ready():
		t.Fatal("watcher should not be ready before its latch is tripped")
	default:
	}

	w.readyOnce.Do(func() { close(w.ready) })
	w.readyOnce.Do(func() { close(w.ready) }) // must not panic on double-close

	select {
	case <-w.Ready():
	default:
		t.Fatal("watcher should be ready once its latch is tripped")
	}
}

func TestObjectWatcher_HandleEventAppliesAndDeletes(t *testing.T) {
	s := newTestTraceStore()
	w := NewObjectWatcher(nil, deploymentGVR, s, clock.Mock{Ts: 100}, testr.New(t))

	dep := deploymentObj("ns1", "dep1")
	w.handleEvent(watch.Event{Type: watch.Added, Object: dep})
	assert.True(t, s.HasObj(deploymentGVK, "ns1/dep1"))

	w.handleEvent(watch.Event{Type: watch.Deleted, Object: dep})
	assert.False(t, s.HasObj(deploymentGVK, "ns1/dep1"))
}

func TestObjectWatcher_HandleEventIgnoresNonUnstructuredObject(t *testing.T) {
	s := newTestTraceStore()
	w := NewObjectWatcher(nil, deploymentGVR, s, clock.Mock{Ts: 100}, testr.New(t))

	w.handleEvent(watch.Event{Type: watch.Error, Object: &metav1.Status{Message: "boom"}})
	assert.False(t, s.HasObj(deploymentGVK, "ns1/dep1"))
}
