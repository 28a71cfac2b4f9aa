// Package watch implements SimKube's two cluster watchers: ObjectWatcher
// tracks arbitrary tracked-GVK objects, PodWatcher reconstructs pod
// lifecycle data for their owners. Both relist-then-watch against a
// single resource and forward events into a Storable, latching a ready
// signal once the first relist completes, grounded on spec.md §4.2/§4.4
// and original_source/sk-store/src/watchers/{mod,pod_watcher}.rs. The
// teacher has no raw watch-stream code of its own (its controllers are
// all cache-backed via controller-runtime), so both watchers talk to
// client-go's watch API directly; they're written as two concrete,
// non-generic types rather than a shared generic EventHandler[T], since
// the target toolchain predates a Pod-specific generic watch helper in
// client-go.
package watch

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/acrlabs/simkube/pkg/k8s"
	"github.com/acrlabs/simkube/pkg/k8s/clock"
)

// Storable is the subset of *store.TraceStore both watchers depend on,
// grounded on the original's TraceStorable trait: watchers see an
// interface, not a concrete store, so they can be tested without a real
// TraceStore.
type Storable interface {
	CreateOrUpdateObj(obj *unstructured.Unstructured, ts int64) error
	DeleteObj(obj *unstructured.Unstructured, ts int64) error
	UpdateAllObjs(objs []*unstructured.Unstructured, ts int64) error
	RecordPodLifecycle(podNsName string, maybePod *corev1.Pod, maybeOwnerRefs []metav1.OwnerReference, lifecycleData k8s.PodLifecycleData) error
}

// ObjectWatcher relists and watches a single tracked GVR, forwarding
// every relist through Storable.UpdateAllObjs (which already implements
// the stale-diff swap this watcher's relist needs) and every subsequent
// Added/Modified/Deleted event through CreateOrUpdateObj/DeleteObj.
// When the watch channel closes — a normal occurrence client-go surfaces
// on relist-interval expiry or connection loss — Start relists and
// resumes, the same recovery the original's watcher gets for free from
// kube-rs's watcher() stream.
type ObjectWatcher struct {
	Log logr.Logger

	client dynamic.Interface
	gvr    schema.GroupVersionResource
	store  Storable
	clock  clock.Clock

	ready     chan struct{}
	readyOnce sync.Once
}

// NewObjectWatcher builds an ObjectWatcher for gvr, forwarding events
// into store.
func NewObjectWatcher(client dynamic.Interface, gvr schema.GroupVersionResource, store Storable, c clock.Clock, log logr.Logger) *ObjectWatcher {
	return &ObjectWatcher{
		Log:    log,
		client: client,
		gvr:    gvr,
		store:  store,
		clock:  c,
		ready:  make(chan struct{}),
	}
}

// Ready returns a channel closed once the watcher has completed its
// first full relist, the one-shot readiness latch from spec.md §4.2.
func (w *ObjectWatcher) Ready() <-chan struct{} { return w.ready }

// Start runs the relist-then-watch loop until ctx is cancelled.
func (w *ObjectWatcher) Start(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := w.relistAndWatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *ObjectWatcher) relistAndWatch(ctx context.Context) error {
	list, err := w.client.Resource(w.gvr).Namespace(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}

	objs := make([]*unstructured.Unstructured, len(list.Items))
	for i := range list.Items {
		objs[i] = &list.Items[i]
	}
	if err := w.store.UpdateAllObjs(objs, w.clock.NowTs()); err != nil {
		return err
	}
	w.readyOnce.Do(func() { close(w.ready) })

	watcher, err := w.client.Resource(w.gvr).Namespace(metav1.NamespaceAll).Watch(
		ctx, metav1.ListOptions{ResourceVersion: list.GetResourceVersion()})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.ResultChan():
			if !ok {
				return nil // channel closed: caller relists
			}
			w.handleEvent(evt)
		}
	}
}

func (w *ObjectWatcher) handleEvent(evt watch.Event) {
	obj, ok := evt.Object.(*unstructured.Unstructured)
	if !ok {
		if evt.Type == watch.Error {
			w.Log.Info("object watcher received error on stream", "object", evt.Object)
		}
		return
	}

	ts := w.clock.NowTs()
	var err error
	switch evt.Type {
	case watch.Added, watch.Modified:
		err = w.store.CreateOrUpdateObj(obj, ts)
	case watch.Deleted:
		err = w.store.DeleteObj(obj, ts)
	}
	if err != nil {
		// A single unhandleable event shouldn't take down the whole
		// watch loop; the tracer can keep going on the rest.
		w.Log.Error(err, "could not handle object event", "event", evt.Type)
	}
}
