package watch

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/acrlabs/simkube/pkg/k8s"
	"github.com/acrlabs/simkube/pkg/k8s/clock"
)

// PodWatcher monitors pod events cluster-wide and records lifecycle data
// for pods owned by a tracked object, grounded line-for-line on
// original_source/sk-store/src/watchers/pod_watcher.rs. Whenever a pod's
// observed lifecycle advances (per k8s.PodLifecycleData.Compare's
// partial order), the watcher resolves its owner chain through an
// OwnersCache and forwards the update to a Storable. Pods are tracked
// in memory here, separately from the store's own index, because the
// store needs extra bookkeeping (sequence number, pod spec hash) this
// watcher has no need to duplicate.
type PodWatcher struct {
	Log logr.Logger

	client kubernetes.Interface
	owners *k8s.OwnersCache
	store  Storable
	clock  clock.Clock

	mu        sync.Mutex
	ownedPods map[string]k8s.PodLifecycleData

	ready     chan struct{}
	readyOnce sync.Once
}

// NewPodWatcher builds a PodWatcher backed by client, resolving owner
// chains through owners and forwarding lifecycle updates into store.
func NewPodWatcher(client kubernetes.Interface, owners *k8s.OwnersCache, store Storable, c clock.Clock, log logr.Logger) *PodWatcher {
	return &PodWatcher{
		Log:       log,
		client:    client,
		owners:    owners,
		store:     store,
		clock:     c,
		ownedPods: map[string]k8s.PodLifecycleData{},
		ready:     make(chan struct{}),
	}
}

// Ready returns a channel closed once the watcher has completed its
// first full relist.
func (w *PodWatcher) Ready() <-chan struct{} { return w.ready }

// Start runs the relist-then-watch loop until ctx is cancelled.
func (w *PodWatcher) Start(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := w.relistAndWatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *PodWatcher) relistAndWatch(ctx context.Context) error {
	list, err := w.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}

	ts := w.clock.NowTs()
	w.handleInitialized(ctx, list.Items, ts)
	w.readyOnce.Do(func() { close(w.ready) })

	watcher, err := w.client.CoreV1().Pods(metav1.NamespaceAll).Watch(
		ctx, metav1.ListOptions{ResourceVersion: list.ResourceVersion})
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
			w.handleEvent(ctx, evt)
		}
	}
}

func (w *PodWatcher) handleEvent(ctx context.Context, evt watch.Event) {
	pod, ok := evt.Object.(*corev1.Pod)
	if !ok {
		if evt.Type == watch.Error {
			w.Log.Info("pod watcher received error on stream", "object", evt.Object)
		}
		return
	}

	ts := w.clock.NowTs()
	var err error
	switch evt.Type {
	case watch.Added, watch.Modified:
		err = w.applied(ctx, pod, ts)
	case watch.Deleted:
		err = w.deleted(ctx, pod, ts)
	}
	if err != nil {
		// A single pod's lifecycle update shouldn't take down the whole
		// watch loop; the tracer can keep going on the rest.
		w.Log.Error(err, "could not handle pod event", "event", evt.Type)
	}
}

func (w *PodWatcher) applied(ctx context.Context, pod *corev1.Pod, ts int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	nsName := k8s.NamespacedName(pod.Namespace, pod.Name)
	return w.handlePodApplied(ctx, nsName, pod, ts)
}

// handlePodApplied stores the pod's lifecycle data only if it has
// genuinely advanced (per Compare's partial order); a mismatch between
// the observed and stored data without an advance is logged, not
// applied, since PodLifecycleData.Empty is less than everything and a
// spurious "earlier" observation should never overwrite later data.
// Caller holds w.mu.
func (w *PodWatcher) handlePodApplied(ctx context.Context, nsName string, pod *corev1.Pod, ts int64) error {
	newData, err := k8s.NewForPod(pod)
	if err != nil {
		return errors.Wrapf(err, "could not derive lifecycle data for %s", nsName)
	}
	current := w.ownedPods[nsName]

	switch {
	case newData.GreaterThan(current):
		w.ownedPods[nsName] = newData
		return w.storePodLifecycleData(ctx, nsName, pod, newData)
	case !newData.IsEmpty() && newData.Compare(current) != k8s.OrderEqual:
		w.Log.Info("new lifecycle data does not match stored data, cowardly refusing to update",
			"pod", nsName, "new", newData, "current", current)
	}
	return nil
}

func (w *PodWatcher) deleted(ctx context.Context, pod *corev1.Pod, ts int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	nsName := k8s.NamespacedName(pod.Namespace, pod.Name)
	current, ok := w.ownedPods[nsName]
	if !ok {
		w.Log.Info("pod deleted but not tracked, may have already been processed", "pod", nsName)
		return nil
	}
	return w.handlePodDeleted(ctx, nsName, pod, current, ts)
}

// handlePodDeleted always forgets the pod, regardless of outcome below.
// maybePod is nil on a watcher restart, when the only thing known about
// a vanished pod is its name; in that case the finished timestamp is
// just ts, since nothing closer to the truth is available. Caller holds
// w.mu.
func (w *PodWatcher) handlePodDeleted(ctx context.Context, nsName string, maybePod *corev1.Pod, current k8s.PodLifecycleData, ts int64) error {
	delete(w.ownedPods, nsName)

	if current.IsFinished() {
		return nil
	}

	var newData k8s.PodLifecycleData
	if maybePod == nil {
		start := current.StartTsPtr()
		if start == nil {
			return errors.Errorf("could not determine final pod lifecycle for %s", nsName)
		}
		newData = k8s.Finished(*start, ts)
	} else {
		var err error
		newData, err = k8s.GuessFinishedLifecycle(maybePod, current, ts)
		if err != nil {
			return err
		}
	}

	return w.storePodLifecycleData(ctx, nsName, maybePod, newData)
}

// storePodLifecycleData resolves nsName's owner chain — from the cache
// if already computed, otherwise by walking maybePod's own owner
// references — and forwards the lifecycle update to the store. Caller
// holds w.mu.
func (w *PodWatcher) storePodLifecycleData(ctx context.Context, nsName string, maybePod *corev1.Pod, lifecycleData k8s.PodLifecycleData) error {
	chain, ok := w.owners.Lookup(nsName)
	if !ok {
		if maybePod == nil {
			return errors.Errorf("could not determine owner chain for %s", nsName)
		}
		stub := &unstructured.Unstructured{}
		stub.SetOwnerReferences(maybePod.OwnerReferences)

		var err error
		chain, err = w.owners.ComputeOwnerChain(ctx, nsName, maybePod.Namespace, stub)
		if err != nil {
			return errors.Wrapf(err, "could not compute owner chain for %s", nsName)
		}
	}

	return w.store.RecordPodLifecycle(nsName, maybePod, chain, lifecycleData)
}

// handleInitialized reconciles in-memory pod tracking against a fresh
// relist: entries already tracked are carried over (so their stored
// lifecycle state survives the swap), every listed pod is re-applied,
// and anything left over from the previous generation is treated as
// deleted. Per-pod failures are logged, not fatal — a watcher restart
// should make as much forward progress as it can rather than abort on
// the first bad pod.
func (w *PodWatcher) handleInitialized(ctx context.Context, pods []corev1.Pod, ts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	old := w.ownedPods
	w.ownedPods = map[string]k8s.PodLifecycleData{}

	for i := range pods {
		pod := &pods[i]
		nsName := k8s.NamespacedName(pod.Namespace, pod.Name)
		if data, ok := old[nsName]; ok {
			w.ownedPods[nsName] = data
			delete(old, nsName)
		}
		if err := w.handlePodApplied(ctx, nsName, pod, ts); err != nil {
			w.Log.Error(err, "(watcher restart) applied pod lifecycle data could not be stored", "pod", nsName)
		}
	}

	for nsName, current := range old {
		if err := w.handlePodDeleted(ctx, nsName, nil, current, ts); err != nil {
			w.Log.Error(err, "(watcher restart) deleted pod lifecycle data could not be stored", "pod", nsName)
		}
	}
}
