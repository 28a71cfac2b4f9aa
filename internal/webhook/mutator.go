// Package webhook implements the replay driver's admission mutator: a
// Pod CREATE webhook that lands simulation pods on virtual nodes and
// stamps them with the bookkeeping the mock kubelet and the trace store
// coordinate through. Grounded on original_source/sk-driver/src/
// mutation.rs.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/acrlabs/simkube/pkg/jsonutils"
	"github.com/acrlabs/simkube/pkg/k8s"
	"github.com/acrlabs/simkube/pkg/store"
)

// Mutator implements the admission.Handler for the driver's
// "/mutate-pods" endpoint. It has no dependency on a controller-runtime
// manager or API client: every decision it makes is derived from the
// request body, the in-memory owner cache, and the in-memory trace
// store the driver already holds for replay.
type Mutator struct {
	Decoder  admission.Decoder
	Log      logr.Logger
	Owners   *k8s.OwnersCache
	Store    *store.TraceStore
	Clock    k8s.Clock
	RootName string
	SimName  string
	Speed    float64

	mu             sync.Mutex
	mutationCounts map[uint64]int
}

var _ admission.Handler = &Mutator{}

var errNoDecoder = errors.New("webhook decoder not initialized")

// NewMutator builds a Mutator ready to register against a webhook
// server.
func NewMutator(log logr.Logger, owners *k8s.OwnersCache, st *store.TraceStore, clock k8s.Clock, rootName, simName string, speed float64) *Mutator {
	return &Mutator{
		Log:            log,
		Owners:         owners,
		Store:          st,
		Clock:          clock,
		RootName:       rootName,
		SimName:        simName,
		Speed:          speed,
		mutationCounts: map[uint64]int{},
	}
}

// Register wires the mutator into a standalone webhook server under
// "/mutate-pods"; the driver runs its own server rather than embedding
// a controller-runtime manager, since it has no reconciler to run
// alongside it.
func (m *Mutator) Register(srv *webhook.Server) {
	srv.Register("/mutate-pods", &webhook.Admission{Handler: m})
}

// Handle decodes the admission request, decides whether the pod belongs
// to this simulation, and if so returns a patch response carrying the
// virtual-scheduling and lifecycle bookkeeping fields. Any failure to
// decode or resolve owners denies the request outright, matching
// mutation.rs's "bail out on error" handler shape; a pod outside this
// simulation's ownership is allowed through unmodified.
func (m *Mutator) Handle(ctx context.Context, req admission.Request) admission.Response {
	log := m.Log.WithValues("name", req.Name, "namespace", req.Namespace)

	if m.Decoder == nil {
		return admission.Errored(http.StatusInternalServerError, errNoDecoder)
	}

	pod := &corev1.Pod{}
	if err := m.Decoder.Decode(req, pod); err != nil {
		return admission.Errored(http.StatusBadRequest, err)
	}

	podObj, err := runtime.DefaultUnstructuredConverter.ToUnstructured(pod)
	if err != nil {
		return admission.Errored(http.StatusInternalServerError, err)
	}

	nsName := k8s.NamespacedName(pod.Namespace, pod.Name)
	owners, err := m.Owners.ComputeOwnerChain(ctx, nsName, pod.Namespace, &unstructured.Unstructured{Object: podObj})
	if err != nil {
		return admission.Errored(http.StatusInternalServerError, err)
	}

	if !owners.ContainsKind("SimulationRoot", m.RootName) {
		return admission.Allowed("pod is not owned by this simulation")
	}

	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}

	hash, seq, err := m.hashAndSequence(pod)
	if err != nil {
		return admission.Errored(http.StatusInternalServerError, err)
	}

	if _, alreadyMutated := pod.Labels[k8s.SimulationLabelKey]; !alreadyMutated {
		m.addVirtualScheduling(pod, hash, seq)
	}

	if pod.Status.Phase == corev1.PodRunning {
		if _, done := pod.Labels[k8s.StageCompleteLabelKey]; !done {
			if !m.addLifecycleFields(pod, owners, hash, seq) {
				log.V(1).Info("no pod lifecycle data found for owner chain")
			}
		}
	}

	marshaled, err := json.Marshal(pod)
	if err != nil {
		return admission.Errored(http.StatusInternalServerError, err)
	}
	return admission.PatchResponseFromRaw(req.Object.Raw, marshaled)
}

// addVirtualScheduling stamps the simulation label, forces the pod onto
// a virtual node, and records the hash/sequence annotations a pod needs
// exactly once, on its first admission.
func (m *Mutator) addVirtualScheduling(pod *corev1.Pod, hash uint64, seq int) {
	pod.Labels[k8s.SimulationLabelKey] = m.SimName

	if pod.Spec.NodeSelector == nil {
		pod.Spec.NodeSelector = map[string]string{}
	}
	pod.Spec.NodeSelector["type"] = "virtual"

	pod.Spec.Tolerations = append(pod.Spec.Tolerations, corev1.Toleration{
		Key:      k8s.VirtualNodeTolerationKey,
		Operator: corev1.TolerationOpExists,
		Effect:   corev1.TaintEffectNoSchedule,
	})

	pod.Annotations[k8s.PodSpecStableHashKey] = strconv.FormatUint(hash, 10)
	pod.Annotations[k8s.PodSequenceNumberKey] = strconv.Itoa(seq)
}

// hashAndSequence returns the pod's stable-spec content hash and launch
// sequence number, preferring whatever was already written to its
// annotations (a repeat admission, e.g. on a patch retry) over
// recomputing them.
func (m *Mutator) hashAndSequence(pod *corev1.Pod) (uint64, int, error) {
	if raw, ok := pod.Annotations[k8s.PodSpecStableHashKey]; ok {
		if hash, err := strconv.ParseUint(raw, 10, 64); err == nil {
			seq := 0
			if rawSeq, ok := pod.Annotations[k8s.PodSequenceNumberKey]; ok {
				seq, _ = strconv.Atoi(rawSeq)
			}
			return hash, seq, nil
		}
	}

	specMap, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&pod.Spec)
	if err != nil {
		return 0, 0, err
	}
	stable, err := k8s.StablePodSpec(map[string]any{"spec": specMap}, "")
	if err != nil {
		return 0, 0, err
	}
	hash := jsonutils.Hash(stable)

	m.mu.Lock()
	seq := m.mutationCounts[hash]
	m.mutationCounts[hash] = seq + 1
	m.mu.Unlock()

	return hash, seq, nil
}

// addLifecycleFields walks the owner chain from leaf to root looking
// for the first ancestor the trace store has a finished lifecycle for,
// and if found writes the stage-complete annotation/label pair that
// signals the mock kubelet to terminate the pod at the scaled time the
// original ran for. It stops at the first match, mirroring mutation.rs
// breaking out of its owner loop as soon as one patch is produced.
func (m *Mutator) addLifecycleFields(pod *corev1.Pod, owners k8s.OwnerChain, hash uint64, seq int) bool {
	origNs := pod.Annotations[k8s.VirtualNamespaceOrigKey]
	if origNs == "" {
		return false
	}

	for _, owner := range owners {
		ownerGVK, err := k8s.FromOwnerRef(owner)
		if err != nil {
			continue
		}
		ownerNsName := k8s.NamespacedName(origNs, owner.Name)
		if !m.Store.HasObj(ownerGVK, ownerNsName) {
			continue
		}

		lifecycle := m.Store.LookupPodLifecycle(ownerGVK, ownerNsName, hash, seq)
		if !lifecycle.IsFinished() {
			continue
		}

		duration := computeStepDuration(m.Speed, *lifecycle.StartTsPtr(), *lifecycle.EndTsPtr())
		completeAt := time.Unix(m.Clock.NowTs(), 0).Add(duration)

		pod.Annotations[k8s.StageCompleteTimestampKey] = completeAt.UTC().Format(time.RFC3339)
		pod.Labels[k8s.StageCompleteLabelKey] = "true"
		return true
	}
	return false
}

// computeStepDuration scales a recorded [startTs, endTs) window by
// speed, the same ratio the replay driver uses to scale the overall
// simulation duration (spec.md §4.7).
func computeStepDuration(speed float64, startTs, endTs int64) time.Duration {
	seconds := float64(endTs-startTs) / speed
	return time.Duration(seconds * float64(time.Second))
}
