package k8s

import (
	"strings"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/acrlabs/simkube/pkg/jsonpatchext"
)

// SimulationLabelKey is stamped on every object the controller and
// driver provision so they can all be found/filtered by simulation.
const SimulationLabelKey = "simkube.io/simulation"

// Annotation/label keys exchanged between the replay driver and the
// admission mutator via the pod object itself, since the two run in
// separate processes with no shared memory. PodSpecStableHashKey and
// PodSequenceNumberKey identify which trace-store lifecycle record a
// pod corresponds to; VirtualNamespaceOrigKey carries the pod's
// pre-replay namespace so the mutator can look its owner up in the
// trace under the name it was recorded with; the StageComplete pair
// drives the mock kubelet's synthetic pod completion.
const (
	PodSpecStableHashKey      = "simkube.io/pod-spec-hash"
	PodSequenceNumberKey      = "simkube.io/sequence-number"
	VirtualNamespaceOrigKey   = "simkube.io/original-namespace"
	StageCompleteLabelKey     = "simkube.io/stage-complete"
	StageCompleteTimestampKey = "simkube.io/stage-complete-at"
	VirtualNodeTolerationKey  = "virtual-node"
	VirtualNamespaceLabelKey  = "virtual"
)

const (
	lastAppliedConfigAnnotationKey   = "kubectl.kubernetes.io/last-applied-configuration"
	deploymentRevisionAnnotationKey  = "deployment.kubernetes.io/revision"
)

// AppKubernetesIoNameKey is stamped with the object's own name on every
// object add_common_metadata touches.
const AppKubernetesIoNameKey = "app.kubernetes.io/name"

// OwnerRef describes the owning object's GVK, name and UID, used to
// build an OwnerReference without depending on a specific typed client.
type OwnerRef struct {
	GVK  GVK
	Name string
	UID  types.UID
}

// AddCommonMetadata stamps the simulation label and an owner reference
// onto meta, mirroring lib/rust/k8s/util.rs's add_common_metadata.
func AddCommonMetadata(simName string, owner OwnerRef, meta *metav1.ObjectMeta) {
	if meta.Labels == nil {
		meta.Labels = map[string]string{}
	}
	meta.Labels[SimulationLabelKey] = simName
	meta.Labels[AppKubernetesIoNameKey] = meta.Name
	meta.OwnerReferences = append(meta.OwnerReferences, metav1.OwnerReference{
		APIVersion:         owner.GVK.APIVersion(),
		Kind:               owner.GVK.Kind,
		Name:               owner.Name,
		UID:                owner.UID,
		BlockOwnerDeletion: boolPtr(true),
	})
}

func boolPtr(b bool) *bool { return &b }

// BuildObjectMeta constructs namespaced object metadata carrying the
// simulation label and owner reference.
func BuildObjectMeta(namespace, name, simName string, owner OwnerRef) metav1.ObjectMeta {
	meta := metav1.ObjectMeta{Name: name}
	if namespace != "" {
		meta.Namespace = namespace
	}
	AddCommonMetadata(simName, owner, &meta)
	return meta
}

// BuildGlobalObjectMeta is BuildObjectMeta for cluster-scoped objects.
func BuildGlobalObjectMeta(name, simName string, owner OwnerRef) metav1.ObjectMeta {
	return BuildObjectMeta("", name, simName, owner)
}

// SplitNamespacedName splits "ns/name" into its parts; a name with no
// slash is treated as cluster-scoped (empty namespace).
func SplitNamespacedName(nsName string) (string, string) {
	if ns, name, ok := strings.Cut(nsName, "/"); ok {
		return ns, name
	}
	return "", nsName
}

// NamespacedName renders "ns/name", or bare "name" when ns is empty.
func NamespacedName(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + "/" + name
}

// stablePodSpecExclusions is the authoritative exclusion list (DESIGN.md
// Open Question #2): fields that churn per-pod or per-admission without
// affecting scheduling behaviour, stripped before content-hashing a pod
// spec template.
var stablePodSpecExclusions = []string{
	"nodeName",
	"serviceAccount",
	"serviceAccountName",
	"schedulerName",
	"priority",
	"priorityClassName",
	"nodeSelector",
	"tolerations",
}

// StablePodSpec returns a copy of data with the churn-prone fields
// removed from the pod spec at podSpecPath + "/spec" (podSpecPath being
// a pod spec template pointer, or "" when data is {"spec": <pod spec>}),
// suitable for content-hashing.
func StablePodSpec(data map[string]any, podSpecPath string) (map[string]any, error) {
	clone, err := jsonpatchext.DeepCopyMap(data)
	if err != nil {
		return nil, errors.Wrap(err, "could not clone object data")
	}
	specPath := podSpecPath + "/spec"
	for _, key := range stablePodSpecExclusions {
		if err := jsonpatchext.RemovePath(clone, specPath+"/"+jsonpatchext.Escape(key)); err != nil {
			continue
		}
	}
	return clone, nil
}

// SanitizeObj strips server-populated metadata and per-apply annotations
// from a dynamic object clone, and removes the churn-prone pod spec
// fields at podSpecPath, the way a fresh apply expects.
func SanitizeObj(obj *unstructured.Unstructured, podSpecPath string) {
	obj.SetCreationTimestamp(metav1.Time{})
	obj.SetDeletionTimestamp(nil)
	obj.SetGeneration(0)
	obj.SetManagedFields(nil)
	obj.SetOwnerReferences(nil)
	obj.SetResourceVersion("")
	obj.SetUID("")

	annotations := obj.GetAnnotations()
	if annotations != nil {
		delete(annotations, lastAppliedConfigAnnotationKey)
		delete(annotations, deploymentRevisionAnnotationKey)
		obj.SetAnnotations(annotations)
	}

	if podSpecPath != "" {
		for _, key := range []string{"nodeName", "serviceAccount", "serviceAccountName"} {
			_ = jsonpatchext.RemovePath(obj.Object, podSpecPath+"/"+jsonpatchext.Escape(key))
		}
	}
}

// BuildContainmentLabelSelector builds a selector matching any of the
// given values on key, used by the controller to scope the Prometheus
// object's PodMonitor/ServiceMonitor namespace and name selectors.
func BuildContainmentLabelSelector(key string, values []string) metav1.LabelSelector {
	if len(values) == 0 {
		return metav1.LabelSelector{}
	}
	return metav1.LabelSelector{
		MatchExpressions: []metav1.LabelSelectorRequirement{{
			Key:      key,
			Operator: metav1.LabelSelectorOpIn,
			Values:   values,
		}},
	}
}

// IsOwnedByDaemonSet reports whether any owner reference names a
// DaemonSet, per the hardcoded DaemonSet exclusion in spec.md §6.3.
func IsOwnedByDaemonSet(refs []metav1.OwnerReference) bool {
	for _, r := range refs {
		if r.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}
