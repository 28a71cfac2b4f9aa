package simulation

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	monitoringv1 "github.com/prometheus-operator/prometheus-operator/pkg/apis/monitoring/v1"
	admissionv1 "k8s.io/api/admissionregistration/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	simkubev1alpha1 "github.com/acrlabs/simkube/apis/simkube/v1alpha1"
	"github.com/acrlabs/simkube/pkg/k8s"
)

// Labels/keys objects.rs hardcodes for Prometheus selector scoping and
// pod-to-job association.
const (
	kubernetesIOMetadataNameKey = "kubernetes.io/metadata.name"
	appKubernetesIONameKey      = "app.kubernetes.io/name"
	jobNameLabelKey             = "job-name"

	promVersion         = "2.44.0"
	promComponentLabel  = "prometheus"
	driverCertVolume    = "driver-cert"
	traceVolumeName     = "trace-data"
	traceMountPath      = "/trace-data"
	sslMountPath        = "/usr/local/etc/ssl"
)

// volumeInfo bundles a VolumeMount/Volume pair with the mount path it
// resolves to, mirroring objects.rs's VolumeInfo tuple alias.
type volumeInfo struct {
	mount  corev1.VolumeMount
	volume corev1.Volume
	path   string
}

// buildDriverNamespace is build_driver_namespace: the cluster-scoped
// Namespace hosting the driver Job, Service and Secret, owned directly
// by the Simulation (not the metaroot) so it is rebuilt on every
// simulation, as in objects.rs.
func buildDriverNamespace(sim *simkubev1alpha1.Simulation, owner k8s.OwnerRef) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: k8s.BuildGlobalObjectMeta(sim.Spec.Driver.Namespace, sim.GetName(), owner),
	}
}

// buildPrometheus is build_prometheus: the metrics-collection object
// provisioned in the pre-existing metrics namespace, scoped to scrape
// only the pod/service monitors the Simulation names.
func buildPrometheus(
	name string,
	sim *simkubev1alpha1.Simulation,
	mc *simkubev1alpha1.MetricsConfig,
	owner k8s.OwnerRef,
) *monitoringv1.Prometheus {
	shards := mc.PrometheusShards
	if shards == nil {
		one := int32(1)
		shards = &one
	}

	podMonitorNsSel := k8s.BuildContainmentLabelSelector(kubernetesIOMetadataNameKey, mc.PodMonitorNamespaces)
	podMonitorSel := k8s.BuildContainmentLabelSelector(appKubernetesIONameKey, mc.PodMonitorNames)
	svcMonitorNsSel := k8s.BuildContainmentLabelSelector(kubernetesIOMetadataNameKey, mc.ServiceMonitorNsNames)
	svcMonitorSel := k8s.BuildContainmentLabelSelector(appKubernetesIONameKey, mc.ServiceMonitorNames)

	meta := k8s.BuildObjectMeta(MetricsNamespace(sim), name, sim.GetName(), owner)
	image := fmt.Sprintf("quay.io/prometheus/prometheus:v%s", promVersion)

	return &monitoringv1.Prometheus{
		ObjectMeta: meta,
		Spec: monitoringv1.PrometheusSpec{
			CommonPrometheusFields: monitoringv1.CommonPrometheusFields{
				Image: &image,
				PodMetadata: &monitoringv1.EmbeddedObjectMetadata{
					Labels: map[string]string{
						k8s.SimulationLabelKey:   sim.GetName(),
						"app.kubernetes.io/component": promComponentLabel,
					},
				},
				ExternalLabels:                  map[string]string{"prom2parquet_prefix": sim.GetName()},
				Shards:                           shards,
				PodMonitorNamespaceSelector:      &podMonitorNsSel,
				PodMonitorSelector:               &podMonitorSel,
				ServiceMonitorNamespaceSelector:  &svcMonitorNsSel,
				ServiceMonitorSelector:           &svcMonitorSel,
				ServiceAccountName:               MetricsServiceAccount(sim),
				Version:                          promVersion,
			},
		},
	}
}

// buildMutatingWebhook is build_mutating_webhook: registers the driver's
// admission server for pod CREATE. When cert-manager is in use the
// cert-manager CA-injector annotation is stamped so the caBundle gets
// populated asynchronously (polled for in setupSimulation).
func buildMutatingWebhook(ctx *Context, sim *simkubev1alpha1.Simulation, owner k8s.OwnerRef) *admissionv1.MutatingWebhookConfiguration {
	meta := k8s.BuildGlobalObjectMeta(ctx.WebhookName, ctx.Name, owner)
	if ctx.Opts.UseCertManager {
		if meta.Annotations == nil {
			meta.Annotations = map[string]string{}
		}
		meta.Annotations["cert-manager.io/inject-ca-from"] = fmt.Sprintf("%s/%s", sim.Spec.Driver.Namespace, driverCertName)
	}

	sideEffects := admissionv1.SideEffectClassNone
	failurePolicy := admissionv1.Ignore
	scope := admissionv1.NamespacedScope

	return &admissionv1.MutatingWebhookConfiguration{
		ObjectMeta: meta,
		Webhooks: []admissionv1.MutatingWebhook{{
			Name:                    ctx.WebhookName,
			AdmissionReviewVersions: []string{"v1"},
			SideEffects:             &sideEffects,
			FailurePolicy:           &failurePolicy,
			ClientConfig: admissionv1.WebhookClientConfig{
				Service: &admissionv1.ServiceReference{
					Namespace: sim.Spec.Driver.Namespace,
					Name:      ctx.DriverSvc,
					Port:      &sim.Spec.Driver.Port,
				},
			},
			Rules: []admissionv1.RuleWithOperations{{
				Operations: []admissionv1.OperationType{admissionv1.Create},
				Rule: admissionv1.Rule{
					APIGroups:   []string{""},
					APIVersions: []string{"v1"},
					Resources:   []string{"pods"},
					Scope:       &scope,
				},
			}},
		}},
	}
}

// buildDriverService is build_driver_service: a headless-by-selector
// ClusterIP Service fronting the driver Job's single pod, addressed by
// the admission webhook's ClientConfig above.
func buildDriverService(ctx *Context, sim *simkubev1alpha1.Simulation, owner k8s.OwnerRef) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: k8s.BuildObjectMeta(sim.Spec.Driver.Namespace, ctx.DriverSvc, ctx.Name, owner),
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{jobNameLabelKey: ctx.DriverName},
			Ports: []corev1.ServicePort{{
				Port:       sim.Spec.Driver.Port,
				TargetPort: intstr.FromInt(int(sim.Spec.Driver.Port)),
			}},
		},
	}
}

// buildDriverJob is build_driver_job: the batch Job running the replay
// driver binary, mounting the TLS cert secret and (for a local trace
// path) the host-path trace volume, with completions pinned to the
// configured repetition count.
func buildDriverJob(
	ctx *Context,
	sim *simkubev1alpha1.Simulation,
	certSecretName string,
	podServiceAccount string,
) (*batchv1.Job, error) {
	certVM, certVolume := buildCertificateVolumes(certSecretName)
	volumeMounts := []corev1.VolumeMount{certVM}
	volumes := []corev1.Volume{certVolume}

	tracePath := sim.Spec.Driver.TracePath
	if info, err := buildLocalTraceVolume(tracePath); err != nil {
		return nil, err
	} else if info != nil {
		volumeMounts = append(volumeMounts, info.mount)
		volumes = append(volumes, info.volume)
		tracePath = info.path
	}

	var envFrom []corev1.EnvFromSource
	for _, secretName := range ctx.Opts.DriverSecrets {
		envFrom = append(envFrom, corev1.EnvFromSource{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: secretName},
				Optional:             boolPtr(false),
			},
		})
	}

	var completions *int32
	if sim.Spec.Repetitions > 0 {
		reps := sim.Spec.Repetitions
		completions = &reps
	}

	return &batchv1.Job{
		ObjectMeta: k8s.BuildObjectMeta(sim.Spec.Driver.Namespace, ctx.DriverName, ctx.Name, k8s.OwnerRef{
			GVK:  k8s.NewGVK(simkubev1alpha1.GroupVersion.Group, simkubev1alpha1.GroupVersion.Version, "Simulation"),
			Name: sim.GetName(),
			UID:  sim.GetUID(),
		}),
		Spec: batchv1.JobSpec{
			BackoffLimit: int32Ptr(0),
			Parallelism:  int32Ptr(1),
			Completions:  completions,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: podServiceAccount,
					Volumes:            volumes,
					Containers: []corev1.Container{{
						Name:         "driver",
						Image:        sim.Spec.Driver.Image,
						Command:      []string{"/sk-driver"},
						Args:         buildDriverArgs(ctx, sim, sslMountPath, tracePath),
						EnvFrom:      envFrom,
						VolumeMounts: volumeMounts,
						Env: []corev1.EnvVar{
							{Name: "RUST_BACKTRACE", Value: "1"},
							{
								Name: DriverNameEnvVar,
								ValueFrom: &corev1.EnvVarSource{
									FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"},
								},
							},
						},
					}},
				},
			},
		},
	}, nil
}

func buildDriverArgs(ctx *Context, sim *simkubev1alpha1.Simulation, certMountPath, tracePath string) []string {
	return []string{
		"--cert-path", certMountPath + "/tls.crt",
		"--key-path", certMountPath + "/tls.key",
		"--trace-path", tracePath,
		"--virtual-ns-prefix", "virtual",
		"--sim-name", ctx.Name,
		"--sim-namespace", ctx.Namespace,
		"--root-name", ctx.MetarootName,
		"--port", strconv.Itoa(int(sim.Spec.Driver.Port)),
		"--verbosity", ctx.Opts.Verbosity,
		"--controller-ns", ctx.ControllerNs,
	}
}

func buildCertificateVolumes(certSecretName string) (corev1.VolumeMount, corev1.Volume) {
	mode := int32(0o600)
	return corev1.VolumeMount{
			Name:      driverCertVolume,
			MountPath: sslMountPath,
		}, corev1.Volume{
			Name: driverCertVolume,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{
					SecretName:  certSecretName,
					DefaultMode: &mode,
				},
			},
		}
}

// buildLocalTraceVolume is build_local_trace_volume: when the trace path
// is a local file:// URL, mounts it from the node's filesystem via a
// hostPath volume instead of expecting the driver to fetch it remotely.
// Any other scheme (e.g. s3://) is left for the driver's object-store
// client to resolve directly, so this returns nil.
func buildLocalTraceVolume(tracePath string) (*volumeInfo, error) {
	u, err := url.Parse(tracePath)
	if err != nil {
		return nil, fmt.Errorf("could not parse trace path: %w", err)
	}
	if u.Scheme != "" && u.Scheme != "file" {
		return nil, nil
	}

	hostPath := u.Path
	if hostPath == "" {
		hostPath = strings.TrimPrefix(tracePath, "file://")
	}
	mountPath := path.Join(traceMountPath, hostPath)

	fileType := corev1.HostPathFile
	return &volumeInfo{
		mount: corev1.VolumeMount{Name: traceVolumeName, MountPath: mountPath},
		volume: corev1.Volume{
			Name: traceVolumeName,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: hostPath, Type: &fileType},
			},
		},
		path: mountPath,
	}, nil
}

func boolPtr(b bool) *bool    { return &b }
func int32Ptr(i int32) *int32 { return &i }
