package simulation

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	monitoringv1 "github.com/prometheus-operator/prometheus-operator/pkg/apis/monitoring/v1"
	admissionv1 "k8s.io/api/admissionregistration/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	simkubev1alpha1 "github.com/acrlabs/simkube/apis/simkube/v1alpha1"
	"github.com/acrlabs/simkube/pkg/errs"
	"github.com/acrlabs/simkube/pkg/hooks"
	"github.com/acrlabs/simkube/pkg/k8s"
	"github.com/acrlabs/simkube/pkg/k8s/clock"
)

// requeueDelay and errorRetryDelay mirror controller.rs's
// REQUEUE_DURATION/REQUEUE_ERROR_DURATION.
const (
	requeueDelay      = 5 * time.Second
	errorRetryDelay   = 30 * time.Second
	jobConditionComplete = "Complete"
	jobConditionFailed   = "Failed"
)

// Reconciler drives the Simulation state machine of spec.md §4.5.
type Reconciler struct {
	Client client.Client
	Scheme *runtime.Scheme
	Log    logr.Logger
	Clock  clock.Clock

	// ControllerNamespace scopes the mutual-exclusion lease (spec.md §9
	// Open Question #1: the lease doesn't cross controller namespaces).
	ControllerNamespace string
	CertManagerIssuer    string
	DriverSecrets        []string
	Verbosity            string
}

// SetupWithManager registers the reconciler for Simulation objects, plus
// the owned object kinds whose changes should re-trigger reconciliation.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("simulation-controller").
		For(&simkubev1alpha1.Simulation{}).
		Owns(&batchv1.Job{}).
		Owns(&corev1.Service{}).
		Owns(&monitoringv1.Prometheus{}).
		Complete(r)
}

// +kubebuilder:rbac:groups="simkube.io",resources=simulations,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="simkube.io",resources=simulations/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="simkube.io",resources=simulationroots,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="batch",resources=jobs,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=namespaces;services;secrets,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups="admissionregistration.k8s.io",resources=mutatingwebhookconfigurations,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups="coordination.k8s.io",resources=leases,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups="monitoring.coreos.com",resources=prometheuses,verbs=get;list;watch;create;update;patch

// Reconcile implements the per-cycle dispatch of spec.md §4.5: resolve
// the metaroot, derive driver state, merge it into status, then act on
// the resulting SimulationState.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := r.Log.WithValues("simulation", req.NamespacedName)

	sim := &simkubev1alpha1.Simulation{}
	if err := r.Client.Get(ctx, req.NamespacedName, sim); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	simCtx := NewContext(sim, r.ControllerNamespace, Options{
		UseCertManager:    sim.Spec.UseCertManager,
		CertManagerIssuer: r.CertManagerIssuer,
		DriverSecrets:     r.DriverSecrets,
		Verbosity:         r.Verbosity,
	})

	result, err := r.reconcile(ctx, simCtx, sim)
	if err != nil {
		return r.handleReconcileError(ctx, log, sim, err)
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, simCtx *Context, sim *simkubev1alpha1.Simulation) (ctrl.Result, error) {
	metaroot, err := r.setupMetaroot(ctx, simCtx, sim)
	if err != nil {
		return ctrl.Result{}, err
	}

	state, startTime, endTime, completedRuns, blockedSeconds, err := r.fetchDriverState(ctx, simCtx, sim, metaroot)
	if err != nil {
		return ctrl.Result{}, err
	}

	if _, err := r.updateStatus(ctx, sim, func(saved *simkubev1alpha1.Simulation) {
		saved.Status.State = state
		saved.Status.ObservedGeneration = sim.GetGeneration()
		saved.Status.StartTime = startTime
		saved.Status.EndTime = endTime
		saved.Status.CompletedRuns = completedRuns
	}); err != nil {
		return ctrl.Result{}, fmt.Errorf("could not update simulation status: %w", err)
	}

	switch state {
	case simkubev1alpha1.SimulationStateInitializing:
		return r.setupSimulation(ctx, simCtx, sim, metaroot)

	case simkubev1alpha1.SimulationStateBlocked:
		r.Log.Info("simulation blocked; waiting for lease", "seconds", blockedSeconds)
		return ctrl.Result{RequeueAfter: time.Duration(blockedSeconds) * time.Second}, nil

	case simkubev1alpha1.SimulationStateRunning, simkubev1alpha1.SimulationStatePaused:
		return ctrl.Result{}, nil

	case simkubev1alpha1.SimulationStateFinished, simkubev1alpha1.SimulationStateFailed:
		r.cleanupSimulation(ctx, simCtx, sim)
		return ctrl.Result{}, nil

	default:
		return ctrl.Result{}, errs.Preconditionf("%w: %s", errs.ErrUnrecognizedState, state)
	}
}

// setupMetaroot is setup_sim_metaroot: create-if-absent for the
// cluster-scoped owner every other provisioned object points at.
func (r *Reconciler) setupMetaroot(ctx context.Context, simCtx *Context, sim *simkubev1alpha1.Simulation) (*simkubev1alpha1.SimulationRoot, error) {
	metaroot := &simkubev1alpha1.SimulationRoot{}
	err := r.Client.Get(ctx, client.ObjectKey{Name: simCtx.MetarootName}, metaroot)
	if err == nil {
		return metaroot, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("could not get simulation metaroot: %w", err)
	}

	r.Log.Info("creating simulation metaroot", "name", simCtx.MetarootName)
	metaroot = buildSimulationRoot(simCtx, sim)
	if err := r.Client.Create(ctx, metaroot); err != nil {
		return nil, fmt.Errorf("could not create simulation metaroot: %w", err)
	}
	return metaroot, nil
}

// buildSimulationRoot is build_simulation_root: a cluster-scoped owner
// object, itself owned by the Simulation. The lease, Prometheus object,
// driver service, certificate and mutating webhook are parented to it;
// the driver namespace and driver Job are owned by the Simulation, not
// by the metaroot, so deleting the metaroot does not remove them.
//
// The retrieved original_source shows only the older ctrl/objects.rs
// variant's inline construction (not a standalone build_simulation_root
// body); this follows that shape.
func buildSimulationRoot(simCtx *Context, sim *simkubev1alpha1.Simulation) *simkubev1alpha1.SimulationRoot {
	owner := k8s.OwnerRef{
		GVK:  k8s.NewGVK(simkubev1alpha1.GroupVersion.Group, simkubev1alpha1.GroupVersion.Version, "Simulation"),
		Name: sim.GetName(),
		UID:  sim.GetUID(),
	}
	return &simkubev1alpha1.SimulationRoot{
		ObjectMeta: k8s.BuildGlobalObjectMeta(simCtx.MetarootName, simCtx.Name, owner),
	}
}

// fetchDriverState is fetch_driver_state: derives the simulation's
// current state from the driver Job's status conditions, claiming the
// mutual-exclusion lease along the way for any non-terminal state.
func (r *Reconciler) fetchDriverState(
	ctx context.Context,
	simCtx *Context,
	sim *simkubev1alpha1.Simulation,
	metaroot *simkubev1alpha1.SimulationRoot,
) (
	state simkubev1alpha1.SimulationState,
	startTime, endTime *metav1.Time,
	completedRuns int32,
	blockedSeconds int64,
	err error,
) {
	state = simkubev1alpha1.SimulationStateInitializing

	job := &batchv1.Job{}
	getErr := r.Client.Get(ctx, client.ObjectKey{Namespace: sim.Spec.Driver.Namespace, Name: simCtx.DriverName}, job)
	switch {
	case getErr == nil:
		state = simkubev1alpha1.SimulationStateRunning
		completedRuns = valueOrZero(job.Status.Succeeded)
		startTime = job.Status.StartTime

		for _, cond := range job.Status.Conditions {
			if cond.Type != jobConditionComplete && cond.Type != jobConditionFailed {
				continue
			}
			t := cond.LastTransitionTime
			endTime = &t
			if cond.Type == jobConditionComplete {
				state = simkubev1alpha1.SimulationStateFinished
			} else {
				state = simkubev1alpha1.SimulationStateFailed
			}
			break
		}
	case !apierrors.IsNotFound(getErr):
		err = fmt.Errorf("could not get driver job: %w", getErr)
		return
	}

	if !IsTerminal(state) {
		if state != simkubev1alpha1.SimulationStateInitializing && sim.Spec.PausedTime != nil {
			state = simkubev1alpha1.SimulationStatePaused
		}

		owner := k8s.OwnerRef{
			GVK:  k8s.NewGVK(simkubev1alpha1.GroupVersion.Group, simkubev1alpha1.GroupVersion.Version, "SimulationRoot"),
			Name: metaroot.GetName(),
			UID:  metaroot.GetUID(),
		}
		leases := k8s.NewLeaseManager(r.Client, r.ControllerNamespace, r.Clock)
		claim, claimErr := leases.TryClaim(ctx, simCtx.Name, owner)
		if claimErr != nil {
			err = fmt.Errorf("could not claim simulation lease: %w", claimErr)
			return
		}
		switch claim.State {
		case k8s.LeaseClaimed:
		case k8s.LeaseWaitingForClaim:
			state = simkubev1alpha1.SimulationStateBlocked
			blockedSeconds = claim.RemainingSeconds
		default:
			err = errs.Invariantf("unknown lease claim state")
			return
		}
	}

	return
}

// setupSimulation is the nine-step provisioning sequence of spec.md §4.5.
func (r *Reconciler) setupSimulation(
	ctx context.Context,
	simCtx *Context,
	sim *simkubev1alpha1.Simulation,
	metaroot *simkubev1alpha1.SimulationRoot,
) (ctrl.Result, error) {
	r.Log.Info("setting up simulation", "name", simCtx.Name)

	if err := hooks.Execute(ctx, sim, hooks.PreStart); err != nil {
		return ctrl.Result{}, fmt.Errorf("PreStart hook failed: %w", err)
	}

	metricsNs := MetricsNamespace(sim)
	if err := r.Client.Get(ctx, client.ObjectKey{Name: metricsNs}, &corev1.Namespace{}); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, fmt.Errorf("%w: %s", errs.ErrNamespaceNotFound, metricsNs)
		}
		return ctrl.Result{}, fmt.Errorf("could not check metrics namespace: %w", err)
	}

	simOwner := k8s.OwnerRef{
		GVK:  k8s.NewGVK(simkubev1alpha1.GroupVersion.Group, simkubev1alpha1.GroupVersion.Version, "Simulation"),
		Name: sim.GetName(),
		UID:  sim.GetUID(),
	}
	metarootOwner := k8s.OwnerRef{
		GVK:  k8s.NewGVK(simkubev1alpha1.GroupVersion.Group, simkubev1alpha1.GroupVersion.Version, "SimulationRoot"),
		Name: metaroot.GetName(),
		UID:  metaroot.GetUID(),
	}

	if err := r.Client.Get(ctx, client.ObjectKey{Name: sim.Spec.Driver.Namespace}, &corev1.Namespace{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return ctrl.Result{}, fmt.Errorf("could not check driver namespace: %w", err)
		}
		r.Log.Info("creating driver namespace", "namespace", sim.Spec.Driver.Namespace)
		if err := r.Client.Create(ctx, buildDriverNamespace(sim, simOwner)); err != nil {
			return ctrl.Result{}, fmt.Errorf("could not create driver namespace: %w", err)
		}
	}

	promReady := true
	if mc := sim.Spec.Metrics; mc != nil && mc.Enabled {
		promReady = false
		prom := &monitoringv1.Prometheus{}
		err := r.Client.Get(ctx, client.ObjectKey{Namespace: metricsNs, Name: simCtx.PrometheusName}, prom)
		switch {
		case apierrors.IsNotFound(err):
			r.Log.Info("creating prometheus object", "namespace", metricsNs, "name", simCtx.PrometheusName)
			if err := r.Client.Create(ctx, buildPrometheus(simCtx.PrometheusName, sim, mc, metarootOwner)); err != nil {
				return ctrl.Result{}, fmt.Errorf("could not create prometheus object: %w", err)
			}
		case err != nil:
			return ctrl.Result{}, fmt.Errorf("could not get prometheus object: %w", err)
		default:
			promReady = prom.Status.AvailableReplicas > 0
		}
	}
	if !promReady {
		r.Log.Info("waiting for prometheus to be ready")
		return ctrl.Result{RequeueAfter: requeueDelay}, nil
	}

	if err := r.Client.Get(ctx, client.ObjectKey{Namespace: sim.Spec.Driver.Namespace, Name: simCtx.DriverSvc}, &corev1.Service{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return ctrl.Result{}, fmt.Errorf("could not check driver service: %w", err)
		}
		r.Log.Info("creating driver service", "name", simCtx.DriverSvc)
		if err := r.Client.Create(ctx, buildDriverService(simCtx, sim, metarootOwner)); err != nil {
			return ctrl.Result{}, fmt.Errorf("could not create driver service: %w", err)
		}
	}

	if simCtx.Opts.UseCertManager {
		if err := createCertificateIfNotPresent(ctx, r.Client, simCtx, sim, metarootOwner); err != nil {
			return ctrl.Result{}, fmt.Errorf("could not create driver certificate: %w", err)
		}
	}

	certSecretName, err := findDriverCertSecret(ctx, r.Client, simCtx, sim.Spec.Driver.Namespace)
	if err != nil {
		return ctrl.Result{}, err
	}
	if certSecretName == "" {
		r.Log.Info("waiting for driver cert secret to be created")
		return ctrl.Result{RequeueAfter: requeueDelay}, nil
	}

	mwc := &admissionv1.MutatingWebhookConfiguration{}
	mwcErr := r.Client.Get(ctx, client.ObjectKey{Name: simCtx.WebhookName}, mwc)
	switch {
	case apierrors.IsNotFound(mwcErr):
		r.Log.Info("creating mutating webhook configuration", "name", simCtx.WebhookName)
		if err := r.Client.Create(ctx, buildMutatingWebhook(simCtx, sim, metarootOwner)); err != nil {
			return ctrl.Result{}, fmt.Errorf("could not create mutating webhook: %w", err)
		}
		return ctrl.Result{RequeueAfter: requeueDelay}, nil
	case mwcErr != nil:
		return ctrl.Result{}, fmt.Errorf("could not get mutating webhook: %w", mwcErr)
	case len(mwc.Webhooks) > 0 && len(mwc.Webhooks[0].ClientConfig.CABundle) == 0:
		r.Log.Info("mutating webhook exists but caBundle not yet populated, requeuing", "name", simCtx.WebhookName)
		return ctrl.Result{RequeueAfter: requeueDelay}, nil
	}

	if err := r.Client.Get(ctx, client.ObjectKey{Namespace: sim.Spec.Driver.Namespace, Name: simCtx.DriverName}, &batchv1.Job{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return ctrl.Result{}, fmt.Errorf("could not check driver job: %w", err)
		}
		r.Log.Info("creating driver job", "name", simCtx.DriverName)
		job, err := buildDriverJob(simCtx, sim, certSecretName, r.podServiceAccount())
		if err != nil {
			return ctrl.Result{}, fmt.Errorf("could not build driver job: %w", err)
		}
		if err := r.Client.Create(ctx, job); err != nil {
			return ctrl.Result{}, fmt.Errorf("could not create driver job: %w", err)
		}
	}

	return ctrl.Result{}, nil
}

// cleanupSimulation is cleanup_simulation: best-effort, cascade-deletes
// the metaroot and runs PostStop hooks, logging rather than propagating
// failures (a failed cleanup shouldn't spin the reconcile loop forever
// on a Finished/Failed simulation).
func (r *Reconciler) cleanupSimulation(ctx context.Context, simCtx *Context, sim *simkubev1alpha1.Simulation) {
	r.Log.Info("cleaning up simulation", "name", simCtx.Name)

	metaroot := &simkubev1alpha1.SimulationRoot{ObjectMeta: metav1.ObjectMeta{Name: simCtx.MetarootName}}
	if err := r.Client.Delete(ctx, metaroot); err != nil && !apierrors.IsNotFound(err) {
		r.Log.Error(err, "error cleaning up simulation metaroot")
	}

	if err := hooks.Execute(ctx, sim, hooks.PostStop); err != nil {
		r.Log.Error(err, "error running PostStop hooks")
	}
}

// handleReconcileError is the error_policy equivalent: precondition
// failures (e.g. ErrNamespaceNotFound) are terminal and stop requeueing
// after marking the simulation Failed; everything else is transient and
// retried on a fixed delay after marking it Retrying.
func (r *Reconciler) handleReconcileError(ctx context.Context, log logr.Logger, sim *simkubev1alpha1.Simulation, reconcileErr error) (ctrl.Result, error) {
	log.Error(reconcileErr, "reconcile failed")

	state := simkubev1alpha1.SimulationStateRetrying
	result := ctrl.Result{RequeueAfter: errorRetryDelay}
	if errs.Is(reconcileErr, errs.CategoryPrecondition) {
		state = simkubev1alpha1.SimulationStateFailed
		result = ctrl.Result{}
	}

	if _, err := r.updateStatus(ctx, sim, func(saved *simkubev1alpha1.Simulation) {
		saved.Status.State = state
		saved.Status.Message = reconcileErr.Error()
	}); err != nil {
		log.Error(err, "failed updating simulation state after reconcile error")
	}

	return result, nil
}

// updateStatus follows dscinitialization_controller.go's closure +
// RetryOnConflict pattern: re-fetch, mutate, status-update.
func (r *Reconciler) updateStatus(
	ctx context.Context,
	original *simkubev1alpha1.Simulation,
	update func(saved *simkubev1alpha1.Simulation),
) (*simkubev1alpha1.Simulation, error) {
	saved := &simkubev1alpha1.Simulation{}
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		if err := r.Client.Get(ctx, client.ObjectKeyFromObject(original), saved); err != nil {
			return err
		}
		update(saved)
		return r.Client.Status().Update(ctx, saved)
	})
	return saved, err
}

func (r *Reconciler) podServiceAccount() string {
	return os.Getenv(PodServiceAccountEnvVar)
}

func valueOrZero(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
