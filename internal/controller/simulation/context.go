// Package simulation implements the Simulation reconciler: the state
// machine of spec.md §4.5 that owns a simulation's lifecycle, claims the
// mutual-exclusion lease, and provisions the driver Job and its
// supporting objects. Grounded on
// original_source/sk-ctrl/src/controller.rs and
// original_source/sk-ctrl/src/objects.rs, adapted onto
// sigs.k8s.io/controller-runtime's Reconciler interface in the idiom of
// controllers/dscinitialization/dscinitialization_controller.go.
package simulation

import (
	"fmt"

	simkubev1alpha1 "github.com/acrlabs/simkube/apis/simkube/v1alpha1"
)

// Environment variable names read at controller startup; analogous to
// CTRL_NS_ENV_VAR/POD_SVC_ACCOUNT_ENV_VAR/DRIVER_NAME_ENV_VAR in
// controller.rs/objects.rs, whose definitions live outside the retrieved
// original_source (in sk-core's constants module).
const (
	ControllerNamespaceEnvVar = "CTRL_NAMESPACE"
	PodServiceAccountEnvVar   = "POD_SVC_ACCOUNT"
	DriverNameEnvVar          = "SIMKUBE_DRIVER_NAME"
)

// Options carries the controller-wide, operator-configured settings that
// controller.rs threads through as ctx.opts (cert-manager integration,
// injected driver secrets, and driver log verbosity).
type Options struct {
	UseCertManager    bool
	CertManagerIssuer string
	DriverSecrets     []string
	Verbosity         string
}

// Context precomputes the derived object names a single Simulation's
// reconciliation needs, mirroring controller.rs's SimulationContext
// (ctx.name, ctx.metarootName, ctx.driverName, ...). It is rebuilt once
// per Reconcile call rather than cached, since every field is a pure
// function of the Simulation's name and namespace.
type Context struct {
	Name             string
	Namespace        string
	MetarootName     string
	DriverName       string
	DriverSvc        string
	WebhookName      string
	PrometheusName   string
	ControllerNs     string
	Opts             Options
}

// NewContext derives a reconciliation Context for sim.
func NewContext(sim *simkubev1alpha1.Simulation, ctrlNamespace string, opts Options) *Context {
	name := sim.GetName()
	return &Context{
		Name:           name,
		Namespace:      sim.GetNamespace(),
		MetarootName:   fmt.Sprintf("%s-root", name),
		DriverName:     fmt.Sprintf("%s-driver", name),
		DriverSvc:      fmt.Sprintf("%s-driver", name),
		WebhookName:    "mutatepods.simkube.io",
		PrometheusName: fmt.Sprintf("%s-prometheus", name),
		ControllerNs:   ctrlNamespace,
		Opts:           opts,
	}
}

// MetricsNamespace is metrics_ns(sim) from objects.rs/controller.rs: the
// namespace the user is expected to have pre-created to host the
// Prometheus object and its ServiceMonitor/PodMonitor selection.
//
// Its Rust body wasn't present in the retrieved original_source (only
// call sites in controller.rs/objects.rs); this implementation is
// reasoned from spec.md §4.5 step 2 ("verify metrics namespace exists")
// and from the driver-namespace naming convention objects.rs does show.
func MetricsNamespace(sim *simkubev1alpha1.Simulation) string {
	return fmt.Sprintf("%s-metrics", sim.GetName())
}

// MetricsServiceAccount is metrics_svc_account(sim): the ServiceAccount
// name the provisioned Prometheus object runs as. Same retrieval gap as
// MetricsNamespace above — reasoned from call-site usage in objects.rs's
// build_prometheus, not transcribed from a Rust body.
func MetricsServiceAccount(sim *simkubev1alpha1.Simulation) string {
	return fmt.Sprintf("%s-prometheus", sim.GetName())
}

// IsTerminal reports whether state is a stopping point for the
// reconciler's requeue loop (is_terminal in controller.rs).
func IsTerminal(state simkubev1alpha1.SimulationState) bool {
	return state == simkubev1alpha1.SimulationStateFinished || state == simkubev1alpha1.SimulationStateFailed
}
