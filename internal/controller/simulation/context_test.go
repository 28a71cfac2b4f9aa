package simulation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	simkubev1alpha1 "github.com/acrlabs/simkube/apis/simkube/v1alpha1"
)

func newTestSim(name, namespace string) *simkubev1alpha1.Simulation {
	return &simkubev1alpha1.Simulation{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: simkubev1alpha1.SimulationSpec{
			Driver: simkubev1alpha1.DriverSpec{Namespace: "driver-ns"},
		},
	}
}

func TestNewContext(t *testing.T) {
	sim := newTestSim("sim-1", "sims")
	ctx := NewContext(sim, "ctrl-ns", Options{UseCertManager: true, Verbosity: "debug"})

	assert.Equal(t, "sim-1", ctx.Name)
	assert.Equal(t, "sim-1-root", ctx.MetarootName)
	assert.Equal(t, "sim-1-driver", ctx.DriverName)
	assert.Equal(t, "sim-1-driver", ctx.DriverSvc)
	assert.Equal(t, "sim-1-prometheus", ctx.PrometheusName)
	assert.Equal(t, "mutatepods.simkube.io", ctx.WebhookName)
	assert.Equal(t, "ctrl-ns", ctx.ControllerNs)
	assert.True(t, ctx.Opts.UseCertManager)
	assert.Equal(t, "debug", ctx.Opts.Verbosity)
}

func TestMetricsNamespaceAndServiceAccount(t *testing.T) {
	sim := newTestSim("sim-1", "sims")
	assert.Equal(t, "sim-1-metrics", MetricsNamespace(sim))
	assert.Equal(t, "sim-1-prometheus", MetricsServiceAccount(sim))
}

func TestIsTerminal(t *testing.T) {
	cases := map[simkubev1alpha1.SimulationState]bool{
		simkubev1alpha1.SimulationStateInitializing: false,
		simkubev1alpha1.SimulationStateBlocked:      false,
		simkubev1alpha1.SimulationStateRunning:      false,
		simkubev1alpha1.SimulationStatePaused:       false,
		simkubev1alpha1.SimulationStateRetrying:     false,
		simkubev1alpha1.SimulationStateFinished:     true,
		simkubev1alpha1.SimulationStateFailed:       true,
	}
	for state, want := range cases {
		assert.Equal(t, want, IsTerminal(state), "state %s", state)
	}
}
