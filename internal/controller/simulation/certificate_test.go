package simulation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/acrlabs/simkube/pkg/k8s"
)

func TestFindDriverCertSecret_NoneFound(t *testing.T) {
	sim := newTestSim("sim-1", "sims")
	simCtx := NewContext(sim, "ctrl-ns", Options{})
	cli := fake.NewClientBuilder().WithScheme(testScheme(t)).Build()

	name, err := findDriverCertSecret(t.Context(), cli, simCtx, "driver-ns")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestFindDriverCertSecret_FindsLabelledSecret(t *testing.T) {
	sim := newTestSim("sim-1", "sims")
	simCtx := NewContext(sim, "ctrl-ns", Options{})

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "sk-driver-cert",
			Namespace: "driver-ns",
			Labels:    map[string]string{k8s.SimulationLabelKey: "sim-1"},
		},
	}
	cli := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(secret).Build()

	name, err := findDriverCertSecret(t.Context(), cli, simCtx, "driver-ns")
	require.NoError(t, err)
	assert.Equal(t, "sk-driver-cert", name)
}

func TestFindDriverCertSecret_MultipleSecretsIsAnError(t *testing.T) {
	sim := newTestSim("sim-1", "sims")
	simCtx := NewContext(sim, "ctrl-ns", Options{})

	labels := map[string]string{k8s.SimulationLabelKey: "sim-1"}
	s1 := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "cert-a", Namespace: "driver-ns", Labels: labels}}
	s2 := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "cert-b", Namespace: "driver-ns", Labels: labels}}
	cli := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(s1, s2).Build()

	_, err := findDriverCertSecret(t.Context(), cli, simCtx, "driver-ns")
	assert.Error(t, err)
}
