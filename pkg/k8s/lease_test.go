package k8s

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coordinationv1 "k8s.io/api/coordination/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

type mockLeaseClock struct{ ts int64 }

func (m *mockLeaseClock) NowTs() int64 { return m.ts }

func leaseTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	s := runtime.NewScheme()
	require.NoError(t, coordinationv1.AddToScheme(s))
	return s
}

func leaseTestOwner() OwnerRef {
	return OwnerRef{GVK: NewGVK("simkube.io", "v1alpha1", "SimulationRoot"), Name: "sim-1-root"}
}

func TestLeaseManager_TryClaim_CreatesWhenAbsent(t *testing.T) {
	cli := fake.NewClientBuilder().WithScheme(leaseTestScheme(t)).Build()
	m := NewLeaseManager(cli, "simkube-system", &mockLeaseClock{ts: 1000})

	res, err := m.TryClaim(t.Context(), "sim-1", leaseTestOwner())
	require.NoError(t, err)
	assert.Equal(t, LeaseClaimed, res.State)

	lease := &coordinationv1.Lease{}
	require.NoError(t, cli.Get(t.Context(), client.ObjectKey{Namespace: "simkube-system", Name: LeaseName}, lease))
	require.NotNil(t, lease.Spec.HolderIdentity)
	assert.Equal(t, "sim-1", *lease.Spec.HolderIdentity)
}

func TestLeaseManager_TryClaim_AlreadyHeldBySameSimIsClaimed(t *testing.T) {
	holder := "sim-1"
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: LeaseName, Namespace: "simkube-system"},
		Spec:       coordinationv1.LeaseSpec{HolderIdentity: &holder},
	}
	cli := fake.NewClientBuilder().WithScheme(leaseTestScheme(t)).WithObjects(lease).Build()
	m := NewLeaseManager(cli, "simkube-system", &mockLeaseClock{ts: 1000})

	res, err := m.TryClaim(t.Context(), "sim-1", leaseTestOwner())
	require.NoError(t, err)
	assert.Equal(t, LeaseClaimed, res.State)
}

func TestLeaseManager_TryClaim_HeldByOtherWaits(t *testing.T) {
	holder := "sim-2"
	duration := int32(30)
	renew := metav1.NewMicroTime(unixTime(1000))
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: LeaseName, Namespace: "simkube-system"},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &holder,
			LeaseDurationSeconds: &duration,
			RenewTime:            &renew,
		},
	}
	cli := fake.NewClientBuilder().WithScheme(leaseTestScheme(t)).WithObjects(lease).Build()
	m := NewLeaseManager(cli, "simkube-system", &mockLeaseClock{ts: 1010})

	res, err := m.TryClaim(t.Context(), "sim-1", leaseTestOwner())
	require.NoError(t, err)
	assert.Equal(t, LeaseWaitingForClaim, res.State)
	assert.Equal(t, int64(RetryDelaySeconds+30-10), res.RemainingSeconds)
}

func TestLeaseManager_TryClaim_TakesOverUnownedLease(t *testing.T) {
	empty := ""
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: LeaseName, Namespace: "simkube-system"},
		Spec:       coordinationv1.LeaseSpec{HolderIdentity: &empty},
	}
	cli := fake.NewClientBuilder().WithScheme(leaseTestScheme(t)).WithObjects(lease).Build()
	m := NewLeaseManager(cli, "simkube-system", &mockLeaseClock{ts: 1000})

	res, err := m.TryClaim(t.Context(), "sim-1", leaseTestOwner())
	require.NoError(t, err)
	assert.Equal(t, LeaseClaimed, res.State)

	updated := &coordinationv1.Lease{}
	require.NoError(t, cli.Get(t.Context(), client.ObjectKey{Namespace: "simkube-system", Name: LeaseName}, updated))
	assert.Equal(t, "sim-1", *updated.Spec.HolderIdentity)
}

func TestLeaseManager_TryUpdate_UpdatesDurationWhenHeldBySelf(t *testing.T) {
	holder := "sim-1"
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: LeaseName, Namespace: "simkube-system"},
		Spec:       coordinationv1.LeaseSpec{HolderIdentity: &holder},
	}
	cli := fake.NewClientBuilder().WithScheme(leaseTestScheme(t)).WithObjects(lease).Build()
	m := NewLeaseManager(cli, "simkube-system", &mockLeaseClock{ts: 1000})

	require.NoError(t, m.TryUpdate(t.Context(), "sim-1", 42))

	updated := &coordinationv1.Lease{}
	require.NoError(t, cli.Get(t.Context(), client.ObjectKey{Namespace: "simkube-system", Name: LeaseName}, updated))
	require.NotNil(t, updated.Spec.LeaseDurationSeconds)
	assert.Equal(t, int32(42), *updated.Spec.LeaseDurationSeconds)
}

func TestLeaseManager_TryUpdate_HeldByOtherErrors(t *testing.T) {
	holder := "sim-2"
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: LeaseName, Namespace: "simkube-system"},
		Spec:       coordinationv1.LeaseSpec{HolderIdentity: &holder},
	}
	cli := fake.NewClientBuilder().WithScheme(leaseTestScheme(t)).WithObjects(lease).Build()
	m := NewLeaseManager(cli, "simkube-system", &mockLeaseClock{ts: 1000})

	err := m.TryUpdate(t.Context(), "sim-1", 42)
	assert.Error(t, err)
}

func TestLeaseManager_TryUpdate_MissingLeaseErrors(t *testing.T) {
	cli := fake.NewClientBuilder().WithScheme(leaseTestScheme(t)).Build()
	m := NewLeaseManager(cli, "simkube-system", &mockLeaseClock{ts: 1000})

	err := m.TryUpdate(t.Context(), "sim-1", 42)
	assert.Error(t, err)
}

func TestLeaseManager_BuildLease(t *testing.T) {
	cli := fake.NewClientBuilder().WithScheme(leaseTestScheme(t)).Build()
	m := NewLeaseManager(cli, "simkube-system", &mockLeaseClock{ts: 1000})

	lease := m.BuildLease("sim-1", leaseTestOwner())
	assert.Equal(t, LeaseName, lease.Name)
	assert.Equal(t, "simkube-system", lease.Namespace)
	require.NotNil(t, lease.Spec.HolderIdentity)
	assert.Equal(t, "sim-1", *lease.Spec.HolderIdentity)
	assert.Equal(t, "sim-1", lease.Labels[SimulationLabelKey])
}
