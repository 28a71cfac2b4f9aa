// Package k8s's lease.go implements single-active-simulation mutual
// exclusion via a coordination.k8s.io/v1 Lease, per spec.md §4.6.
//
// Open Question (spec.md §9): the lease is scoped per controller
// namespace, so two simulations running against controllers in
// different namespaces are not mutually excluded. This mirrors the
// original's design and is a documented limitation, not an oversight.
package k8s

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/acrlabs/simkube/pkg/errs"
)

// LeaseName is the fixed name of the single coordination Lease used for
// mutual exclusion among simulations sharing a controller namespace.
const LeaseName = "simkube"

// RetryDelaySeconds pads the lease's duration when computing how long a
// blocked claimant should wait before retrying.
const RetryDelaySeconds = 5

// LeaseClaimState is the result of a TryClaim call.
type LeaseClaimState int

const (
	LeaseUnknown LeaseClaimState = iota
	LeaseClaimed
	LeaseWaitingForClaim
)

// ClaimResult carries the claim state and, when waiting, how many
// seconds the caller should requeue after.
type ClaimResult struct {
	State     LeaseClaimState
	RemainingSeconds int64
}

var leaseClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "simkube_lease_claims_total",
	Help: "Count of lease claim attempts by outcome.",
}, []string{"outcome"})

func init() {
	metricsRegisterOnce(leaseClaimsTotal)
}

// LeaseManager claims and renews the mutual-exclusion lease for a single
// controller namespace.
type LeaseManager struct {
	client    client.Client
	namespace string
	clock     Clock
}

// Clock is the minimal time source LeaseManager needs; satisfied by
// pkg/k8s/clock.Clock's NowTs, kept narrow here to avoid an import
// cycle between the two small packages.
type Clock interface {
	NowTs() int64
}

// NewLeaseManager builds a LeaseManager scoped to namespace.
func NewLeaseManager(c client.Client, namespace string, clock Clock) *LeaseManager {
	return &LeaseManager{client: c, namespace: namespace, clock: clock}
}

// BuildLease constructs the Lease object for simName, owned by metaroot.
func (m *LeaseManager) BuildLease(simName string, owner OwnerRef) *coordinationv1.Lease {
	now := metav1.NewMicroTime(unixTime(m.clock.NowTs()))
	meta := BuildObjectMeta(m.namespace, LeaseName, simName, owner)
	return &coordinationv1.Lease{
		ObjectMeta: meta,
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity: &simName,
			AcquireTime:    &now,
			RenewTime:      &now,
		},
	}
}

// TryClaim implements the claim/takeover rules of spec.md §4.6: absent
// or unowned leases are taken; a lease already held by simName counts as
// claimed; a lease held by someone else yields WaitingForClaim with the
// remaining time clamped to [RetryDelaySeconds, inf).
func (m *LeaseManager) TryClaim(ctx context.Context, simName string, owner OwnerRef) (ClaimResult, error) {
	existing := &coordinationv1.Lease{}
	err := m.client.Get(ctx, client.ObjectKey{Namespace: m.namespace, Name: LeaseName}, existing)

	switch {
	case apierrors.IsNotFound(err):
		lease := m.BuildLease(simName, owner)
		if err := m.client.Create(ctx, lease); err != nil {
			leaseClaimsTotal.WithLabelValues("error").Inc()
			return ClaimResult{}, errors.Wrap(err, "could not create lease")
		}
		leaseClaimsTotal.WithLabelValues("claimed").Inc()
		return ClaimResult{State: LeaseClaimed}, nil

	case err != nil:
		leaseClaimsTotal.WithLabelValues("error").Inc()
		return ClaimResult{}, errors.Wrap(err, "could not get lease")

	case existing.Spec.HolderIdentity == nil || *existing.Spec.HolderIdentity == "":
		lease := m.BuildLease(simName, owner)
		lease.ResourceVersion = existing.ResourceVersion
		if err := m.client.Update(ctx, lease); err != nil {
			leaseClaimsTotal.WithLabelValues("error").Inc()
			return ClaimResult{}, errors.Wrap(err, "could not take over unowned lease")
		}
		leaseClaimsTotal.WithLabelValues("claimed").Inc()
		return ClaimResult{State: LeaseClaimed}, nil

	case *existing.Spec.HolderIdentity == simName:
		leaseClaimsTotal.WithLabelValues("claimed").Inc()
		return ClaimResult{State: LeaseClaimed}, nil

	default:
		remaining := computeRemainingLeaseTime(existing.Spec.LeaseDurationSeconds, existing.Spec.RenewTime, m.clock.NowTs())
		leaseClaimsTotal.WithLabelValues("waiting").Inc()
		return ClaimResult{State: LeaseWaitingForClaim, RemainingSeconds: remaining}, nil
	}
}

// TryUpdate merge-patches the lease's duration and renew time, failing
// with ErrLeaseHeldByOther if another simulation currently holds it.
func (m *LeaseManager) TryUpdate(ctx context.Context, simName string, newDurationSeconds int32) error {
	existing := &coordinationv1.Lease{}
	if err := m.client.Get(ctx, client.ObjectKey{Namespace: m.namespace, Name: LeaseName}, existing); err != nil {
		return errors.Wrap(err, "could not get lease")
	}

	if existing.Spec.HolderIdentity != nil && *existing.Spec.HolderIdentity != simName {
		return errors.Wrapf(errs.ErrLeaseHeldByOther, "lease held by %s", *existing.Spec.HolderIdentity)
	}

	now := metav1.NewMicroTime(unixTime(m.clock.NowTs()))
	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{
			"leaseDurationSeconds": newDurationSeconds,
			"renewTime":            now,
		},
	})
	if err != nil {
		return errors.Wrap(err, "could not marshal lease patch")
	}

	if err := m.client.Patch(ctx, existing, client.RawPatch(patchTypeMerge, patch)); err != nil {
		return errors.Wrap(err, "could not patch lease")
	}
	return nil
}

func computeRemainingLeaseTime(durationSeconds *int32, renewTime *metav1.MicroTime, nowTs int64) int64 {
	duration := int64(RetryDelaySeconds)
	if durationSeconds != nil {
		duration += int64(*durationSeconds)
	}
	renew := nowTs
	if renewTime != nil {
		renew = renewTime.Time.Unix()
	}

	remaining := renew + duration - nowTs
	if remaining < RetryDelaySeconds {
		return RetryDelaySeconds
	}
	return remaining
}
