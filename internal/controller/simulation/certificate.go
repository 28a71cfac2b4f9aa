package simulation

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"

	simkubev1alpha1 "github.com/acrlabs/simkube/apis/simkube/v1alpha1"
	"github.com/acrlabs/simkube/pkg/k8s"
)

// Adapted from the "full" cert-manager CRD output referenced by
// cert_manager.rs; go.mod carries no typed cert-manager client (DESIGN.md
// documents this as a dropped dependency with no pack replacement), so
// the Certificate is built and read back as unstructured JSON against
// its well-known GVK instead of a generated Go type.
const (
	driverCertName      = "sk-driver-cert"
	certManagerGroup    = "cert-manager.io"
	certManagerVersion  = "v1"
	certificateKind     = "Certificate"
	certManagerAPIVersion = certManagerGroup + "/" + certManagerVersion
)

// createCertificateIfNotPresent is create_certificate_if_not_present:
// issues the driver's TLS certificate through a cert-manager ClusterIssuer
// named by ctx.Opts.CertManagerIssuer, so the MutatingWebhookConfiguration's
// caBundle gets populated by the cert-manager CA injector.
func createCertificateIfNotPresent(
	ctx context.Context,
	c client.Client,
	simCtx *Context,
	sim *simkubev1alpha1.Simulation,
	owner k8s.OwnerRef,
) error {
	existing := &unstructured.Unstructured{}
	existing.SetAPIVersion(certManagerAPIVersion)
	existing.SetKind(certificateKind)

	err := c.Get(ctx, client.ObjectKey{Namespace: sim.Spec.Driver.Namespace, Name: driverCertName}, existing)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("could not look up driver certificate: %w", err)
	}

	meta := k8s.BuildObjectMeta(sim.Spec.Driver.Namespace, driverCertName, simCtx.Name, owner)

	cert := &unstructured.Unstructured{}
	cert.SetAPIVersion(certManagerAPIVersion)
	cert.SetKind(certificateKind)
	cert.SetNamespace(meta.Namespace)
	cert.SetName(meta.Name)
	cert.SetLabels(meta.Labels)
	cert.SetOwnerReferences(meta.OwnerReferences)

	spec := map[string]any{
		"secretName": driverCertName,
		"secretTemplate": map[string]any{
			"labels": map[string]any{k8s.SimulationLabelKey: simCtx.Name},
		},
		"issuerRef": map[string]any{
			"name": simCtx.Opts.CertManagerIssuer,
			"kind": "ClusterIssuer",
		},
		"dnsNames": []any{fmt.Sprintf("%s.%s.svc", simCtx.DriverSvc, sim.Spec.Driver.Namespace)},
	}
	if err := unstructured.SetNestedMap(cert.Object, spec, "spec"); err != nil {
		return fmt.Errorf("could not build certificate spec: %w", err)
	}

	if err := c.Create(ctx, cert); err != nil {
		return fmt.Errorf("could not create driver certificate: %w", err)
	}
	return nil
}

// findDriverCertSecret is the `secrets_api.list` step of setup_simulation:
// exactly one Secret carrying the simulation label is expected once either
// cert-manager or a pre-provisioned secret has landed.
func findDriverCertSecret(ctx context.Context, c client.Client, simCtx *Context, namespace string) (string, error) {
	var secrets corev1.SecretList
	if err := c.List(ctx, &secrets,
		client.InNamespace(namespace),
		client.MatchingLabels{k8s.SimulationLabelKey: simCtx.Name},
	); err != nil {
		return "", fmt.Errorf("could not list driver secrets: %w", err)
	}

	switch len(secrets.Items) {
	case 0:
		return "", nil
	case 1:
		return secrets.Items[0].Name, nil
	default:
		return "", fmt.Errorf("found multiple secrets for simulation %s", simCtx.Name)
	}
}
