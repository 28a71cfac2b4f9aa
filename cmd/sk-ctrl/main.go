/*
Copyright 2023.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command sk-ctrl runs the Simulation controller manager: it wires
// internal/controller/simulation.Reconciler into a controller-runtime
// manager and starts it. Structured as a Cobra command tree (root +
// run/version), grounded on GreptimeTeam-gtctl's cmd/gtctl/main.go.
package main

import (
	"fmt"
	"os"
	"strings"

	monitoringv1 "github.com/prometheus-operator/prometheus-operator/pkg/apis/monitoring/v1"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	admissionv1 "k8s.io/api/admissionregistration/v1"
	batchv1 "k8s.io/api/batch/v1"
	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	simkubev1alpha1 "github.com/acrlabs/simkube/apis/simkube/v1alpha1"
	simcontroller "github.com/acrlabs/simkube/internal/controller/simulation"
	"github.com/acrlabs/simkube/pkg/k8s/clock"
	"github.com/acrlabs/simkube/pkg/logger"
	"github.com/acrlabs/simkube/pkg/version"
)

var scheme = runtime.NewScheme()

func init() { //nolint:gochecknoinits
	utilruntime.Must(corev1.AddToScheme(scheme))
	utilruntime.Must(batchv1.AddToScheme(scheme))
	utilruntime.Must(admissionv1.AddToScheme(scheme))
	utilruntime.Must(coordinationv1.AddToScheme(scheme))
	utilruntime.Must(monitoringv1.AddToScheme(scheme))
	utilruntime.Must(simkubev1alpha1.AddToScheme(scheme))
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sk-ctrl",
		Short:         "Run the SimKube simulation controller manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print sk-ctrl's version and exit",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Print(version.Get())
		},
	}
}

func newRunCommand() *cobra.Command {
	var (
		metricsAddr          string
		probeAddr            string
		enableLeaderElection bool
		certManagerIssuer    string
		driverSecretsCSV     string
		verbosity            string
		development          bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the controller manager",
	}

	flags := cmd.Flags()
	flags.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "the address the metrics endpoint binds to")
	flags.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "the address the health probe endpoint binds to")
	flags.BoolVar(&enableLeaderElection, "leader-elect", false, "enable leader election for the controller manager")
	flags.StringVar(&certManagerIssuer, "cert-manager-issuer", "", "the cert-manager Issuer used to mint driver TLS secrets")
	flags.StringVar(&driverSecretsCSV, "driver-secrets", "", "comma-separated Secret names injected into every driver Job via envFrom")
	flags.StringVar(&verbosity, "verbosity", "info", "log verbosity passed through to provisioned driver Jobs")
	flags.BoolVar(&development, "development", false, "use development-friendly console log output")

	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		return runManager(runOptions{
			metricsAddr:          metricsAddr,
			probeAddr:            probeAddr,
			enableLeaderElection: enableLeaderElection,
			certManagerIssuer:    certManagerIssuer,
			driverSecrets:        splitNonEmpty(driverSecretsCSV),
			verbosity:            verbosity,
			development:          development,
		})
	}
	return cmd
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

type runOptions struct {
	metricsAddr          string
	probeAddr            string
	enableLeaderElection bool
	certManagerIssuer    string
	driverSecrets        []string
	verbosity            string
	development          bool
}

// runManager builds and starts the controller-runtime manager.
// ControllerNamespace comes from the environment
// (simulation.ControllerNamespaceEnvVar) rather than a flag, read
// through viper so a future config-file source can override it without
// a wiring change, matching controller.rs's ctx.opts pattern of
// threading env-derived settings alongside flag-derived ones.
func runManager(opts runOptions) error {
	v := viper.New()
	v.AutomaticEnv()
	_ = v.BindEnv("namespace", simcontroller.ControllerNamespaceEnvVar)
	ctrlNamespace := v.GetString("namespace")

	ctrl.SetLogger(logger.New(opts.development))
	if err := logger.SetLevel(opts.verbosity); err != nil {
		return err
	}
	setupLog := ctrl.Log.WithName("setup")

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                ctrlmetrics.Options{BindAddress: opts.metricsAddr},
		WebhookServer:          webhook.NewServer(webhook.Options{Port: 9443}),
		HealthProbeBindAddress: opts.probeAddr,
		LeaderElection:         opts.enableLeaderElection,
		LeaderElectionID:       "sk-ctrl-leader.simkube.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	reconciler := &simcontroller.Reconciler{
		Client:              mgr.GetClient(),
		Scheme:              mgr.GetScheme(),
		Log:                 ctrl.Log.WithName("simulation-controller"),
		Clock:               clock.UTCClock{},
		ControllerNamespace: ctrlNamespace,
		CertManagerIssuer:   opts.certManagerIssuer,
		DriverSecrets:       opts.driverSecrets,
		Verbosity:           opts.verbosity,
	}
	if err := reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Simulation")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager")
	return mgr.Start(ctrl.SetupSignalHandler())
}
