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

// Command sk-driver replays an imported trace into a cluster: it fetches
// the named Simulation, imports its trace, runs a standalone admission
// webhook server alongside the replay loop, and tears the simulation
// root down on completion. Structured as a Cobra command tree (root +
// run/version), mirroring cmd/sk-ctrl's layout.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	simkubev1alpha1 "github.com/acrlabs/simkube/apis/simkube/v1alpha1"
	skwebhook "github.com/acrlabs/simkube/internal/webhook"
	"github.com/acrlabs/simkube/pkg/driver"
	"github.com/acrlabs/simkube/pkg/hooks"
	"github.com/acrlabs/simkube/pkg/k8s"
	"github.com/acrlabs/simkube/pkg/k8s/clock"
	"github.com/acrlabs/simkube/pkg/logger"
	"github.com/acrlabs/simkube/pkg/store"
	"github.com/acrlabs/simkube/pkg/version"
)

var scheme = runtime.NewScheme()

func init() { //nolint:gochecknoinits
	utilruntime.Must(corev1.AddToScheme(scheme))
	utilruntime.Must(coordinationv1.AddToScheme(scheme))
	utilruntime.Must(simkubev1alpha1.AddToScheme(scheme))
}

// webhookStartupGrace is how long the binary waits after launching the
// admission server before running PreRun hooks and starting playback,
// mirroring main.rs's fixed five-second grace before hooks::execute.
const webhookStartupGrace = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sk-driver",
		Short:         "Replay an imported trace into a cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print sk-driver's version and exit",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Print(version.Get())
		},
	}
}

type runOptions struct {
	certPath        string
	keyPath         string
	tracePath       string
	virtualNsPrefix string
	simName         string
	simNamespace    string
	rootName        string
	port            int
	verbosity       string
	controllerNs    string
	configOverrides string
	development     bool
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch, import, and replay a trace",
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.certPath, "cert-path", "", "path to the admission webhook's TLS certificate")
	flags.StringVar(&opts.keyPath, "key-path", "", "path to the admission webhook's TLS private key")
	flags.StringVar(&opts.tracePath, "trace-path", "", "path the trace is mounted or reachable at")
	flags.StringVar(&opts.virtualNsPrefix, "virtual-ns-prefix", "virtual", "prefix applied to every virtual namespace name")
	flags.StringVar(&opts.simName, "sim-name", "", "name of the Simulation being replayed")
	flags.StringVar(&opts.simNamespace, "sim-namespace", "", "namespace of the Simulation being replayed")
	flags.StringVar(&opts.rootName, "root-name", "", "name of the SimulationRoot; a short uuid suffix is generated when omitted, for standalone runs outside the controller")
	flags.IntVar(&opts.port, "port", 9443, "port the admission webhook server listens on")
	flags.StringVar(&opts.verbosity, "verbosity", "info", "log verbosity")
	flags.StringVar(&opts.controllerNs, "controller-ns", "", "namespace the simulation lease lives in")
	flags.StringVar(&opts.configOverrides, "config-overrides", "", "path to a TracerConfig merged over the trace's embedded config")
	flags.BoolVar(&opts.development, "development", false, "use development-friendly console log output")

	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		return runDriver(ctrl.SetupSignalHandler(), opts)
	}
	return cmd
}

// runDriver wires pkg/driver.Driver and internal/webhook.Mutator against
// a real cluster and runs the replay, mirroring sk-driver/src/main.rs's
// run(): launch the mutation server, wait for it to come online, run
// PreRun hooks, then race the replay loop (plus its own cleanup) against
// the mutation server terminating early.
func runDriver(ctx context.Context, opts runOptions) error {
	v := viper.New()
	v.AutomaticEnv()
	_ = v.BindEnv("config-overrides", "SIMKUBE_CONFIG_OVERRIDES")
	if opts.configOverrides == "" {
		opts.configOverrides = v.GetString("config-overrides")
	}

	ctrl.SetLogger(logger.New(opts.development))
	if err := logger.SetLevel(opts.verbosity); err != nil {
		return err
	}
	log := ctrl.Log.WithName("sk-driver")

	cfg := ctrl.GetConfigOrDie()
	cli, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("could not build client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("could not build dynamic client: %w", err)
	}
	mapper, err := buildGVKToGVR(cfg)
	if err != nil {
		return fmt.Errorf("could not build REST mapper: %w", err)
	}

	rootName := opts.rootName
	if rootName == "" {
		rootName = fmt.Sprintf("%s-root-%s", opts.simName, uuid.NewString()[:8])
	}

	lease := k8s.NewLeaseManager(cli, opts.controllerNs, clock.UTCClock{})
	drv := driver.NewDriver(cli, dyn, mapper, lease, log.WithName("runner"), clock.UTCClock{},
		opts.simName, opts.simNamespace, rootName, opts.virtualNsPrefix)
	drv.TracePathOverride = opts.tracePath

	prep, err := drv.Prepare(ctx)
	if err != nil {
		return fmt.Errorf("could not prepare driver: %w", err)
	}

	if opts.configOverrides != "" {
		overrides, err := store.LoadTracerConfig(opts.configOverrides)
		if err != nil {
			return fmt.Errorf("could not load config overrides: %w", err)
		}
		merged, err := prep.Trace.Config.MergeOverrides(overrides.TrackedObjects)
		if err != nil {
			return fmt.Errorf("could not merge config overrides: %w", err)
		}
		prep.Trace.Config = merged
		prep.Store = store.NewTraceStoreFromExported(prep.Trace)
	}

	owners := k8s.NewOwnersCache(dyn, mapper)
	mutator := skwebhook.NewMutator(log.WithName("mutator"), owners, prep.Store, clock.UTCClock{}, rootName, opts.simName, prep.Speed)
	mutator.Decoder = admission.NewDecoder(scheme)

	srv := webhook.NewServer(webhook.Options{
		Port:     opts.port,
		CertDir:  filepath.Dir(opts.certPath),
		CertName: filepath.Base(opts.certPath),
		KeyName:  filepath.Base(opts.keyPath),
	})
	mutator.Register(srv)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	webhookErrCh := make(chan error, 1)
	go func() { webhookErrCh <- srv.Start(runCtx) }()

	select {
	case <-time.After(webhookStartupGrace):
	case <-runCtx.Done():
		return runCtx.Err()
	}

	if err := hooks.Execute(runCtx, prep.Sim, hooks.PreRun); err != nil {
		cancel()
		return fmt.Errorf("PreRun hooks failed: %w", err)
	}

	runnerErrCh := make(chan error, 1)
	go func() {
		if err := drv.RunTrace(runCtx, prep); err != nil {
			runnerErrCh <- err
			return
		}
		runnerErrCh <- drv.Cleanup(runCtx)
	}()

	select {
	case err := <-webhookErrCh:
		cancel()
		return fmt.Errorf("mutation server terminated: %w", err)
	case err := <-runnerErrCh:
		cancel()
		if err != nil {
			return err
		}
	}

	return hooks.Execute(context.Background(), prep.Sim, hooks.PostRun)
}

// buildGVKToGVR backs the driver's k8s.GVKToGVR with a cached discovery
// REST mapper, per owners.go's doc comment that real callers resolve
// GVKs this way.
func buildGVKToGVR(cfg *rest.Config) (k8s.GVKToGVR, error) {
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, err
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(dc))
	return func(gvk k8s.GVK) (schema.GroupVersionResource, error) {
		mapping, err := mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
		if err != nil {
			return schema.GroupVersionResource{}, err
		}
		return mapping.Resource, nil
	}, nil
}
