// Package hooks runs the shell-command lifecycle hooks named in a
// Simulation's HooksSpec (PreStart/PreRun/PostRun) around the
// controller's provisioning step and the driver's replay loop.
//
// The call sites (controller.rs's hooks::execute(sim, hooks::Type::PreStart)
// and hooks::Type::PostStop, sk-driver/src/runner.rs's PreRun/PostRun
// equivalents) are present in the retrieved original_source, but the
// hooks module's own implementation (sk-core's hooks.rs) was not
// retrieved; this executes each configured command as a subprocess,
// reasoned from the []string shape of HooksSpec in spec.md §3 rather
// than transcribed from a Rust body. Sequential stop-on-first-error
// execution follows the same shape as
// pkg/controller/cloudmanager/run_hooks.go's runHooks.
package hooks

import (
	"context"
	"fmt"
	"os/exec"

	simkubev1alpha1 "github.com/acrlabs/simkube/apis/simkube/v1alpha1"
)

// Type names which phase of a Simulation's lifecycle a hook list runs in.
type Type string

const (
	PreStart Type = "PreStart"
	PreRun   Type = "PreRun"
	PostRun  Type = "PostRun"
	PostStop Type = "PostStop"
)

// Execute runs the hook commands for phase against sim's HooksSpec,
// in order, stopping at the first failure. PostStop has no
// corresponding HooksSpec field (the original exposes only
// PreStart/PreRun/PostRun); callers that want best-effort cleanup hooks
// run them and log the error rather than propagating it, as
// cleanup_simulation does.
func Execute(ctx context.Context, sim *simkubev1alpha1.Simulation, phase Type) error {
	if sim.Spec.Hooks == nil {
		return nil
	}

	var cmds []string
	switch phase {
	case PreStart:
		cmds = sim.Spec.Hooks.PreStart
	case PreRun:
		cmds = sim.Spec.Hooks.PreRun
	case PostRun:
		cmds = sim.Spec.Hooks.PostRun
	case PostStop:
		return nil
	}

	for _, cmd := range cmds {
		if cmd == "" {
			continue
		}
		c := exec.CommandContext(ctx, "sh", "-c", cmd)
		if out, err := c.CombinedOutput(); err != nil {
			return fmt.Errorf("hook %q failed: %w: %s", cmd, err, out)
		}
	}
	return nil
}
