package hooks_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	simkubev1alpha1 "github.com/acrlabs/simkube/apis/simkube/v1alpha1"
	"github.com/acrlabs/simkube/pkg/hooks"
)

func TestExecute_NilHooksSpecIsNoop(t *testing.T) {
	sim := &simkubev1alpha1.Simulation{}
	err := hooks.Execute(context.Background(), sim, hooks.PreStart)
	require.NoError(t, err)
}

func TestExecute_PostStopIsAlwaysNoop(t *testing.T) {
	sim := &simkubev1alpha1.Simulation{
		Spec: simkubev1alpha1.SimulationSpec{
			Hooks: &simkubev1alpha1.HooksSpec{PreStart: []string{"exit 1"}},
		},
	}
	err := hooks.Execute(context.Background(), sim, hooks.PostStop)
	require.NoError(t, err)
}

func TestExecute_RunsCommandsInOrder(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "order")

	sim := &simkubev1alpha1.Simulation{
		Spec: simkubev1alpha1.SimulationSpec{
			Hooks: &simkubev1alpha1.HooksSpec{
				PreRun: []string{
					"echo one >> " + marker,
					"echo two >> " + marker,
				},
			},
		},
	}

	require.NoError(t, hooks.Execute(context.Background(), sim, hooks.PreRun))

	contents, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(contents))
}

func TestExecute_StopsOnFirstFailure(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "executed")

	sim := &simkubev1alpha1.Simulation{
		Spec: simkubev1alpha1.SimulationSpec{
			Hooks: &simkubev1alpha1.HooksSpec{
				PostRun: []string{
					"echo first >> " + marker,
					"exit 1",
					"echo third >> " + marker,
				},
			},
		},
	}

	err := hooks.Execute(context.Background(), sim, hooks.PostRun)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit 1")

	contents, readErr := os.ReadFile(marker)
	require.NoError(t, readErr)
	assert.Equal(t, "first\n", string(contents))
}

func TestExecute_SkipsEmptyCommands(t *testing.T) {
	sim := &simkubev1alpha1.Simulation{
		Spec: simkubev1alpha1.SimulationSpec{
			Hooks: &simkubev1alpha1.HooksSpec{PreStart: []string{"", "true", ""}},
		},
	}
	require.NoError(t, hooks.Execute(context.Background(), sim, hooks.PreStart))
}

func TestExecute_SelectsPhaseFromHooksSpec(t *testing.T) {
	sim := &simkubev1alpha1.Simulation{
		Spec: simkubev1alpha1.SimulationSpec{
			Hooks: &simkubev1alpha1.HooksSpec{
				PreStart: []string{"exit 1"},
				PreRun:   []string{"true"},
				PostRun:  []string{"true"},
			},
		},
	}

	assert.Error(t, hooks.Execute(context.Background(), sim, hooks.PreStart))
	assert.NoError(t, hooks.Execute(context.Background(), sim, hooks.PreRun))
	assert.NoError(t, hooks.Execute(context.Background(), sim, hooks.PostRun))
}
