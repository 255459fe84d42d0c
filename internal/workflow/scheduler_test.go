package workflow_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/workflow"
)

const (
	pushEventRefConstant    = "refs/heads/main"
	toolchainWorkflowSource = `name: CI
on:
  push:
    branches: [main]
  pull_request:
jobs:
  build:
    runs-on: ubuntu-latest
    strategy:
      matrix:
        toolchain: [stable, beta, nightly]
    steps:
      - name: build
        run: cargo +${{ matrix.toolchain }} build
      - name: test
        run: cargo +${{ matrix.toolchain }} test
`
	formatWorkflowSource = toolchainWorkflowSource + `  fmt:
    runs-on: ubuntu-latest
    steps:
      - run: cargo fmt --check
`
	dependentWorkflowSource = `on: push
jobs:
  build:
    steps:
      - run: make build
  package:
    needs: build
    strategy:
      matrix:
        os: [linux, macos]
    steps:
      - run: make package
  docs:
    steps:
      - run: make docs
`
	wideWorkflowSource = `on: push
jobs:
  shard:
    strategy:
      matrix:
        index: [1, 2, 3, 4, 5, 6]
    steps:
      - run: shard ${{ matrix.index }}
`
	throttledWorkflowSource = `on: push
jobs:
  shard:
    strategy:
      max-parallel: 1
      matrix:
        index: [1, 2, 3]
    steps:
      - run: shard ${{ matrix.index }}
`
)

func parseTestDefinition(testInstance *testing.T, source string) *workflow.Definition {
	testInstance.Helper()
	definition, parseError := workflow.ParseDefinition("ci.yaml", []byte(source))
	require.NoError(testInstance, parseError)
	return definition
}

func newTestScheduler(testInstance *testing.T, runner execshell.CommandRunner, options workflow.RuntimeOptions) *workflow.Scheduler {
	testInstance.Helper()
	if options.BaseEnvironment == nil {
		options.BaseEnvironment = map[string]string{"PATH": "/usr/bin"}
	}
	scheduler, schedulerError := workflow.NewScheduler(workflow.Dependencies{
		Logger:        zap.NewNop(),
		CommandRunner: runner,
		Clock:         fixedClock,
		RunIdentifier: fixedRunIdentifier,
	}, options)
	require.NoError(testInstance, schedulerError)
	return scheduler
}

func pushEvent() workflow.Event {
	return workflow.Event{Kind: workflow.TriggerKindPush, Ref: pushEventRefConstant}
}

func jobStatuses(run workflow.Run) map[string]workflow.Status {
	statuses := make(map[string]workflow.Status, len(run.Jobs))
	for _, job := range run.Jobs {
		statuses[job.InstanceName] = job.Status
	}
	return statuses
}

func TestSchedulerRunsMatrixInstances(testInstance *testing.T) {
	runner := newSpyCommandRunner(nil)
	scheduler := newTestScheduler(testInstance, runner, workflow.RuntimeOptions{})

	run, runError := scheduler.RunWorkflow(context.Background(), parseTestDefinition(testInstance, toolchainWorkflowSource), pushEvent())
	require.NoError(testInstance, runError)

	require.Equal(testInstance, workflow.RunStatusSucceeded, run.Status)
	require.True(testInstance, run.Succeeded())
	require.Equal(testInstance, "run-0001", run.Identifier)
	require.Equal(testInstance, "CI", run.WorkflowName)
	require.Len(testInstance, run.Jobs, 3)
	require.Equal(testInstance, "build (stable)", run.Jobs[0].InstanceName)
	require.Equal(testInstance, "build (beta)", run.Jobs[1].InstanceName)
	require.Equal(testInstance, "build (nightly)", run.Jobs[2].InstanceName)

	stepCount := 0
	for _, job := range run.Jobs {
		require.Equal(testInstance, workflow.StatusSucceeded, job.Status)
		for _, step := range job.Steps {
			require.Equal(testInstance, workflow.StatusSucceeded, step.Status)
			stepCount++
		}
	}
	require.Equal(testInstance, 6, stepCount)
	require.Len(testInstance, runner.recordedCommands(), 6)
}

func TestSchedulerIsolatesFailingInstance(testInstance *testing.T) {
	runner := newSpyCommandRunner(map[string]execshell.ExecutionResult{
		"cargo +beta test": {ExitCode: 1, CombinedOutput: "assertion failed\n"},
	})
	scheduler := newTestScheduler(testInstance, runner, workflow.RuntimeOptions{})

	run, runError := scheduler.RunWorkflow(context.Background(), parseTestDefinition(testInstance, toolchainWorkflowSource), pushEvent())
	require.NoError(testInstance, runError)

	require.Equal(testInstance, workflow.RunStatusFailed, run.Status)
	require.Equal(testInstance, map[string]workflow.Status{
		"build (stable)":  workflow.StatusSucceeded,
		"build (beta)":    workflow.StatusFailed,
		"build (nightly)": workflow.StatusSucceeded,
	}, jobStatuses(run))

	betaSteps := run.Jobs[1].Steps
	require.Equal(testInstance, workflow.StatusSucceeded, betaSteps[0].Status)
	require.Equal(testInstance, workflow.StatusFailed, betaSteps[1].Status)
	require.Equal(testInstance, 1, betaSteps[1].ExitCode)
}

func TestSchedulerRunsIndependentJobsDespiteFailure(testInstance *testing.T) {
	runner := newSpyCommandRunner(map[string]execshell.ExecutionResult{
		"cargo fmt --check": {ExitCode: 1, CombinedOutput: "Diff in src/lib.rs\n"},
	})
	scheduler := newTestScheduler(testInstance, runner, workflow.RuntimeOptions{})

	run, runError := scheduler.RunWorkflow(context.Background(), parseTestDefinition(testInstance, formatWorkflowSource), pushEvent())
	require.NoError(testInstance, runError)

	require.Equal(testInstance, workflow.RunStatusFailed, run.Status)
	require.Len(testInstance, run.Jobs, 4)
	require.Equal(testInstance, "fmt", run.Jobs[3].InstanceName)
	require.Equal(testInstance, workflow.StatusFailed, run.Jobs[3].Status)
	for _, job := range run.Jobs[:3] {
		require.Equal(testInstance, workflow.StatusSucceeded, job.Status)
	}
	require.Len(testInstance, runner.recordedCommands(), 7)
}

func TestSchedulerReportsNotTriggered(testInstance *testing.T) {
	runner := newSpyCommandRunner(nil)
	scheduler := newTestScheduler(testInstance, runner, workflow.RuntimeOptions{})

	run, runError := scheduler.RunWorkflow(
		context.Background(),
		parseTestDefinition(testInstance, toolchainWorkflowSource),
		workflow.Event{Kind: workflow.TriggerKindSchedule},
	)
	require.NoError(testInstance, runError)

	require.Equal(testInstance, workflow.RunStatusNotTriggered, run.Status)
	require.Empty(testInstance, run.Jobs)
	require.Empty(testInstance, runner.recordedCommands())
}

func TestSchedulerSkipsDependentsOfFailedJobs(testInstance *testing.T) {
	testCases := []struct {
		name             string
		responses        map[string]execshell.ExecutionResult
		expectedStatuses map[string]workflow.Status
		expectedCommands int
	}{
		{
			name: "dependency succeeded",
			expectedStatuses: map[string]workflow.Status{
				"build":           workflow.StatusSucceeded,
				"package (linux)": workflow.StatusSucceeded,
				"package (macos)": workflow.StatusSucceeded,
				"docs":            workflow.StatusSucceeded,
			},
			expectedCommands: 4,
		},
		{
			name:      "dependency failed",
			responses: map[string]execshell.ExecutionResult{"make build": {ExitCode: 2}},
			expectedStatuses: map[string]workflow.Status{
				"build":           workflow.StatusFailed,
				"package (linux)": workflow.StatusSkipped,
				"package (macos)": workflow.StatusSkipped,
				"docs":            workflow.StatusSucceeded,
			},
			expectedCommands: 2,
		},
	}

	for testCaseIndex := range testCases {
		testCase := testCases[testCaseIndex]
		testInstance.Run(testCase.name, func(subtest *testing.T) {
			runner := newSpyCommandRunner(testCase.responses)
			scheduler := newTestScheduler(subtest, runner, workflow.RuntimeOptions{})

			run, runError := scheduler.RunWorkflow(context.Background(), parseTestDefinition(subtest, dependentWorkflowSource), pushEvent())
			require.NoError(subtest, runError)
			require.Equal(subtest, testCase.expectedStatuses, jobStatuses(run))
			require.Len(subtest, runner.recordedCommands(), testCase.expectedCommands)

			require.Equal(subtest, []string{"build", "package (linux)", "package (macos)", "docs"}, []string{
				run.Jobs[0].InstanceName, run.Jobs[1].InstanceName, run.Jobs[2].InstanceName, run.Jobs[3].InstanceName,
			})
			if run.Jobs[1].Status == workflow.StatusSkipped {
				require.Equal(subtest, `dependency "build" did not succeed`, run.Jobs[1].Reason)
				require.Equal(subtest, workflow.StatusSkipped, run.Jobs[1].Steps[0].Status)
			}
		})
	}
}

func TestSchedulerBoundsConcurrency(testInstance *testing.T) {
	testCases := []struct {
		name            string
		source          string
		maxParallel     int
		expectedPeakMax int32
	}{
		{name: "global bound", source: wideWorkflowSource, maxParallel: 2, expectedPeakMax: 2},
		{name: "per job bound", source: throttledWorkflowSource, maxParallel: 0, expectedPeakMax: 1},
	}

	for testCaseIndex := range testCases {
		testCase := testCases[testCaseIndex]
		testInstance.Run(testCase.name, func(subtest *testing.T) {
			runner := newSpyCommandRunner(nil)
			runner.delay = 20 * time.Millisecond
			scheduler := newTestScheduler(subtest, runner, workflow.RuntimeOptions{MaxParallel: testCase.maxParallel})

			run, runError := scheduler.RunWorkflow(context.Background(), parseTestDefinition(subtest, testCase.source), pushEvent())
			require.NoError(subtest, runError)
			require.Equal(subtest, workflow.RunStatusSucceeded, run.Status)
			require.LessOrEqual(subtest, runner.peak.Load(), testCase.expectedPeakMax)
			require.GreaterOrEqual(subtest, runner.peak.Load(), int32(1))
		})
	}
}

const mixedBoundsWorkflowSource = `on: push
jobs:
  shard:
    strategy:
      max-parallel: 1
      matrix:
        index: [1, 2, 3]
    steps:
      - run: shard ${{ matrix.index }}
  lint:
    steps:
      - run: lint
`

// rendezvousCommandRunner fails a shard that cannot observe lint running
// alongside it.
type rendezvousCommandRunner struct {
	lintStarted chan struct{}
	startOnce   sync.Once
	mutex       sync.Mutex
	shardOrder  []string
}

func (runner *rendezvousCommandRunner) Run(_ context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error) {
	script := scriptOf(command)
	if !strings.HasPrefix(script, "shard") {
		runner.startOnce.Do(func() { close(runner.lintStarted) })
		return execshell.ExecutionResult{}, nil
	}

	runner.mutex.Lock()
	runner.shardOrder = append(runner.shardOrder, script)
	runner.mutex.Unlock()

	select {
	case <-runner.lintStarted:
		return execshell.ExecutionResult{}, nil
	case <-time.After(2 * time.Second):
		return execshell.ExecutionResult{ExitCode: 1, CombinedOutput: "lint never ran alongside\n"}, nil
	}
}

func TestSchedulerJobBoundDoesNotStarveOtherJobs(testInstance *testing.T) {
	runner := &rendezvousCommandRunner{lintStarted: make(chan struct{})}
	scheduler := newTestScheduler(testInstance, runner, workflow.RuntimeOptions{MaxParallel: 2})

	run, runError := scheduler.RunWorkflow(context.Background(), parseTestDefinition(testInstance, mixedBoundsWorkflowSource), pushEvent())
	require.NoError(testInstance, runError)
	require.Equal(testInstance, workflow.RunStatusSucceeded, run.Status)
	require.Equal(testInstance, []string{"shard 1", "shard 2", "shard 3"}, runner.shardOrder)
}

func TestSchedulerRunTimeoutCancelsAndSkips(testInstance *testing.T) {
	runner := &blockingCommandRunner{}
	scheduler := newTestScheduler(testInstance, runner, workflow.RuntimeOptions{MaxParallel: 1, RunTimeout: 100 * time.Millisecond})

	run, runError := scheduler.RunWorkflow(context.Background(), parseTestDefinition(testInstance, toolchainWorkflowSource), pushEvent())
	require.NoError(testInstance, runError)

	require.Equal(testInstance, workflow.RunStatusFailed, run.Status)
	require.Equal(testInstance, int32(1), runner.started.Load())

	require.Equal(testInstance, workflow.StatusFailed, run.Jobs[0].Status)
	require.Equal(testInstance, workflow.MarkerCancelled, run.Jobs[0].Steps[0].Marker)
	require.Equal(testInstance, workflow.StatusSkipped, run.Jobs[0].Steps[1].Status)
	for _, job := range run.Jobs[1:] {
		require.Equal(testInstance, workflow.StatusSkipped, job.Status)
		require.Equal(testInstance, "run cancelled", job.Reason)
	}
}

func TestSchedulerValidatesInputs(testInstance *testing.T) {
	_, negativeError := workflow.NewScheduler(workflow.Dependencies{Logger: zap.NewNop(), CommandRunner: newSpyCommandRunner(nil)}, workflow.RuntimeOptions{MaxParallel: -1})
	require.ErrorIs(testInstance, negativeError, workflow.ErrNegativeParallelism)

	scheduler := newTestScheduler(testInstance, newSpyCommandRunner(nil), workflow.RuntimeOptions{})
	_, definitionError := scheduler.RunWorkflow(context.Background(), nil, pushEvent())
	require.ErrorIs(testInstance, definitionError, workflow.ErrDefinitionMissing)

	emptyAxis := &workflow.Definition{
		Name:     "broken",
		Triggers: []workflow.TriggerRule{{Kind: workflow.TriggerKindPush}},
		Jobs: []workflow.Job{{
			Identifier: "build",
			Name:       "build",
			Matrix:     []workflow.MatrixAxis{{Name: "os"}},
			Steps:      []workflow.Step{{Action: workflow.RunCommand{Script: "make"}}},
		}},
	}
	_, expansionError := scheduler.RunWorkflow(context.Background(), emptyAxis, pushEvent())
	var configurationError workflow.ConfigurationError
	require.ErrorAs(testInstance, expansionError, &configurationError)
}
