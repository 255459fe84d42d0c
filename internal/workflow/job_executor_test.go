package workflow_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/workflow"
)

const (
	checkoutScriptConstant  = "git checkout --force \"$INPUT_REF\""
	buildScriptConstant     = "cargo build"
	testScriptConstant      = "cargo test"
	packageScriptConstant   = "cargo package"
	executorTestRunIdentity = "run-0001"
)

func newTestJobExecutor(testInstance *testing.T, runner execshell.CommandRunner, options workflow.RuntimeOptions, liveOutput *bytes.Buffer) (*workflow.JobExecutor, *observer.ObservedLogs) {
	testInstance.Helper()
	observerCore, observedLogs := observer.New(zapcore.DebugLevel)
	dependencies := workflow.Dependencies{
		Logger:        zap.New(observerCore),
		CommandRunner: runner,
		Actions:       workflow.NewActionCatalog([]workflow.ActionDefinition{{Uses: "actions/checkout", Run: checkoutScriptConstant}}),
		Clock:         fixedClock,
	}
	if liveOutput != nil {
		dependencies.LiveOutput = liveOutput
	}
	executor, executorError := workflow.NewJobExecutor(dependencies, options)
	require.NoError(testInstance, executorError)
	return executor, observedLogs
}

func testScope() workflow.ExecutionScope {
	return workflow.ExecutionScope{
		RunIdentifier: executorTestRunIdentity,
		WorkflowName:  "CI",
		Event:         workflow.Event{Kind: workflow.TriggerKindPush, Ref: "refs/heads/main"},
		Environment:   map[string]string{"PATH": "/usr/bin", "SHARED": "workflow", "MATRIX_OS": "spoofed"},
	}
}

func rustJobInstance() workflow.JobInstance {
	return workflow.JobInstance{
		Job: workflow.Job{
			Identifier:  "build",
			Name:        "build",
			RunsOn:      "ubuntu-latest",
			Environment: map[string]string{"SHARED": "job", "JOB_ONLY": "job"},
			Steps: []workflow.Step{
				{Action: workflow.UseAction{Reference: "actions/checkout@v4", Inputs: map[string]string{"ref": "main", "fetch-depth": "0"}}},
				{Name: "Build", Action: workflow.RunCommand{Script: buildScriptConstant}, Environment: map[string]string{"SHARED": "step"}},
				{Name: "Test", Action: workflow.RunCommand{Script: testScriptConstant}},
				{Name: "Package", Action: workflow.RunCommand{Script: packageScriptConstant}},
			},
		},
		Assignment: []workflow.MatrixValue{{Axis: "os", Value: "linux"}},
		Name:       "build (linux)",
		Index:      2,
	}
}

func TestNewJobExecutorValidatesDependencies(testInstance *testing.T) {
	_, missingLogger := workflow.NewJobExecutor(workflow.Dependencies{CommandRunner: newSpyCommandRunner(nil)}, workflow.RuntimeOptions{})
	require.ErrorIs(testInstance, missingLogger, workflow.ErrLoggerMissing)

	_, missingRunner := workflow.NewJobExecutor(workflow.Dependencies{Logger: zap.NewNop()}, workflow.RuntimeOptions{})
	require.ErrorIs(testInstance, missingRunner, workflow.ErrCommandRunnerMissing)
}

func TestJobExecutorRunsStepsInOrder(testInstance *testing.T) {
	runner := newSpyCommandRunner(map[string]execshell.ExecutionResult{
		buildScriptConstant: {CombinedOutput: "compiled\n"},
	})
	executor, observedLogs := newTestJobExecutor(testInstance, runner, workflow.RuntimeOptions{}, nil)

	result := executor.Execute(context.Background(), rustJobInstance(), testScope())

	require.Equal(testInstance, workflow.StatusSucceeded, result.Status)
	require.Equal(testInstance, "build (linux)", result.InstanceName)
	require.Equal(testInstance, "ubuntu-latest", result.RunsOn)
	require.Equal(testInstance, fixedTestTime, result.StartedAt)
	require.Equal(testInstance, fixedTestTime, result.FinishedAt)
	require.Len(testInstance, result.Steps, 4)
	for stepIndex, step := range result.Steps {
		require.Equal(testInstance, stepIndex, step.Index)
		require.Equal(testInstance, workflow.StatusSucceeded, step.Status)
		require.Equal(testInstance, workflow.MarkerNone, step.Marker)
	}
	require.Equal(testInstance, "actions/checkout@v4", result.Steps[0].Name)
	require.Equal(testInstance, "compiled\n", result.Steps[1].Output)

	require.Equal(testInstance, []string{checkoutScriptConstant, buildScriptConstant, testScriptConstant, packageScriptConstant}, runner.recordedScripts())

	commands := runner.recordedCommands()
	require.Equal(testInstance, execshell.CommandName("bash"), commands[0].Name)
	require.Equal(testInstance, []string{"--noprofile", "--norc", "-eo", "pipefail", "-c", checkoutScriptConstant}, commands[0].Details.Arguments)

	checkoutEnvironment := commands[0].Details.EnvironmentVariables
	require.Equal(testInstance, "main", checkoutEnvironment["INPUT_REF"])
	require.Equal(testInstance, "0", checkoutEnvironment["INPUT_FETCH_DEPTH"])
	require.Equal(testInstance, "job", checkoutEnvironment["SHARED"])
	require.Equal(testInstance, "linux", checkoutEnvironment["MATRIX_OS"])
	require.Equal(testInstance, "/usr/bin", checkoutEnvironment["PATH"])
	require.Equal(testInstance, "true", checkoutEnvironment["CI"])
	require.Equal(testInstance, "CI", checkoutEnvironment["CIFLOW_WORKFLOW"])
	require.Equal(testInstance, "build", checkoutEnvironment["CIFLOW_JOB"])
	require.Equal(testInstance, "build (linux)", checkoutEnvironment["CIFLOW_JOB_INSTANCE"])
	require.Equal(testInstance, "push", checkoutEnvironment["CIFLOW_EVENT"])
	require.Equal(testInstance, "refs/heads/main", checkoutEnvironment["CIFLOW_REF"])
	require.Equal(testInstance, executorTestRunIdentity, checkoutEnvironment["CIFLOW_RUN_ID"])
	require.Equal(testInstance, "2", checkoutEnvironment["CIFLOW_MATRIX_INDEX"])

	buildEnvironment := commands[1].Details.EnvironmentVariables
	require.Equal(testInstance, "step", buildEnvironment["SHARED"])
	require.Equal(testInstance, "job", buildEnvironment["JOB_ONLY"])
	require.NotContains(testInstance, buildEnvironment, "INPUT_REF")

	stepLogs := observedLogs.FilterMessage("job instance finished").All()
	require.Len(testInstance, stepLogs, 1)
	require.Equal(testInstance, executorTestRunIdentity, stepLogs[0].ContextMap()["run_id"])
	require.Equal(testInstance, "succeeded", stepLogs[0].ContextMap()["status"])
}

func TestJobExecutorStopsAtFirstFailure(testInstance *testing.T) {
	runner := newSpyCommandRunner(map[string]execshell.ExecutionResult{
		testScriptConstant: {ExitCode: 101, CombinedOutput: "test failed\n"},
	})
	executor, observedLogs := newTestJobExecutor(testInstance, runner, workflow.RuntimeOptions{}, nil)

	result := executor.Execute(context.Background(), rustJobInstance(), testScope())

	require.Equal(testInstance, workflow.StatusFailed, result.Status)
	require.Equal(testInstance, workflow.StatusSucceeded, result.Steps[1].Status)
	require.Equal(testInstance, workflow.StatusFailed, result.Steps[2].Status)
	require.Equal(testInstance, 101, result.Steps[2].ExitCode)
	require.Equal(testInstance, workflow.MarkerNone, result.Steps[2].Marker)
	require.Equal(testInstance, "test failed\n", result.Steps[2].Output)
	require.NotEmpty(testInstance, result.Steps[2].Error)
	require.Equal(testInstance, workflow.StatusSkipped, result.Steps[3].Status)
	require.True(testInstance, result.Steps[3].StartedAt.IsZero())

	require.NotContains(testInstance, runner.recordedScripts(), packageScriptConstant)
	require.Len(testInstance, runner.recordedCommands(), 3)

	failureLogs := observedLogs.FilterMessage("step failed").All()
	require.Len(testInstance, failureLogs, 1)
	require.Equal(testInstance, int64(2), failureLogs[0].ContextMap()["step_index"])
}

func TestJobExecutorReportsUnregisteredAction(testInstance *testing.T) {
	runner := newSpyCommandRunner(nil)
	executor, _ := newTestJobExecutor(testInstance, runner, workflow.RuntimeOptions{}, nil)

	instance := workflow.JobInstance{
		Job: workflow.Job{
			Identifier: "lint",
			Name:       "lint",
			Steps: []workflow.Step{
				{Action: workflow.UseAction{Reference: "org/unknown@v1"}},
				{Action: workflow.RunCommand{Script: "make lint"}},
			},
		},
		Name: "lint",
	}
	result := executor.Execute(context.Background(), instance, testScope())

	require.Equal(testInstance, workflow.StatusFailed, result.Status)
	require.Equal(testInstance, workflow.MarkerCouldNotStart, result.Steps[0].Marker)
	require.Equal(testInstance, -1, result.Steps[0].ExitCode)
	require.Equal(testInstance, `action "org/unknown@v1" is not registered`, result.Steps[0].Error)
	require.Equal(testInstance, workflow.StatusSkipped, result.Steps[1].Status)
	require.Empty(testInstance, runner.recordedCommands())
}

func TestJobExecutorAppliesStepTimeout(testInstance *testing.T) {
	runner := &blockingCommandRunner{}
	executor, _ := newTestJobExecutor(testInstance, runner, workflow.RuntimeOptions{StepTimeout: time.Hour}, nil)

	instance := workflow.JobInstance{
		Job: workflow.Job{
			Identifier: "slow",
			Name:       "slow",
			Steps: []workflow.Step{
				{Name: "Sleep", Action: workflow.RunCommand{Script: "sleep 60"}, Timeout: 50 * time.Millisecond},
				{Name: "After", Action: workflow.RunCommand{Script: "echo after"}},
			},
		},
		Name: "slow",
	}
	result := executor.Execute(context.Background(), instance, testScope())

	require.Equal(testInstance, workflow.StatusFailed, result.Status)
	require.Equal(testInstance, workflow.MarkerTimedOut, result.Steps[0].Marker)
	require.Equal(testInstance, "partial\n", result.Steps[0].Output)
	require.Equal(testInstance, workflow.StatusSkipped, result.Steps[1].Status)
	require.Equal(testInstance, int32(1), runner.started.Load())
}

func TestJobExecutorMarksCancelledRunSteps(testInstance *testing.T) {
	testCases := []struct {
		name                 string
		cancelBeforeExecute  bool
		expectedStartedCount int32
	}{
		{name: "cancelled before the first step", cancelBeforeExecute: true, expectedStartedCount: 0},
		{name: "cancelled while a step runs", cancelBeforeExecute: false, expectedStartedCount: 1},
	}

	for testCaseIndex := range testCases {
		testCase := testCases[testCaseIndex]
		testInstance.Run(testCase.name, func(subtest *testing.T) {
			runner := &blockingCommandRunner{}
			executor, _ := newTestJobExecutor(subtest, runner, workflow.RuntimeOptions{}, nil)

			executionContext, cancel := context.WithCancel(context.Background())
			defer cancel()
			if testCase.cancelBeforeExecute {
				cancel()
			} else {
				go func() {
					for runner.started.Load() == 0 {
						time.Sleep(time.Millisecond)
					}
					cancel()
				}()
			}

			instance := workflow.JobInstance{
				Job: workflow.Job{
					Identifier: "deploy",
					Name:       "deploy",
					Steps: []workflow.Step{
						{Action: workflow.RunCommand{Script: "deploy"}},
						{Action: workflow.RunCommand{Script: "notify"}},
					},
				},
				Name: "deploy",
			}
			result := executor.Execute(executionContext, instance, testScope())

			require.Equal(subtest, workflow.StatusFailed, result.Status)
			require.Equal(subtest, workflow.StatusFailed, result.Steps[0].Status)
			require.Equal(subtest, workflow.MarkerCancelled, result.Steps[0].Marker)
			require.Equal(subtest, workflow.StatusSkipped, result.Steps[1].Status)
			require.Equal(subtest, testCase.expectedStartedCount, runner.started.Load())
		})
	}
}

func TestJobExecutorResolvesWorkingDirectoryAndShell(testInstance *testing.T) {
	runner := newSpyCommandRunner(nil)
	options := workflow.RuntimeOptions{Shell: []string{"sh", "-c"}, WorkingDirectory: "/workspace"}
	executor, _ := newTestJobExecutor(testInstance, runner, options, nil)

	instance := workflow.JobInstance{
		Job: workflow.Job{
			Identifier: "dirs",
			Name:       "dirs",
			Steps: []workflow.Step{
				{Action: workflow.RunCommand{Script: "pwd"}},
				{Action: workflow.RunCommand{Script: "pwd"}, WorkingDirectory: "sub/dir"},
				{Action: workflow.RunCommand{Script: "pwd"}, WorkingDirectory: "/tmp"},
			},
		},
		Name: "dirs",
	}
	result := executor.Execute(context.Background(), instance, testScope())
	require.Equal(testInstance, workflow.StatusSucceeded, result.Status)

	commands := runner.recordedCommands()
	require.Len(testInstance, commands, 3)
	require.Equal(testInstance, execshell.CommandName("sh"), commands[0].Name)
	require.Equal(testInstance, []string{"-c", "pwd"}, commands[0].Details.Arguments)
	require.Equal(testInstance, "/workspace", commands[0].Details.WorkingDirectory)
	require.Equal(testInstance, "/workspace/sub/dir", commands[1].Details.WorkingDirectory)
	require.Equal(testInstance, "/tmp", commands[2].Details.WorkingDirectory)
}

func TestJobExecutorStreamsPrefixedOutput(testInstance *testing.T) {
	runner := newSpyCommandRunner(map[string]execshell.ExecutionResult{
		buildScriptConstant: {CombinedOutput: "line one\nline two"},
	})
	liveOutput := &bytes.Buffer{}
	executor, _ := newTestJobExecutor(testInstance, runner, workflow.RuntimeOptions{}, liveOutput)

	instance := workflow.JobInstance{
		Job: workflow.Job{
			Identifier: "build",
			Name:       "build",
			Steps:      []workflow.Step{{Name: "Build", Action: workflow.RunCommand{Script: buildScriptConstant}}},
		},
		Name: "build (stable)",
	}
	executor.Execute(context.Background(), instance, testScope())

	require.Equal(testInstance, "[build (stable)] Build | line one\n[build (stable)] Build | line two\n", liveOutput.String())
}
