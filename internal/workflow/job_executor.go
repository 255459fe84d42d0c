package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/execshell"
)

const (
	stepStartMessageConstant             = "step starting"
	stepCompletedMessageConstant         = "step completed"
	stepFailedMessageConstant            = "step failed"
	stepSkippedMessageConstant           = "remaining steps skipped"
	jobStartMessageConstant              = "job instance starting"
	jobCompletedMessageConstant          = "job instance finished"
	runIdentifierFieldNameConstant       = "run_id"
	jobInstanceFieldNameConstant         = "job_instance"
	stepIndexFieldNameConstant           = "step_index"
	stepNameFieldNameConstant            = "step"
	markerFieldNameConstant              = "marker"
	statusFieldNameConstant              = "status"
	skippedCountFieldNameConstant        = "skipped"
	exitCodeFieldNameConstant            = "exit_code"
	unregisteredActionTemplateConstant   = "action %q is not registered"
	unsupportedActionTemplateConstant    = "unsupported step action %T"
	emptyActionScriptTemplateConstant    = "action %q resolves to an empty script"
	stepCancelledBeforeStartConstant     = "run cancelled before step started"
	unspawnedExitCodeConstant            = -1
	contextTrueValueConstant             = "true"
	contextCIVariableConstant            = "CI"
	contextMarkerVariableConstant        = "CIFLOW"
	contextWorkflowVariableConstant      = "CIFLOW_WORKFLOW"
	contextJobVariableConstant           = "CIFLOW_JOB"
	contextJobInstanceVariableConstant   = "CIFLOW_JOB_INSTANCE"
	contextEventVariableConstant         = "CIFLOW_EVENT"
	contextRefVariableConstant           = "CIFLOW_REF"
	contextRunIdentifierVariableConstant = "CIFLOW_RUN_ID"
	contextMatrixIndexVariableConstant   = "CIFLOW_MATRIX_INDEX"
)

// ExecutionScope carries the run-wide values every job instance of a run shares.
type ExecutionScope struct {
	RunIdentifier string
	WorkflowName  string
	Event         Event
	// Environment is the merged process and workflow environment.
	Environment map[string]string
}

// JobExecutor runs the steps of one job instance in order, stopping at the first failure.
type JobExecutor struct {
	shellExecutor    *execshell.ShellExecutor
	logger           *zap.Logger
	actions          ActionCatalog
	liveOutput       *lockedWriter
	clock            func() time.Time
	shell            []string
	stepTimeout      time.Duration
	workingDirectory string
}

// NewJobExecutor constructs a JobExecutor from shared dependencies and runtime options.
func NewJobExecutor(dependencies Dependencies, options RuntimeOptions) (*JobExecutor, error) {
	if dependencies.Logger == nil {
		return nil, ErrLoggerMissing
	}
	if dependencies.CommandRunner == nil {
		return nil, ErrCommandRunnerMissing
	}
	shellExecutor, executorError := execshell.NewShellExecutor(dependencies.Logger, dependencies.CommandRunner, dependencies.HumanReadableLogging)
	if executorError != nil {
		return nil, executorError
	}
	return &JobExecutor{
		shellExecutor:    shellExecutor,
		logger:           dependencies.Logger,
		actions:          dependencies.Actions,
		liveOutput:       newLockedWriter(dependencies.LiveOutput),
		clock:            dependencies.clock(),
		shell:            options.shell(),
		stepTimeout:      options.StepTimeout,
		workingDirectory: options.WorkingDirectory,
	}, nil
}

// Execute runs every step of instance and returns its aggregated result.
// Steps after the first failure are skipped and never spawned.
func (executor *JobExecutor) Execute(executionContext context.Context, instance JobInstance, scope ExecutionScope) JobResult {
	result := JobResult{
		JobIdentifier: instance.Job.Identifier,
		JobName:       instance.Job.Name,
		InstanceName:  instance.Name,
		RunsOn:        instance.Job.RunsOn,
		Matrix:        instance.Assignment,
		Status:        StatusRunning,
		Steps:         make([]StepResult, len(instance.Job.Steps)),
		StartedAt:     executor.clock(),
	}
	for stepIndex, step := range instance.Job.Steps {
		result.Steps[stepIndex] = StepResult{Index: stepIndex, Name: step.DisplayName(), Status: StatusPending}
	}

	instanceLogger := executor.logger.With(
		zap.String(runIdentifierFieldNameConstant, scope.RunIdentifier),
		zap.String(jobInstanceFieldNameConstant, instance.Name),
	)
	instanceLogger.Info(jobStartMessageConstant)

	jobEnvironment := execshell.MergeEnvironment(
		scope.Environment,
		instance.Job.Environment,
		contextEnvironment(instance, scope),
		instance.MatrixEnvironment(),
	)

	for stepIndex, step := range instance.Job.Steps {
		stepLogger := instanceLogger.With(
			zap.Int(stepIndexFieldNameConstant, stepIndex),
			zap.String(stepNameFieldNameConstant, result.Steps[stepIndex].Name),
		)

		if contextError := executionContext.Err(); contextError != nil {
			now := executor.clock()
			result.Steps[stepIndex] = StepResult{
				Index:      stepIndex,
				Name:       result.Steps[stepIndex].Name,
				Status:     StatusFailed,
				ExitCode:   unspawnedExitCodeConstant,
				Marker:     MarkerCancelled,
				Error:      stepCancelledBeforeStartConstant,
				StartedAt:  now,
				FinishedAt: now,
			}
			stepLogger.Warn(stepFailedMessageConstant, zap.String(markerFieldNameConstant, string(MarkerCancelled)))
			executor.skipRemaining(stepLogger, result.Steps, stepIndex+1)
			break
		}

		result.Steps[stepIndex].Status = StatusRunning
		stepLogger.Debug(stepStartMessageConstant)
		stepResult := executor.executeStep(executionContext, instance, stepIndex, step, jobEnvironment)
		result.Steps[stepIndex] = stepResult

		if stepResult.Status == StatusFailed {
			stepLogger.Warn(
				stepFailedMessageConstant,
				zap.Int(exitCodeFieldNameConstant, stepResult.ExitCode),
				zap.String(markerFieldNameConstant, string(stepResult.Marker)),
			)
			executor.skipRemaining(stepLogger, result.Steps, stepIndex+1)
			break
		}
		stepLogger.Debug(stepCompletedMessageConstant)
	}

	result.Status = aggregateJobStatus(result.Steps)
	result.FinishedAt = executor.clock()
	instanceLogger.Info(jobCompletedMessageConstant, zap.String(statusFieldNameConstant, string(result.Status)))
	return result
}

func (executor *JobExecutor) skipRemaining(logger *zap.Logger, steps []StepResult, firstSkipped int) {
	if firstSkipped >= len(steps) {
		return
	}
	for stepIndex := firstSkipped; stepIndex < len(steps); stepIndex++ {
		steps[stepIndex].Status = StatusSkipped
	}
	logger.Debug(stepSkippedMessageConstant, zap.Int(skippedCountFieldNameConstant, len(steps)-firstSkipped))
}

func (executor *JobExecutor) executeStep(executionContext context.Context, instance JobInstance, stepIndex int, step Step, jobEnvironment map[string]string) StepResult {
	stepResult := StepResult{
		Index:     stepIndex,
		Name:      step.DisplayName(),
		Status:    StatusRunning,
		StartedAt: executor.clock(),
	}

	script, inputEnvironment, resolutionError := executor.resolveScript(step)
	if resolutionError != nil {
		stepResult.Status = StatusFailed
		stepResult.ExitCode = unspawnedExitCodeConstant
		stepResult.Marker = MarkerCouldNotStart
		stepResult.Error = resolutionError.Error()
		stepResult.FinishedAt = executor.clock()
		return stepResult
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = executor.stepTimeout
	}

	arguments := make([]string, 0, len(executor.shell))
	arguments = append(arguments, executor.shell[1:]...)
	arguments = append(arguments, script)

	command := execshell.ShellCommand{
		Name: execshell.CommandName(executor.shell[0]),
		Details: execshell.CommandDetails{
			Arguments:            arguments,
			WorkingDirectory:     resolveWorkingDirectory(executor.workingDirectory, step.WorkingDirectory),
			EnvironmentVariables: execshell.MergeEnvironment(jobEnvironment, inputEnvironment, step.Environment),
			Timeout:              timeout,
		},
	}

	liveWriter := newPrefixedLineWriter(executor.liveOutput, instance.Name, stepResult.Name)
	if liveWriter != nil {
		command.Details.OutputWriter = liveWriter
	}

	executionResult, executionError := executor.shellExecutor.Execute(executionContext, command)
	if liveWriter != nil {
		liveWriter.Flush()
	}

	stepResult.ExitCode = executionResult.ExitCode
	stepResult.Output = executionResult.CombinedOutput
	stepResult.FinishedAt = executor.clock()
	if executionError == nil {
		stepResult.Status = StatusSucceeded
		return stepResult
	}

	stepResult.Status = StatusFailed
	stepResult.Marker = Marker(execshell.ClassifyFailure(executionError))
	stepResult.Error = executionError.Error()
	return stepResult
}

func (executor *JobExecutor) resolveScript(step Step) (string, map[string]string, error) {
	switch action := step.Action.(type) {
	case RunCommand:
		return action.Script, nil, nil
	case UseAction:
		script, found := executor.actions.Resolve(action.Reference)
		if !found {
			return "", nil, fmt.Errorf(unregisteredActionTemplateConstant, action.Reference)
		}
		if len(strings.TrimSpace(script)) == 0 {
			return "", nil, fmt.Errorf(emptyActionScriptTemplateConstant, action.Reference)
		}
		return script, actionInputEnvironment(action.Inputs), nil
	default:
		return "", nil, fmt.Errorf(unsupportedActionTemplateConstant, step.Action)
	}
}

func contextEnvironment(instance JobInstance, scope ExecutionScope) map[string]string {
	return map[string]string{
		contextCIVariableConstant:            contextTrueValueConstant,
		contextMarkerVariableConstant:        contextTrueValueConstant,
		contextWorkflowVariableConstant:      scope.WorkflowName,
		contextJobVariableConstant:           instance.Job.Identifier,
		contextJobInstanceVariableConstant:   instance.Name,
		contextEventVariableConstant:         string(scope.Event.Kind),
		contextRefVariableConstant:           scope.Event.Ref,
		contextRunIdentifierVariableConstant: scope.RunIdentifier,
		contextMatrixIndexVariableConstant:   strconv.Itoa(instance.Index),
	}
}

func resolveWorkingDirectory(baseDirectory string, stepDirectory string) string {
	trimmedStep := strings.TrimSpace(stepDirectory)
	switch {
	case len(trimmedStep) == 0:
		return baseDirectory
	case filepath.IsAbs(trimmedStep) || len(baseDirectory) == 0:
		return trimmedStep
	default:
		return filepath.Join(baseDirectory, trimmedStep)
	}
}
