package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tyemirov/ciflow/internal/execshell"
)

const (
	runStartMessageConstant        = "workflow run starting"
	runFinishedMessageConstant     = "workflow run finished"
	runNotTriggeredMessageConstant = "workflow not triggered by event"
	instanceSkippedMessageConstant = "job instance skipped"
	workflowFieldNameConstant      = "workflow"
	eventFieldNameConstant         = "event"
	refFieldNameConstant           = "ref"
	instanceCountFieldNameConstant = "instances"
	stageCountFieldNameConstant    = "stages"
	reasonFieldNameConstant        = "reason"
	skipReasonRunCancelledConstant = "run cancelled"
	skipReasonDependencyTemplate   = "dependency %q did not succeed"
	dependencyPlanErrorTemplate    = "plan job dependencies for %s: %w"
	matrixExpansionErrorTemplate   = "expand matrix for job %s: %w"
)

// Scheduler evaluates a workflow against an event and runs its job instances.
type Scheduler struct {
	jobExecutor   *JobExecutor
	logger        *zap.Logger
	clock         func() time.Time
	runIdentifier func() string
	options       RuntimeOptions
}

type scheduledInstance struct {
	slot     int
	instance JobInstance
}

type pendingInstance struct {
	entry         scheduledInstance
	jobIdentifier string
	jobLimit      int
}

type collectedResult struct {
	slot   int
	result JobResult
}

// NewScheduler constructs a Scheduler and its JobExecutor.
func NewScheduler(dependencies Dependencies, options RuntimeOptions) (*Scheduler, error) {
	if options.MaxParallel < 0 {
		return nil, ErrNegativeParallelism
	}
	jobExecutor, executorError := NewJobExecutor(dependencies, options)
	if executorError != nil {
		return nil, executorError
	}
	return &Scheduler{
		jobExecutor:   jobExecutor,
		logger:        dependencies.Logger,
		clock:         dependencies.clock(),
		runIdentifier: dependencies.runIdentifier(),
		options:       options,
	}, nil
}

// RunWorkflow returns a not-triggered run when no trigger rule accepts event.
// Otherwise it expands every job, dispatches instances stage by stage and
// returns the run once every instance finished. Job failures never produce an
// error; only an unusable definition does.
func (scheduler *Scheduler) RunWorkflow(executionContext context.Context, definition *Definition, event Event) (Run, error) {
	if definition == nil {
		return Run{}, ErrDefinitionMissing
	}
	if executionContext == nil {
		executionContext = context.Background()
	}

	run := Run{
		Identifier:   scheduler.runIdentifier(),
		WorkflowName: definition.Name,
		Event:        event,
		StartedAt:    scheduler.clock(),
	}
	runLogger := scheduler.logger.With(
		zap.String(runIdentifierFieldNameConstant, run.Identifier),
		zap.String(workflowFieldNameConstant, definition.Name),
		zap.String(eventFieldNameConstant, string(event.Kind)),
		zap.String(refFieldNameConstant, event.Ref),
	)

	if !MatchTriggers(definition.Triggers, event) {
		run.Status = RunStatusNotTriggered
		run.FinishedAt = run.StartedAt
		runLogger.Info(runNotTriggeredMessageConstant)
		return run, nil
	}

	stages, planError := planJobStages(definition.Jobs)
	if planError != nil {
		return Run{}, fmt.Errorf(dependencyPlanErrorTemplate, definition.Name, planError)
	}

	instancesByJob := make(map[string][]scheduledInstance, len(definition.Jobs))
	slotCount := 0
	for _, job := range definition.Jobs {
		instances, expansionError := ExpandMatrix(job)
		if expansionError != nil {
			return Run{}, fmt.Errorf(matrixExpansionErrorTemplate, job.Identifier, expansionError)
		}
		scheduled := make([]scheduledInstance, 0, len(instances))
		for _, instance := range instances {
			scheduled = append(scheduled, scheduledInstance{slot: slotCount, instance: instance})
			slotCount++
		}
		instancesByJob[job.Identifier] = scheduled
	}

	runLogger.Info(runStartMessageConstant, zap.Int(instanceCountFieldNameConstant, slotCount), zap.Int(stageCountFieldNameConstant, len(stages)))

	runContext := executionContext
	cancelRun := func() {}
	if scheduler.options.RunTimeout > 0 {
		runContext, cancelRun = context.WithTimeout(executionContext, scheduler.options.RunTimeout)
	}
	defer cancelRun()

	scope := ExecutionScope{
		RunIdentifier: run.Identifier,
		WorkflowName:  definition.Name,
		Event:         event,
		Environment:   execshell.MergeEnvironment(scheduler.options.baseEnvironment(), definition.Environment),
	}

	run.Jobs = make([]JobResult, slotCount)
	jobSucceeded := make(map[string]bool, len(definition.Jobs))
	for _, stage := range stages {
		scheduler.runStage(runContext, runLogger, stage, instancesByJob, jobSucceeded, scope, run.Jobs)
		for _, job := range stage.Jobs {
			succeeded := true
			for _, scheduled := range instancesByJob[job.Identifier] {
				if run.Jobs[scheduled.slot].Status != StatusSucceeded {
					succeeded = false
					break
				}
			}
			jobSucceeded[job.Identifier] = succeeded
		}
	}

	run.Status = aggregateRunStatus(run.Jobs)
	run.FinishedAt = scheduler.clock()
	runLogger.Info(runFinishedMessageConstant, zap.String(statusFieldNameConstant, string(run.Status)))
	return run, nil
}

// runStage dispatches the stage's instances in FIFO order under the global and
// per-job bounds. An instance waiting on its job's bound never holds a global
// slot, so the earliest instance whose job has room is always dispatched next.
// Workers only send on the results channel; this goroutine is the sole writer
// of slots.
func (scheduler *Scheduler) runStage(
	runContext context.Context,
	runLogger *zap.Logger,
	stage JobStage,
	instancesByJob map[string][]scheduledInstance,
	jobSucceeded map[string]bool,
	scope ExecutionScope,
	slots []JobResult,
) {
	instanceCount := 0
	for _, job := range stage.Jobs {
		instanceCount += len(instancesByJob[job.Identifier])
	}
	results := make(chan collectedResult, instanceCount)
	finishedJobs := make(chan string, instanceCount)

	group := &errgroup.Group{}
	if scheduler.options.MaxParallel > 0 {
		group.SetLimit(scheduler.options.MaxParallel)
	}

	pending := make([]pendingInstance, 0, instanceCount)
	for _, job := range stage.Jobs {
		scheduled := instancesByJob[job.Identifier]
		if skipReason, skip := failedDependencyReason(job, jobSucceeded); skip {
			for _, entry := range scheduled {
				runLogger.Info(instanceSkippedMessageConstant, zap.String(jobInstanceFieldNameConstant, entry.instance.Name), zap.String(reasonFieldNameConstant, skipReason))
				results <- collectedResult{slot: entry.slot, result: skippedJobResult(entry.instance, skipReason)}
			}
			continue
		}
		for _, entry := range scheduled {
			pending = append(pending, pendingInstance{entry: entry, jobIdentifier: job.Identifier, jobLimit: job.MaxParallel})
		}
	}

	runningByJob := make(map[string]int, len(stage.Jobs))
	runningTotal := 0
	for len(pending) > 0 {
		nextIndex := -1
		if scheduler.options.MaxParallel <= 0 || runningTotal < scheduler.options.MaxParallel {
			for pendingIndex, candidate := range pending {
				if candidate.jobLimit <= 0 || runningByJob[candidate.jobIdentifier] < candidate.jobLimit {
					nextIndex = pendingIndex
					break
				}
			}
		}
		if nextIndex < 0 {
			runningByJob[<-finishedJobs]--
			runningTotal--
			continue
		}

		next := pending[nextIndex]
		pending = append(pending[:nextIndex], pending[nextIndex+1:]...)
		runningByJob[next.jobIdentifier]++
		runningTotal++

		group.Go(func() error {
			defer func() { finishedJobs <- next.jobIdentifier }()
			if runContext.Err() != nil {
				runLogger.Info(instanceSkippedMessageConstant, zap.String(jobInstanceFieldNameConstant, next.entry.instance.Name), zap.String(reasonFieldNameConstant, skipReasonRunCancelledConstant))
				results <- collectedResult{slot: next.entry.slot, result: skippedJobResult(next.entry.instance, skipReasonRunCancelledConstant)}
				return nil
			}
			results <- collectedResult{slot: next.entry.slot, result: scheduler.jobExecutor.Execute(runContext, next.entry.instance, scope)}
			return nil
		})
	}

	_ = group.Wait()
	close(results)
	for collected := range results {
		slots[collected.slot] = collected.result
	}
}

func failedDependencyReason(job Job, jobSucceeded map[string]bool) (string, bool) {
	for _, dependency := range job.Needs {
		if !jobSucceeded[dependency] {
			return fmt.Sprintf(skipReasonDependencyTemplate, dependency), true
		}
	}
	return "", false
}
