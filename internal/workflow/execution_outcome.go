package workflow

import (
	"time"

	"github.com/tyemirov/ciflow/internal/execshell"
)

// Status is the lifecycle state of a step or job.
type Status string

// Step and job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Marker qualifies a failed step whose failure was not a plain non-zero exit.
type Marker string

// Step failure markers.
const (
	MarkerNone          Marker = ""
	MarkerTimedOut      Marker = Marker(execshell.FailureReasonTimedOut)
	MarkerCouldNotStart Marker = Marker(execshell.FailureReasonCouldNotStart)
	MarkerCancelled     Marker = Marker(execshell.FailureReasonCancelled)
)

// RunStatus is the final verdict of a workflow run.
type RunStatus string

// Run statuses.
const (
	RunStatusNotTriggered RunStatus = "not_triggered"
	RunStatusSucceeded    RunStatus = "succeeded"
	RunStatusFailed       RunStatus = "failed"
)

// StepResult records the outcome of one step. Only the executor owning the
// job instance writes to it.
type StepResult struct {
	Index      int
	Name       string
	Status     Status
	ExitCode   int
	Marker     Marker
	Output     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration reports how long the step ran; zero for steps that never started.
func (result StepResult) Duration() time.Duration {
	if result.StartedAt.IsZero() || result.FinishedAt.IsZero() {
		return 0
	}
	return result.FinishedAt.Sub(result.StartedAt)
}

// JobResult aggregates the step results of one job instance.
type JobResult struct {
	JobIdentifier string
	JobName       string
	InstanceName  string
	RunsOn        string
	Matrix        []MatrixValue
	Status        Status
	Reason        string
	Steps         []StepResult
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Duration reports how long the job instance ran.
func (result JobResult) Duration() time.Duration {
	if result.StartedAt.IsZero() || result.FinishedAt.IsZero() {
		return 0
	}
	return result.FinishedAt.Sub(result.StartedAt)
}

// Run is one evaluation of a workflow against an event. It owns every job
// result produced for that evaluation.
type Run struct {
	Identifier   string
	WorkflowName string
	Event        Event
	Status       RunStatus
	Jobs         []JobResult
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration reports the wall-clock time of the run.
func (run Run) Duration() time.Duration {
	if run.StartedAt.IsZero() || run.FinishedAt.IsZero() {
		return 0
	}
	return run.FinishedAt.Sub(run.StartedAt)
}

// Succeeded reports whether every job instance succeeded.
func (run Run) Succeeded() bool {
	return run.Status == RunStatusSucceeded
}

func aggregateJobStatus(steps []StepResult) Status {
	for _, step := range steps {
		if step.Status == StatusFailed {
			return StatusFailed
		}
	}
	for _, step := range steps {
		if step.Status != StatusSucceeded {
			return StatusFailed
		}
	}
	return StatusSucceeded
}

func aggregateRunStatus(jobs []JobResult) RunStatus {
	for _, job := range jobs {
		if job.Status != StatusSucceeded {
			return RunStatusFailed
		}
	}
	return RunStatusSucceeded
}

func skippedJobResult(instance JobInstance, reason string) JobResult {
	steps := make([]StepResult, 0, len(instance.Job.Steps))
	for stepIndex, step := range instance.Job.Steps {
		steps = append(steps, StepResult{Index: stepIndex, Name: step.DisplayName(), Status: StatusSkipped})
	}
	return JobResult{
		JobIdentifier: instance.Job.Identifier,
		JobName:       instance.Job.Name,
		InstanceName:  instance.Name,
		RunsOn:        instance.Job.RunsOn,
		Matrix:        instance.Assignment,
		Status:        StatusSkipped,
		Reason:        reason,
		Steps:         steps,
	}
}
