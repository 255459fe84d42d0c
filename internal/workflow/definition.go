package workflow

import (
	"fmt"
	"strings"
	"time"
)

// TriggerKind identifies the event kinds a workflow can react to.
type TriggerKind string

// Supported trigger kinds.
const (
	TriggerKindPush             TriggerKind = "push"
	TriggerKindPullRequest      TriggerKind = "pull_request"
	TriggerKindSchedule         TriggerKind = "schedule"
	TriggerKindWorkflowDispatch TriggerKind = "workflow_dispatch"
)

var supportedTriggerKinds = []TriggerKind{
	TriggerKindPush,
	TriggerKindPullRequest,
	TriggerKindSchedule,
	TriggerKindWorkflowDispatch,
}

// ParseTriggerKind normalizes raw into a supported trigger kind.
func ParseTriggerKind(raw string) (TriggerKind, error) {
	normalized := TriggerKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, supportedKind := range supportedTriggerKinds {
		if normalized == supportedKind {
			return supportedKind, nil
		}
	}
	return "", fmt.Errorf(unknownTriggerKindTemplateConstant, raw)
}

// Definition is a loaded, validated workflow. It is never mutated after loading.
type Definition struct {
	Name        string
	SourcePath  string
	Triggers    []TriggerRule
	Environment map[string]string
	Jobs        []Job
}

// Job returns the job with the provided identifier.
func (definition *Definition) Job(identifier string) (Job, bool) {
	for _, job := range definition.Jobs {
		if job.Identifier == identifier {
			return job, true
		}
	}
	return Job{}, false
}

// TriggerRule describes one event kind the workflow reacts to, with optional filters.
type TriggerRule struct {
	Kind      TriggerKind
	Branches  []string
	Tags      []string
	Paths     []string
	Schedules []string
}

// Job is a template of ordered steps, optionally expanded over a matrix.
type Job struct {
	Identifier  string
	Name        string
	RunsOn      string
	Needs       []string
	Matrix      []MatrixAxis
	MaxParallel int
	Environment map[string]string
	Steps       []Step
}

// MatrixAxis is one named dimension of a job matrix.
type MatrixAxis struct {
	Name   string
	Values []string
}

// Step is one unit of work within a job.
type Step struct {
	Name             string
	Action           StepAction
	Environment      map[string]string
	Timeout          time.Duration
	WorkingDirectory string
}

// DisplayName returns the step name or a description derived from its action.
func (step Step) DisplayName() string {
	if trimmedName := strings.TrimSpace(step.Name); len(trimmedName) > 0 {
		return trimmedName
	}
	switch action := step.Action.(type) {
	case RunCommand:
		return firstLine(action.Script)
	case UseAction:
		return action.Reference
	default:
		return unnamedStepConstant
	}
}

// StepAction is the closed set of things a step can do: RunCommand or UseAction.
type StepAction interface {
	isStepAction()
}

// RunCommand executes a literal script through the configured shell.
type RunCommand struct {
	Script string
}

// UseAction invokes a reusable action resolved through the action catalog.
type UseAction struct {
	Reference string
	Inputs    map[string]string
}

func (RunCommand) isStepAction() {}

func (UseAction) isStepAction() {}

// Event describes the incoming occurrence a workflow run is evaluated against.
type Event struct {
	Kind         TriggerKind
	Ref          string
	BaseRef      string
	ChangedPaths []string
}

func firstLine(text string) string {
	trimmed := strings.TrimSpace(text)
	if lineEnd := strings.IndexByte(trimmed, '\n'); lineEnd >= 0 {
		return strings.TrimSpace(trimmed[:lineEnd])
	}
	return trimmed
}
