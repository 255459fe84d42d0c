package workflow

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/execshell"
)

const (
	schedulerLoggerMissingMessageConstant = "workflow scheduler requires a logger"
	schedulerRunnerMissingMessageConstant = "workflow scheduler requires a command runner"
	definitionMissingMessageConstant      = "workflow definition not provided"
	negativeParallelismMessageConstant    = "max parallel must not be negative"
)

var (
	// ErrLoggerMissing indicates Dependencies.Logger was not provided.
	ErrLoggerMissing = errors.New(schedulerLoggerMissingMessageConstant)
	// ErrCommandRunnerMissing indicates Dependencies.CommandRunner was not provided.
	ErrCommandRunnerMissing = errors.New(schedulerRunnerMissingMessageConstant)
	// ErrDefinitionMissing indicates RunWorkflow received a nil definition.
	ErrDefinitionMissing = errors.New(definitionMissingMessageConstant)
	// ErrNegativeParallelism indicates RuntimeOptions.MaxParallel is below zero.
	ErrNegativeParallelism = errors.New(negativeParallelismMessageConstant)
)

// DefaultShell is the argv prefix used for run steps; the script is appended as the last argument.
var DefaultShell = []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "-c"}

// Dependencies configures shared collaborators for workflow execution.
type Dependencies struct {
	Logger               *zap.Logger
	CommandRunner        execshell.CommandRunner
	Actions              ActionCatalog
	LiveOutput           io.Writer
	Clock                func() time.Time
	RunIdentifier        func() string
	HumanReadableLogging bool
}

// RuntimeOptions captures user-provided execution modifiers.
type RuntimeOptions struct {
	// MaxParallel bounds concurrently running job instances; zero means unbounded.
	MaxParallel int
	RunTimeout  time.Duration
	// StepTimeout applies to steps that do not declare their own timeout.
	StepTimeout      time.Duration
	Shell            []string
	WorkingDirectory string
	// BaseEnvironment replaces the process environment as the lowest layer when non-nil.
	BaseEnvironment map[string]string
}

func (dependencies Dependencies) clock() func() time.Time {
	if dependencies.Clock != nil {
		return dependencies.Clock
	}
	return time.Now
}

func (dependencies Dependencies) runIdentifier() func() string {
	if dependencies.RunIdentifier != nil {
		return dependencies.RunIdentifier
	}
	return uuid.NewString
}

func (options RuntimeOptions) shell() []string {
	if len(options.Shell) > 0 {
		return options.Shell
	}
	return DefaultShell
}

func (options RuntimeOptions) baseEnvironment() map[string]string {
	if options.BaseEnvironment != nil {
		return options.BaseEnvironment
	}
	return execshell.ProcessEnvironment()
}
