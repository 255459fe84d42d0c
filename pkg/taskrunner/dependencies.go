package taskrunner

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/utils"
	"github.com/tyemirov/ciflow/internal/workflow"
)

const actionDefinitionInvalidTemplate = "taskrunner.dependencies.actions[%d]: uses and run must both be set"

// DependenciesConfig captures providers required to build workflow dependencies.
type DependenciesConfig struct {
	LoggerProvider               func() *zap.Logger
	HumanReadableLoggingProvider func() bool
	CommandRunner                execshell.CommandRunner
	Actions                      []workflow.ActionDefinition
	Clock                        func() time.Time
	RunIdentifier                func() string
}

// DependenciesOptions allows per-command overrides when resolving workflow dependencies.
type DependenciesOptions struct {
	Command *cobra.Command
	// Stream forwards step output, line by line, to the error writer while steps run.
	Stream bool
	Output io.Writer
	Errors io.Writer
}

// DependenciesResult exposes resolved collaborators along with their workflow wrapper.
type DependenciesResult struct {
	Workflow      workflow.Dependencies
	CommandRunner execshell.CommandRunner
	Output        io.Writer
	Errors        io.Writer
}

// BuildDependencies resolves the command runner, logger, action catalog and
// writers for workflow execution.
func BuildDependencies(config DependenciesConfig, options DependenciesOptions) (DependenciesResult, error) {
	logger := resolveLogger(config.LoggerProvider)
	humanReadable := false
	if config.HumanReadableLoggingProvider != nil {
		humanReadable = config.HumanReadableLoggingProvider()
	}

	for actionIndex, action := range config.Actions {
		if len(strings.TrimSpace(action.Uses)) == 0 || len(strings.TrimSpace(action.Run)) == 0 {
			return DependenciesResult{}, fmt.Errorf(actionDefinitionInvalidTemplate, actionIndex)
		}
	}

	commandRunner := config.CommandRunner
	if commandRunner == nil {
		commandRunner = execshell.NewOSCommandRunner()
	}

	outputWriter := resolveWriter(options.Output, options.Command, true)
	errorWriter := resolveWriter(options.Errors, options.Command, false)

	workflowDependencies := workflow.Dependencies{
		Logger:               logger,
		CommandRunner:        commandRunner,
		Actions:              workflow.NewActionCatalog(config.Actions),
		Clock:                config.Clock,
		RunIdentifier:        config.RunIdentifier,
		HumanReadableLogging: humanReadable,
	}
	if options.Stream {
		workflowDependencies.LiveOutput = utils.NewFlushingWriter(errorWriter)
	}

	return DependenciesResult{
		Workflow:      workflowDependencies,
		CommandRunner: commandRunner,
		Output:        outputWriter,
		Errors:        errorWriter,
	}, nil
}

func resolveLogger(provider func() *zap.Logger) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	logger := provider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func resolveWriter(provided io.Writer, command *cobra.Command, useStdout bool) io.Writer {
	if provided != nil {
		return provided
	}
	if command != nil {
		if useStdout {
			if writer := command.OutOrStdout(); writer != nil && writer != io.Discard {
				return writer
			}
		} else {
			if writer := command.ErrOrStderr(); writer != nil && writer != io.Discard {
				return writer
			}
		}
	}
	if useStdout {
		return os.Stdout
	}
	return os.Stderr
}
