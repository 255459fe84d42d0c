package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/gitrepo"
	"github.com/tyemirov/ciflow/internal/report"
	"github.com/tyemirov/ciflow/internal/utils"
	workflowpkg "github.com/tyemirov/ciflow/internal/workflow"
	"github.com/tyemirov/ciflow/pkg/taskrunner"
)

const (
	commandUseConstant                      = "run <workflow.yaml>"
	commandShortDescriptionConstant         = "Run a workflow definition against an event"
	commandLongDescriptionConstant          = "run loads a workflow definition, matches its triggers against the event, expands job matrices, executes every job instance and prints a report. The exit code is 0 when the workflow succeeds or is not triggered, 1 when it fails and 2 when the definition, event or settings cannot be loaded or the report cannot be written."
	commandExampleConstant                  = "ciflow run ci.yaml --event push --ref refs/heads/main --path src/lib.rs\n  ciflow run ci.yaml --event-file event.yaml --format json --max-parallel 4"
	maxParallelFlagNameConstant             = "max-parallel"
	maxParallelFlagDescriptionConstant      = "Maximum number of job instances running at once (0 means unbounded)"
	timeoutFlagNameConstant                 = "timeout"
	timeoutFlagDescriptionConstant          = "Run timeout; still-running steps are cancelled when it elapses (0 disables)"
	stepTimeoutFlagNameConstant             = "step-timeout"
	stepTimeoutFlagDescriptionConstant      = "Default timeout for steps without their own timeout (0 disables)"
	formatFlagNameConstant                  = "format"
	formatFlagDescriptionConstant           = "Report format: text, yaml or json"
	streamFlagNameConstant                  = "stream"
	streamFlagDescriptionConstant           = "Stream step output to stderr, prefixed with the job instance and step name"
	workingDirectoryFlagNameConstant        = "workdir"
	workingDirectoryFlagDescriptionConstant = "Working directory for steps (defaults to the current directory)"
	environmentFlagNameConstant             = "env"
	environmentFlagDescriptionConstant      = "Set a base environment variable for every step (KEY=VALUE). Repeatable."
	definitionPathRequiredMessageConstant   = "workflow definition path required; provide a positional argument"
	negativeMaxParallelTemplateConstant     = "--max-parallel must not be negative (got %d)"
	negativeDurationTemplateConstant        = "--%s must not be negative (got %s)"
	stageLoadDefinitionConstant             = "load workflow definition"
	stageResolveEventConstant               = "resolve event"
	stageResolveSettingsConstant            = "resolve run settings"
	stageBuildDependenciesConstant          = "build workflow dependencies"
	stagePlanWorkflowConstant               = "plan workflow"
	renderReportErrorTemplateConstant       = "render report: %w"
	runStartingMessageConstant              = "workflow run starting"
	runFinishedMessageConstant              = "workflow run finished"
	logFieldWorkflowConstant                = "workflow"
	logFieldEventConstant                   = "event"
	logFieldRefConstant                     = "ref"
	logFieldRunIdentifierConstant           = "run_id"
	logFieldStatusConstant                  = "status"
	logFieldDurationConstant                = "duration"
	logFieldActionCountConstant             = "actions"
)

// CommandBuilder assembles the run command.
type CommandBuilder struct {
	LoggerProvider               LoggerProvider
	HumanReadableLoggingProvider func() bool
	ConfigurationProvider        func() CommandConfiguration
	CommandRunner                execshell.CommandRunner
	TaskRunnerFactory            TaskRunnerFactory
	ChangedPathsResolver         ChangedPathsResolver
	Clock                        func() time.Time
	RunIdentifier                func() string
}

type runSettings struct {
	format         report.Format
	tailLines      int
	stream         bool
	actions        []workflowpkg.ActionDefinition
	runtimeOptions workflowpkg.RuntimeOptions
}

// Build constructs the run command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:     commandUseConstant,
		Short:   commandShortDescriptionConstant,
		Long:    commandLongDescriptionConstant,
		Example: commandExampleConstant,
		RunE:    builder.run,
	}

	addEventFlags(command)
	command.Flags().Int(maxParallelFlagNameConstant, 0, maxParallelFlagDescriptionConstant)
	command.Flags().Duration(timeoutFlagNameConstant, 0, timeoutFlagDescriptionConstant)
	command.Flags().Duration(stepTimeoutFlagNameConstant, 0, stepTimeoutFlagDescriptionConstant)
	command.Flags().String(formatFlagNameConstant, string(report.FormatText), formatFlagDescriptionConstant)
	command.Flags().Bool(streamFlagNameConstant, false, streamFlagDescriptionConstant)
	command.Flags().String(workingDirectoryFlagNameConstant, "", workingDirectoryFlagDescriptionConstant)
	command.Flags().StringArray(environmentFlagNameConstant, nil, environmentFlagDescriptionConstant)

	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, arguments []string) error {
	if len(arguments) == 0 {
		if helpError := displayCommandHelp(command); helpError != nil {
			return helpError
		}
		return LoadError{Stage: stageLoadDefinitionConstant, Cause: errors.New(definitionPathRequiredMessageConstant)}
	}

	definition, loadError := workflowpkg.LoadDefinition(arguments[0])
	if loadError != nil {
		return LoadError{Stage: stageLoadDefinitionConstant, Cause: loadError}
	}

	event, eventError := resolveEvent(command)
	if eventError != nil {
		return LoadError{Stage: stageResolveEventConstant, Cause: eventError}
	}

	settings, settingsError := builder.resolveSettings(command)
	if settingsError != nil {
		return LoadError{Stage: stageResolveSettingsConstant, Cause: settingsError}
	}

	event, eventError = applyChangedSince(command, event, builder.resolveChangedPathsResolver(), settings.runtimeOptions.WorkingDirectory)
	if eventError != nil {
		return LoadError{Stage: stageResolveEventConstant, Cause: eventError}
	}

	dependencyResult, dependencyError := taskrunner.BuildDependencies(
		taskrunner.DependenciesConfig{
			LoggerProvider:               builder.LoggerProvider,
			HumanReadableLoggingProvider: builder.HumanReadableLoggingProvider,
			CommandRunner:                builder.CommandRunner,
			Actions:                      settings.actions,
			Clock:                        builder.Clock,
			RunIdentifier:                builder.resolveRunIdentifier(command),
		},
		taskrunner.DependenciesOptions{
			Command: command,
			Stream:  settings.stream,
			Output:  utils.NewFlushingWriter(command.OutOrStdout()),
			Errors:  utils.NewFlushingWriter(command.ErrOrStderr()),
		},
	)
	if dependencyError != nil {
		return LoadError{Stage: stageBuildDependenciesConstant, Cause: dependencyError}
	}

	// The text report already ends with the summary line.
	var summaryWriter io.Writer
	if settings.format != report.FormatText {
		summaryWriter = dependencyResult.Errors
	}

	logger := resolveLogger(builder.LoggerProvider)
	logger.Info(runStartingMessageConstant,
		zap.String(logFieldWorkflowConstant, definition.Name),
		zap.String(logFieldEventConstant, string(event.Kind)),
		zap.String(logFieldRefConstant, event.Ref),
		zap.Int(logFieldActionCountConstant, dependencyResult.Workflow.Actions.Len()),
	)

	executionContext := command.Context()
	if executionContext == nil {
		executionContext = context.Background()
	}

	executor := taskrunner.Resolve(builder.TaskRunnerFactory, dependencyResult.Workflow, summaryWriter)
	run, runError := executor.Run(executionContext, definition, event, settings.runtimeOptions)
	if runError != nil {
		return LoadError{Stage: stagePlanWorkflowConstant, Cause: runError}
	}

	logger.Info(runFinishedMessageConstant,
		zap.String(logFieldRunIdentifierConstant, run.Identifier),
		zap.String(logFieldStatusConstant, string(run.Status)),
		zap.Duration(logFieldDurationConstant, run.Duration()),
	)

	if renderError := report.Render(dependencyResult.Output, run, report.Options{Format: settings.format, TailLines: settings.tailLines}); renderError != nil {
		return fmt.Errorf(renderReportErrorTemplateConstant, renderError)
	}

	if report.ExitCode(run) != 0 {
		return WorkflowFailedError{WorkflowName: run.WorkflowName, RunIdentifier: run.Identifier}
	}
	return nil
}

// resolveRunIdentifier prefers the injected provider, then the identifier the
// root command attached to the context. A nil result lets the scheduler mint one.
func (builder *CommandBuilder) resolveRunIdentifier(command *cobra.Command) func() string {
	if builder.RunIdentifier != nil {
		return builder.RunIdentifier
	}
	runIdentifier, exists := utils.NewCommandContextAccessor().RunIdentifier(command.Context())
	if !exists {
		return nil
	}
	return func() string { return runIdentifier }
}

func (builder *CommandBuilder) resolveChangedPathsResolver() ChangedPathsResolver {
	if builder.ChangedPathsResolver != nil {
		return builder.ChangedPathsResolver
	}
	return changedPathsResolverFunc(func(executionContext context.Context, repositoryPath string, baseRevision string) ([]string, error) {
		shellExecutor, executorError := execshell.NewShellExecutor(resolveLogger(builder.LoggerProvider), execshell.NewOSCommandRunner(), false)
		if executorError != nil {
			return nil, executorError
		}
		manager, managerError := gitrepo.NewRepositoryManager(gitrepo.NewShellGitExecutor(shellExecutor))
		if managerError != nil {
			return nil, managerError
		}
		return manager.ChangedPaths(executionContext, repositoryPath, baseRevision)
	})
}

type changedPathsResolverFunc func(context.Context, string, string) ([]string, error)

func (resolver changedPathsResolverFunc) ChangedPaths(executionContext context.Context, repositoryPath string, baseRevision string) ([]string, error) {
	return resolver(executionContext, repositoryPath, baseRevision)
}

func (builder *CommandBuilder) resolveConfiguration() CommandConfiguration {
	if builder.ConfigurationProvider == nil {
		return DefaultCommandConfiguration()
	}

	provided := builder.ConfigurationProvider()
	return provided.Sanitize()
}

// resolveSettings layers command-line flags over the configured run section.
func (builder *CommandBuilder) resolveSettings(command *cobra.Command) (runSettings, error) {
	configuration := builder.resolveConfiguration()
	flagSet := command.Flags()

	maxParallel := configuration.MaxParallel
	if flagSet.Changed(maxParallelFlagNameConstant) {
		flagValue, flagError := flagSet.GetInt(maxParallelFlagNameConstant)
		if flagError != nil {
			return runSettings{}, flagError
		}
		maxParallel = flagValue
	}
	if maxParallel < 0 {
		return runSettings{}, fmt.Errorf(negativeMaxParallelTemplateConstant, maxParallel)
	}

	runTimeout, runTimeoutError := resolveDurationFlag(command, timeoutFlagNameConstant, configuration.Timeout)
	if runTimeoutError != nil {
		return runSettings{}, runTimeoutError
	}
	stepTimeout, stepTimeoutError := resolveDurationFlag(command, stepTimeoutFlagNameConstant, configuration.StepTimeout)
	if stepTimeoutError != nil {
		return runSettings{}, stepTimeoutError
	}

	rawFormat := configuration.Format
	if flagSet.Changed(formatFlagNameConstant) {
		rawFormat, _ = flagSet.GetString(formatFlagNameConstant)
	}
	format, formatError := report.ParseFormat(rawFormat)
	if formatError != nil {
		return runSettings{}, formatError
	}

	stream := configuration.Stream
	if flagSet.Changed(streamFlagNameConstant) {
		stream, _ = flagSet.GetBool(streamFlagNameConstant)
	}

	workingDirectory := configuration.WorkingDirectory
	if flagSet.Changed(workingDirectoryFlagNameConstant) {
		workingDirectory, _ = flagSet.GetString(workingDirectoryFlagNameConstant)
	}

	assignments, assignmentsError := flagSet.GetStringArray(environmentFlagNameConstant)
	if assignmentsError != nil {
		return runSettings{}, assignmentsError
	}
	environmentOverrides, environmentError := parseEnvironmentAssignments(assignments)
	if environmentError != nil {
		return runSettings{}, environmentError
	}

	return runSettings{
		format:    format,
		tailLines: configuration.TailLines,
		stream:    stream,
		actions:   configuration.actionDefinitions(),
		runtimeOptions: workflowpkg.RuntimeOptions{
			MaxParallel:      maxParallel,
			RunTimeout:       runTimeout,
			StepTimeout:      stepTimeout,
			Shell:            configuration.Shell,
			WorkingDirectory: workingDirectory,
			BaseEnvironment:  execshell.MergeEnvironment(execshell.ProcessEnvironment(), environmentOverrides),
		},
	}, nil
}

func resolveDurationFlag(command *cobra.Command, flagName string, configured time.Duration) (time.Duration, error) {
	resolved := configured
	if command.Flags().Changed(flagName) {
		flagValue, flagError := command.Flags().GetDuration(flagName)
		if flagError != nil {
			return 0, flagError
		}
		resolved = flagValue
	}
	if resolved < 0 {
		return 0, fmt.Errorf(negativeDurationTemplateConstant, flagName, resolved)
	}
	return resolved, nil
}
