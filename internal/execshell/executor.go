package execshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	loggerNotConfiguredMessageConstant        = "shell executor logger not configured"
	commandRunnerNotConfiguredMessageConstant = "shell executor command runner not configured"
	commandNameMissingMessageConstant         = "shell command name not provided"
	commandStartMessageConstant               = "command execution starting"
	commandSuccessMessageConstant             = "command execution completed"
	commandFailureMessageConstant             = "command returned non-zero status"
	commandRunnerErrorMessageConstant         = "command execution error"
	commandTimeoutMessageConstant             = "command exceeded its timeout"
	commandCancelledMessageConstant           = "command cancelled"
	commandNameFieldNameConstant              = "command"
	commandArgumentsFieldNameConstant         = "arguments"
	workingDirectoryFieldNameConstant         = "working_directory"
	exitCodeFieldNameConstant                 = "exit_code"
	timeoutFieldNameConstant                  = "timeout"
	failureReasonFieldNameConstant            = "reason"
	standardErrorFieldNameConstant            = "stderr"
	humanStartTemplateConstant                = "Running %s"
	humanSuccessTemplateConstant              = "Finished %s"
	humanFailureTemplateConstant              = "%s exited with code %d"
	humanTimeoutTemplateConstant              = "%s timed out after %s"
	humanCancelledTemplateConstant            = "%s cancelled"
	humanExecutionFailureTemplateConstant     = "%s could not run: %v"
)

// CommandName identifies the executable to invoke.
type CommandName string

// CommandDetails describes command invocation properties.
// A nil EnvironmentVariables map inherits the process environment; a non-nil
// map is the complete environment of the child process.
type CommandDetails struct {
	Arguments            []string
	WorkingDirectory     string
	EnvironmentVariables map[string]string
	StandardInput        []byte
	Timeout              time.Duration
	OutputWriter         io.Writer
}

// ShellCommand represents a fully qualified command invocation.
type ShellCommand struct {
	Name    CommandName
	Details CommandDetails
}

// ExecutionResult captures observable command results.
type ExecutionResult struct {
	StandardOutput string
	StandardError  string
	CombinedOutput string
	ExitCode       int
}

// CommandRunner executes shell commands.
type CommandRunner interface {
	Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error)
}

// ShellExecutor orchestrates running shell commands with logging, timeouts and outcome classification.
type ShellExecutor struct {
	commandRunner        CommandRunner
	logger               *zap.Logger
	humanReadableLogging bool
}

var (
	// ErrLoggerNotConfigured indicates the logger dependency was missing.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrCommandRunnerNotConfigured indicates the command runner dependency was missing.
	ErrCommandRunnerNotConfigured = errors.New(commandRunnerNotConfiguredMessageConstant)
	// ErrCommandNameMissing indicates the command name was not provided.
	ErrCommandNameMissing = errors.New(commandNameMissingMessageConstant)
)

// NewShellExecutor builds an executor for the provided runner and logger.
func NewShellExecutor(logger *zap.Logger, commandRunner CommandRunner, humanReadableLogging bool) (*ShellExecutor, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if commandRunner == nil {
		return nil, ErrCommandRunnerNotConfigured
	}
	return &ShellExecutor{
		commandRunner:        commandRunner,
		logger:               logger,
		humanReadableLogging: humanReadableLogging,
	}, nil
}

// Execute runs the provided shell command and classifies its outcome.
// The execution result is returned on every path so captured output survives failures.
func (executor *ShellExecutor) Execute(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	if len(command.Name) == 0 {
		return ExecutionResult{}, ErrCommandNameMissing
	}
	if executionContext == nil {
		executionContext = context.Background()
	}

	executor.logStart(command)

	commandContext := executionContext
	cancelCommand := func() {}
	if command.Details.Timeout > 0 {
		commandContext, cancelCommand = context.WithTimeout(executionContext, command.Details.Timeout)
	}
	defer cancelCommand()

	executionResult, runnerError := executor.commandRunner.Run(commandContext, command)
	classifiedError := classifyOutcome(executionContext, commandContext, command, executionResult, runnerError)
	executor.logOutcome(command, executionResult, classifiedError)
	return executionResult, classifiedError
}

func classifyOutcome(parentContext context.Context, commandContext context.Context, command ShellCommand, executionResult ExecutionResult, runnerError error) error {
	var startError CommandStartError
	if errors.As(runnerError, &startError) {
		if parentContext.Err() != nil {
			return CommandCancelledError{Command: command, Result: executionResult, Cause: parentContext.Err()}
		}
		return CommandExecutionError{Command: command, Result: executionResult, Reason: FailureReasonCouldNotStart, Cause: startError.Cause}
	}

	if runnerError == nil && executionResult.ExitCode == 0 {
		return nil
	}

	if parentContext.Err() != nil {
		return CommandCancelledError{Command: command, Result: executionResult, Cause: parentContext.Err()}
	}

	if errors.Is(commandContext.Err(), context.DeadlineExceeded) {
		return CommandTimeoutError{Command: command, Result: executionResult, Timeout: command.Details.Timeout}
	}

	if runnerError != nil {
		return CommandExecutionError{Command: command, Result: executionResult, Cause: runnerError}
	}

	return CommandFailedError{Command: command, Result: executionResult}
}

func (executor *ShellExecutor) logStart(command ShellCommand) {
	if executor.humanReadableLogging {
		executor.logger.Info(fmt.Sprintf(humanStartTemplateConstant, describeCommand(command)))
		return
	}
	executor.logger.Info(commandStartMessageConstant,
		zap.String(commandNameFieldNameConstant, string(command.Name)),
		zap.Strings(commandArgumentsFieldNameConstant, command.Details.Arguments),
		zap.String(workingDirectoryFieldNameConstant, command.Details.WorkingDirectory),
	)
}

func (executor *ShellExecutor) logOutcome(command ShellCommand, executionResult ExecutionResult, outcomeError error) {
	description := describeCommand(command)

	var failedError CommandFailedError
	var timeoutError CommandTimeoutError
	var cancelledError CommandCancelledError
	var executionError CommandExecutionError

	switch {
	case outcomeError == nil:
		if executor.humanReadableLogging {
			executor.logger.Info(fmt.Sprintf(humanSuccessTemplateConstant, description))
			return
		}
		executor.logger.Info(commandSuccessMessageConstant,
			zap.String(commandNameFieldNameConstant, string(command.Name)),
			zap.Int(exitCodeFieldNameConstant, executionResult.ExitCode),
		)
	case errors.As(outcomeError, &failedError):
		if executor.humanReadableLogging {
			executor.logger.Warn(fmt.Sprintf(humanFailureTemplateConstant, description, executionResult.ExitCode))
			return
		}
		executor.logger.Warn(commandFailureMessageConstant,
			zap.String(commandNameFieldNameConstant, string(command.Name)),
			zap.Int(exitCodeFieldNameConstant, executionResult.ExitCode),
			zap.String(standardErrorFieldNameConstant, executionResult.StandardError),
		)
	case errors.As(outcomeError, &timeoutError):
		if executor.humanReadableLogging {
			executor.logger.Warn(fmt.Sprintf(humanTimeoutTemplateConstant, description, timeoutError.Timeout))
			return
		}
		executor.logger.Warn(commandTimeoutMessageConstant,
			zap.String(commandNameFieldNameConstant, string(command.Name)),
			zap.Duration(timeoutFieldNameConstant, timeoutError.Timeout),
		)
	case errors.As(outcomeError, &cancelledError):
		if executor.humanReadableLogging {
			executor.logger.Warn(fmt.Sprintf(humanCancelledTemplateConstant, description))
			return
		}
		executor.logger.Warn(commandCancelledMessageConstant,
			zap.String(commandNameFieldNameConstant, string(command.Name)),
		)
	case errors.As(outcomeError, &executionError):
		if executor.humanReadableLogging {
			executor.logger.Error(fmt.Sprintf(humanExecutionFailureTemplateConstant, description, executionError.Cause))
			return
		}
		executor.logger.Error(commandRunnerErrorMessageConstant,
			zap.String(commandNameFieldNameConstant, string(command.Name)),
			zap.String(failureReasonFieldNameConstant, string(executionError.Reason)),
			zap.Error(executionError.Cause),
		)
	}
}

func describeCommand(command ShellCommand) string {
	if len(command.Details.Arguments) == 0 {
		return string(command.Name)
	}
	return fmt.Sprintf("%s %s", command.Name, strings.Join(command.Details.Arguments, " "))
}
