package execshell

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailureReason distinguishes failures that are not plain non-zero exits.
type FailureReason string

// Failure reasons attached to classified command errors.
const (
	FailureReasonNone          FailureReason = ""
	FailureReasonCouldNotStart FailureReason = "could_not_start"
	FailureReasonTimedOut      FailureReason = "timed_out"
	FailureReasonCancelled     FailureReason = "cancelled"
)

const (
	commandFailureErrorMessageTemplateConstant   = "%s command exited with code %d"
	commandExecutionErrorMessageTemplateConstant = "%s command execution failed"
	commandStartErrorMessageTemplateConstant     = "%s command could not start"
	commandTimeoutErrorMessageTemplateConstant   = "%s command timed out after %s"
	commandCancelledErrorMessageTemplateConstant = "%s command cancelled"
	errorDetailTemplateConstant                  = "%s: %v"
	maximumFailureDetailLinesConstant            = 3
)

// CommandStartError reports that the runner could not spawn the process.
type CommandStartError struct {
	Command ShellCommand
	Cause   error
}

// Error describes the spawn failure.
func (startError CommandStartError) Error() string {
	return fmt.Sprintf(errorDetailTemplateConstant, fmt.Sprintf(commandStartErrorMessageTemplateConstant, startError.Command.Name), startError.Cause)
}

// Unwrap exposes the underlying error.
func (startError CommandStartError) Unwrap() error {
	return startError.Cause
}

// CommandFailedError provides details about commands exiting with a non-zero code.
type CommandFailedError struct {
	Command ShellCommand
	Result  ExecutionResult
}

// Error describes the failure in a readable format.
func (commandError CommandFailedError) Error() string {
	baseMessage := fmt.Sprintf(commandFailureErrorMessageTemplateConstant, commandError.Command.Name, commandError.Result.ExitCode)

	detail := strings.TrimSpace(commandError.Result.StandardError)
	if len(detail) == 0 {
		detail = strings.TrimSpace(commandError.Result.StandardOutput)
	}
	if len(detail) == 0 {
		return baseMessage
	}

	lines := strings.Split(detail, "\n")
	if len(lines) > maximumFailureDetailLinesConstant {
		lines = lines[len(lines)-maximumFailureDetailLinesConstant:]
	}
	normalized := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	if len(normalized) == 0 {
		return baseMessage
	}
	return fmt.Sprintf("%s: %s", baseMessage, strings.Join(normalized, " | "))
}

// CommandExecutionError wraps failures that prevented the command from producing an exit status.
type CommandExecutionError struct {
	Command ShellCommand
	Result  ExecutionResult
	Reason  FailureReason
	Cause   error
}

// Error describes the underlying runner failure.
func (executionError CommandExecutionError) Error() string {
	template := commandExecutionErrorMessageTemplateConstant
	if executionError.Reason == FailureReasonCouldNotStart {
		template = commandStartErrorMessageTemplateConstant
	}
	baseMessage := fmt.Sprintf(template, executionError.Command.Name)
	if executionError.Cause == nil {
		return baseMessage
	}
	return fmt.Sprintf(errorDetailTemplateConstant, baseMessage, executionError.Cause)
}

// Unwrap exposes the underlying error.
func (executionError CommandExecutionError) Unwrap() error {
	return executionError.Cause
}

// CommandTimeoutError reports that the command was terminated after exceeding its timeout.
type CommandTimeoutError struct {
	Command ShellCommand
	Result  ExecutionResult
	Timeout time.Duration
}

// Error describes the timeout.
func (timeoutError CommandTimeoutError) Error() string {
	return fmt.Sprintf(commandTimeoutErrorMessageTemplateConstant, timeoutError.Command.Name, timeoutError.Timeout)
}

// CommandCancelledError reports that the caller's context ended while the command was running.
type CommandCancelledError struct {
	Command ShellCommand
	Result  ExecutionResult
	Cause   error
}

// Error describes the cancellation.
func (cancelledError CommandCancelledError) Error() string {
	return fmt.Sprintf(commandCancelledErrorMessageTemplateConstant, cancelledError.Command.Name)
}

// Unwrap exposes the context error.
func (cancelledError CommandCancelledError) Unwrap() error {
	return cancelledError.Cause
}

// ClassifyFailure maps an error returned by ShellExecutor.Execute to its failure reason.
func ClassifyFailure(executionError error) FailureReason {
	var timeoutError CommandTimeoutError
	if errors.As(executionError, &timeoutError) {
		return FailureReasonTimedOut
	}
	var cancelledError CommandCancelledError
	if errors.As(executionError, &cancelledError) {
		return FailureReasonCancelled
	}
	var commandExecutionError CommandExecutionError
	if errors.As(executionError, &commandExecutionError) {
		return commandExecutionError.Reason
	}
	return FailureReasonNone
}
