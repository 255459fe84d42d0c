package cli

import (
	"errors"
	"fmt"

	workflowcmd "github.com/tyemirov/ciflow/cmd/cli/workflow"
)

// Process exit codes reported by the CLI.
const (
	ExitCodeSuccess       = 0
	ExitCodeFailure       = 1
	ExitCodeLoadFailure   = 2
	exitCodeErrorTemplate = "%v"
)

// ExitCodeError pairs a failure with the process exit code it maps to.
type ExitCodeError struct {
	Code  int
	Cause error
}

// Error implements the error interface.
func (exitCodeError ExitCodeError) Error() string {
	return fmt.Sprintf(exitCodeErrorTemplate, exitCodeError.Cause)
}

// Unwrap exposes the underlying cause.
func (exitCodeError ExitCodeError) Unwrap() error {
	return exitCodeError.Cause
}

// ExitCode returns the process exit code for an error returned by Execute.
func ExitCode(executionError error) int {
	if executionError == nil {
		return ExitCodeSuccess
	}
	var exitCodeError ExitCodeError
	if errors.As(executionError, &exitCodeError) {
		return exitCodeError.Code
	}
	return ExitCodeFailure
}

// classifyExecutionError attaches exit codes to command failures: only a
// workflow that ran to a failed verdict exits 1. Load, usage and report
// errors exit 2.
func classifyExecutionError(executionError error) error {
	if executionError == nil {
		return nil
	}

	var exitCodeError ExitCodeError
	if errors.As(executionError, &exitCodeError) {
		return executionError
	}

	var workflowFailedError workflowcmd.WorkflowFailedError
	if errors.As(executionError, &workflowFailedError) {
		return ExitCodeError{Code: ExitCodeFailure, Cause: executionError}
	}

	return ExitCodeError{Code: ExitCodeLoadFailure, Cause: executionError}
}
