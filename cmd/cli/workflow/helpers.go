package workflow

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/pkg/taskrunner"
)

const (
	loadErrorTemplateConstant      = "%s: %v"
	workflowFailedTemplateConstant = "workflow %q failed (run %s)"
)

// LoggerProvider yields a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// TaskRunnerExecutor represents a workflow runner.
type TaskRunnerExecutor = taskrunner.Executor

// TaskRunnerFactory constructs workflow runners.
type TaskRunnerFactory = taskrunner.Factory

// LoadError reports that the workflow definition, event or run settings could
// not be loaded. Nothing was executed.
type LoadError struct {
	Stage string
	Cause error
}

// Error implements the error interface.
func (loadError LoadError) Error() string {
	return fmt.Sprintf(loadErrorTemplateConstant, loadError.Stage, loadError.Cause)
}

// Unwrap exposes the underlying cause.
func (loadError LoadError) Unwrap() error {
	return loadError.Cause
}

// WorkflowFailedError reports that a workflow ran to completion with a failed verdict.
type WorkflowFailedError struct {
	WorkflowName  string
	RunIdentifier string
}

// Error implements the error interface.
func (failure WorkflowFailedError) Error() string {
	return fmt.Sprintf(workflowFailedTemplateConstant, failure.WorkflowName, failure.RunIdentifier)
}

func resolveLogger(provider LoggerProvider) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	logger := provider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func displayCommandHelp(command *cobra.Command) error {
	if command == nil {
		return nil
	}
	return command.Help()
}
