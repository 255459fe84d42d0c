package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/ciflow/internal/execshell"
)

const (
	gitCommandNameConstant                    = execshell.CommandName("git")
	gitDiffSubcommandConstant                 = "diff"
	gitNameOnlyFlagConstant                   = "--name-only"
	gitNoRenamesFlagConstant                  = "--no-renames"
	gitMergeBaseRangeTemplateConstant         = "%s...HEAD"
	gitTerminalPromptVariableConstant         = "GIT_TERMINAL_PROMPT"
	gitTerminalPromptDisabledConstant         = "0"
	repositoryPathFieldNameConstant           = "repository_path"
	baseRevisionFieldNameConstant             = "base_revision"
	requiredValueMessageConstant              = "value required"
	optionLikeRevisionMessageConstant         = "must not start with '-'"
	executorNotConfiguredMessageConstant      = "git executor not configured"
	repositoryOperationErrorTemplateConstant  = "%s operation failed"
	repositoryOperationErrorWithCauseConstant = "%s operation failed: %s"
	invalidRepositoryInputTemplateConstant    = "%s: %s"
	changedPathsOperationNameConstant         = RepositoryOperationName("ListChangedPaths")
)

// GitCommandExecutor runs git with the provided invocation details.
type GitCommandExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// ShellCommandExecutor is the subset of execshell.ShellExecutor used to run git.
type ShellCommandExecutor interface {
	Execute(executionContext context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error)
}

// ShellGitExecutor adapts a ShellCommandExecutor to GitCommandExecutor. Git
// inherits the process environment with interactive prompts disabled.
type ShellGitExecutor struct {
	executor ShellCommandExecutor
}

// NewShellGitExecutor wraps executor for git invocations.
func NewShellGitExecutor(executor ShellCommandExecutor) ShellGitExecutor {
	return ShellGitExecutor{executor: executor}
}

// ExecuteGit implements GitCommandExecutor.
func (gitExecutor ShellGitExecutor) ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error) {
	if gitExecutor.executor == nil {
		return execshell.ExecutionResult{}, ErrGitExecutorNotConfigured
	}
	details.EnvironmentVariables = execshell.MergeEnvironment(
		execshell.ProcessEnvironment(),
		details.EnvironmentVariables,
		map[string]string{gitTerminalPromptVariableConstant: gitTerminalPromptDisabledConstant},
	)
	return gitExecutor.executor.Execute(executionContext, execshell.ShellCommand{Name: gitCommandNameConstant, Details: details})
}

// RepositoryManager answers questions about a local repository through git.
type RepositoryManager struct {
	executor GitCommandExecutor
}

var (
	// ErrGitExecutorNotConfigured indicates the RepositoryManager was constructed without a git executor.
	ErrGitExecutorNotConfigured = errors.New(executorNotConfiguredMessageConstant)
)

// InvalidRepositoryInputError indicates validation failures for repository operations.
type InvalidRepositoryInputError struct {
	FieldName string
	Message   string
}

// Error describes the validation failure.
func (inputError InvalidRepositoryInputError) Error() string {
	return fmt.Sprintf(invalidRepositoryInputTemplateConstant, inputError.FieldName, inputError.Message)
}

// RepositoryOperationName captures descriptive names for repository operations.
type RepositoryOperationName string

// RepositoryOperationError wraps execution failures for git operations.
type RepositoryOperationError struct {
	Operation RepositoryOperationName
	Cause     error
}

// Error describes the repository operation failure.
func (operationError RepositoryOperationError) Error() string {
	if operationError.Cause == nil {
		return fmt.Sprintf(repositoryOperationErrorTemplateConstant, operationError.Operation)
	}
	return fmt.Sprintf(repositoryOperationErrorWithCauseConstant, operationError.Operation, operationError.Cause)
}

// Unwrap exposes the underlying error.
func (operationError RepositoryOperationError) Unwrap() error {
	return operationError.Cause
}

// NewRepositoryManager constructs a RepositoryManager for the provided executor.
func NewRepositoryManager(executor GitCommandExecutor) (*RepositoryManager, error) {
	if executor == nil {
		return nil, ErrGitExecutorNotConfigured
	}
	return &RepositoryManager{executor: executor}, nil
}

// ChangedPaths lists the repository-relative paths that differ between the
// merge base of baseRevision and HEAD, in git's order and without duplicates.
func (manager *RepositoryManager) ChangedPaths(executionContext context.Context, repositoryPath string, baseRevision string) ([]string, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return nil, InvalidRepositoryInputError{FieldName: repositoryPathFieldNameConstant, Message: requiredValueMessageConstant}
	}

	trimmedRevision := strings.TrimSpace(baseRevision)
	if len(trimmedRevision) == 0 {
		return nil, InvalidRepositoryInputError{FieldName: baseRevisionFieldNameConstant, Message: requiredValueMessageConstant}
	}
	if strings.HasPrefix(trimmedRevision, "-") {
		return nil, InvalidRepositoryInputError{FieldName: baseRevisionFieldNameConstant, Message: optionLikeRevisionMessageConstant}
	}

	commandDetails := execshell.CommandDetails{
		Arguments: []string{
			gitDiffSubcommandConstant,
			gitNameOnlyFlagConstant,
			gitNoRenamesFlagConstant,
			fmt.Sprintf(gitMergeBaseRangeTemplateConstant, trimmedRevision),
		},
		WorkingDirectory: trimmedPath,
	}

	executionResult, executionError := manager.executor.ExecuteGit(executionContext, commandDetails)
	if executionError != nil {
		return nil, RepositoryOperationError{Operation: changedPathsOperationNameConstant, Cause: executionError}
	}

	trimmedOutput := strings.TrimSpace(executionResult.StandardOutput)
	if len(trimmedOutput) == 0 {
		return nil, nil
	}

	lines := strings.Split(trimmedOutput, "\n")
	changedPaths := make([]string, 0, len(lines))
	seenPaths := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		trimmedLine := strings.TrimSpace(line)
		if len(trimmedLine) == 0 {
			continue
		}
		if _, seen := seenPaths[trimmedLine]; seen {
			continue
		}
		seenPaths[trimmedLine] = struct{}{}
		changedPaths = append(changedPaths, trimmedLine)
	}
	return changedPaths, nil
}
