package execshell_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tyemirov/ciflow/internal/execshell"
)

const (
	testExecutionSuccessCaseNameConstant         = "success"
	testExecutionFailureCaseNameConstant         = "failure_exit_code"
	testExecutionStartFailureCaseNameConstant    = "start_failure"
	testExecutionRunnerErrorCaseNameConstant     = "runner_error"
	testLoggerInitializationCaseNameConstant     = "logger_validation"
	testRunnerInitializationCaseNameConstant     = "runner_validation"
	testSuccessfulInitializationCaseNameConstant = "successful_initialization"
	testShellCommandNameConstant                 = "bash"
	testScriptFlagConstant                       = "-c"
	testScriptConstant                           = "cargo test"
	testWorkingDirectoryConstant                 = "."
	testStandardErrorOutputConstant              = "test result: FAILED"
	testRunnerFailureMessageConstant             = "runner failure"
	testStepTimeoutConstant                      = 20 * time.Millisecond
)

type recordingCommandRunner struct {
	executionResult  execshell.ExecutionResult
	executionError   error
	recordedCommands []execshell.ShellCommand
}

func (runner *recordingCommandRunner) Run(executionContext context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error) {
	runner.recordedCommands = append(runner.recordedCommands, command)
	return runner.executionResult, runner.executionError
}

// blockingCommandRunner behaves like a process that is killed when its context ends.
type blockingCommandRunner struct {
	started chan struct{}
}

func (runner *blockingCommandRunner) Run(executionContext context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error) {
	if runner.started != nil {
		close(runner.started)
	}
	<-executionContext.Done()
	return execshell.ExecutionResult{CombinedOutput: "partial", ExitCode: -1}, nil
}

func testCommand() execshell.ShellCommand {
	return execshell.ShellCommand{
		Name: testShellCommandNameConstant,
		Details: execshell.CommandDetails{
			Arguments:        []string{testScriptFlagConstant, testScriptConstant},
			WorkingDirectory: testWorkingDirectoryConstant,
		},
	}
}

func TestShellExecutorInitializationValidation(testInstance *testing.T) {
	testCases := []struct {
		name          string
		logger        *zap.Logger
		runner        execshell.CommandRunner
		expectError   error
		expectSuccess bool
	}{
		{
			name:        testLoggerInitializationCaseNameConstant,
			logger:      nil,
			runner:      &recordingCommandRunner{},
			expectError: execshell.ErrLoggerNotConfigured,
		},
		{
			name:        testRunnerInitializationCaseNameConstant,
			logger:      zap.NewNop(),
			runner:      nil,
			expectError: execshell.ErrCommandRunnerNotConfigured,
		},
		{
			name:          testSuccessfulInitializationCaseNameConstant,
			logger:        zap.NewNop(),
			runner:        &recordingCommandRunner{},
			expectSuccess: true,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			executor, creationError := execshell.NewShellExecutor(testCase.logger, testCase.runner, false)
			if testCase.expectSuccess {
				require.NoError(testInstance, creationError)
				require.NotNil(testInstance, executor)
				return
			}
			require.ErrorIs(testInstance, creationError, testCase.expectError)
		})
	}
}

func TestShellExecutorExecuteBehavior(testInstance *testing.T) {
	testCases := []struct {
		name           string
		runnerResult   execshell.ExecutionResult
		runnerError    error
		expectError    bool
		expectReason   execshell.FailureReason
		expectedLevels []zapcore.Level
	}{
		{
			name:           testExecutionSuccessCaseNameConstant,
			runnerResult:   execshell.ExecutionResult{StandardOutput: "ok", CombinedOutput: "ok"},
			expectedLevels: []zapcore.Level{zap.InfoLevel, zap.InfoLevel},
		},
		{
			name:           testExecutionFailureCaseNameConstant,
			runnerResult:   execshell.ExecutionResult{StandardError: testStandardErrorOutputConstant, CombinedOutput: testStandardErrorOutputConstant, ExitCode: 101},
			expectError:    true,
			expectReason:   execshell.FailureReasonNone,
			expectedLevels: []zapcore.Level{zap.InfoLevel, zap.WarnLevel},
		},
		{
			name:           testExecutionStartFailureCaseNameConstant,
			runnerResult:   execshell.ExecutionResult{ExitCode: -1},
			runnerError:    execshell.CommandStartError{Cause: errors.New("executable file not found in $PATH")},
			expectError:    true,
			expectReason:   execshell.FailureReasonCouldNotStart,
			expectedLevels: []zapcore.Level{zap.InfoLevel, zap.ErrorLevel},
		},
		{
			name:           testExecutionRunnerErrorCaseNameConstant,
			runnerError:    errors.New(testRunnerFailureMessageConstant),
			expectError:    true,
			expectReason:   execshell.FailureReasonNone,
			expectedLevels: []zapcore.Level{zap.InfoLevel, zap.ErrorLevel},
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			observerCore, observedLogs := observer.New(zap.DebugLevel)
			runner := &recordingCommandRunner{executionResult: testCase.runnerResult, executionError: testCase.runnerError}
			executor, creationError := execshell.NewShellExecutor(zap.New(observerCore), runner, false)
			require.NoError(testInstance, creationError)

			executionResult, executionError := executor.Execute(context.Background(), testCommand())
			require.Len(testInstance, runner.recordedCommands, 1)
			require.Equal(testInstance, testCase.runnerResult, executionResult)

			if testCase.expectError {
				require.Error(testInstance, executionError)
				require.Equal(testInstance, testCase.expectReason, execshell.ClassifyFailure(executionError))
			} else {
				require.NoError(testInstance, executionError)
			}

			observedEntries := observedLogs.All()
			require.Len(testInstance, observedEntries, len(testCase.expectedLevels))
			for entryIndex, expectedLevel := range testCase.expectedLevels {
				require.Equal(testInstance, expectedLevel, observedEntries[entryIndex].Level)
			}
		})
	}
}

func TestShellExecutorFailureKeepsCapturedOutput(testInstance *testing.T) {
	runner := &recordingCommandRunner{executionResult: execshell.ExecutionResult{
		StandardError:  "line one\nline two\n" + testStandardErrorOutputConstant + "\n",
		CombinedOutput: "line one\nline two\n" + testStandardErrorOutputConstant + "\n",
		ExitCode:       101,
	}}
	executor, creationError := execshell.NewShellExecutor(zap.NewNop(), runner, false)
	require.NoError(testInstance, creationError)

	executionResult, executionError := executor.Execute(context.Background(), testCommand())

	var failedError execshell.CommandFailedError
	require.ErrorAs(testInstance, executionError, &failedError)
	require.Equal(testInstance, 101, failedError.Result.ExitCode)
	require.Contains(testInstance, failedError.Error(), testStandardErrorOutputConstant)
	require.Contains(testInstance, executionResult.CombinedOutput, "line one")
}

func TestShellExecutorTimeoutIsDistinctFromCancellation(testInstance *testing.T) {
	testInstance.Run("step_timeout", func(testInstance *testing.T) {
		executor, creationError := execshell.NewShellExecutor(zap.NewNop(), &blockingCommandRunner{}, false)
		require.NoError(testInstance, creationError)

		command := testCommand()
		command.Details.Timeout = testStepTimeoutConstant
		executionResult, executionError := executor.Execute(context.Background(), command)

		var timeoutError execshell.CommandTimeoutError
		require.ErrorAs(testInstance, executionError, &timeoutError)
		require.Equal(testInstance, testStepTimeoutConstant, timeoutError.Timeout)
		require.Equal(testInstance, execshell.FailureReasonTimedOut, execshell.ClassifyFailure(executionError))
		require.Equal(testInstance, "partial", executionResult.CombinedOutput)
	})

	testInstance.Run("parent_cancelled", func(testInstance *testing.T) {
		runner := &blockingCommandRunner{started: make(chan struct{})}
		executor, creationError := execshell.NewShellExecutor(zap.NewNop(), runner, true)
		require.NoError(testInstance, creationError)

		parentContext, cancelParent := context.WithCancel(context.Background())
		go func() {
			<-runner.started
			cancelParent()
		}()

		command := testCommand()
		command.Details.Timeout = time.Minute
		_, executionError := executor.Execute(parentContext, command)

		require.ErrorIs(testInstance, executionError, context.Canceled)
		require.Equal(testInstance, execshell.FailureReasonCancelled, execshell.ClassifyFailure(executionError))
	})
}

func TestShellExecutorRejectsMissingCommandName(testInstance *testing.T) {
	runner := &recordingCommandRunner{}
	executor, creationError := execshell.NewShellExecutor(zap.NewNop(), runner, false)
	require.NoError(testInstance, creationError)

	_, executionError := executor.Execute(context.Background(), execshell.ShellCommand{})
	require.ErrorIs(testInstance, executionError, execshell.ErrCommandNameMissing)
	require.Empty(testInstance, runner.recordedCommands)
}
