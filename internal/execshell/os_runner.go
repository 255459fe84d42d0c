package execshell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

const (
	defaultWaitDelayConstant  = 5 * time.Second
	unstartedExitCodeConstant = -1
)

// OSCommandRunner executes commands as operating system processes.
type OSCommandRunner struct {
	waitDelay time.Duration
}

// NewOSCommandRunner constructs a runner backed by os/exec.
func NewOSCommandRunner() OSCommandRunner {
	return OSCommandRunner{waitDelay: defaultWaitDelayConstant}
}

// WithWaitDelay returns a copy of the runner that waits at most delay for
// output pipes held by leftover child processes after the command exits.
func (runner OSCommandRunner) WithWaitDelay(delay time.Duration) OSCommandRunner {
	runner.waitDelay = delay
	return runner
}

// Run spawns the command, streams its output into the capture buffers and the
// optional live writer, and waits for it to exit or for the context to end.
// Context cancellation terminates the whole process group.
func (runner OSCommandRunner) Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	if executionContext == nil {
		executionContext = context.Background()
	}

	process := exec.CommandContext(executionContext, string(command.Name), command.Details.Arguments...)
	process.Dir = command.Details.WorkingDirectory
	if command.Details.EnvironmentVariables != nil {
		process.Env = EnvironmentList(command.Details.EnvironmentVariables)
	}
	if len(command.Details.StandardInput) > 0 {
		process.Stdin = bytes.NewReader(command.Details.StandardInput)
	}

	capture := newOutputCapture(command.Details.OutputWriter)
	process.Stdout = capture.standardOutputWriter()
	process.Stderr = capture.standardErrorWriter()
	process.WaitDelay = runner.waitDelay
	configureProcessTermination(process)

	if startError := process.Start(); startError != nil {
		executionResult := capture.result()
		executionResult.ExitCode = unstartedExitCodeConstant
		return executionResult, CommandStartError{Command: command, Cause: startError}
	}

	waitError := process.Wait()
	executionResult := capture.result()
	if waitError == nil {
		return executionResult, nil
	}

	var exitError *exec.ExitError
	if errors.As(waitError, &exitError) {
		executionResult.ExitCode = exitError.ExitCode()
		return executionResult, nil
	}

	// A background child still holding the output pipes does not change the
	// exit status of the command itself.
	if errors.Is(waitError, exec.ErrWaitDelay) && process.ProcessState != nil {
		executionResult.ExitCode = process.ProcessState.ExitCode()
		return executionResult, nil
	}

	executionResult.ExitCode = unstartedExitCodeConstant
	return executionResult, waitError
}

type outputCapture struct {
	mutex          sync.Mutex
	combined       bytes.Buffer
	standardOutput bytes.Buffer
	standardError  bytes.Buffer
	liveWriter     io.Writer
}

type outputStreamWriter struct {
	capture *outputCapture
	stream  *bytes.Buffer
}

func newOutputCapture(liveWriter io.Writer) *outputCapture {
	return &outputCapture{liveWriter: liveWriter}
}

func (capture *outputCapture) standardOutputWriter() io.Writer {
	return outputStreamWriter{capture: capture, stream: &capture.standardOutput}
}

func (capture *outputCapture) standardErrorWriter() io.Writer {
	return outputStreamWriter{capture: capture, stream: &capture.standardError}
}

func (capture *outputCapture) result() ExecutionResult {
	capture.mutex.Lock()
	defer capture.mutex.Unlock()
	return ExecutionResult{
		StandardOutput: capture.standardOutput.String(),
		StandardError:  capture.standardError.String(),
		CombinedOutput: capture.combined.String(),
	}
}

// Write never fails; a broken live writer must not kill the child process.
func (writer outputStreamWriter) Write(data []byte) (int, error) {
	writer.capture.mutex.Lock()
	defer writer.capture.mutex.Unlock()
	writer.stream.Write(data)
	writer.capture.combined.Write(data)
	if writer.capture.liveWriter != nil {
		_, _ = writer.capture.liveWriter.Write(data)
	}
	return len(data), nil
}
