package workflow_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tyemirov/ciflow/internal/execshell"
)

var fixedTestTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedTestTime
}

func fixedRunIdentifier() string {
	return "run-0001"
}

// spyCommandRunner answers by script text and records every spawned command.
type spyCommandRunner struct {
	mutex     sync.Mutex
	commands  []execshell.ShellCommand
	responses map[string]execshell.ExecutionResult
	delay     time.Duration
	running   atomic.Int32
	peak      atomic.Int32
}

func newSpyCommandRunner(responses map[string]execshell.ExecutionResult) *spyCommandRunner {
	return &spyCommandRunner{responses: responses}
}

func (runner *spyCommandRunner) Run(executionContext context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error) {
	runner.mutex.Lock()
	runner.commands = append(runner.commands, command)
	runner.mutex.Unlock()

	current := runner.running.Add(1)
	defer runner.running.Add(-1)
	for {
		observed := runner.peak.Load()
		if current <= observed || runner.peak.CompareAndSwap(observed, current) {
			break
		}
	}

	if runner.delay > 0 {
		select {
		case <-time.After(runner.delay):
		case <-executionContext.Done():
			return execshell.ExecutionResult{ExitCode: -1}, executionContext.Err()
		}
	}

	response := runner.responses[scriptOf(command)]
	if command.Details.OutputWriter != nil && len(response.CombinedOutput) > 0 {
		_, _ = command.Details.OutputWriter.Write([]byte(response.CombinedOutput))
	}
	return response, nil
}

func (runner *spyCommandRunner) recordedCommands() []execshell.ShellCommand {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	recorded := make([]execshell.ShellCommand, len(runner.commands))
	copy(recorded, runner.commands)
	return recorded
}

func (runner *spyCommandRunner) recordedScripts() []string {
	commands := runner.recordedCommands()
	scripts := make([]string, 0, len(commands))
	for _, command := range commands {
		scripts = append(scripts, scriptOf(command))
	}
	return scripts
}

// blockingCommandRunner holds every command until its context ends.
type blockingCommandRunner struct {
	started atomic.Int32
}

func (runner *blockingCommandRunner) Run(executionContext context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error) {
	runner.started.Add(1)
	<-executionContext.Done()
	return execshell.ExecutionResult{ExitCode: -1, CombinedOutput: "partial\n"}, executionContext.Err()
}

func scriptOf(command execshell.ShellCommand) string {
	if len(command.Details.Arguments) == 0 {
		return ""
	}
	return command.Details.Arguments[len(command.Details.Arguments)-1]
}
