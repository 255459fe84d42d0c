package taskrunner

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tyemirov/ciflow/internal/workflow"
)

// Executor runs a workflow definition against an event.
type Executor interface {
	Run(ctx context.Context, definition *workflow.Definition, event workflow.Event, options workflow.RuntimeOptions) (workflow.Run, error)
}

// Factory constructs an Executor given workflow dependencies.
type Factory func(workflow.Dependencies) Executor

type schedulerAdapter struct {
	dependencies workflow.Dependencies
}

func (adapter schedulerAdapter) Run(ctx context.Context, definition *workflow.Definition, event workflow.Event, options workflow.RuntimeOptions) (workflow.Run, error) {
	scheduler, schedulerError := workflow.NewScheduler(adapter.dependencies, options)
	if schedulerError != nil {
		return workflow.Run{}, schedulerError
	}
	return scheduler.RunWorkflow(ctx, definition, event)
}

// Resolve returns either the provided factory result or a default workflow
// scheduler. When summaryWriter is set, a summary line is printed after each run.
func Resolve(factory Factory, dependencies workflow.Dependencies, summaryWriter io.Writer) Executor {
	var base Executor
	if factory != nil {
		base = factory(dependencies)
	}
	if base == nil {
		base = schedulerAdapter{dependencies: dependencies}
	}
	return summaryExecutor{
		delegate:      base,
		summaryWriter: summaryWriter,
	}
}

type summaryExecutor struct {
	delegate      Executor
	summaryWriter io.Writer
}

func (executor summaryExecutor) Run(ctx context.Context, definition *workflow.Definition, event workflow.Event, options workflow.RuntimeOptions) (workflow.Run, error) {
	run, err := executor.delegate.Run(ctx, definition, event, options)
	if err == nil {
		executor.printSummary(run)
	}
	return run, err
}

func (executor summaryExecutor) printSummary(run workflow.Run) {
	if executor.summaryWriter == nil {
		return
	}
	summary := RenderSummaryLine(run)
	if len(strings.TrimSpace(summary)) == 0 {
		return
	}
	fmt.Fprintln(executor.summaryWriter, summary)
}
