package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tyemirov/ciflow/internal/workflow"
)

const (
	symbolSucceeded            = "✓"
	symbolFailed               = "✖"
	symbolSkipped              = "⊘"
	symbolPending              = "…"
	headerWorkflowTemplate     = "Workflow: %s\n"
	headerEventTemplate        = "Event: %s\n"
	headerStatusTemplate       = "Status: %s\n"
	groupHeaderTemplate        = "-- %s --\n"
	instanceLineTemplate       = "%s %s%s %s\n"
	skippedInstanceTemplate    = "%s %s%s skipped: %s\n"
	runnerLabelTemplate        = " [%s]"
	stepLineTemplate           = "  %s %s %s%s\n"
	skippedStepTemplate        = "  %s %s skipped\n"
	exitCodeDetailTemplate     = " exit=%d"
	markerDetailTemplate       = " marker=%s"
	stepErrorTemplate          = "      error: %s\n"
	outputHeaderTemplate       = "      output (%s, last %d of %d lines):\n"
	outputLineTemplate         = "      | %s\n"
	notTriggeredMessage        = "No trigger matched the event; nothing ran.\n"
	eventReferenceSeparator    = " "
	eventBaseReferenceTemplate = " -> %s"
	durationPrecision          = time.Millisecond
)

func renderText(writer io.Writer, run workflow.Run, tailLines int) error {
	buffered := bufio.NewWriter(writer)

	fmt.Fprintf(buffered, headerWorkflowTemplate, run.WorkflowName)
	fmt.Fprintf(buffered, headerEventTemplate, describeEvent(run.Event))
	fmt.Fprintf(buffered, headerStatusTemplate, run.Status)

	if run.Status == workflow.RunStatusNotTriggered {
		fmt.Fprintln(buffered)
		fmt.Fprint(buffered, notTriggeredMessage)
	}

	currentGroup := ""
	for jobIndex, job := range run.Jobs {
		if jobIndex == 0 || job.JobIdentifier != currentGroup {
			currentGroup = job.JobIdentifier
			fmt.Fprintln(buffered)
			fmt.Fprintf(buffered, groupHeaderTemplate, currentGroup)
		}
		writeJob(buffered, job, tailLines)
	}

	fmt.Fprintln(buffered)
	fmt.Fprintln(buffered, SummaryLine(run))
	return buffered.Flush()
}

func writeJob(writer io.Writer, job workflow.JobResult, tailLines int) {
	runnerLabel := ""
	if len(job.RunsOn) > 0 {
		runnerLabel = fmt.Sprintf(runnerLabelTemplate, job.RunsOn)
	}

	if job.Status == workflow.StatusSkipped {
		fmt.Fprintf(writer, skippedInstanceTemplate, symbolFor(job.Status), job.InstanceName, runnerLabel, job.Reason)
		return
	}
	fmt.Fprintf(writer, instanceLineTemplate, symbolFor(job.Status), job.InstanceName, runnerLabel, formatDuration(job.Duration()))

	for _, step := range job.Steps {
		if step.Status == workflow.StatusSkipped {
			fmt.Fprintf(writer, skippedStepTemplate, symbolFor(step.Status), step.Name)
			continue
		}

		details := ""
		if step.Status == workflow.StatusFailed {
			details += fmt.Sprintf(exitCodeDetailTemplate, step.ExitCode)
			if step.Marker != workflow.MarkerNone {
				details += fmt.Sprintf(markerDetailTemplate, step.Marker)
			}
		}
		fmt.Fprintf(writer, stepLineTemplate, symbolFor(step.Status), step.Name, formatDuration(step.Duration()), details)

		if step.Status == workflow.StatusFailed {
			writeFailureDetail(writer, step, tailLines)
		}
	}
}

func writeFailureDetail(writer io.Writer, step workflow.StepResult, tailLines int) {
	if len(step.Error) > 0 {
		fmt.Fprintf(writer, stepErrorTemplate, firstLine(step.Error))
	}
	lines := outputLines(step.Output)
	if len(lines) == 0 {
		return
	}
	tail := lines
	if len(tail) > tailLines {
		tail = tail[len(tail)-tailLines:]
	}
	fmt.Fprintf(writer, outputHeaderTemplate, humanize.Bytes(uint64(len(step.Output))), len(tail), len(lines))
	for _, line := range tail {
		fmt.Fprintf(writer, outputLineTemplate, line)
	}
}

func describeEvent(event workflow.Event) string {
	parts := []string{string(event.Kind)}
	if len(event.Ref) > 0 {
		parts = append(parts, event.Ref)
	}
	description := strings.Join(parts, eventReferenceSeparator)
	if len(event.BaseRef) > 0 {
		description += fmt.Sprintf(eventBaseReferenceTemplate, event.BaseRef)
	}
	return description
}

func symbolFor(status workflow.Status) string {
	switch status {
	case workflow.StatusSucceeded:
		return symbolSucceeded
	case workflow.StatusFailed:
		return symbolFailed
	case workflow.StatusSkipped:
		return symbolSkipped
	default:
		return symbolPending
	}
}

func formatDuration(duration time.Duration) string {
	return duration.Round(durationPrecision).String()
}

func outputLines(output string) []string {
	trimmed := strings.TrimRight(output, "\n")
	if len(trimmed) == 0 {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func firstLine(text string) string {
	trimmed := strings.TrimSpace(text)
	if lineEnd := strings.IndexByte(trimmed, '\n'); lineEnd >= 0 {
		return trimmed[:lineEnd]
	}
	return trimmed
}
