package report

import (
	"fmt"
	"strings"

	"github.com/tyemirov/ciflow/internal/workflow"
)

const summaryPrefixConstant = "Summary:"

type summaryCounts struct {
	Jobs      int `yaml:"jobs" json:"jobs"`
	Succeeded int `yaml:"succeeded" json:"succeeded"`
	Failed    int `yaml:"failed" json:"failed"`
	Skipped   int `yaml:"skipped" json:"skipped"`
	Steps     int `yaml:"steps" json:"steps"`
}

func countRun(run workflow.Run) summaryCounts {
	counts := summaryCounts{Jobs: len(run.Jobs)}
	for _, job := range run.Jobs {
		switch job.Status {
		case workflow.StatusSucceeded:
			counts.Succeeded++
		case workflow.StatusFailed:
			counts.Failed++
		case workflow.StatusSkipped:
			counts.Skipped++
		}
		for _, step := range job.Steps {
			if step.Status != workflow.StatusSkipped && step.Status != workflow.StatusPending {
				counts.Steps++
			}
		}
	}
	return counts
}

// SummaryLine returns the one-line key=value digest printed after a run.
func SummaryLine(run workflow.Run) string {
	counts := countRun(run)
	parts := []string{
		summaryPrefixConstant,
		fmt.Sprintf("workflow=%q", run.WorkflowName),
		fmt.Sprintf("status=%s", run.Status),
		fmt.Sprintf("jobs=%d", counts.Jobs),
		fmt.Sprintf("succeeded=%d", counts.Succeeded),
		fmt.Sprintf("failed=%d", counts.Failed),
		fmt.Sprintf("skipped=%d", counts.Skipped),
		fmt.Sprintf("steps=%d", counts.Steps),
		fmt.Sprintf("duration_human=%s", formatDuration(run.Duration())),
		fmt.Sprintf("duration_ms=%d", run.Duration().Milliseconds()),
	}
	return strings.Join(parts, " ")
}
