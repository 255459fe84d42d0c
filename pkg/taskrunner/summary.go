package taskrunner

import (
	"github.com/tyemirov/ciflow/internal/report"
	"github.com/tyemirov/ciflow/internal/workflow"
)

// RenderSummaryLine returns the summary line printed after a run. Runs that
// were not triggered produce an empty line.
func RenderSummaryLine(run workflow.Run) string {
	if run.Status == workflow.RunStatusNotTriggered || len(run.Jobs) == 0 {
		return ""
	}
	return report.SummaryLine(run)
}
