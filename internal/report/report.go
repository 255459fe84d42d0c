// Package report renders workflow runs for people and machines.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tyemirov/ciflow/internal/workflow"
)

// Format selects the rendering of a run.
type Format string

// Supported report formats.
const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

const (
	// DefaultTailLines is the number of trailing output lines shown for failed steps.
	DefaultTailLines = 20

	unsupportedFormatTemplateConstant = "unsupported report format %q"
	writerMissingMessageConstant      = "report writer not provided"
	renderErrorTemplateConstant       = "render %s report: %w"
	jsonIndentConstant                = "  "
	yamlIndentConstant                = 2
	exitCodeSuccessConstant           = 0
	exitCodeFailureConstant           = 1
)

// ErrWriterMissing indicates Render received a nil writer.
var ErrWriterMissing = errors.New(writerMissingMessageConstant)

// Options configures rendering.
type Options struct {
	Format    Format
	TailLines int
}

// ParseFormat normalizes raw into a supported format; blank selects text.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatText:
		return FormatText, nil
	case FormatYAML:
		return FormatYAML, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf(unsupportedFormatTemplateConstant, raw)
	}
}

// Render writes run to writer. Output depends only on run and options, so
// identical runs render to identical bytes.
func Render(writer io.Writer, run workflow.Run, options Options) error {
	if writer == nil {
		return ErrWriterMissing
	}
	format, formatError := ParseFormat(string(options.Format))
	if formatError != nil {
		return formatError
	}
	tailLines := options.TailLines
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}

	var renderError error
	switch format {
	case FormatYAML:
		renderError = renderYAML(writer, buildRunDocument(run))
	case FormatJSON:
		renderError = renderJSON(writer, buildRunDocument(run))
	default:
		renderError = renderText(writer, run, tailLines)
	}
	if renderError != nil {
		return fmt.Errorf(renderErrorTemplateConstant, format, renderError)
	}
	return nil
}

// ExitCode maps the run verdict to a process exit status.
func ExitCode(run workflow.Run) int {
	if run.Status == workflow.RunStatusFailed {
		return exitCodeFailureConstant
	}
	return exitCodeSuccessConstant
}

type runDocument struct {
	Identifier           string        `yaml:"run_id" json:"run_id"`
	Workflow             string        `yaml:"workflow" json:"workflow"`
	Event                eventDocument `yaml:"event" json:"event"`
	Status               string        `yaml:"status" json:"status"`
	StartedAt            string        `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt           string        `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
	DurationMilliseconds int64         `yaml:"duration_ms" json:"duration_ms"`
	Summary              summaryCounts `yaml:"summary" json:"summary"`
	Jobs                 []jobDocument `yaml:"jobs" json:"jobs"`
}

type eventDocument struct {
	Kind         string   `yaml:"kind" json:"kind"`
	Ref          string   `yaml:"ref,omitempty" json:"ref,omitempty"`
	BaseRef      string   `yaml:"base_ref,omitempty" json:"base_ref,omitempty"`
	ChangedPaths []string `yaml:"changed_paths,omitempty" json:"changed_paths,omitempty"`
}

type jobDocument struct {
	Job                  string            `yaml:"job" json:"job"`
	Name                 string            `yaml:"name" json:"name"`
	Instance             string            `yaml:"instance" json:"instance"`
	RunsOn               string            `yaml:"runs_on,omitempty" json:"runs_on,omitempty"`
	Matrix               map[string]string `yaml:"matrix,omitempty" json:"matrix,omitempty"`
	Status               string            `yaml:"status" json:"status"`
	Reason               string            `yaml:"reason,omitempty" json:"reason,omitempty"`
	StartedAt            string            `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt           string            `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
	DurationMilliseconds int64             `yaml:"duration_ms" json:"duration_ms"`
	Steps                []stepDocument    `yaml:"steps" json:"steps"`
}

type stepDocument struct {
	Index                int    `yaml:"index" json:"index"`
	Name                 string `yaml:"name" json:"name"`
	Status               string `yaml:"status" json:"status"`
	ExitCode             int    `yaml:"exit_code" json:"exit_code"`
	Marker               string `yaml:"marker,omitempty" json:"marker,omitempty"`
	Error                string `yaml:"error,omitempty" json:"error,omitempty"`
	Output               string `yaml:"output,omitempty" json:"output,omitempty"`
	StartedAt            string `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt           string `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
	DurationMilliseconds int64  `yaml:"duration_ms" json:"duration_ms"`
}

func buildRunDocument(run workflow.Run) runDocument {
	document := runDocument{
		Identifier: run.Identifier,
		Workflow:   run.WorkflowName,
		Event: eventDocument{
			Kind:         string(run.Event.Kind),
			Ref:          run.Event.Ref,
			BaseRef:      run.Event.BaseRef,
			ChangedPaths: run.Event.ChangedPaths,
		},
		Status:               string(run.Status),
		StartedAt:            formatTimestamp(run.StartedAt),
		FinishedAt:           formatTimestamp(run.FinishedAt),
		DurationMilliseconds: run.Duration().Milliseconds(),
		Summary:              countRun(run),
		Jobs:                 make([]jobDocument, 0, len(run.Jobs)),
	}

	for _, job := range run.Jobs {
		jobEntry := jobDocument{
			Job:                  job.JobIdentifier,
			Name:                 job.JobName,
			Instance:             job.InstanceName,
			RunsOn:               job.RunsOn,
			Status:               string(job.Status),
			Reason:               job.Reason,
			StartedAt:            formatTimestamp(job.StartedAt),
			FinishedAt:           formatTimestamp(job.FinishedAt),
			DurationMilliseconds: job.Duration().Milliseconds(),
			Steps:                make([]stepDocument, 0, len(job.Steps)),
		}
		if len(job.Matrix) > 0 {
			jobEntry.Matrix = make(map[string]string, len(job.Matrix))
			for _, assignment := range job.Matrix {
				jobEntry.Matrix[assignment.Axis] = assignment.Value
			}
		}
		for _, step := range job.Steps {
			jobEntry.Steps = append(jobEntry.Steps, stepDocument{
				Index:                step.Index,
				Name:                 step.Name,
				Status:               string(step.Status),
				ExitCode:             step.ExitCode,
				Marker:               string(step.Marker),
				Error:                step.Error,
				Output:               step.Output,
				StartedAt:            formatTimestamp(step.StartedAt),
				FinishedAt:           formatTimestamp(step.FinishedAt),
				DurationMilliseconds: step.Duration().Milliseconds(),
			})
		}
		document.Jobs = append(document.Jobs, jobEntry)
	}
	return document
}

func renderYAML(writer io.Writer, document runDocument) error {
	encoder := yaml.NewEncoder(writer)
	encoder.SetIndent(yamlIndentConstant)
	if encodeError := encoder.Encode(document); encodeError != nil {
		return encodeError
	}
	return encoder.Close()
}

func renderJSON(writer io.Writer, document runDocument) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", jsonIndentConstant)
	return encoder.Encode(document)
}

func formatTimestamp(timestamp time.Time) string {
	if timestamp.IsZero() {
		return ""
	}
	return timestamp.UTC().Format(time.RFC3339Nano)
}
