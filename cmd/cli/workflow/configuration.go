package workflow

import (
	"strings"
	"time"

	"github.com/tyemirov/ciflow/internal/report"
	workflowpkg "github.com/tyemirov/ciflow/internal/workflow"
)

// CommandConfiguration captures the `run` section of the application configuration.
type CommandConfiguration struct {
	MaxParallel      int                   `mapstructure:"max_parallel"`
	Timeout          time.Duration         `mapstructure:"timeout"`
	StepTimeout      time.Duration         `mapstructure:"step_timeout"`
	Shell            []string              `mapstructure:"shell"`
	WorkingDirectory string                `mapstructure:"working_directory"`
	Format           string                `mapstructure:"format"`
	Stream           bool                  `mapstructure:"stream"`
	TailLines        int                   `mapstructure:"tail_lines"`
	Actions          []ActionConfiguration `mapstructure:"actions"`
}

// ActionConfiguration registers the script executed for a `uses` reference.
type ActionConfiguration struct {
	Uses string `mapstructure:"uses"`
	Run  string `mapstructure:"run"`
}

// DefaultCommandConfiguration provides default run settings.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{
		Format:    string(report.FormatText),
		TailLines: report.DefaultTailLines,
	}
}

// Sanitize normalizes configuration values.
func (configuration CommandConfiguration) Sanitize() CommandConfiguration {
	sanitized := configuration
	sanitized.WorkingDirectory = strings.TrimSpace(configuration.WorkingDirectory)
	sanitized.Format = strings.ToLower(strings.TrimSpace(configuration.Format))
	if len(sanitized.Format) == 0 {
		sanitized.Format = string(report.FormatText)
	}
	if sanitized.TailLines <= 0 {
		sanitized.TailLines = report.DefaultTailLines
	}

	sanitized.Shell = nil
	for _, shellPart := range configuration.Shell {
		trimmedPart := strings.TrimSpace(shellPart)
		if len(trimmedPart) == 0 {
			continue
		}
		sanitized.Shell = append(sanitized.Shell, trimmedPart)
	}

	sanitized.Actions = nil
	for _, action := range configuration.Actions {
		sanitized.Actions = append(sanitized.Actions, ActionConfiguration{
			Uses: strings.TrimSpace(action.Uses),
			Run:  action.Run,
		})
	}
	return sanitized
}

func (configuration CommandConfiguration) actionDefinitions() []workflowpkg.ActionDefinition {
	if len(configuration.Actions) == 0 {
		return nil
	}
	definitions := make([]workflowpkg.ActionDefinition, 0, len(configuration.Actions))
	for _, action := range configuration.Actions {
		definitions = append(definitions, workflowpkg.ActionDefinition{Uses: action.Uses, Run: action.Run})
	}
	return definitions
}
