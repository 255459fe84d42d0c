package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/utils"
	workflowpkg "github.com/tyemirov/ciflow/internal/workflow"
)

const (
	validateCommandUseConstant              = "validate <workflow.yaml>"
	validateCommandShortDescriptionConstant = "Validate a workflow definition and list its job instances"
	validateCommandLongDescriptionConstant  = "validate loads a workflow definition, reports every configuration issue at once and, when the definition is valid, lists the job instances its matrices expand to."
	validateSummaryTemplateConstant         = "Workflow %q is valid: %d jobs, %d instances\n"
	validateTriggersTemplateConstant        = "Triggers: %s\n"
	validateInstanceTemplateConstant        = "  %s: %s%s, %d steps%s\n"
	validateRunnerTemplateConstant          = " [%s]"
	validateNeedsTemplateConstant           = ", needs %s"
	validateListSeparatorConstant           = ", "
	stageExpandMatrixTemplateConstant       = "expand matrix for job %s"
	validationSucceededMessageConstant      = "workflow definition valid"
	logFieldJobCountConstant                = "jobs"
	logFieldInstanceCountConstant           = "instances"
)

// ValidateCommandBuilder assembles the validate command.
type ValidateCommandBuilder struct {
	LoggerProvider LoggerProvider
}

// Build constructs the validate command.
func (builder *ValidateCommandBuilder) Build() (*cobra.Command, error) {
	return &cobra.Command{
		Use:   validateCommandUseConstant,
		Short: validateCommandShortDescriptionConstant,
		Long:  validateCommandLongDescriptionConstant,
		RunE:  builder.run,
	}, nil
}

func (builder *ValidateCommandBuilder) run(command *cobra.Command, arguments []string) error {
	if len(arguments) == 0 {
		if helpError := displayCommandHelp(command); helpError != nil {
			return helpError
		}
		return LoadError{Stage: stageLoadDefinitionConstant, Cause: errors.New(definitionPathRequiredMessageConstant)}
	}

	definition, loadError := workflowpkg.LoadDefinition(arguments[0])
	if loadError != nil {
		return LoadError{Stage: stageLoadDefinitionConstant, Cause: loadError}
	}

	type expandedJob struct {
		job       workflowpkg.Job
		instances []workflowpkg.JobInstance
	}
	expandedJobs := make([]expandedJob, 0, len(definition.Jobs))
	instanceCount := 0
	for _, job := range definition.Jobs {
		instances, expandError := workflowpkg.ExpandMatrix(job)
		if expandError != nil {
			return LoadError{Stage: fmt.Sprintf(stageExpandMatrixTemplateConstant, job.Identifier), Cause: expandError}
		}
		expandedJobs = append(expandedJobs, expandedJob{job: job, instances: instances})
		instanceCount += len(instances)
	}

	output := utils.NewFlushingWriter(command.OutOrStdout())
	fmt.Fprintf(output, validateSummaryTemplateConstant, definition.Name, len(definition.Jobs), instanceCount)

	triggerKinds := make([]string, 0, len(definition.Triggers))
	for _, trigger := range definition.Triggers {
		triggerKinds = append(triggerKinds, string(trigger.Kind))
	}
	fmt.Fprintf(output, validateTriggersTemplateConstant, strings.Join(triggerKinds, validateListSeparatorConstant))

	for _, expanded := range expandedJobs {
		needsLabel := ""
		if len(expanded.job.Needs) > 0 {
			needsLabel = fmt.Sprintf(validateNeedsTemplateConstant, strings.Join(expanded.job.Needs, validateListSeparatorConstant))
		}
		for _, instance := range expanded.instances {
			runnerLabel := ""
			if len(instance.Job.RunsOn) > 0 {
				runnerLabel = fmt.Sprintf(validateRunnerTemplateConstant, instance.Job.RunsOn)
			}
			fmt.Fprintf(output, validateInstanceTemplateConstant, expanded.job.Identifier, instance.Name, runnerLabel, len(instance.Job.Steps), needsLabel)
		}
	}

	resolveLogger(builder.LoggerProvider).Debug(validationSucceededMessageConstant,
		zap.String(logFieldWorkflowConstant, definition.Name),
		zap.Int(logFieldJobCountConstant, len(definition.Jobs)),
		zap.Int(logFieldInstanceCountConstant, instanceCount),
	)
	return nil
}
