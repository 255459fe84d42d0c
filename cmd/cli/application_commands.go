package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	workflowcmd "github.com/tyemirov/ciflow/cmd/cli/workflow"
)

const (
	versionCommandUseNameConstant          = "version"
	versionCommandShortDescriptionConstant = "Print the ciflow version"
	versionCommandLongDescriptionConstant  = "version prints the current ciflow release identifier."
	runCommandAliasConstant                = "r"
	validateCommandAliasConstant           = "check"
)

func (application *Application) registerCommands(cobraCommand *cobra.Command) {
	versionCommand := &cobra.Command{
		Use:           versionCommandUseNameConstant,
		Short:         versionCommandShortDescriptionConstant,
		Long:          versionCommandLongDescriptionConstant,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(command *cobra.Command, arguments []string) error {
			application.printVersion(command)
			return nil
		},
	}
	cobraCommand.AddCommand(versionCommand)

	runBuilder := workflowcmd.CommandBuilder{
		LoggerProvider: func() *zap.Logger {
			return application.logger
		},
		HumanReadableLoggingProvider: application.humanReadableLoggingEnabled,
		ConfigurationProvider:        application.runCommandConfiguration,
	}
	if runCommand, runBuildError := runBuilder.Build(); runBuildError == nil {
		runCommand.Aliases = appendUnique(runCommand.Aliases, runCommandAliasConstant)
		cobraCommand.AddCommand(runCommand)
	}

	validateBuilder := workflowcmd.ValidateCommandBuilder{
		LoggerProvider: func() *zap.Logger {
			return application.logger
		},
	}
	if validateCommand, validateBuildError := validateBuilder.Build(); validateBuildError == nil {
		validateCommand.Aliases = appendUnique(validateCommand.Aliases, validateCommandAliasConstant)
		cobraCommand.AddCommand(validateCommand)
	}
}

func appendUnique(values []string, candidates ...string) []string {
	result := values
	for _, candidate := range candidates {
		if len(candidate) == 0 {
			continue
		}
		duplicate := false
		for _, existing := range result {
			if existing == candidate {
				duplicate = true
				break
			}
		}
		if !duplicate {
			result = append(result, candidate)
		}
	}
	return result
}
