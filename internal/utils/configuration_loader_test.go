package utils_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/ciflow/internal/utils"
)

const (
	loaderEnvironmentPrefixConstant     = "LOADERTEST"
	loaderConfigurationNameConstant     = "config"
	loaderConfigurationTypeConstant     = "yaml"
	loaderConfigurationFileConstant     = "config.yaml"
	loaderMaxParallelKeyConstant        = "run.max_parallel"
	loaderFormatKeyConstant             = "run.format"
	loaderEmbeddedConfigurationConstant = "run:\n  max_parallel: 2\n  format: text\n  timeout: 0s\n  shell: [sh, -c]\n"
	loaderUserDirectoryNameConstant     = ".ciflow"
)

type runSettingsFixture struct {
	Run runSectionFixture `mapstructure:"run"`
}

type runSectionFixture struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	Format      string        `mapstructure:"format"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Shell       []string      `mapstructure:"shell"`
}

func writeLoaderConfiguration(testInstance *testing.T, directoryPath string, content string) string {
	testInstance.Helper()
	require.NoError(testInstance, os.MkdirAll(directoryPath, 0o755))
	configurationPath := filepath.Join(directoryPath, loaderConfigurationFileConstant)
	require.NoError(testInstance, os.WriteFile(configurationPath, []byte(content), 0o600))
	return configurationPath
}

func TestConfigurationLoaderLayersSources(testInstance *testing.T) {
	testCases := []struct {
		name                string
		fileContent         string
		environment         map[string]string
		expectedMaxParallel int
		expectedFormat      string
		expectedTimeout     time.Duration
		expectedShell       []string
		expectFileUsed      bool
	}{
		{
			name:                "embedded values apply without a file",
			expectedMaxParallel: 2,
			expectedFormat:      "text",
			expectedShell:       []string{"sh", "-c"},
		},
		{
			name:                "file overrides embedded values",
			fileContent:         "run:\n  max_parallel: 6\n  timeout: 15m\n",
			expectedMaxParallel: 6,
			expectedFormat:      "text",
			expectedTimeout:     15 * time.Minute,
			expectedShell:       []string{"sh", "-c"},
			expectFileUsed:      true,
		},
		{
			name:        "environment overrides file",
			fileContent: "run:\n  format: text\n  shell: [bash, -c]\n",
			environment: map[string]string{
				loaderEnvironmentPrefixConstant + "_RUN_FORMAT":  "json",
				loaderEnvironmentPrefixConstant + "_RUN_SHELL":   "zsh,-c",
				loaderEnvironmentPrefixConstant + "_RUN_TIMEOUT": "90s",
			},
			expectedMaxParallel: 2,
			expectedFormat:      "json",
			expectedTimeout:     90 * time.Second,
			expectedShell:       []string{"zsh", "-c"},
			expectFileUsed:      true,
		},
	}

	for testCaseIndex := range testCases {
		testCase := testCases[testCaseIndex]
		testInstance.Run(testCase.name, func(subtest *testing.T) {
			for environmentName, environmentValue := range testCase.environment {
				subtest.Setenv(environmentName, environmentValue)
			}

			searchDirectory := subtest.TempDir()
			expectedConfigurationPath := ""
			if len(testCase.fileContent) > 0 {
				expectedConfigurationPath = writeLoaderConfiguration(subtest, searchDirectory, testCase.fileContent)
			}

			loader := utils.NewConfigurationLoader(loaderConfigurationNameConstant, loaderConfigurationTypeConstant, loaderEnvironmentPrefixConstant, []string{searchDirectory})
			loader.SetEmbeddedConfiguration([]byte(loaderEmbeddedConfigurationConstant), loaderConfigurationTypeConstant)

			settings := runSettingsFixture{}
			metadata, loadError := loader.LoadConfiguration("", nil, &settings)
			require.NoError(subtest, loadError)
			require.Equal(subtest, testCase.expectedMaxParallel, settings.Run.MaxParallel)
			require.Equal(subtest, testCase.expectedFormat, settings.Run.Format)
			require.Equal(subtest, testCase.expectedTimeout, settings.Run.Timeout)
			require.Equal(subtest, testCase.expectedShell, settings.Run.Shell)
			if testCase.expectFileUsed {
				require.Equal(subtest, expectedConfigurationPath, metadata.ConfigFileUsed)
			} else {
				require.Empty(subtest, metadata.ConfigFileUsed)
			}
		})
	}
}

func TestConfigurationLoaderDefaultsSitBelowEmbeddedContent(testInstance *testing.T) {
	loader := utils.NewConfigurationLoader(loaderConfigurationNameConstant, loaderConfigurationTypeConstant, loaderEnvironmentPrefixConstant, nil)
	loader.SetEmbeddedConfiguration([]byte("run:\n  max_parallel: 4\n"), loaderConfigurationTypeConstant)

	settings := runSettingsFixture{}
	_, loadError := loader.LoadConfiguration("", map[string]any{
		loaderMaxParallelKeyConstant: 1,
		loaderFormatKeyConstant:      "json",
	}, &settings)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, 4, settings.Run.MaxParallel)
	require.Equal(testInstance, "json", settings.Run.Format)
}

func TestConfigurationLoaderSearchOrder(testInstance *testing.T) {
	testCases := []struct {
		name              string
		populated         []int
		expectedDirectory int
	}{
		{name: "only last directory", populated: []int{2}, expectedDirectory: 2},
		{name: "first directory wins", populated: []int{0, 1, 2}, expectedDirectory: 0},
		{name: "middle directory before last", populated: []int{1, 2}, expectedDirectory: 1},
	}

	for testCaseIndex := range testCases {
		testCase := testCases[testCaseIndex]
		testInstance.Run(testCase.name, func(subtest *testing.T) {
			rootDirectory := subtest.TempDir()
			searchDirectories := []string{
				filepath.Join(rootDirectory, "workspace"),
				filepath.Join(rootDirectory, "xdg", loaderUserDirectoryNameConstant),
				filepath.Join(rootDirectory, "home", loaderUserDirectoryNameConstant),
			}
			configurationPaths := make(map[int]string, len(testCase.populated))
			for _, directoryIndex := range testCase.populated {
				content := "run:\n  max_parallel: " + strconv.Itoa(directoryIndex+1) + "\n"
				configurationPaths[directoryIndex] = writeLoaderConfiguration(subtest, searchDirectories[directoryIndex], content)
			}

			loader := utils.NewConfigurationLoader(loaderConfigurationNameConstant, loaderConfigurationTypeConstant, loaderEnvironmentPrefixConstant, append([]string{"  "}, searchDirectories...))

			settings := runSettingsFixture{}
			metadata, loadError := loader.LoadConfiguration("", nil, &settings)
			require.NoError(subtest, loadError)
			require.Equal(subtest, configurationPaths[testCase.expectedDirectory], metadata.ConfigFileUsed)
			require.Equal(subtest, testCase.expectedDirectory+1, settings.Run.MaxParallel)
		})
	}
}

func TestConfigurationLoaderExplicitFile(testInstance *testing.T) {
	rootDirectory := testInstance.TempDir()
	searchDirectory := filepath.Join(rootDirectory, "search")
	writeLoaderConfiguration(testInstance, searchDirectory, "run:\n  format: text\n")
	explicitPath := writeLoaderConfiguration(testInstance, filepath.Join(rootDirectory, "explicit"), "run:\n  format: json\n")

	loader := utils.NewConfigurationLoader(loaderConfigurationNameConstant, loaderConfigurationTypeConstant, loaderEnvironmentPrefixConstant, []string{searchDirectory})

	settings := runSettingsFixture{}
	metadata, loadError := loader.LoadConfiguration(explicitPath, nil, &settings)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, "json", settings.Run.Format)
	require.Equal(testInstance, explicitPath, metadata.ConfigFileUsed)

	_, missingError := loader.LoadConfiguration(filepath.Join(rootDirectory, "absent", loaderConfigurationFileConstant), nil, &settings)
	require.Error(testInstance, missingError)
}

func TestConfigurationLoaderRejectsNilTarget(testInstance *testing.T) {
	loader := utils.NewConfigurationLoader(loaderConfigurationNameConstant, loaderConfigurationTypeConstant, loaderEnvironmentPrefixConstant, nil)

	_, loadError := loader.LoadConfiguration("", nil, nil)
	require.ErrorIs(testInstance, loadError, utils.ErrConfigurationTargetMissing)
}
