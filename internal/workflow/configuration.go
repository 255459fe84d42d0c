package workflow

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

const (
	configurationLoadErrorTemplateConstant   = "failed to load workflow definition: %w"
	configurationPathRequiredMessageConstant = "workflow definition path must be provided"
	configurationErrorTemplateConstant       = "invalid workflow definition %s: %s"
	configurationIssueSeparatorConstant      = "; "
	defaultWorkflowNameConstant              = "workflow"
	unnamedStepConstant                      = "step"
	unknownTriggerKindTemplateConstant       = "unknown trigger kind %q"
	issueDocumentParseTemplateConstant       = "document: %v"
	issueDocumentShapeMessageConstant        = "document: top level must be a mapping"
	issueTriggersMissingMessageConstant      = "on: at least one trigger must be declared"
	issueTriggersShapeMessageConstant        = "on: must be a trigger name, a list of trigger names, or a mapping"
	issueTriggerKindTemplateConstant         = "on.%s: %v"
	issueTriggerDuplicateTemplateConstant    = "on.%s: trigger declared more than once"
	issueTriggerFilterTemplateConstant       = "on.%s: %v"
	issueTriggerTagsTemplateConstant         = "on.%s.tags: tag filters apply only to push triggers"
	issuePatternTemplateConstant             = "on.%s.%s: malformed pattern %q"
	issueScheduleTemplateConstant            = "on.schedule[%d]: cron expression must not be empty"
	issueJobsMissingMessageConstant          = "jobs: at least one job must be declared"
	issueJobsShapeMessageConstant            = "jobs: must be a mapping of job identifiers to jobs"
	issueJobDecodeTemplateConstant           = "jobs.%s: %v"
	issueJobDuplicateTemplateConstant        = "jobs.%s: job declared more than once"
	issueJobStepsMissingTemplateConstant     = "jobs.%s.steps: at least one step must be declared"
	issueJobMaxParallelTemplateConstant      = "jobs.%s.strategy.max-parallel: must not be negative"
	issueJobNeedsUnknownTemplateConstant     = "jobs.%s.needs: unknown job %q"
	issueJobNeedsPlanTemplateConstant        = "jobs: %v"
	issueMatrixShapeTemplateConstant         = "jobs.%s.strategy.matrix: must be a mapping of axis names to value lists"
	issueMatrixAxisShapeTemplateConstant     = "jobs.%s.strategy.matrix.%s: axis must be a list of values"
	issueMatrixAxisEmptyTemplateConstant     = "jobs.%s.strategy.matrix.%s: axis must declare at least one value"
	issueMatrixAxisDuplicateTemplateConstant = "jobs.%s.strategy.matrix.%s: axis declared more than once"
	issueMatrixValueShapeTemplateConstant    = "jobs.%s.strategy.matrix.%s[%d]: value must be a scalar"
	issueMatrixValueDuplicateTemplateConst   = "jobs.%s.strategy.matrix.%s: value %q declared more than once"
	issueMatrixEnvironmentCollisionTemplate  = "jobs.%s.strategy.matrix.%s: axis exports %s, already exported by axis %q"
	issueStepActionMissingTemplateConstant   = "jobs.%s.steps[%d]: step must declare either run or uses"
	issueStepActionConflictTemplateConstant  = "jobs.%s.steps[%d]: step must not declare both run and uses"
	issueStepInputsTemplateConstant          = "jobs.%s.steps[%d].with: inputs apply only to uses steps"
	issueStepTimeoutTemplateConstant         = "jobs.%s.steps[%d].timeout: invalid duration %q"
	issueMatrixReferenceTemplateConstant     = "jobs.%s: unknown matrix axis %q referenced in %s"
	yamlNullTagConstant                      = "!!null"
	filterBranchesKeyConstant                = "branches"
	filterTagsKeyConstant                    = "tags"
	filterPathsKeyConstant                   = "paths"
)

var matrixReferencePattern = regexp.MustCompile(`\$\{\{\s*matrix\.([A-Za-z0-9_-]+)\s*\}\}`)

// ConfigurationError reports every problem found while loading a workflow definition.
type ConfigurationError struct {
	Source string
	Issues []string
}

// Error joins the collected issues.
func (configurationError ConfigurationError) Error() string {
	source := configurationError.Source
	if len(source) == 0 {
		source = defaultWorkflowNameConstant
	}
	return fmt.Sprintf(configurationErrorTemplateConstant, source, strings.Join(configurationError.Issues, configurationIssueSeparatorConstant))
}

type workflowDocument struct {
	Name string            `yaml:"name"`
	On   yaml.Node         `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs yaml.Node         `yaml:"jobs"`
}

type triggerFilterDocument struct {
	Branches stringList `yaml:"branches"`
	Tags     stringList `yaml:"tags"`
	Paths    stringList `yaml:"paths"`
}

type scheduleDocument struct {
	Cron string `yaml:"cron"`
}

type jobDocument struct {
	Name     string            `yaml:"name"`
	RunsOn   string            `yaml:"runs-on"`
	Needs    stringList        `yaml:"needs"`
	Strategy strategyDocument  `yaml:"strategy"`
	Env      map[string]string `yaml:"env"`
	Steps    []stepDocument    `yaml:"steps"`
}

type strategyDocument struct {
	MaxParallel int       `yaml:"max-parallel"`
	Matrix      yaml.Node `yaml:"matrix"`
}

type stepDocument struct {
	Name             string            `yaml:"name"`
	Run              string            `yaml:"run"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
	Env              map[string]string `yaml:"env"`
	Timeout          string            `yaml:"timeout"`
	WorkingDirectory string            `yaml:"working-directory"`
}

// stringList accepts either a single scalar or a sequence of scalars.
type stringList []string

func (list *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == yamlNullTagConstant {
			*list = nil
			return nil
		}
		*list = stringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var values []string
		if decodeError := value.Decode(&values); decodeError != nil {
			return decodeError
		}
		*list = values
		return nil
	default:
		return errors.New("expected a string or a list of strings")
	}
}

// LoadDefinition reads and validates the workflow definition stored at filePath.
func LoadDefinition(filePath string) (*Definition, error) {
	trimmedPath := strings.TrimSpace(filePath)
	if len(trimmedPath) == 0 {
		return nil, errors.New(configurationPathRequiredMessageConstant)
	}

	contentBytes, readError := os.ReadFile(trimmedPath)
	if readError != nil {
		return nil, fmt.Errorf(configurationLoadErrorTemplateConstant, readError)
	}

	return ParseDefinition(trimmedPath, contentBytes)
}

// ParseDefinition decodes and validates a workflow document. Either the whole
// definition is valid or a ConfigurationError lists every issue found.
func ParseDefinition(source string, content []byte) (*Definition, error) {
	parser := definitionParser{source: source}
	definition := parser.parse(content)
	if len(parser.issues) > 0 {
		return nil, ConfigurationError{Source: source, Issues: parser.issues}
	}
	return definition, nil
}

type definitionParser struct {
	source string
	issues []string
}

func (parser *definitionParser) report(template string, arguments ...any) {
	parser.issues = append(parser.issues, fmt.Sprintf(template, arguments...))
}

func (parser *definitionParser) parse(content []byte) *Definition {
	var rootNode yaml.Node
	if unmarshalError := yaml.Unmarshal(content, &rootNode); unmarshalError != nil {
		parser.report(issueDocumentParseTemplateConstant, unmarshalError)
		return nil
	}
	if len(rootNode.Content) == 0 || rootNode.Content[0].Kind != yaml.MappingNode {
		parser.report(issueDocumentShapeMessageConstant)
		return nil
	}

	var document workflowDocument
	if decodeError := rootNode.Content[0].Decode(&document); decodeError != nil {
		parser.report(issueDocumentParseTemplateConstant, decodeError)
		return nil
	}

	definition := &Definition{
		Name:        strings.TrimSpace(document.Name),
		SourcePath:  parser.source,
		Triggers:    parser.parseTriggers(&document.On),
		Environment: copyEnvironment(document.Env),
		Jobs:        parser.parseJobs(&document.Jobs),
	}
	if len(definition.Name) == 0 {
		definition.Name = deriveWorkflowName(parser.source)
	}

	parser.validateNeeds(definition.Jobs)
	return definition
}

func (parser *definitionParser) parseTriggers(node *yaml.Node) []TriggerRule {
	switch node.Kind {
	case 0:
		parser.report(issueTriggersMissingMessageConstant)
		return nil
	case yaml.ScalarNode:
		if node.Tag == yamlNullTagConstant {
			parser.report(issueTriggersMissingMessageConstant)
			return nil
		}
		return parser.appendTrigger(nil, node.Value, nil)
	case yaml.SequenceNode:
		var triggers []TriggerRule
		for _, itemNode := range node.Content {
			if itemNode.Kind != yaml.ScalarNode {
				parser.report(issueTriggersShapeMessageConstant)
				continue
			}
			triggers = parser.appendTrigger(triggers, itemNode.Value, nil)
		}
		if len(node.Content) == 0 {
			parser.report(issueTriggersMissingMessageConstant)
		}
		return triggers
	case yaml.MappingNode:
		var triggers []TriggerRule
		for pairIndex := 0; pairIndex+1 < len(node.Content); pairIndex += 2 {
			triggers = parser.appendTrigger(triggers, node.Content[pairIndex].Value, node.Content[pairIndex+1])
		}
		if len(node.Content) == 0 {
			parser.report(issueTriggersMissingMessageConstant)
		}
		return triggers
	default:
		parser.report(issueTriggersShapeMessageConstant)
		return nil
	}
}

func (parser *definitionParser) appendTrigger(triggers []TriggerRule, rawKind string, filterNode *yaml.Node) []TriggerRule {
	kind, kindError := ParseTriggerKind(rawKind)
	if kindError != nil {
		parser.report(issueTriggerKindTemplateConstant, rawKind, kindError)
		return triggers
	}
	for _, existingTrigger := range triggers {
		if existingTrigger.Kind == kind {
			parser.report(issueTriggerDuplicateTemplateConstant, kind)
			return triggers
		}
	}

	rule := TriggerRule{Kind: kind}
	if filterNode == nil || (filterNode.Kind == yaml.ScalarNode && filterNode.Tag == yamlNullTagConstant) {
		return append(triggers, rule)
	}

	if kind == TriggerKindSchedule {
		var schedules []scheduleDocument
		if decodeError := filterNode.Decode(&schedules); decodeError != nil {
			parser.report(issueTriggerFilterTemplateConstant, kind, decodeError)
			return triggers
		}
		for scheduleIndex, schedule := range schedules {
			cronExpression := strings.TrimSpace(schedule.Cron)
			if len(cronExpression) == 0 {
				parser.report(issueScheduleTemplateConstant, scheduleIndex)
				continue
			}
			rule.Schedules = append(rule.Schedules, cronExpression)
		}
		return append(triggers, rule)
	}

	var filters triggerFilterDocument
	if decodeError := filterNode.Decode(&filters); decodeError != nil {
		parser.report(issueTriggerFilterTemplateConstant, kind, decodeError)
		return triggers
	}
	if len(filters.Tags) > 0 && kind != TriggerKindPush {
		parser.report(issueTriggerTagsTemplateConstant, kind)
	}

	rule.Branches = parser.validatePatterns(kind, filterBranchesKeyConstant, filters.Branches)
	rule.Tags = parser.validatePatterns(kind, filterTagsKeyConstant, filters.Tags)
	rule.Paths = parser.validatePatterns(kind, filterPathsKeyConstant, filters.Paths)
	return append(triggers, rule)
}

func (parser *definitionParser) validatePatterns(kind TriggerKind, filterName string, patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}
	validated := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		trimmedPattern := strings.TrimSpace(pattern)
		if len(trimmedPattern) == 0 || !doublestar.ValidatePattern(trimmedPattern) {
			parser.report(issuePatternTemplateConstant, kind, filterName, pattern)
			continue
		}
		validated = append(validated, trimmedPattern)
	}
	return validated
}

func (parser *definitionParser) parseJobs(node *yaml.Node) []Job {
	switch node.Kind {
	case 0:
		parser.report(issueJobsMissingMessageConstant)
		return nil
	case yaml.MappingNode:
	default:
		parser.report(issueJobsShapeMessageConstant)
		return nil
	}
	if len(node.Content) == 0 {
		parser.report(issueJobsMissingMessageConstant)
		return nil
	}

	jobs := make([]Job, 0, len(node.Content)/2)
	seenIdentifiers := make(map[string]struct{}, len(node.Content)/2)
	for pairIndex := 0; pairIndex+1 < len(node.Content); pairIndex += 2 {
		identifier := strings.TrimSpace(node.Content[pairIndex].Value)
		if _, duplicate := seenIdentifiers[identifier]; duplicate {
			parser.report(issueJobDuplicateTemplateConstant, identifier)
			continue
		}
		seenIdentifiers[identifier] = struct{}{}

		var document jobDocument
		if decodeError := node.Content[pairIndex+1].Decode(&document); decodeError != nil {
			parser.report(issueJobDecodeTemplateConstant, identifier, decodeError)
			continue
		}
		if job, parsed := parser.parseJob(identifier, document); parsed {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (parser *definitionParser) parseJob(identifier string, document jobDocument) (Job, bool) {
	issueCountBefore := len(parser.issues)

	job := Job{
		Identifier:  identifier,
		Name:        strings.TrimSpace(document.Name),
		RunsOn:      strings.TrimSpace(document.RunsOn),
		Needs:       trimValues(document.Needs),
		Matrix:      parser.parseMatrix(identifier, &document.Strategy.Matrix),
		MaxParallel: document.Strategy.MaxParallel,
		Environment: copyEnvironment(document.Env),
	}
	if len(job.Name) == 0 {
		job.Name = identifier
	}
	if job.MaxParallel < 0 {
		parser.report(issueJobMaxParallelTemplateConstant, identifier)
	}
	if len(document.Steps) == 0 {
		parser.report(issueJobStepsMissingTemplateConstant, identifier)
	}

	for stepIndex, stepEntry := range document.Steps {
		if step, parsed := parser.parseStep(identifier, stepIndex, stepEntry); parsed {
			job.Steps = append(job.Steps, step)
		}
	}

	parser.validateMatrixReferences(job)
	return job, len(parser.issues) == issueCountBefore
}

func (parser *definitionParser) parseMatrix(identifier string, node *yaml.Node) []MatrixAxis {
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == yamlNullTagConstant) {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		parser.report(issueMatrixShapeTemplateConstant, identifier)
		return nil
	}

	axes := make([]MatrixAxis, 0, len(node.Content)/2)
	seenAxes := make(map[string]struct{}, len(node.Content)/2)
	axisByEnvironmentName := make(map[string]string, len(node.Content)/2)
	for pairIndex := 0; pairIndex+1 < len(node.Content); pairIndex += 2 {
		axisName := strings.TrimSpace(node.Content[pairIndex].Value)
		valuesNode := node.Content[pairIndex+1]

		if _, duplicate := seenAxes[axisName]; duplicate {
			parser.report(issueMatrixAxisDuplicateTemplateConstant, identifier, axisName)
			continue
		}
		seenAxes[axisName] = struct{}{}

		environmentName := matrixEnvironmentName(axisName)
		if exportingAxis, collision := axisByEnvironmentName[environmentName]; collision {
			parser.report(issueMatrixEnvironmentCollisionTemplate, identifier, axisName, environmentName, exportingAxis)
			continue
		}
		axisByEnvironmentName[environmentName] = axisName

		if valuesNode.Kind != yaml.SequenceNode {
			parser.report(issueMatrixAxisShapeTemplateConstant, identifier, axisName)
			continue
		}
		if len(valuesNode.Content) == 0 {
			parser.report(issueMatrixAxisEmptyTemplateConstant, identifier, axisName)
			continue
		}

		axis := MatrixAxis{Name: axisName, Values: make([]string, 0, len(valuesNode.Content))}
		seenValues := make(map[string]struct{}, len(valuesNode.Content))
		for valueIndex, valueNode := range valuesNode.Content {
			if valueNode.Kind != yaml.ScalarNode {
				parser.report(issueMatrixValueShapeTemplateConstant, identifier, axisName, valueIndex)
				continue
			}
			if _, duplicate := seenValues[valueNode.Value]; duplicate {
				parser.report(issueMatrixValueDuplicateTemplateConst, identifier, axisName, valueNode.Value)
				continue
			}
			seenValues[valueNode.Value] = struct{}{}
			axis.Values = append(axis.Values, valueNode.Value)
		}
		axes = append(axes, axis)
	}
	return axes
}

func (parser *definitionParser) parseStep(identifier string, stepIndex int, document stepDocument) (Step, bool) {
	hasRun := len(strings.TrimSpace(document.Run)) > 0
	hasUses := len(strings.TrimSpace(document.Uses)) > 0

	switch {
	case hasRun && hasUses:
		parser.report(issueStepActionConflictTemplateConstant, identifier, stepIndex)
		return Step{}, false
	case !hasRun && !hasUses:
		parser.report(issueStepActionMissingTemplateConstant, identifier, stepIndex)
		return Step{}, false
	case hasRun && len(document.With) > 0:
		parser.report(issueStepInputsTemplateConstant, identifier, stepIndex)
		return Step{}, false
	}

	step := Step{
		Name:             strings.TrimSpace(document.Name),
		Environment:      copyEnvironment(document.Env),
		WorkingDirectory: strings.TrimSpace(document.WorkingDirectory),
	}

	if trimmedTimeout := strings.TrimSpace(document.Timeout); len(trimmedTimeout) > 0 {
		timeout, parseError := time.ParseDuration(trimmedTimeout)
		if parseError != nil || timeout <= 0 {
			parser.report(issueStepTimeoutTemplateConstant, identifier, stepIndex, document.Timeout)
			return Step{}, false
		}
		step.Timeout = timeout
	}

	if hasRun {
		step.Action = RunCommand{Script: document.Run}
	} else {
		step.Action = UseAction{Reference: strings.TrimSpace(document.Uses), Inputs: copyEnvironment(document.With)}
	}
	return step, true
}

func (parser *definitionParser) validateMatrixReferences(job Job) {
	declaredAxes := make(map[string]struct{}, len(job.Matrix))
	for _, axis := range job.Matrix {
		declaredAxes[axis.Name] = struct{}{}
	}

	checkText := func(location string, text string) {
		for _, match := range matrixReferencePattern.FindAllStringSubmatch(text, -1) {
			if _, declared := declaredAxes[match[1]]; !declared {
				parser.report(issueMatrixReferenceTemplateConstant, job.Identifier, match[1], location)
			}
		}
	}

	checkText("name", job.Name)
	checkText("runs-on", job.RunsOn)
	for _, environmentName := range slices.Sorted(maps.Keys(job.Environment)) {
		checkText("env."+environmentName, job.Environment[environmentName])
	}
	for stepIndex, step := range job.Steps {
		location := fmt.Sprintf("steps[%d]", stepIndex)
		checkText(location, step.Name)
		for _, value := range step.Environment {
			checkText(location, value)
		}
		switch action := step.Action.(type) {
		case RunCommand:
			checkText(location, action.Script)
		case UseAction:
			checkText(location, action.Reference)
			for _, value := range action.Inputs {
				checkText(location, value)
			}
		}
	}
}

func (parser *definitionParser) validateNeeds(jobs []Job) {
	knownJobs := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		knownJobs[job.Identifier] = struct{}{}
	}

	unknownReferenceFound := false
	for _, job := range jobs {
		for _, dependency := range job.Needs {
			if _, known := knownJobs[dependency]; !known {
				parser.report(issueJobNeedsUnknownTemplateConstant, job.Identifier, dependency)
				unknownReferenceFound = true
			}
		}
	}
	if unknownReferenceFound || len(parser.issues) > 0 {
		return
	}

	if _, planError := planJobStages(jobs); planError != nil {
		parser.report(issueJobNeedsPlanTemplateConstant, planError)
	}
}

func deriveWorkflowName(source string) string {
	trimmedSource := strings.TrimSpace(source)
	if len(trimmedSource) == 0 {
		return defaultWorkflowNameConstant
	}
	baseName := filepath.Base(trimmedSource)
	return strings.TrimSuffix(baseName, filepath.Ext(baseName))
}

func trimValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	trimmed := make([]string, 0, len(values))
	for _, value := range values {
		if candidate := strings.TrimSpace(value); len(candidate) > 0 {
			trimmed = append(trimmed, candidate)
		}
	}
	return trimmed
}

func copyEnvironment(environment map[string]string) map[string]string {
	if len(environment) == 0 {
		return nil
	}
	copied := make(map[string]string, len(environment))
	for key, value := range environment {
		copied[key] = value
	}
	return copied
}
