package workflow

import (
	"fmt"
	"strings"
)

const (
	instanceNameTemplateConstant      = "%s (%s)"
	instanceValueSeparatorConstant    = ", "
	matrixEnvironmentPrefixConstant   = "MATRIX_"
	environmentNameReplacementPattern = "-"
	environmentNameReplacement        = "_"
)

// MatrixValue binds one axis to one of its values.
type MatrixValue struct {
	Axis  string
	Value string
}

// JobInstance is a job bound to one matrix assignment, with every
// ${{ matrix.<axis> }} reference already substituted.
type JobInstance struct {
	Job        Job
	Assignment []MatrixValue
	Name       string
	Index      int
}

// MatrixEnvironment exposes the assignment as MATRIX_<AXIS> variables.
func (instance JobInstance) MatrixEnvironment() map[string]string {
	if len(instance.Assignment) == 0 {
		return nil
	}
	environment := make(map[string]string, len(instance.Assignment))
	for _, assignment := range instance.Assignment {
		environment[matrixEnvironmentName(assignment.Axis)] = assignment.Value
	}
	return environment
}

// ExpandMatrix produces the Cartesian product of the job's axes in row-major
// order: the first axis varies slowest and values keep their declared order.
// A job without axes yields exactly one instance equal to the job itself.
func ExpandMatrix(job Job) ([]JobInstance, error) {
	if len(job.Matrix) == 0 {
		return []JobInstance{{Job: job, Name: job.Name}}, nil
	}

	instanceCount := 1
	for _, axis := range job.Matrix {
		if len(axis.Values) == 0 {
			return nil, ConfigurationError{
				Source: job.Identifier,
				Issues: []string{fmt.Sprintf(issueMatrixAxisEmptyTemplateConstant, job.Identifier, axis.Name)},
			}
		}
		instanceCount *= len(axis.Values)
	}

	instances := make([]JobInstance, 0, instanceCount)
	for instanceIndex := 0; instanceIndex < instanceCount; instanceIndex++ {
		assignment := make([]MatrixValue, len(job.Matrix))
		remainder := instanceIndex
		for axisIndex := len(job.Matrix) - 1; axisIndex >= 0; axisIndex-- {
			axis := job.Matrix[axisIndex]
			assignment[axisIndex] = MatrixValue{Axis: axis.Name, Value: axis.Values[remainder%len(axis.Values)]}
			remainder /= len(axis.Values)
		}
		instances = append(instances, bindInstance(job, assignment, instanceIndex))
	}
	return instances, nil
}

func bindInstance(job Job, assignment []MatrixValue, instanceIndex int) JobInstance {
	namedAxes := make(map[string]struct{}, len(assignment))
	for _, match := range matrixReferencePattern.FindAllStringSubmatch(job.Name, -1) {
		namedAxes[match[1]] = struct{}{}
	}

	values := make(map[string]string, len(assignment))
	displayValues := make([]string, 0, len(assignment))
	for _, binding := range assignment {
		values[binding.Axis] = binding.Value
		if _, named := namedAxes[binding.Axis]; !named {
			displayValues = append(displayValues, binding.Value)
		}
	}
	substitute := func(text string) string {
		return interpolateMatrix(text, values)
	}

	boundJob := job
	boundJob.Name = substitute(job.Name)
	boundJob.RunsOn = substitute(job.RunsOn)
	boundJob.Environment = mapValues(job.Environment, substitute)
	boundJob.Steps = make([]Step, 0, len(job.Steps))
	for _, step := range job.Steps {
		boundStep := step
		boundStep.Name = substitute(step.Name)
		boundStep.Environment = mapValues(step.Environment, substitute)
		switch action := step.Action.(type) {
		case RunCommand:
			boundStep.Action = RunCommand{Script: substitute(action.Script)}
		case UseAction:
			boundStep.Action = UseAction{Reference: substitute(action.Reference), Inputs: mapValues(action.Inputs, substitute)}
		}
		boundJob.Steps = append(boundJob.Steps, boundStep)
	}

	// Axes the job name does not interpolate are listed after it, so every
	// assignment yields a distinct instance name.
	instanceName := boundJob.Name
	if len(displayValues) > 0 {
		instanceName = fmt.Sprintf(instanceNameTemplateConstant, boundJob.Name, strings.Join(displayValues, instanceValueSeparatorConstant))
	}

	return JobInstance{
		Job:        boundJob,
		Assignment: assignment,
		Name:       instanceName,
		Index:      instanceIndex,
	}
}

// References to axes outside values stay verbatim.
func interpolateMatrix(text string, values map[string]string) string {
	if !strings.Contains(text, "${{") {
		return text
	}
	return matrixReferencePattern.ReplaceAllStringFunc(text, func(reference string) string {
		submatches := matrixReferencePattern.FindStringSubmatch(reference)
		if value, known := values[submatches[1]]; known {
			return value
		}
		return reference
	})
}

func mapValues(source map[string]string, transform func(string) string) map[string]string {
	if len(source) == 0 {
		return nil
	}
	transformed := make(map[string]string, len(source))
	for key, value := range source {
		transformed[key] = transform(value)
	}
	return transformed
}

func matrixEnvironmentName(axis string) string {
	return matrixEnvironmentPrefixConstant + environmentVariableName(axis)
}

func environmentVariableName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), environmentNameReplacementPattern, environmentNameReplacement))
}
