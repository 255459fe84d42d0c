package workflow

import (
	"errors"
	"fmt"
)

var errJobCycleDetected = errors.New("job dependencies contain a cycle")

// JobStage groups jobs whose dependencies are all satisfied by earlier stages.
type JobStage struct {
	Jobs []Job
}

// planJobStages layers jobs by their needs, preserving declaration order
// within each stage. Jobs without needs all land in the first stage.
func planJobStages(jobs []Job) ([]JobStage, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	identifierToJob := make(map[string]Job, len(jobs))
	inDegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string, len(jobs))

	for _, job := range jobs {
		if len(job.Identifier) == 0 {
			return nil, errors.New("job missing identifier")
		}
		if _, exists := identifierToJob[job.Identifier]; exists {
			return nil, fmt.Errorf("job %q defined multiple times", job.Identifier)
		}
		identifierToJob[job.Identifier] = job
		inDegree[job.Identifier] = 0
	}

	for _, job := range jobs {
		seenDependencies := make(map[string]struct{}, len(job.Needs))
		for _, dependency := range job.Needs {
			if dependency == job.Identifier {
				return nil, fmt.Errorf("job %q cannot depend on itself", job.Identifier)
			}
			if _, exists := identifierToJob[dependency]; !exists {
				return nil, fmt.Errorf("job %q depends on unknown job %q", job.Identifier, dependency)
			}
			if _, alreadyCounted := seenDependencies[dependency]; alreadyCounted {
				continue
			}
			seenDependencies[dependency] = struct{}{}
			inDegree[job.Identifier]++
			dependents[dependency] = append(dependents[dependency], job.Identifier)
		}
	}

	ready := make(map[string]struct{})
	for _, job := range jobs {
		if inDegree[job.Identifier] == 0 {
			ready[job.Identifier] = struct{}{}
		}
	}

	stages := make([]JobStage, 0, 1)
	processed := 0
	for len(ready) > 0 {
		stage := JobStage{Jobs: make([]Job, 0, len(ready))}
		nextReady := make(map[string]struct{})

		for _, job := range jobs {
			if _, isReady := ready[job.Identifier]; !isReady {
				continue
			}
			stage.Jobs = append(stage.Jobs, job)
			processed++
			for _, dependent := range dependents[job.Identifier] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextReady[dependent] = struct{}{}
				}
			}
		}

		stages = append(stages, stage)
		ready = nextReady
	}

	if processed != len(jobs) {
		return nil, errJobCycleDetected
	}
	return stages, nil
}
