package workflow

import (
	"fmt"
	"strings"
)

const (
	environmentAssignmentSeparatorConstant  = "="
	environmentAssignmentFormatTemplate     = "environment overrides must be in KEY=VALUE format: %s"
	environmentAssignmentEmptyKeyTemplate   = "environment override key cannot be empty (%s)"
	environmentAssignmentInvalidKeyTemplate = "environment override key %q must not contain whitespace"
)

// parseEnvironmentAssignments turns repeated KEY=VALUE flags into a map.
// Values are kept verbatim; later assignments of the same key win.
func parseEnvironmentAssignments(assignments []string) (map[string]string, error) {
	if len(assignments) == 0 {
		return nil, nil
	}

	result := make(map[string]string, len(assignments))
	for _, assignment := range assignments {
		if len(strings.TrimSpace(assignment)) == 0 {
			continue
		}
		parts := strings.SplitN(assignment, environmentAssignmentSeparatorConstant, 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf(environmentAssignmentFormatTemplate, assignment)
		}
		key := strings.TrimSpace(parts[0])
		if len(key) == 0 {
			return nil, fmt.Errorf(environmentAssignmentEmptyKeyTemplate, assignment)
		}
		if strings.ContainsAny(key, " \t\n") {
			return nil, fmt.Errorf(environmentAssignmentInvalidKeyTemplate, key)
		}
		result[key] = parts[1]
	}

	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}
