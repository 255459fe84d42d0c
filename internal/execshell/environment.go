package execshell

import (
	"os"
	"sort"
	"strings"
)

const environmentAssignmentSeparatorConstant = "="

// ProcessEnvironment returns the current process environment as a map.
func ProcessEnvironment() map[string]string {
	return ParseEnvironmentList(os.Environ())
}

// ParseEnvironmentList converts KEY=VALUE entries into a map; later duplicates win.
func ParseEnvironmentList(entries []string) map[string]string {
	environment := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, found := strings.Cut(entry, environmentAssignmentSeparatorConstant)
		if !found || len(key) == 0 {
			continue
		}
		environment[key] = value
	}
	return environment
}

// MergeEnvironment overlays layers from left to right; keys in later layers win.
func MergeEnvironment(layers ...map[string]string) map[string]string {
	size := 0
	for _, layer := range layers {
		size += len(layer)
	}
	merged := make(map[string]string, size)
	for _, layer := range layers {
		for key, value := range layer {
			merged[key] = value
		}
	}
	return merged
}

// EnvironmentList renders an environment map as sorted KEY=VALUE entries.
func EnvironmentList(environment map[string]string) []string {
	keys := make([]string, 0, len(environment))
	for key := range environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, key+environmentAssignmentSeparatorConstant+environment[key])
	}
	return entries
}
