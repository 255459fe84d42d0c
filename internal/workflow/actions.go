package workflow

import (
	"strings"
)

const (
	actionVersionSeparatorConstant = "@"
	actionInputPrefixConstant      = "INPUT_"
)

// ActionDefinition maps a reusable action reference to the shell script that implements it.
type ActionDefinition struct {
	Uses string
	Run  string
}

// ActionCatalog resolves `uses` references to shell scripts.
type ActionCatalog struct {
	scripts map[string]string
}

// NewActionCatalog indexes the provided definitions; later duplicates win.
func NewActionCatalog(definitions []ActionDefinition) ActionCatalog {
	scripts := make(map[string]string, len(definitions))
	for _, definition := range definitions {
		reference := strings.TrimSpace(definition.Uses)
		if len(reference) == 0 {
			continue
		}
		scripts[reference] = definition.Run
	}
	return ActionCatalog{scripts: scripts}
}

// Resolve returns the script registered for reference. The exact reference is
// tried first, then the reference without its @version suffix.
func (catalog ActionCatalog) Resolve(reference string) (string, bool) {
	trimmedReference := strings.TrimSpace(reference)
	if len(trimmedReference) == 0 || len(catalog.scripts) == 0 {
		return "", false
	}
	if script, found := catalog.scripts[trimmedReference]; found {
		return script, true
	}
	if versionIndex := strings.LastIndex(trimmedReference, actionVersionSeparatorConstant); versionIndex > 0 {
		if script, found := catalog.scripts[trimmedReference[:versionIndex]]; found {
			return script, true
		}
	}
	return "", false
}

// Len reports the number of registered actions.
func (catalog ActionCatalog) Len() int {
	return len(catalog.scripts)
}

func actionInputEnvironment(inputs map[string]string) map[string]string {
	if len(inputs) == 0 {
		return nil
	}
	environment := make(map[string]string, len(inputs))
	for name, value := range inputs {
		environment[actionInputPrefixConstant+environmentVariableName(name)] = value
	}
	return environment
}
