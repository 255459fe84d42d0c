package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	workflowpkg "github.com/tyemirov/ciflow/internal/workflow"
)

const (
	eventFlagNameConstant               = "event"
	eventFlagDescriptionConstant        = "Event kind to evaluate triggers against (push, pull_request, schedule, workflow_dispatch)"
	refFlagNameConstant                 = "ref"
	refFlagDescriptionConstant          = "Ref carried by the event, for example refs/heads/main or refs/tags/v1.0.0"
	baseRefFlagNameConstant             = "base-ref"
	baseRefFlagDescriptionConstant      = "Base ref of a pull_request event"
	pathFlagNameConstant                = "path"
	pathFlagDescriptionConstant         = "Changed path carried by the event. Repeatable."
	eventFileFlagNameConstant           = "event-file"
	eventFileFlagDescriptionConstant    = "Load the event from a YAML descriptor (kind, ref, base_ref, changed_paths); flags override its values"
	defaultEventKindConstant            = string(workflowpkg.TriggerKindPush)
	eventFileReadErrorTemplateConstant  = "failed to read event file %q: %w"
	eventFileParseErrorTemplateConstant = "failed to parse event file %q: %w"
	eventKindErrorTemplateConstant      = "invalid event: %w"
	eventFileEmptyMessageConstant       = "event file is empty"
	changedSinceFlagNameConstant        = "changed-since"
	changedSinceFlagDescriptionConstant = "Derive the changed paths from git: files changed between the merge base of this revision and HEAD"
	changedSinceConflictMessageConstant = "--changed-since and --path cannot be combined"
	changedSinceErrorTemplateConstant   = "failed to list paths changed since %q: %w"
	defaultRepositoryPathConstant       = "."
)

// ChangedPathsResolver lists the paths changed in a repository since a base revision.
type ChangedPathsResolver interface {
	ChangedPaths(executionContext context.Context, repositoryPath string, baseRevision string) ([]string, error)
}

type eventDescriptor struct {
	Kind         string   `yaml:"kind"`
	Ref          string   `yaml:"ref"`
	BaseRef      string   `yaml:"base_ref"`
	ChangedPaths []string `yaml:"changed_paths"`
}

func addEventFlags(command *cobra.Command) {
	command.Flags().String(eventFlagNameConstant, defaultEventKindConstant, eventFlagDescriptionConstant)
	command.Flags().String(refFlagNameConstant, "", refFlagDescriptionConstant)
	command.Flags().String(baseRefFlagNameConstant, "", baseRefFlagDescriptionConstant)
	command.Flags().StringArray(pathFlagNameConstant, nil, pathFlagDescriptionConstant)
	command.Flags().String(eventFileFlagNameConstant, "", eventFileFlagDescriptionConstant)
	command.Flags().String(changedSinceFlagNameConstant, "", changedSinceFlagDescriptionConstant)
}

// resolveEvent builds the event from the optional descriptor file and the
// event flags. A flag set on the command line overrides the file value.
func resolveEvent(command *cobra.Command) (workflowpkg.Event, error) {
	descriptor := eventDescriptor{Kind: defaultEventKindConstant}

	eventFilePath, eventFileError := command.Flags().GetString(eventFileFlagNameConstant)
	if eventFileError != nil {
		return workflowpkg.Event{}, eventFileError
	}
	if trimmedPath := strings.TrimSpace(eventFilePath); len(trimmedPath) > 0 {
		loadedDescriptor, loadError := loadEventDescriptor(trimmedPath)
		if loadError != nil {
			return workflowpkg.Event{}, loadError
		}
		if len(strings.TrimSpace(loadedDescriptor.Kind)) == 0 {
			loadedDescriptor.Kind = descriptor.Kind
		}
		descriptor = loadedDescriptor
	}

	flagSet := command.Flags()
	if flagSet.Changed(eventFlagNameConstant) {
		descriptor.Kind, _ = flagSet.GetString(eventFlagNameConstant)
	}
	if flagSet.Changed(refFlagNameConstant) {
		descriptor.Ref, _ = flagSet.GetString(refFlagNameConstant)
	}
	if flagSet.Changed(baseRefFlagNameConstant) {
		descriptor.BaseRef, _ = flagSet.GetString(baseRefFlagNameConstant)
	}
	if flagSet.Changed(pathFlagNameConstant) {
		descriptor.ChangedPaths, _ = flagSet.GetStringArray(pathFlagNameConstant)
	}

	return descriptor.event()
}

func loadEventDescriptor(path string) (eventDescriptor, error) {
	content, readError := os.ReadFile(path)
	if readError != nil {
		return eventDescriptor{}, fmt.Errorf(eventFileReadErrorTemplateConstant, path, readError)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)

	var descriptor eventDescriptor
	if decodeError := decoder.Decode(&descriptor); decodeError != nil {
		if errors.Is(decodeError, io.EOF) {
			return eventDescriptor{}, fmt.Errorf(eventFileParseErrorTemplateConstant, path, errors.New(eventFileEmptyMessageConstant))
		}
		return eventDescriptor{}, fmt.Errorf(eventFileParseErrorTemplateConstant, path, decodeError)
	}
	return descriptor, nil
}

func (descriptor eventDescriptor) event() (workflowpkg.Event, error) {
	kind, kindError := workflowpkg.ParseTriggerKind(descriptor.Kind)
	if kindError != nil {
		return workflowpkg.Event{}, fmt.Errorf(eventKindErrorTemplateConstant, kindError)
	}

	var changedPaths []string
	for _, changedPath := range descriptor.ChangedPaths {
		trimmedPath := strings.TrimSpace(changedPath)
		if len(trimmedPath) == 0 {
			continue
		}
		changedPaths = append(changedPaths, trimmedPath)
	}

	return workflowpkg.Event{
		Kind:         kind,
		Ref:          strings.TrimSpace(descriptor.Ref),
		BaseRef:      strings.TrimSpace(descriptor.BaseRef),
		ChangedPaths: changedPaths,
	}, nil
}

// applyChangedSince replaces the event's changed paths with the git diff
// against the --changed-since revision when that flag is set.
func applyChangedSince(command *cobra.Command, event workflowpkg.Event, resolver ChangedPathsResolver, repositoryPath string) (workflowpkg.Event, error) {
	baseRevision, flagError := command.Flags().GetString(changedSinceFlagNameConstant)
	if flagError != nil {
		return event, flagError
	}
	baseRevision = strings.TrimSpace(baseRevision)
	if len(baseRevision) == 0 {
		return event, nil
	}
	if command.Flags().Changed(pathFlagNameConstant) {
		return event, errors.New(changedSinceConflictMessageConstant)
	}

	if len(strings.TrimSpace(repositoryPath)) == 0 {
		repositoryPath = defaultRepositoryPathConstant
	}
	changedPaths, resolveError := resolver.ChangedPaths(command.Context(), repositoryPath, baseRevision)
	if resolveError != nil {
		return event, fmt.Errorf(changedSinceErrorTemplateConstant, baseRevision, resolveError)
	}
	event.ChangedPaths = changedPaths
	return event, nil
}
