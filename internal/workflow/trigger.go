package workflow

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
)

const referencePrefixConstant = "refs/"

type eventReference struct {
	branch string
	tag    string
}

// MatchTriggers reports whether any rule accepts the event. A rule accepts an
// event when the kinds are equal and every filter the rule declares matches.
func MatchTriggers(rules []TriggerRule, event Event) bool {
	for _, rule := range rules {
		if rule.Kind != event.Kind {
			continue
		}
		if ruleFiltersMatch(rule, event) {
			return true
		}
	}
	return false
}

func ruleFiltersMatch(rule TriggerRule, event Event) bool {
	if !referenceFiltersMatch(rule, resolveEventReference(event)) {
		return false
	}
	if len(rule.Paths) > 0 && !anyPathMatches(rule.Paths, event.ChangedPaths) {
		return false
	}
	return true
}

// Branch-only rules never fire for tags and tag-only rules never fire for
// branches; a rule with both fires when either matches.
func referenceFiltersMatch(rule TriggerRule, reference eventReference) bool {
	hasBranchFilter := len(rule.Branches) > 0
	hasTagFilter := len(rule.Tags) > 0

	switch {
	case !hasBranchFilter && !hasTagFilter:
		return true
	case hasBranchFilter && hasTagFilter:
		return patternsMatch(rule.Branches, reference.branch) || patternsMatch(rule.Tags, reference.tag)
	case hasBranchFilter:
		return patternsMatch(rule.Branches, reference.branch)
	default:
		return patternsMatch(rule.Tags, reference.tag)
	}
}

func resolveEventReference(event Event) eventReference {
	rawReference := strings.TrimSpace(event.Ref)
	if event.Kind == TriggerKindPullRequest && len(strings.TrimSpace(event.BaseRef)) > 0 {
		rawReference = strings.TrimSpace(event.BaseRef)
	}
	if len(rawReference) == 0 {
		return eventReference{}
	}
	if !strings.HasPrefix(rawReference, referencePrefixConstant) {
		return eventReference{branch: rawReference}
	}

	referenceName := plumbing.ReferenceName(rawReference)
	switch {
	case referenceName.IsBranch():
		return eventReference{branch: referenceName.Short()}
	case referenceName.IsTag():
		return eventReference{tag: referenceName.Short()}
	default:
		return eventReference{}
	}
}

func patternsMatch(patterns []string, candidate string) bool {
	if len(candidate) == 0 {
		return false
	}
	for _, pattern := range patterns {
		if matched, matchError := doublestar.Match(pattern, candidate); matchError == nil && matched {
			return true
		}
	}
	return false
}

func anyPathMatches(patterns []string, changedPaths []string) bool {
	for _, changedPath := range changedPaths {
		normalizedPath := strings.TrimPrefix(strings.TrimSpace(changedPath), "./")
		if patternsMatch(patterns, normalizedPath) {
			return true
		}
	}
	return false
}
