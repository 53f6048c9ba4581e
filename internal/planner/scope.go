package planner

import (
	"regexp"
	"strings"

	"github.com/brutev/fd-agent/internal/semantic"
)

// Change request scopes
const (
	ScopeFeatureAddition     = "feature_addition"
	ScopeFeatureModification = "feature_modification"
	ScopeBugFix              = "bug_fix"
	ScopeComplianceUpdate    = "compliance_update"
	ScopeGeneralEnhancement  = "general_enhancement"
)

// Change request priorities
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

type wordRule struct {
	label string
	words []string
}

// Rules are tried in order; the first with a matching word wins
var (
	scopeRules = []wordRule{
		{ScopeFeatureAddition, []string{"new", "add", "create", "implement", "introduce"}},
		{ScopeFeatureModification, []string{"modify", "update", "change", "enhance"}},
		{ScopeBugFix, []string{"fix", "bug", "issue", "error", "crash"}},
		{ScopeComplianceUpdate, []string{"security", "compliance", "regulation", "regulatory"}},
	}
	priorityRules = []wordRule{
		{PriorityHigh, []string{"urgent", "critical", "asap", "immediately", "blocker"}},
		{PriorityHigh, []string{"compliance", "security", "regulation", "regulatory"}},
		{PriorityMedium, []string{"enhancement", "improvement", "improve", "optimize", "optimise"}},
	}
)

var letters = regexp.MustCompile(`[a-z]+`)

// Scope reads what kind of change text asks for. Words are compared after
// stemming, so "added" and "fixes" count as "add" and "fix".
func Scope(text string) string {
	return firstRule(scopeRules, text, ScopeGeneralEnhancement)
}

// Priority reads how urgent text says a change is
func Priority(text string) string {
	return firstRule(priorityRules, text, PriorityLow)
}

func firstRule(rules []wordRule, text, fallback string) string {
	words := make(map[string]bool)
	for _, w := range letters.FindAllString(strings.ToLower(text), -1) {
		words[semantic.Stem(w)] = true
	}
	for _, r := range rules {
		for _, w := range r.words {
			if words[semantic.Stem(w)] {
				return r.label
			}
		}
	}
	return fallback
}
