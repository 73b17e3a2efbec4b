package optrc

import (
	"fmt"
	"regexp"
)

// MatchDefinition is a declarative, serializable description of a matcher.
// Every criterion that's set must hold for the resulting matcher to match.
type MatchDefinition struct {
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	NamePattern string         `json:"name_pattern,omitempty" yaml:"name_pattern,omitempty"`
	EntryName   string         `json:"entry_name,omitempty" yaml:"entry_name,omitempty"`
	Type        []SpanType     `json:"type,omitempty" yaml:"type,omitempty"`
	Status      Status         `json:"status,omitempty" yaml:"status,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	MatchScopes []string       `json:"match_scopes,omitempty" yaml:"match_scopes,omitempty"`
	Occurrence  int            `json:"occurrence,omitempty" yaml:"occurrence,omitempty"`
	IsIdle      *bool          `json:"is_idle,omitempty" yaml:"is_idle,omitempty"`

	// ContinueWithErrorStatus tags the matcher with TagContinueWithErrorStatus.
	ContinueWithErrorStatus bool `json:"continue_with_error_status,omitempty" yaml:"continue_with_error_status,omitempty"`
}

// Matcher converts the definition to an equivalent matcher. An empty
// definition is an error, as it would match every span.
func (d MatchDefinition) Matcher() (Matcher, error) {
	var ms []Matcher

	if d.Name != "" {
		ms = append(ms, WithName(d.Name))
	}

	if d.NamePattern != "" {
		re, err := regexp.Compile(d.NamePattern)
		if err != nil {
			return Matcher{}, fmt.Errorf("name pattern: %w", err)
		}
		ms = append(ms, WithNameMatching(re))
	}

	if d.EntryName != "" {
		ms = append(ms, WithEntryName(d.EntryName))
	}

	if len(d.Type) > 0 {
		ms = append(ms, WithType(d.Type...))
	}

	if d.Status != "" {
		ms = append(ms, WithStatus(d.Status))
	}

	if len(d.Attributes) > 0 {
		ms = append(ms, WithAttributes(d.Attributes))
	}

	if len(d.MatchScopes) > 0 {
		ms = append(ms, WithScopeKeys(d.MatchScopes...))
	}

	if d.Occurrence > 0 {
		ms = append(ms, WithOccurrence(d.Occurrence))
	}

	if d.IsIdle != nil {
		ms = append(ms, WithIdle(*d.IsIdle))
	}

	if len(ms) <= 0 {
		return Matcher{}, fmt.Errorf("match definition has no criteria")
	}

	m := All(ms...)
	if d.ContinueWithErrorStatus {
		m = m.WithTags(TagContinueWithErrorStatus)
	}
	return m, nil
}

// MatchersFromDefinitions converts each definition to a matcher, failing on
// the first invalid definition.
func MatchersFromDefinitions(defs ...MatchDefinition) ([]Matcher, error) {
	ms := make([]Matcher, 0, len(defs))
	for i, d := range defs {
		m, err := d.Matcher()
		if err != nil {
			return nil, fmt.Errorf("definition %d: %w", i+1, err)
		}
		ms = append(ms, m)
	}
	return ms, nil
}
