// Package config loads and validates adminguard configuration: the server
// file, approval rule tables and evaluator overrides.
package config

// ConfigType identifies the type of configuration being validated.
type ConfigType string

const (
	// ConfigTypeServer is the adminguard server configuration.
	ConfigTypeServer ConfigType = "server"
	// ConfigTypeRules is an approval rule table.
	ConfigTypeRules ConfigType = "rules"
	// ConfigTypeEvaluator is a set of evaluator table overrides.
	ConfigTypeEvaluator ConfigType = "evaluator"
)

// IsValid returns true if the ConfigType is a known value.
func (t ConfigType) IsValid() bool {
	switch t {
	case ConfigTypeServer, ConfigTypeRules, ConfigTypeEvaluator:
		return true
	}
	return false
}

// String returns the string representation of the ConfigType.
func (t ConfigType) String() string {
	return string(t)
}

// AllConfigTypes returns all valid config type values.
func AllConfigTypes() []ConfigType {
	return []ConfigType{ConfigTypeServer, ConfigTypeRules, ConfigTypeEvaluator}
}

// IssueSeverity indicates the severity of a validation issue.
type IssueSeverity string

const (
	// SeverityError indicates a problem that blocks loading/usage.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a suspicious pattern but works.
	SeverityWarning IssueSeverity = "warning"
)

// ValidationIssue represents a single validation problem.
type ValidationIssue struct {
	Severity   IssueSeverity `json:"severity"`
	Location   string        `json:"location"` // e.g., "rules[0]", "routes[1]"
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// ValidationResult contains all validation findings for a single config.
type ValidationResult struct {
	ConfigType ConfigType        `json:"config_type"`
	Source     string            `json:"source"` // File path or SSM parameter
	Valid      bool              `json:"valid"`  // True if no errors (warnings OK)
	Issues     []ValidationIssue `json:"issues"`
}

// AllResults aggregates multiple validation results.
type AllResults struct {
	Results []ValidationResult `json:"results"`
	Summary ResultSummary      `json:"summary"`
}

// ResultSummary provides aggregate counts.
type ResultSummary struct {
	Total    int `json:"total"`
	Valid    int `json:"valid"`
	Invalid  int `json:"invalid"`
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
}

// Compute populates the summary from a list of results.
func (s *ResultSummary) Compute(results []ValidationResult) {
	s.Total = len(results)
	s.Valid = 0
	s.Invalid = 0
	s.Errors = 0
	s.Warnings = 0

	for _, r := range results {
		if r.Valid {
			s.Valid++
		} else {
			s.Invalid++
		}
		for _, issue := range r.Issues {
			switch issue.Severity {
			case SeverityError:
				s.Errors++
			case SeverityWarning:
				s.Warnings++
			}
		}
	}
}
