package schema

import "time"

// GateRecord is the persisted result of validating one artifact.
// Exactly one gate record exists per (run, step) after an attempted
// execution, including steps skipped by their condition.
type GateRecord struct {
	Valid            bool                   `json:"valid"`
	Errors           []string               `json:"errors"`
	Warnings         []string               `json:"warnings"`
	Skipped          bool                   `json:"skipped,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	Condition        string                 `json:"condition,omitempty"`
	Context          map[string]any         `json:"context,omitempty"`
	AutofixApplied   bool                   `json:"autofix_applied,omitempty"`
	FixedFieldsCount int                    `json:"fixed_fields_count,omitempty"`
	CustomValidation map[string]CheckResult `json:"custom_validation,omitempty"`
	Secondary        map[string]*GateRecord `json:"secondary,omitempty"`
	ValidatedAt      time.Time              `json:"validated_at"`
	Attempts         int                    `json:"attempts,omitempty"`
}

// CheckResult records one custom check outcome inside a gate record.
type CheckResult struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// NewGateRecord returns a gate record with slices initialized so the
// persisted JSON always carries errors/warnings arrays.
func NewGateRecord() *GateRecord {
	return &GateRecord{
		Errors:      []string{},
		Warnings:    []string{},
		ValidatedAt: time.Now().UTC(),
	}
}

// AddError appends an error and marks the record invalid.
func (g *GateRecord) AddError(msg string) {
	g.Errors = append(g.Errors, msg)
	g.Valid = false
}

// AddWarning appends a warning without affecting validity.
func (g *GateRecord) AddWarning(msg string) {
	g.Warnings = append(g.Warnings, msg)
}
