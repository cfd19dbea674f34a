package schema

import "fmt"

// IssueCode classifies a validation problem independent of its message text,
// so callers can branch on the kind of defect without string matching.
type IssueCode string

const (
	IssueStructure    IssueCode = "structure"     // definition does not match the document schema
	IssueMissingField IssueCode = "missing_field" // required payload field absent
	IssueBadValue     IssueCode = "bad_value"     // field present but unusable
	IssueBadPath      IssueCode = "bad_path"      // malformed or read-only update path
	IssueUnknownType  IssueCode = "unknown_type"  // step type outside the closed enum
	IssueDuplicateID  IssueCode = "duplicate_id"
	IssueMisplaced    IssueCode = "misplaced" // step legal only in another position
	IssueCycle        IssueCode = "cycle"     // computed-field dependency loop
	IssueEmptyBranch  IssueCode = "empty_branch"
)

// ValidationSeverity indicates whether an issue blocks execution.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem. Path locates the offending
// field in the definition document; StepID names the step when one is known.
type ValidationIssue struct {
	Path     string             `json:"path"`
	StepID   string             `json:"step_id,omitempty"`
	Code     IssueCode          `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates the issues from every validation stage.
// Warnings never block execution.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the definition can run.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue at the given document path.
func (r *ValidationResult) AddError(path string, code IssueCode, message string) {
	r.AddStepError("", path, code, message)
}

// AddStepError appends an error carrying the offending step's ID.
func (r *ValidationResult) AddStepError(stepID, path string, code IssueCode, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, StepID: stepID, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue at the given document path.
func (r *ValidationResult) AddWarning(path string, code IssueCode, message string) {
	r.AddStepWarning("", path, code, message)
}

// AddStepWarning appends a warning carrying the offending step's ID.
func (r *ValidationResult) AddStepWarning(stepID, path string, code IssueCode, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, StepID: stepID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge folds another result's issues into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError collapses an invalid result into a single RelayError whose message
// leads with the first failure. All issues ride along in the details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if first.StepID != "" {
		msg = fmt.Sprintf("step %q: %s", first.StepID, first.Message)
	}
	if n := len(r.Errors) - 1; n > 0 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, n)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"errors":   r.Errors,
			"warnings": r.Warnings,
		})
}
