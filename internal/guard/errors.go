package guard

import (
	"fmt"
	"strings"
)

// Violation is one denylist hit found during a content scan.
type Violation struct {
	Rule   string `json:"rule"`
	Line   int    `json:"line"`
	Detail string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s (line %d): %s", v.Rule, v.Line, v.Detail)
}

// ValidationError carries the itemized violations that rejected a proposal.
// The list feeds synthesis retries verbatim.
type ValidationError struct {
	Skill      string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	items := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		items[i] = v.String()
	}
	return fmt.Sprintf("skill %q rejected: %s", e.Skill, strings.Join(items, "; "))
}

// PermissionError reports an operation outside the current protection level
// or write scope. It aborts the attempt without producing a change record.
type PermissionError struct {
	Op     string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Op, e.Reason)
}
