package compiler

import (
	"fmt"

	"github.com/google/uuid"
)

// Severity ranks a diagnostic.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityAbort
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityAbort:
		return "abort"
	}
	return "unknown"
}

// Diagnostic is one accumulated compiler message, attached to a rule when
// possible. Nothing is thrown across rule-set boundaries; each rule set
// compiles to completion and the driver surfaces the ordered list afterwards.
type Diagnostic struct {
	Severity Severity
	RuleID   uuid.UUID
	Rule     string // rule label, empty when not rule-specific
	Stage    string
	Message  string
}

func (d Diagnostic) String() string {
	if d.Rule != "" {
		return fmt.Sprintf("%s: rule %q (%s): %s", d.Severity, d.Rule, d.Stage, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Severity, d.Stage, d.Message)
}

// diagSink accumulates diagnostics for one compiler instance. In test mode
// aborts are downgraded to warnings so a user can preview otherwise-fatal
// output.
type diagSink struct {
	list     []Diagnostic
	testMode bool
}

func (s *diagSink) add(sev Severity, r *Rule, stage, format string, args ...any) {
	d := Diagnostic{
		Severity: sev,
		Stage:    stage,
		Message:  fmt.Sprintf(format, args...),
	}
	if r != nil {
		d.RuleID = r.ID
		d.Rule = r.Label
	}
	if sev == SeverityAbort && s.testMode {
		d.Severity = SeverityWarning
	}
	s.list = append(s.list, d)
}

// hasErrors reports whether any error-or-worse diagnostic was recorded.
func (s *diagSink) hasErrors() bool {
	for _, d := range s.list {
		if d.Severity >= SeverityError {
			return true
		}
	}
	return false
}
