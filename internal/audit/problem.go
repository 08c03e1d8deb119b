package audit

import "fmt"

// Severity grades how urgent fixing a problem is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Type classifies the nature of a problem.
type Type int

const (
	TypeGovernance Type = iota
	TypeBadPractice
	TypeSecurity
	TypePerformance
	TypeOperations
)

func (t Type) String() string {
	switch t {
	case TypeGovernance:
		return "GOVERNANCE"
	case TypeBadPractice:
		return "BAD_PRACTICE"
	case TypeSecurity:
		return "SECURITY"
	case TypePerformance:
		return "PERFORMANCE"
	case TypeOperations:
		return "OPERATIONS"
	default:
		return "UNKNOWN"
	}
}

// Rule is one check of the catalog: a stable id, its default grading and
// a message template.
type Rule struct {
	ID       string
	Severity Severity
	Type     Type
	Message  string
}

// Problem is one finding. It is immutable once built: audits produce
// problems, aggregation is list concatenation, nothing rewrites them.
type Problem struct {
	RuleID   string
	Severity Severity
	Type     Type
	Message  string
	// Subject is the key of the object the problem is about, or an
	// object type name for collection-level findings.
	Subject string
	URL     string
}

// Problem instantiates the rule's message template for a subject.
func (r Rule) Problem(subject string, args ...interface{}) Problem {
	return Problem{
		RuleID:   r.ID,
		Severity: r.Severity,
		Type:     r.Type,
		Message:  fmt.Sprintf(r.Message, args...),
		Subject:  subject,
	}
}

// ProblemWithURL is Problem plus a link to the object in the web UI.
func (r Rule) ProblemWithURL(subject, url string, args ...interface{}) Problem {
	p := r.Problem(subject, args...)
	p.URL = url
	return p
}

// Record adapts a Problem to the result writer's row contract. ServerID
// and WithURL mirror the output options so rows stay aligned with the
// header the auditor writes.
type Record struct {
	Problem  Problem
	ServerID string
	WithURL  bool
}

// Header returns the CSV header matching Record.Fields for the given
// output options.
func Header(serverID bool, withURL bool) []string {
	header := []string{"Problem", "Type", "Severity", "Message"}
	if serverID {
		header = append([]string{"Server Id"}, header...)
	}
	if withURL {
		header = append(header, "URL")
	}
	return header
}

func (r Record) Fields() []string {
	fields := []string{r.Problem.RuleID, r.Problem.Type.String(), r.Problem.Severity.String(), r.Problem.Message}
	if r.ServerID != "" {
		fields = append([]string{r.ServerID}, fields...)
	}
	if r.WithURL {
		fields = append(fields, r.Problem.URL)
	}
	return fields
}

func (r Record) JSON() interface{} {
	out := recordJSON{
		Problem:  r.Problem.RuleID,
		Type:     r.Problem.Type.String(),
		Severity: r.Problem.Severity.String(),
		Message:  r.Problem.Message,
		ServerID: r.ServerID,
	}
	if r.WithURL {
		out.URL = r.Problem.URL
	}
	return out
}

type recordJSON struct {
	ServerID string `json:"serverId,omitempty"`
	Problem  string `json:"problem"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	URL      string `json:"url,omitempty"`
}

// Severity, Type and Key implement the writer's filtering contract.
func (r Record) Severity() string { return r.Problem.Severity.String() }
func (r Record) Type() string     { return r.Problem.Type.String() }
func (r Record) Key() string      { return r.Problem.Subject }
