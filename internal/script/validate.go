package script

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxLength is the script size above which Validate emits a warning.
const DefaultMaxLength = 10000

// IssueKind classifies a validation finding.
type IssueKind string

const (
	IssueSyntax   IssueKind = "SyntaxError"
	IssueSecurity IssueKind = "SecurityViolation"
	IssueWarning  IssueKind = "Warning"
)

// Issue is a single validation finding.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	Message string    `json:"message"`
	Pattern string    `json:"pattern,omitempty"`
}

func (i Issue) String() string {
	return string(i.Kind) + ": " + i.Message
}

// Report is the outcome of Validate. Warnings never affect Valid.
type Report struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Err returns nil for a valid report and a *ValidationError otherwise.
func (r Report) Err(kind Kind) error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Kind: kind, Issues: r.Errors}
}

// ValidationError is returned when a script fails validation.
type ValidationError struct {
	Kind   Kind
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = is.String()
	}
	return fmt.Sprintf("%s script invalid: %s", e.Kind, strings.Join(msgs, "; "))
}

type rule struct {
	re   *regexp.Regexp
	desc string
}

// denylist is a lexical pre-filter. It is not the isolation boundary: the
// sandbox runtime exposes none of these capabilities in the first place.
var denylist = []rule{
	{regexp.MustCompile(`\brequire\s*\(`), "dynamic module loading"},
	{regexp.MustCompile(`\bimport\b\s*[\s({*'"]`), "module import"},
	{regexp.MustCompile(`\beval\s*\(`), "dynamic code evaluation"},
	{regexp.MustCompile(`\bFunction\s*\(`), "dynamic code evaluation"},
	{regexp.MustCompile(`\bprocess\.`), "process access"},
	{regexp.MustCompile(`\bglobal\.`), "global object access"},
	{regexp.MustCompile(`\bglobalThis\b`), "global object access"},
	{regexp.MustCompile(`__dirname`), "filesystem access"},
	{regexp.MustCompile(`__filename`), "filesystem access"},
	{regexp.MustCompile(`\bfs\.`), "filesystem access"},
	{regexp.MustCompile(`child_process`), "child process spawning"},
	{regexp.MustCompile(`\bexec\s*\(`), "child process spawning"},
	{regexp.MustCompile(`\bspawn\s*\(`), "child process spawning"},
	{regexp.MustCompile(`\bsetTimeout\b`), "timer"},
	{regexp.MustCompile(`\bsetInterval\b`), "timer"},
	{regexp.MustCompile(`\bsetImmediate\b`), "timer"},
	{regexp.MustCompile(`\bXMLHttpRequest\b`), "network call"},
	{regexp.MustCompile(`\bfetch\s*\(`), "network call"},
	{regexp.MustCompile(`\bWebSocket\b`), "network call"},
}

var unboundedLoops = []*regexp.Regexp{
	regexp.MustCompile(`\bwhile\s*\(\s*(true|1)\s*\)`),
	regexp.MustCompile(`\bfor\s*\(\s*;\s*;\s*\)`),
}

type options struct {
	kind      Kind
	maxLength int
}

// Option configures Validate.
type Option func(*options)

// WithKind compiles the script with the parameter list of kind.
// Default: generator.
func WithKind(k Kind) Option {
	return func(o *options) { o.kind = k }
}

// WithMaxLength sets the length warning threshold in bytes.
func WithMaxLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLength = n
		}
	}
}

// Validate performs static checks on a script without executing it.
func Validate(src string, opts ...Option) Report {
	o := options{kind: KindGenerator, maxLength: DefaultMaxLength}
	for _, fn := range opts {
		fn(&o)
	}

	r := Report{Errors: []Issue{}, Warnings: []Issue{}}

	if strings.TrimSpace(src) == "" {
		r.Errors = append(r.Errors, Issue{Kind: IssueSyntax, Message: "script is empty"})
	}

	for _, d := range denylist {
		if d.re.MatchString(src) {
			r.Errors = append(r.Errors, Issue{
				Kind:    IssueSecurity,
				Message: fmt.Sprintf("%s is not allowed (pattern %s)", d.desc, d.re.String()),
				Pattern: d.re.String(),
			})
		}
	}

	if _, err := Compile(o.kind, src); err != nil {
		kind := IssueSyntax
		if errors.Is(err, ErrUnsupported) {
			kind = IssueSecurity
		}
		r.Errors = append(r.Errors, Issue{Kind: kind, Message: err.Error()})
	}

	for _, re := range unboundedLoops {
		if re.MatchString(src) {
			r.Warnings = append(r.Warnings, Issue{
				Kind:    IssueWarning,
				Message: "potential infinite loop detected",
				Pattern: re.String(),
			})
			break
		}
	}

	if len(src) > o.maxLength {
		r.Warnings = append(r.Warnings, Issue{
			Kind:    IssueWarning,
			Message: fmt.Sprintf("script is %d bytes, longer than %d; consider simplifying it", len(src), o.maxLength),
		})
	}

	r.Valid = len(r.Errors) == 0
	return r
}
