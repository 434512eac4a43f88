// Package validate applies a declared, configuration-driven rule set to
// a record stream and tags each record with a severity and the rules
// that fired.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Severity is the outcome of evaluating a record against the rule set.
type Severity string

const (
	SeverityOK    Severity = "OK"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// RuleKind enumerates the rule categories spec.md §4.2 defines.
type RuleKind string

const (
	RuleCompleteness RuleKind = "completeness"
	RuleUniqueness   RuleKind = "uniqueness"
	RuleRange        RuleKind = "range"
	RuleFormat       RuleKind = "format"
	RuleCrossField   RuleKind = "cross_field"
	RuleCrossSource  RuleKind = "cross_source"
)

// Disposition controls whether a failing rule blocks materialization.
type Disposition string

const (
	DispositionStrict  Disposition = "strict"
	DispositionLenient Disposition = "lenient"
)

// Rule is one configuration-driven check against a record's fields.
type Rule struct {
	Name        string
	Kind        RuleKind
	Field       string
	Severity    Severity
	Disposition Disposition

	// Completeness
	MinNonNullFraction float64

	// Range
	MinValue *float64
	MaxValue *float64
	MinDate  *time.Time
	MaxDate  *time.Time

	// Format
	Pattern *regexp.Regexp

	// Cross-field / cross-source: arbitrary predicate over the full field set.
	Predicate func(fields map[string]string) bool
}

// Finding is one fired rule against one record.
type Finding struct {
	RuleName string
	Kind     RuleKind
	Field    string
	Severity Severity
	Reason   string
}

// Outcome is the result of validating one record.
type Outcome struct {
	Severity Severity
	Findings []Finding
}

// Validator evaluates a rule set against a stream of records. Uniqueness
// rules accumulate state across Validate calls within one asset's run
// and must be reset between runs via NewValidator.
type Validator struct {
	rules              []Rule
	seenKeys           map[string]map[string]bool // rule name -> seen key value -> true
	completenessTotals map[string]*completenessCounter
}

type completenessCounter struct {
	seen    int64
	nonNull int64
}

// NewValidator builds a Validator from a declared rule set.
func NewValidator(rules []Rule) *Validator {
	return &Validator{
		rules:              rules,
		seenKeys:           make(map[string]map[string]bool),
		completenessTotals: make(map[string]*completenessCounter),
	}
}

// Validate evaluates fields against every rule, returning the record's
// overall severity (the worst of any fired rule) and the list of fired
// rules. Completeness is evaluated as a running fraction across all
// records seen so far by this Validator instance, per spec.md §4.2's
// "field non-null fraction >= threshold" definition, which is
// necessarily a stream-level aggregate rather than a per-record check.
func (v *Validator) Validate(fields map[string]string) Outcome {
	var findings []Finding
	worst := SeverityOK

	for _, rule := range v.rules {
		var fired bool
		var reason string

		switch rule.Kind {
		case RuleCompleteness:
			fired, reason = v.evalCompleteness(rule, fields)
		case RuleUniqueness:
			fired, reason = v.evalUniqueness(rule, fields)
		case RuleRange:
			fired, reason = evalRange(rule, fields)
		case RuleFormat:
			fired, reason = evalFormat(rule, fields)
		case RuleCrossField, RuleCrossSource:
			fired, reason = evalPredicate(rule, fields)
		}

		if fired {
			findings = append(findings, Finding{
				RuleName: rule.Name,
				Kind:     rule.Kind,
				Field:    rule.Field,
				Severity: rule.Severity,
				Reason:   reason,
			})
			if severityRank(rule.Severity) > severityRank(worst) {
				worst = rule.Severity
			}
		}
	}

	return Outcome{Severity: worst, Findings: findings}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}

func (v *Validator) evalCompleteness(rule Rule, fields map[string]string) (bool, string) {
	counter, ok := v.completenessTotals[rule.Name]
	if !ok {
		counter = &completenessCounter{}
		v.completenessTotals[rule.Name] = counter
	}
	counter.seen++
	if fields[rule.Field] != "" {
		counter.nonNull++
	}
	fraction := float64(counter.nonNull) / float64(counter.seen)
	if fraction < rule.MinNonNullFraction {
		return true, fmt.Sprintf("field %q non-null fraction %.3f below threshold %.3f", rule.Field, fraction, rule.MinNonNullFraction)
	}
	return false, ""
}

func (v *Validator) evalUniqueness(rule Rule, fields map[string]string) (bool, string) {
	seen, ok := v.seenKeys[rule.Name]
	if !ok {
		seen = make(map[string]bool)
		v.seenKeys[rule.Name] = seen
	}
	key := fields[rule.Field]
	if seen[key] {
		return true, fmt.Sprintf("duplicate value %q for field %q", key, rule.Field)
	}
	seen[key] = true
	return false, ""
}

func evalRange(rule Rule, fields map[string]string) (bool, string) {
	raw := fields[rule.Field]
	if raw == "" {
		return false, ""
	}

	if rule.MinDate != nil || rule.MaxDate != nil {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			t, err = time.Parse("2006-01-02", raw)
		}
		if err != nil {
			return true, fmt.Sprintf("field %q value %q is not a parseable date", rule.Field, raw)
		}
		if rule.MinDate != nil && t.Before(*rule.MinDate) {
			return true, fmt.Sprintf("field %q date %s before minimum %s", rule.Field, t, *rule.MinDate)
		}
		if rule.MaxDate != nil && t.After(*rule.MaxDate) {
			return true, fmt.Sprintf("field %q date %s after maximum %s", rule.Field, t, *rule.MaxDate)
		}
		return false, ""
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return true, fmt.Sprintf("field %q value %q is not numeric", rule.Field, raw)
	}
	if rule.MinValue != nil && f < *rule.MinValue {
		return true, fmt.Sprintf("field %q value %v below minimum %v", rule.Field, f, *rule.MinValue)
	}
	if rule.MaxValue != nil && f > *rule.MaxValue {
		return true, fmt.Sprintf("field %q value %v above maximum %v", rule.Field, f, *rule.MaxValue)
	}
	return false, ""
}

func evalFormat(rule Rule, fields map[string]string) (bool, string) {
	if rule.Pattern == nil {
		return false, ""
	}
	raw := fields[rule.Field]
	if !rule.Pattern.MatchString(raw) {
		return true, fmt.Sprintf("field %q value %q does not match pattern %s", rule.Field, raw, rule.Pattern.String())
	}
	return false, ""
}

func evalPredicate(rule Rule, fields map[string]string) (bool, string) {
	if rule.Predicate == nil {
		return false, ""
	}
	if !rule.Predicate(fields) {
		return true, fmt.Sprintf("rule %q predicate failed", rule.Name)
	}
	return false, ""
}

// Common format patterns referenced by spec.md's Format rule kind.
var (
	SupplierIDPattern = regexp.MustCompile(`^[A-Z0-9]{13}$`)
	NAICSPattern      = regexp.MustCompile(`^\d{6}$`)
)

// PhaseIICapRule builds the cross-field rule from spec.md's worked
// example: a Phase II award amount must not exceed capAmount.
func PhaseIICapRule(name string, capAmount float64) Rule {
	return Rule{
		Name:        name,
		Kind:        RuleCrossField,
		Severity:    SeverityError,
		Disposition: DispositionStrict,
		Predicate: func(fields map[string]string) bool {
			if fields["phase"] != "II" {
				return true
			}
			amount, err := strconv.ParseFloat(fields["amount"], 64)
			if err != nil {
				return true
			}
			return amount <= capAmount
		},
	}
}
