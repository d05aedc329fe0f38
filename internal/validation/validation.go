// Package validation evaluates user assertions against a transport-successful check result.
package validation

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

const (
	TypeStatusCode   = "status_code"
	TypeHeader       = "header"
	TypeBody         = "body"
	TypeResponseTime = "response_time"
	TypeBodySize     = "body_size"
)

const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpMatches     = "matches"
	OpLessThan    = "less_than"
	OpGreaterThan = "greater_than"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
	OpIn          = "in"
)

// maxActualLen caps how much of an actual value is quoted back in an error.
const maxActualLen = 120

var phrases = map[string]string{
	OpEquals:      "equal",
	OpNotEquals:   "not equal",
	OpContains:    "contain",
	OpNotContains: "not contain",
	OpMatches:     "match",
	OpLessThan:    "be less than",
	OpGreaterThan: "be greater than",
	OpIn:          "be one of",
}

// subject is the value a rule inspects.
type subject struct {
	name    string
	value   string
	present bool
	numeric bool
	number  float64
}

// Apply evaluates rules and demotes a successful result to failure when any fails.
// Transport metrics are left untouched.
func Apply(result *core.CheckResult, rules []db.ValidationRule) {
	if result == nil || !result.Status.IsSuccess() || len(rules) == 0 {
		return
	}
	errs := Evaluate(result, rules)
	if len(errs) == 0 {
		return
	}
	result.ValidationErrors = errs
	result.Status = core.StatusFailure
	result.Error = &core.CheckError{
		Message: strings.Join(errs, "; "),
		Type:    core.ErrorTypeValidation,
	}
}

// Evaluate returns one message per failed rule, in rule order.
func Evaluate(result *core.CheckResult, rules []db.ValidationRule) []string {
	var errs []string
	for _, rule := range rules {
		if msg := evaluate(result, rule); msg != "" {
			errs = append(errs, msg)
		}
	}
	return errs
}

func evaluate(result *core.CheckResult, rule db.ValidationRule) string {
	s, err := resolve(result, rule)
	if err != nil {
		return err.Error()
	}

	switch rule.Operator {
	case OpExists:
		if !s.present {
			return fmt.Sprintf("expected %s to exist", s.name)
		}
		return ""
	case OpNotExists:
		if s.present {
			return fmt.Sprintf("expected %s not to exist, got %q", s.name, truncate(s.value))
		}
		return ""
	}

	phrase, ok := phrases[rule.Operator]
	if !ok {
		return fmt.Sprintf("unknown operator %q for %s rule", rule.Operator, rule.Type)
	}

	pass, err := compare(s, rule.Operator, rule.Value)
	if err != nil {
		return fmt.Sprintf("invalid %s rule: %v", rule.Type, err)
	}
	if pass {
		return ""
	}
	return fmt.Sprintf("expected %s to %s %q, got %q", s.name, phrase, rule.Value, truncate(s.value))
}

func resolve(result *core.CheckResult, rule db.ValidationRule) (subject, error) {
	switch rule.Type {
	case TypeStatusCode:
		return numberSubject("status code", float64(result.StatusCode), result.StatusCode != 0), nil
	case TypeResponseTime:
		return numberSubject("response time", result.ResponseTimeMs, true), nil
	case TypeBodySize:
		if result.BodySizeBytes == nil {
			return subject{name: "body size"}, nil
		}
		return numberSubject("body size", float64(*result.BodySizeBytes), true), nil
	case TypeBody:
		return subject{name: "body", value: string(result.Body), present: len(result.Body) > 0}, nil
	case TypeHeader:
		if rule.Property == "" {
			return subject{}, fmt.Errorf("header rule requires a property")
		}
		value, ok := lookupHeader(result.Headers, rule.Property)
		return subject{name: fmt.Sprintf("header %q", rule.Property), value: value, present: ok}, nil
	default:
		return subject{}, fmt.Errorf("unknown validation rule type %q", rule.Type)
	}
}

func numberSubject(name string, n float64, present bool) subject {
	s := subject{name: name, present: present, numeric: true, number: n}
	if present {
		s.value = strconv.FormatFloat(n, 'f', -1, 64)
	}
	return s
}

func compare(s subject, op, expected string) (bool, error) {
	switch op {
	case OpEquals:
		return equal(s, expected), nil
	case OpNotEquals:
		return !equal(s, expected), nil
	case OpContains:
		return strings.Contains(s.value, expected), nil
	case OpNotContains:
		return !strings.Contains(s.value, expected), nil
	case OpMatches:
		re, err := regexp.Compile(expected)
		if err != nil {
			return false, fmt.Errorf("bad pattern %q: %w", expected, err)
		}
		return re.MatchString(s.value), nil
	case OpLessThan, OpGreaterThan:
		want, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err != nil {
			return false, fmt.Errorf("%q is not a number", expected)
		}
		got, ok := s.asNumber()
		if !ok {
			return false, nil
		}
		if op == OpLessThan {
			return got < want, nil
		}
		return got > want, nil
	case OpIn:
		for _, candidate := range strings.Split(expected, ",") {
			if equal(s, strings.TrimSpace(candidate)) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func equal(s subject, expected string) bool {
	if s.numeric && s.present {
		if want, err := strconv.ParseFloat(strings.TrimSpace(expected), 64); err == nil {
			return s.number == want
		}
	}
	return s.value == expected
}

func (s subject) asNumber() (float64, bool) {
	if !s.present {
		return 0, false
	}
	if s.numeric {
		return s.number, true
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s.value), 64)
	return n, err == nil
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[http.CanonicalHeaderKey(name)]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func truncate(s string) string {
	if len(s) <= maxActualLen {
		return s
	}
	return s[:maxActualLen] + "..."
}
