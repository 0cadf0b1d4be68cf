package fieldvalidate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sql-proxy/internal/apierr"
)

// FieldValidator is a pure predicate over a string input, possibly producing
// a parsed value for downstream use (template rendering, SQL binding).
type FieldValidator interface {
	// Kind is the validator's tag name, used in error messages ("int",
	// "string", "enum", ...).
	Kind() string
	// Check parses and validates raw. On success it returns the value that
	// becomes params.<field> (int64, float64, string, or time.Time).
	Check(raw string) (any, error)
}

// IntValidator validates a signed integer, optionally bounded.
type IntValidator struct{ Min, Max *int64 }

func (IntValidator) Kind() string { return "int" }

func (v IntValidator) Check(raw string) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("must be an integer")
	}
	if v.Min != nil && n < *v.Min {
		return nil, fmt.Errorf("must be an integer with min: %d", *v.Min)
	}
	if v.Max != nil && n > *v.Max {
		return nil, fmt.Errorf("must be an integer with max: %d", *v.Max)
	}
	return n, nil
}

// FloatValidator validates a floating-point number, optionally bounded.
type FloatValidator struct{ Min, Max *float64 }

func (FloatValidator) Kind() string { return "float" }

func (v FloatValidator) Check(raw string) (any, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil, fmt.Errorf("must be a number")
	}
	if v.Min != nil && f < *v.Min {
		return nil, fmt.Errorf("must be a number with min: %g", *v.Min)
	}
	if v.Max != nil && f > *v.Max {
		return nil, fmt.Errorf("must be a number with max: %g", *v.Max)
	}
	return f, nil
}

// StringValidator bounds codepoint length and optionally matches a regex
// against the whole string.
type StringValidator struct {
	MinLength, MaxLength *int
	Regex                *regexp.Regexp
}

func (StringValidator) Kind() string { return "string" }

func (v StringValidator) Check(raw string) (any, error) {
	n := len([]rune(raw))
	if v.MinLength != nil && n < *v.MinLength {
		return nil, fmt.Errorf("must be at least %d characters", *v.MinLength)
	}
	if v.MaxLength != nil && n > *v.MaxLength {
		return nil, fmt.Errorf("must be at most %d characters", *v.MaxLength)
	}
	if v.Regex != nil && !v.Regex.MatchString(raw) {
		return nil, fmt.Errorf("must match pattern %s", v.Regex.String())
	}
	return raw, nil
}

// EnumValidator checks case-sensitive membership.
type EnumValidator struct{ Allowed []string }

func (EnumValidator) Kind() string { return "enum" }

func (v EnumValidator) Check(raw string) (any, error) {
	for _, a := range v.Allowed {
		if raw == a {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("must be one of: %s", strings.Join(v.Allowed, ", "))
}

// EmailValidator requires exactly one '@', non-empty local/domain parts,
// and a '.' in the domain.
type EmailValidator struct{}

func (EmailValidator) Kind() string { return "email" }

func (EmailValidator) Check(raw string) (any, error) {
	parts := strings.Split(raw, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("must be a valid email address")
	}
	local, domain := parts[0], parts[1]
	if local == "" || domain == "" || !strings.Contains(domain, ".") {
		return nil, fmt.Errorf("must be a valid email address")
	}
	return raw, nil
}

// UuidValidator requires 8-4-4-4-12 hex groups, case-insensitive.
type UuidValidator struct{}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func (UuidValidator) Kind() string { return "uuid" }

func (UuidValidator) Check(raw string) (any, error) {
	if !uuidPattern.MatchString(raw) {
		return nil, fmt.Errorf("must be a valid UUID")
	}
	return strings.ToLower(raw), nil
}

var isoDateLayouts = []string{"2006-01-02"}
var isoTimeLayouts = []string{"15:04:05", "15:04"}

// DateValidator validates an ISO-8601 date with inclusive bounds.
type DateValidator struct{ Min, Max *time.Time }

func (DateValidator) Kind() string { return "date" }

func (v DateValidator) Check(raw string) (any, error) {
	t, err := parseWithLayouts(raw, isoDateLayouts)
	if err != nil {
		return nil, fmt.Errorf("must be a valid date (YYYY-MM-DD)")
	}
	if v.Min != nil && t.Before(*v.Min) {
		return nil, fmt.Errorf("must be on or after %s", v.Min.Format("2006-01-02"))
	}
	if v.Max != nil && t.After(*v.Max) {
		return nil, fmt.Errorf("must be on or before %s", v.Max.Format("2006-01-02"))
	}
	return t, nil
}

// TimeValidator validates an ISO-8601 time-of-day with inclusive bounds.
type TimeValidator struct{ Min, Max *time.Time }

func (TimeValidator) Kind() string { return "time" }

func (v TimeValidator) Check(raw string) (any, error) {
	t, err := parseWithLayouts(raw, isoTimeLayouts)
	if err != nil {
		return nil, fmt.Errorf("must be a valid time (HH:MM:SS)")
	}
	if v.Min != nil && t.Before(*v.Min) {
		return nil, fmt.Errorf("must be on or after %s", v.Min.Format("15:04:05"))
	}
	if v.Max != nil && t.After(*v.Max) {
		return nil, fmt.Errorf("must be on or before %s", v.Max.Format("15:04:05"))
	}
	return t, nil
}

func parseWithLayouts(raw string, layouts []string) (time.Time, error) {
	var lastErr error
	for _, l := range layouts {
		if t, err := time.Parse(l, raw); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// ApplyField runs the required-check, default-substitution, and ordered
// validator chain of spec.md §4.4 for a single field, returning the parsed
// value to place into params.<field>.
func ApplyField(fieldName string, raw string, present bool, required bool, hasDefault bool, defaultVal string, validators []FieldValidator) (any, error) {
	if !present {
		if !hasDefault {
			if required {
				return nil, apierr.Validationf("Required parameter missing: %s", fieldName)
			}
			return nil, nil
		}
		raw = defaultVal
	}

	var val any = raw
	for _, v := range validators {
		parsed, err := v.Check(raw)
		if err != nil {
			return nil, apierr.Validationf("Invalid parameter: %s - %s", fieldName, err.Error())
		}
		val = parsed
	}
	return val, nil
}
