package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/pitabwire/droponboard/model"
)

// Error codes carried in model.FieldError.Code.
const (
	CodeRequired      = "REQUIRED"
	CodeTypeMismatch  = "TYPE_MISMATCH"
	CodeInvalidEmail  = "INVALID_EMAIL"
	CodeInvalidNumber = "INVALID_NUMBER"
	CodeNotPositive   = "NOT_POSITIVE"
	CodeDigits        = "INVALID_DIGITS"
	CodePattern       = "PATTERN_MISMATCH"
	CodeOutOfRange    = "OUT_OF_RANGE"
	CodeTooShort      = "TOO_SHORT"
	CodeTooLong       = "TOO_LONG"
	CodeInvalidURL    = "INVALID_URL"
	CodeInvalidTime   = "INVALID_TIME"
	CodeMinSelected   = "MIN_SELECTED"
	CodeFileType      = "FILE_TYPE"
	CodeFileSize      = "FILE_TOO_LARGE"
)

// Rule checks one constraint against a fields snapshot and reports at most
// one failure.
type Rule func(fields map[string]model.FieldValue) (model.FieldError, bool)

var (
	emailRe   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	decimalRe = regexp.MustCompile(`^\d+(\.\d+)?$`)
	timeRe    = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

// compileRule turns one declarative rule into a Rule bound to field f.
func compileRule(f model.FieldDefinition, r model.RuleDefinition) (Rule, error) {
	label := f.Label
	if label == "" {
		label = f.Name
	}
	fail := func(code, fallback string) model.FieldError {
		msg := r.Message
		if msg == "" {
			msg = fallback
		}
		return model.FieldError{Field: f.Name, Code: code, Message: msg}
	}
	mismatch := func(v model.FieldValue) model.FieldError {
		return model.FieldError{
			Field:   f.Name,
			Code:    CodeTypeMismatch,
			Message: fmt.Sprintf("%s has the wrong value type (%s)", label, v.Kind),
		}
	}

	// present returns the value when set and non-empty; non-required rules
	// skip absent values.
	present := func(fields map[string]model.FieldValue) (model.FieldValue, bool) {
		v, ok := fields[f.Name]
		if !ok || v.IsEmpty() {
			return model.FieldValue{}, false
		}
		return v, true
	}

	switch r.Kind {
	case model.RuleRequired:
		return func(fields map[string]model.FieldValue) (model.FieldError, bool) {
			if _, ok := present(fields); !ok {
				return fail(CodeRequired, label+" is required"), true
			}
			return model.FieldError{}, false
		}, nil

	case model.RuleEmail:
		return textRule(present, mismatch, func(s string) (model.FieldError, bool) {
			if !emailRe.MatchString(strings.TrimSpace(s)) {
				return fail(CodeInvalidEmail, label+" must be a valid email address"), true
			}
			return model.FieldError{}, false
		}), nil

	case model.RuleDecimal:
		return func(fields map[string]model.FieldValue) (model.FieldError, bool) {
			v, ok := present(fields)
			if !ok {
				return model.FieldError{}, false
			}
			if v.Kind == model.KindNumber {
				return model.FieldError{}, false
			}
			s, isText := v.AsText()
			if !isText {
				return mismatch(v), true
			}
			if !decimalRe.MatchString(strings.TrimSpace(s)) {
				return fail(CodeInvalidNumber, label+" must be a number"), true
			}
			return model.FieldError{}, false
		}, nil

	case model.RulePositive:
		return numericRule(present, mismatch, func(n float64, ok bool) (model.FieldError, bool) {
			if !ok || n <= 0 {
				return fail(CodeNotPositive, label+" must be greater than 0"), true
			}
			return model.FieldError{}, false
		}), nil

	case model.RuleRange:
		return numericRule(present, mismatch, func(n float64, ok bool) (model.FieldError, bool) {
			if !ok {
				return fail(CodeInvalidNumber, label+" must be a number"), true
			}
			if r.Min != nil && n < *r.Min {
				return fail(CodeOutOfRange, fmt.Sprintf("%s must be at least %s", label, formatNumber(*r.Min))), true
			}
			if r.Max != nil && n > *r.Max {
				return fail(CodeOutOfRange, fmt.Sprintf("%s must be at most %s", label, formatNumber(*r.Max))), true
			}
			return model.FieldError{}, false
		}), nil

	case model.RuleDigits:
		re := regexp.MustCompile(fmt.Sprintf(`^\d{%d}$`, r.Length))
		return textRule(present, mismatch, func(s string) (model.FieldError, bool) {
			if !re.MatchString(strings.TrimSpace(s)) {
				return fail(CodeDigits, fmt.Sprintf("%s must be exactly %d digits", label, r.Length)), true
			}
			return model.FieldError{}, false
		}), nil

	case model.RulePattern:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("field %q: pattern: %w", f.Name, err)
		}
		return textRule(present, mismatch, func(s string) (model.FieldError, bool) {
			if !re.MatchString(strings.TrimSpace(s)) {
				return fail(CodePattern, label+" has an invalid format"), true
			}
			return model.FieldError{}, false
		}), nil

	case model.RuleMinLength:
		return textRule(present, mismatch, func(s string) (model.FieldError, bool) {
			if len([]rune(strings.TrimSpace(s))) < r.Length {
				return fail(CodeTooShort, fmt.Sprintf("%s must be at least %d characters", label, r.Length)), true
			}
			return model.FieldError{}, false
		}), nil

	case model.RuleMaxLength:
		return textRule(present, mismatch, func(s string) (model.FieldError, bool) {
			if len([]rune(strings.TrimSpace(s))) > r.Length {
				return fail(CodeTooLong, fmt.Sprintf("%s must be at most %d characters", label, r.Length)), true
			}
			return model.FieldError{}, false
		}), nil

	case model.RuleURL:
		return textRule(present, mismatch, func(s string) (model.FieldError, bool) {
			u, err := url.ParseRequestURI(strings.TrimSpace(s))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fail(CodeInvalidURL, label+" must be a valid URL"), true
			}
			return model.FieldError{}, false
		}), nil

	case model.RuleTime:
		return textRule(present, mismatch, func(s string) (model.FieldError, bool) {
			if !timeRe.MatchString(strings.TrimSpace(s)) {
				return fail(CodeInvalidTime, label+" must be a time in HH:MM format"), true
			}
			return model.FieldError{}, false
		}), nil

	case model.RuleMinSelected:
		return func(fields map[string]model.FieldValue) (model.FieldError, bool) {
			v, ok := fields[f.Name]
			if !ok {
				return fail(CodeMinSelected, minSelectedMessage(label, r.MinSelected)), true
			}
			members, isSet := v.AsStringSet()
			if !isSet {
				return mismatch(v), true
			}
			if len(members) < r.MinSelected {
				return fail(CodeMinSelected, minSelectedMessage(label, r.MinSelected)), true
			}
			return model.FieldError{}, false
		}, nil

	case model.RuleFile:
		allowed := make(map[string]bool, len(r.MimeTypes))
		for _, m := range r.MimeTypes {
			allowed[strings.ToLower(m)] = true
		}
		return func(fields map[string]model.FieldValue) (model.FieldError, bool) {
			v, ok := present(fields)
			if !ok {
				return model.FieldError{}, false
			}
			ref, isFile := v.AsFile()
			if !isFile {
				return mismatch(v), true
			}
			if len(allowed) > 0 && !allowed[strings.ToLower(ref.MIMEType)] {
				return fail(CodeFileType, fmt.Sprintf("%s must be one of: %s", label, strings.Join(r.MimeTypes, ", "))), true
			}
			if r.MaxBytes > 0 && ref.Size > r.MaxBytes {
				return fail(CodeFileSize, fmt.Sprintf("%s must be smaller than %s", label, humanize.IBytes(uint64(r.MaxBytes)))), true
			}
			return model.FieldError{}, false
		}, nil
	}

	return nil, fmt.Errorf("field %q: unknown rule %q", f.Name, r.Kind)
}

type presentFunc func(map[string]model.FieldValue) (model.FieldValue, bool)

// textRule adapts a check on the textual form of a value. Numbers are checked
// on their decimal rendering.
func textRule(present presentFunc, mismatch func(model.FieldValue) model.FieldError, check func(string) (model.FieldError, bool)) Rule {
	return func(fields map[string]model.FieldValue) (model.FieldError, bool) {
		v, ok := present(fields)
		if !ok {
			return model.FieldError{}, false
		}
		switch v.Kind {
		case model.KindNumber:
			return check(v.String())
		case model.KindText, "":
			s, _ := v.AsText()
			return check(s)
		default:
			return mismatch(v), true
		}
	}
}

// numericRule adapts a check on the numeric reading of a value. ok is false
// when a text value does not parse.
func numericRule(present presentFunc, mismatch func(model.FieldValue) model.FieldError, check func(n float64, ok bool) (model.FieldError, bool)) Rule {
	return func(fields map[string]model.FieldValue) (model.FieldError, bool) {
		v, ok := present(fields)
		if !ok {
			return model.FieldError{}, false
		}
		switch v.Kind {
		case model.KindNumber:
			n, _ := v.AsNumber()
			return check(n, true)
		case model.KindText, "":
			s, _ := v.AsText()
			n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			return check(n, err == nil)
		default:
			return mismatch(v), true
		}
	}
}

func minSelectedMessage(label string, n int) string {
	if n == 1 {
		return "Select at least one option for " + label
	}
	return fmt.Sprintf("Select at least %d options for %s", n, label)
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}
