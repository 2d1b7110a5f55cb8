package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FieldKind identifies the variant held by a FieldValue.
type FieldKind string

// Field value variants.
const (
	KindText      FieldKind = "text"
	KindNumber    FieldKind = "number"
	KindBool      FieldKind = "bool"
	KindStringSet FieldKind = "string_set"
	KindFile      FieldKind = "file"
)

// FileRef is an opaque handle to an uploaded binary held in the upload
// bucket. The wizard never carries file bytes in its state.
type FileRef struct {
	Handle   string `json:"handle"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Category string `json:"category,omitempty"`
}

// FieldValue is a tagged union over the value kinds a wizard field can hold.
// The zero value is an empty text field.
type FieldValue struct {
	Kind FieldKind
	text string
	num  float64
	b    bool
	set  []string
	file *FileRef
}

// Text returns a text FieldValue.
func Text(s string) FieldValue { return FieldValue{Kind: KindText, text: s} }

// Number returns a numeric FieldValue.
func Number(n float64) FieldValue { return FieldValue{Kind: KindNumber, num: n} }

// Bool returns a boolean FieldValue.
func Bool(b bool) FieldValue { return FieldValue{Kind: KindBool, b: b} }

// StringSet returns a multi-select FieldValue. Members are de-duplicated and
// kept sorted so that equal selections compare equal.
func StringSet(members ...string) FieldValue {
	seen := make(map[string]bool, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Strings(out)
	return FieldValue{Kind: KindStringSet, set: out}
}

// File returns a FieldValue referencing an uploaded file.
func File(ref FileRef) FieldValue {
	r := ref
	return FieldValue{Kind: KindFile, file: &r}
}

// AsText returns the text payload.
func (v FieldValue) AsText() (string, bool) {
	if v.Kind != KindText && v.Kind != "" {
		return "", false
	}
	return v.text, true
}

// AsNumber returns the numeric payload.
func (v FieldValue) AsNumber() (float64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsBool returns the boolean payload.
func (v FieldValue) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsStringSet returns a copy of the selected members.
func (v FieldValue) AsStringSet() ([]string, bool) {
	if v.Kind != KindStringSet {
		return nil, false
	}
	out := make([]string, len(v.set))
	copy(out, v.set)
	return out, true
}

// AsFile returns the file reference.
func (v FieldValue) AsFile() (FileRef, bool) {
	if v.Kind != KindFile || v.file == nil {
		return FileRef{}, false
	}
	return *v.file, true
}

// String renders the value the way it is sent to the backend as a plain form
// value. File values render as their filename.
func (v FieldValue) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindStringSet:
		return strings.Join(v.set, ",")
	case KindFile:
		if v.file != nil {
			return v.file.Filename
		}
		return ""
	default:
		return v.text
	}
}

// IsEmpty reports whether the value counts as "not provided". A false
// boolean is empty so that required checkboxes must be ticked.
func (v FieldValue) IsEmpty() bool {
	switch v.Kind {
	case KindNumber:
		return false
	case KindBool:
		return !v.b
	case KindStringSet:
		return len(v.set) == 0
	case KindFile:
		return v.file == nil || v.file.Handle == ""
	default:
		return strings.TrimSpace(v.text) == ""
	}
}

// Equal reports whether two values hold the same variant and payload.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.kind() != o.kind() {
		return false
	}
	switch v.kind() {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindStringSet:
		if len(v.set) != len(o.set) {
			return false
		}
		for i := range v.set {
			if v.set[i] != o.set[i] {
				return false
			}
		}
		return true
	case KindFile:
		if v.file == nil || o.file == nil {
			return v.file == o.file
		}
		return *v.file == *o.file
	default:
		return v.text == o.text
	}
}

func (v FieldValue) kind() FieldKind {
	if v.Kind == "" {
		return KindText
	}
	return v.Kind
}

// wireValue is the JSON form of a FieldValue: {"kind": "...", "value": ...}.
type wireValue struct {
	Kind  FieldKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind() {
	case KindNumber:
		payload = v.num
	case KindBool:
		payload = v.b
	case KindStringSet:
		if v.set == nil {
			payload = []string{}
		} else {
			payload = v.set
		}
	case KindFile:
		payload = v.file
	default:
		payload = v.text
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind(), Value: raw})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := DecodeFieldValue(w.Kind, w.Value)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// DecodeFieldValue decodes a raw JSON payload as the given kind. Text fields
// accept JSON numbers and render them as text, so that a UI sending 450 for a
// text-typed cost field is not rejected.
func DecodeFieldValue(kind FieldKind, raw json.RawMessage) (FieldValue, error) {
	if len(raw) == 0 || string(raw) == "null" {
		switch kind {
		case KindStringSet:
			return StringSet(), nil
		case KindBool:
			return Bool(false), nil
		case KindFile:
			return FieldValue{Kind: KindFile}, nil
		case KindNumber:
			return FieldValue{}, fmt.Errorf("number value is required")
		default:
			return Text(""), nil
		}
	}

	switch kind {
	case KindText, "":
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return Text(s), nil
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return Text(n.String()), nil
		}
		return FieldValue{}, fmt.Errorf("expected a string")
	case KindNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return Number(n), nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			f, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if perr != nil {
				return FieldValue{}, fmt.Errorf("expected a number, got %q", s)
			}
			return Number(f), nil
		}
		return FieldValue{}, fmt.Errorf("expected a number")
	case KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return FieldValue{}, fmt.Errorf("expected a boolean")
		}
		return Bool(b), nil
	case KindStringSet:
		var members []string
		if err := json.Unmarshal(raw, &members); err != nil {
			return FieldValue{}, fmt.Errorf("expected a list of strings")
		}
		return StringSet(members...), nil
	case KindFile:
		var ref FileRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return FieldValue{}, fmt.Errorf("expected a file reference")
		}
		return File(ref), nil
	default:
		return FieldValue{}, fmt.Errorf("unknown field kind %q", kind)
	}
}

// CloneFields returns a deep copy of a field map. Submissions operate on a
// clone so later edits cannot reach an in-flight request.
func CloneFields(fields map[string]FieldValue) map[string]FieldValue {
	out := make(map[string]FieldValue, len(fields))
	for k, v := range fields {
		c := v
		if v.set != nil {
			c.set = append([]string(nil), v.set...)
		}
		if v.file != nil {
			f := *v.file
			c.file = &f
		}
		out[k] = c
	}
	return out
}
