// Package submission turns a completed wizard snapshot into the single
// record-creation request and classifies the backend's answer.
package submission

import (
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pitabwire/droponboard/model"
)

var hhmm = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// FilePart is a binary to be sent as a multipart file part.
type FilePart struct {
	Name string
	Ref  model.FileRef
}

// Request is the normalized record-creation payload. Values holds
// JSON-ready scalars and lists keyed by wire name; Files holds binary parts.
type Request struct {
	Values map[string]any
	Files  []FilePart
}

// Multipart reports whether the request must be sent as multipart/form-data.
// Any binary part forces multipart for the whole request.
func (r Request) Multipart() bool {
	return len(r.Files) > 0
}

// Shape applies the wizard's submission rules to a field snapshot:
//   - excluded fields are dropped
//   - numeric fields become numbers, zero when unparsable
//   - HH:MM time fields gain a ":00" seconds suffix
//   - file fields become binary parts (multipart mode) or
//     "uploads/<category>/<filename>" strings (path mode)
//   - renamed fields use their wire name; aliases repeat the value under
//     each legacy name
func Shape(def model.WizardDefinition, fields map[string]model.FieldValue) Request {
	sub := def.Submission
	exclude := toSet(sub.Exclude)
	numeric := toSet(sub.NumericFields)
	times := toSet(sub.TimeFields)

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	req := Request{Values: make(map[string]any, len(fields))}
	for _, name := range names {
		if exclude[name] {
			continue
		}
		v := fields[name]
		wire := name
		if renamed, ok := sub.Rename[name]; ok && renamed != "" {
			wire = renamed
		}

		if v.Kind == model.KindFile {
			ref, ok := v.AsFile()
			if !ok || ref.Handle == "" {
				continue
			}
			if sub.FileMode == model.FileModePath {
				req.set(wire, uploadPath(def, name, ref), sub.Aliases[name])
				continue
			}
			req.Files = append(req.Files, FilePart{Name: wire, Ref: ref})
			for _, alias := range sub.Aliases[name] {
				req.Files = append(req.Files, FilePart{Name: alias, Ref: ref})
			}
			continue
		}

		var value any
		switch {
		case numeric[name]:
			value = toNumber(v)
		case times[name]:
			value = toTime(v)
		default:
			value = plain(v)
		}
		req.set(wire, value, sub.Aliases[name])
	}
	return req
}

func (r *Request) set(name string, value any, aliases []string) {
	r.Values[name] = value
	for _, alias := range aliases {
		r.Values[alias] = value
	}
}

func plain(v model.FieldValue) any {
	switch v.Kind {
	case model.KindNumber:
		n, _ := v.AsNumber()
		return n
	case model.KindBool:
		b, _ := v.AsBool()
		return b
	case model.KindStringSet:
		members, _ := v.AsStringSet()
		out := make([]any, len(members))
		for i, m := range members {
			out[i] = m
		}
		return out
	default:
		return v.String()
	}
}

func toNumber(v model.FieldValue) float64 {
	if n, ok := v.AsNumber(); ok {
		return n
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
	if err != nil {
		return 0
	}
	return f
}

func toTime(v model.FieldValue) string {
	s := strings.TrimSpace(v.String())
	if hhmm.MatchString(s) {
		return s + ":00"
	}
	return s
}

func uploadPath(def model.WizardDefinition, field string, ref model.FileRef) string {
	category := ref.Category
	if category == "" {
		if fd, ok := def.Field(field); ok && fd.Category != "" {
			category = fd.Category
		} else {
			category = field
		}
	}
	return path.Join("uploads", category, path.Base(ref.Filename))
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}
