package openrosa

import (
	"fmt"
	"strings"

	"github.com/clbanning/mxj"
)

const (
	attrPrefix = "-"
	textKey    = "#text"
)

// ToJSON converts the instance under the root element into a nested map.
// Attributes and unanswered questions are dropped; repeated elements become
// lists.
func ToJSON(doc *Document) (map[string]any, error) {
	m, err := mxj.NewMapXml(doc.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedXML, err)
	}
	var body any
	for _, v := range m {
		body = v
	}
	out, ok := normalize(body).(map[string]any)
	if !ok || len(out) == 0 {
		return nil, ErrEmptyInstance
	}
	return out, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case mxj.Map:
		return normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if strings.HasPrefix(k, attrPrefix) {
				continue
			}
			if n := normalize(child); n != nil {
				out[k] = n
			}
		}
		if text, ok := out[textKey]; ok && len(out) == 1 {
			return text
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if n := normalize(item); n != nil {
				out = append(out, n)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return t
	default:
		return v
	}
}

// Flatten rewrites nested groups into slash joined keys. Repeats stay lists
// whose items carry the full path of each question.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "/" + k
		}
		switch t := v.(type) {
		case map[string]any:
			flattenInto(out, key, t)
		case []any:
			items := make([]any, 0, len(t))
			for _, item := range t {
				if im, ok := item.(map[string]any); ok {
					sub := make(map[string]any, len(im))
					flattenInto(sub, key, im)
					items = append(items, sub)
					continue
				}
				items = append(items, item)
			}
			out[key] = items
		default:
			out[key] = v
		}
	}
}

// DictToXForm renders a JSON submission as instance XML rooted at formID.
func DictToXForm(data map[string]any, formID string) ([]byte, error) {
	if strings.TrimSpace(formID) == "" {
		return nil, fmt.Errorf("%w: form id required", ErrInvalidForm)
	}
	body := make(map[string]any, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	body[attrPrefix+"id"] = formID
	b, err := mxj.Map(body).Xml(formID)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	return append([]byte("<?xml version='1.0' ?>\n"), b...), nil
}
