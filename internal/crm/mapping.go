package crm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Rule maps one submission field onto a CRM target. CRMSelector is a CSS
// locator used by browser automation; CRMFieldName is the API field name used
// by the REST backends.
type Rule struct {
	FormFieldLabel string `json:"formFieldLabel"`
	CRMSelector    string `json:"crmSelector,omitempty"`
	CRMFieldName   string `json:"crmFieldName,omitempty"`
	Note           string `json:"note,omitempty"`
}

// ParseRules decodes a stored mapping list.
func ParseRules(data []byte) ([]Rule, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode field mappings: %w", err)
	}
	return rules, nil
}

// Payload is a submission document: label to scalar or list.
type Payload map[string]any

// ParsePayload decodes submission data, keeping numbers as json.Number so they
// are written back unchanged.
func ParsePayload(data []byte) (Payload, error) {
	p := Payload{}
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode submission data: %w", err)
	}
	return p, nil
}

// Lookup returns the raw value for label and whether it is non-empty.
// nil, "" and empty lists count as empty.
func (p Payload) Lookup(label string) (any, bool) {
	v, ok := p[label]
	if !ok || v == nil {
		return nil, false
	}
	switch tv := v.(type) {
	case string:
		return tv, tv != ""
	case []any:
		return tv, len(tv) > 0
	}
	return v, true
}

// Text returns the value for label as a string, joining lists with sep.
func (p Payload) Text(label, sep string) (string, bool) {
	v, ok := p.Lookup(label)
	if !ok {
		return "", false
	}
	if list, isList := v.([]any); isList {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, scalarText(item))
		}
		return strings.Join(parts, sep), true
	}
	return scalarText(v), true
}

func scalarText(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case json.Number:
		return tv.String()
	case bool:
		if tv {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprint(tv)
		}
		return string(b)
	}
}

// RecordSeparator joins list values in REST bodies.
const RecordSeparator = "; "

// BuildRecord flattens the payload through the rules into a JSON object for
// the REST backends. Rules without a field name and empty values are skipped;
// lists are joined with RecordSeparator and scalars keep their JSON type.
func BuildRecord(rules []Rule, payload Payload) map[string]any {
	record := make(map[string]any)
	for _, r := range rules {
		name := strings.TrimSpace(r.CRMFieldName)
		if name == "" {
			continue
		}
		v, ok := payload.Lookup(r.FormFieldLabel)
		if !ok {
			continue
		}
		if _, isList := v.([]any); isList {
			record[name], _ = payload.Text(r.FormFieldLabel, RecordSeparator)
			continue
		}
		record[name] = v
	}
	return record
}
