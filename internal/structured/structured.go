// Package structured pulls JSON out of model responses and validates it
// against a JSON Schema before it is decoded into Go values.
package structured

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema together with its source text.
type Schema struct {
	schema *jsonschema.Schema
	raw    json.RawMessage
}

// Compile compiles schemaJSON.
func Compile(schemaJSON json.RawMessage) (*Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{schema: schema, raw: schemaJSON}, nil
}

// MustCompile is Compile for package-level schemas.
func MustCompile(schemaJSON string) *Schema {
	s, err := Compile(json.RawMessage(schemaJSON))
	if err != nil {
		panic(err)
	}
	return s
}

// Raw returns the schema source, suitable for inclusion in a prompt.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// ValidationError describes a response that did not yield valid JSON.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate checks a JSON document against the schema.
func (s *Schema) Validate(doc []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: string(doc)}
	}
	if err := s.schema.Validate(parsed); err != nil {
		return &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: string(doc)}
	}
	return nil
}

// Decode extracts the JSON document embedded in text, validates it and
// unmarshals it into out.
func (s *Schema) Decode(text string, out any) error {
	doc := Extract(text)
	if doc == "" {
		return &ValidationError{Message: "response does not contain valid JSON", Raw: text}
	}
	if err := s.Validate([]byte(doc)); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return &ValidationError{Message: fmt.Sprintf("decode: %s", err), Raw: text}
	}
	return nil
}

// Extract finds a JSON object or array in text. Fenced ```json blocks
// win over generic fences, which win over the first balanced literal.
func Extract(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		if candidate := balanced(text[i:]); candidate != "" && json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}

// balanced returns the prefix of s that closes the bracket s starts with.
func balanced(s string) string {
	open := s[0]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
