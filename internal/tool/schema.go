package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled parameter schema.
type Schema struct {
	doc      map[string]any
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document. A nil document accepts any
// JSON object.
func CompileSchema(name string, doc map[string]any) (*Schema, error) {
	if doc == nil {
		doc = map[string]any{"type": "object"}
	}

	schemaBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("CompileSchema: %s: %w", name, err)
	}

	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return nil, fmt.Errorf("CompileSchema: %s: %w", name, err)
	}

	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, schemaObj); err != nil {
		return nil, fmt.Errorf("CompileSchema: %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("CompileSchema: %s: %w", name, err)
	}

	var copied map[string]any
	_ = json.Unmarshal(schemaBytes, &copied)
	return &Schema{doc: copied, compiled: sch}, nil
}

// Document returns a copy of the schema document.
func (s *Schema) Document() map[string]any {
	b, _ := json.Marshal(s.doc)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// Validate checks a decoded JSON value against the schema. The returned error
// names the failing location and the reason on a single line.
func (s *Schema) Validate(args any) error {
	if err := s.compiled.Validate(args); err != nil {
		return fmt.Errorf("%s", flattenValidation(err.Error()))
	}
	return nil
}

// flattenValidation turns the library's multi-line report into one line and
// drops the leading schema URL banner.
func flattenValidation(msg string) string {
	lines := strings.Split(msg, "\n")
	var parts []string
	for i, l := range lines {
		l = strings.TrimSpace(l)
		l = strings.TrimPrefix(l, "- ")
		if l == "" {
			continue
		}
		if i == 0 && strings.HasPrefix(l, "jsonschema validation failed") && len(lines) > 1 {
			continue
		}
		parts = append(parts, l)
	}
	if len(parts) == 0 {
		return msg
	}
	return strings.Join(parts, "; ")
}
