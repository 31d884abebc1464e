package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ValidateYAML checks a YAML or JSON document against a JSON Schema. The
// schema is compiled per call, which suits one-off documents such as the
// gateway config file. Request bodies go through Registry. An empty document
// is valid.
func ValidateYAML(id string, schema, doc []byte) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil
	}
	var decoded any
	if err := yaml.Unmarshal(doc, &decoded); err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaID(id), bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(schemaID(id))
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	payload, err := normalizeValue(decoded)
	if err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// normalizeValue turns raw JSON bytes or decoded YAML into the plain JSON
// value types the validator understands.
func normalizeValue(value any) (any, error) {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		data = encoded
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
