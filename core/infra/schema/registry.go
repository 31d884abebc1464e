package schema

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schemas shipped with the gateway.
const (
	CacheEvents   = "cache-events"
	ArtifactQuery = "artifact-query"
)

//go:embed schemas/*.json
var requestSchemaFS embed.FS

// Registry holds compiled request schemas. It is safe for concurrent use.
type Registry struct {
	compiled map[string]*jsonschema.Schema
}

// NewRegistry compiles every embedded request schema.
func NewRegistry() (*Registry, error) {
	entries, err := requestSchemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".schema.json") {
			continue
		}
		data, err := requestSchemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		id := strings.TrimSuffix(name, ".schema.json")
		if err := compiler.AddResource(schemaID(id), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r := &Registry{compiled: make(map[string]*jsonschema.Schema, len(ids))}
	for _, id := range ids {
		compiled, err := compiler.Compile(schemaID(id))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", id, err)
		}
		r.compiled[id] = compiled
	}
	return r, nil
}

// Validate checks value against the named schema. Raw JSON is decoded first.
func (r *Registry) Validate(id string, value any) error {
	if r == nil {
		return fmt.Errorf("schema registry unavailable")
	}
	compiled, ok := r.compiled[id]
	if !ok {
		return fmt.Errorf("unknown schema %q", id)
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// IDs lists the registered schema ids.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.compiled))
	for id := range r.compiled {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
