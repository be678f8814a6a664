// Package noderegistry holds the catalogue of nodes that runtimes can
// execute: their namespaced names, JSON schemas for inputs and outputs, the
// secrets they require and an optional execution timeout.
//
// Schemas are kept as opaque JSON documents at the manager boundary and
// compiled to validators once per node, then cached.
package noderegistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNotFound is returned when no node exists for (namespace, name).
var ErrNotFound = errors.New("registered node not found")

// RegisteredNode declares that a runtime can execute nodes of a given
// (namespace, name) with the specified input/output schemas.
type RegisteredNode struct {
	Name             string         `json:"name" bson:"name"`
	Namespace        string         `json:"namespace" bson:"namespace"`
	RuntimeName      string         `json:"runtime_name" bson:"runtime_name"`
	RuntimeNamespace string         `json:"runtime_namespace" bson:"runtime_namespace"`
	InputsSchema     map[string]any `json:"inputs_schema" bson:"inputs_schema"`
	OutputsSchema    map[string]any `json:"outputs_schema" bson:"outputs_schema"`
	Secrets          []string       `json:"secrets,omitempty" bson:"secrets,omitempty"`
	// TimeoutMinutes bounds execution of this node's states; zero means
	// the global default applies.
	TimeoutMinutes int       `json:"timeout_minutes,omitempty" bson:"timeout_minutes,omitempty"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" bson:"updated_at"`
}

// SchemaRev identifies the revision of the node's schemas. Stores bump
// UpdatedAt on every upsert, so a re-registered node carries a new revision
// and cached compilations of its old schemas are discarded.
func (n *RegisteredNode) SchemaRev() string {
	return n.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

// Key identifies a node within the registry.
type Key struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// Store persists registered nodes, uniquely keyed on (namespace, name).
type Store interface {
	// EnsureIndexes creates the unique (namespace, name) index.
	EnsureIndexes(ctx context.Context) error

	// Upsert inserts or replaces the node keyed on (namespace, name).
	Upsert(ctx context.Context, node *RegisteredNode) error

	// Get returns the node for (namespace, name) or ErrNotFound.
	Get(ctx context.Context, namespace, name string) (*RegisteredNode, error)

	// GetMany returns the registered nodes among the requested keys;
	// missing keys are skipped.
	GetMany(ctx context.Context, keys []Key) ([]*RegisteredNode, error)

	// List returns every node of the namespace ordered by name.
	List(ctx context.Context, namespace string) ([]*RegisteredNode, error)

	// Namespaces returns every namespace with at least one registered
	// node, sorted ascending.
	Namespaces(ctx context.Context) ([]string, error)
}

// SchemaFields describes the fields of a compiled object schema.
type SchemaFields struct {
	// StringFields holds the properties typed as plain strings.
	StringFields map[string]bool
	// Required holds the schema's required property names.
	Required map[string]bool
	// All holds every declared property name.
	All map[string]bool
}

// Has reports whether the schema declares the property.
func (f SchemaFields) Has(name string) bool { return f.All[name] }

// IsString reports whether the property is typed as a plain string.
func (f SchemaFields) IsString(name string) bool { return f.StringFields[name] }

// SchemaCache compiles node schemas once per revision and caches both the
// validator and the field view. One entry is kept per key; an entry whose
// revision no longer matches is recompiled in place. It is safe for
// concurrent use.
type SchemaCache struct {
	mu       sync.Mutex
	compiled map[string]*compiledSchema
}

type compiledSchema struct {
	rev    string
	schema *jsonschema.Schema
	fields SchemaFields
}

// NewSchemaCache returns an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{compiled: make(map[string]*compiledSchema)}
}

// Fields returns the field view of the given schema document, compiling and
// caching it under (key, rev) on first use.
func (c *SchemaCache) Fields(key, rev string, doc map[string]any) (SchemaFields, error) {
	cs, err := c.compile(key, rev, doc)
	if err != nil {
		return SchemaFields{}, err
	}
	return cs.fields, nil
}

// Validate validates value against the schema document cached under
// (key, rev).
func (c *SchemaCache) Validate(key, rev string, doc map[string]any, value any) error {
	cs, err := c.compile(key, rev, doc)
	if err != nil {
		return err
	}
	return cs.schema.Validate(value)
}

func (c *SchemaCache) compile(key, rev string, doc map[string]any) (*compiledSchema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.compiled[key]; ok && cs.rev == rev {
		return cs, nil
	}

	// Round-trip through JSON so bson-decoded documents (which may carry
	// non-JSON-native types) become plain maps the compiler accepts.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %q: %w", key, err)
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("unmarshal schema %q: %w", key, err)
	}

	// Keys carry '/' and '#', which the compiler would parse as URL path and
	// fragment; escape them so the resource name stays one opaque segment.
	resource := url.PathEscape(key) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, plain); err != nil {
		return nil, fmt.Errorf("add schema resource %q: %w", key, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", key, err)
	}

	// Field extraction also uses the round-tripped document: bson-decoded
	// arrays are primitive.A, not []any.
	plainDoc, _ := plain.(map[string]any)
	cs := &compiledSchema{rev: rev, schema: schema, fields: extractFields(plainDoc)}
	c.compiled[key] = cs
	return cs, nil
}

func extractFields(doc map[string]any) SchemaFields {
	fields := SchemaFields{
		StringFields: make(map[string]bool),
		Required:     make(map[string]bool),
		All:          make(map[string]bool),
	}
	if req, ok := doc["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				fields.Required[name] = true
			}
		}
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return fields
	}
	for name, prop := range props {
		fields.All[name] = true
		spec, ok := prop.(map[string]any)
		if !ok {
			continue
		}
		if typ, ok := spec["type"].(string); ok && typ == "string" {
			fields.StringFields[name] = true
		}
	}
	return fields
}
