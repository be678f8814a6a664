package noderegistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func objectSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer"},
			"tag":   map[string]any{"type": "string"},
		},
	}
}

func TestSchemaCacheFields(t *testing.T) {
	cache := NewSchemaCache()
	fields, err := cache.Fields("worker#inputs", "r1", objectSchema())
	require.NoError(t, err)

	require.True(t, fields.Has("name"))
	require.True(t, fields.Has("count"))
	require.False(t, fields.Has("missing"))

	require.True(t, fields.IsString("name"))
	require.True(t, fields.IsString("tag"))
	require.False(t, fields.IsString("count"))

	require.True(t, fields.Required["name"])
	require.False(t, fields.Required["tag"])
}

func TestSchemaCacheValidate(t *testing.T) {
	cache := NewSchemaCache()
	doc := objectSchema()

	err := cache.Validate("worker#inputs", "r1", doc, map[string]any{"name": "a", "count": 2.0})
	require.NoError(t, err)

	err = cache.Validate("worker#inputs", "r1", doc, map[string]any{"count": 2.0})
	require.Error(t, err, "missing required property")

	err = cache.Validate("worker#inputs", "r1", doc, map[string]any{"name": 7.0})
	require.Error(t, err, "wrong property type")
}

func TestSchemaCacheRejectsMalformedSchema(t *testing.T) {
	cache := NewSchemaCache()
	_, err := cache.Fields("bad", "r1", map[string]any{"type": 42})
	require.Error(t, err)
}

func TestSchemaCacheReusesCompilation(t *testing.T) {
	cache := NewSchemaCache()
	_, err := cache.Fields("worker#inputs", "r1", objectSchema())
	require.NoError(t, err)

	// Same key and revision: a different document returns the original
	// compilation.
	fields, err := cache.Fields("worker#inputs", "r1", map[string]any{"type": "object"})
	require.NoError(t, err)
	require.True(t, fields.Has("name"))
}

func TestSchemaCacheRecompilesOnNewRevision(t *testing.T) {
	cache := NewSchemaCache()
	_, err := cache.Fields("worker#inputs", "r1", objectSchema())
	require.NoError(t, err)

	fields, err := cache.Fields("worker#inputs", "r2", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"renamed": map[string]any{"type": "string"},
		},
	})
	require.NoError(t, err)
	require.True(t, fields.Has("renamed"))
	require.False(t, fields.Has("name"))

	// The new revision replaces the old entry rather than adding one.
	fields, err = cache.Fields("worker#inputs", "r2", nil)
	require.NoError(t, err)
	require.True(t, fields.Has("renamed"))
}

func TestSchemaRevTracksUpdates(t *testing.T) {
	node := &RegisteredNode{UpdatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	first := node.SchemaRev()

	node.UpdatedAt = node.UpdatedAt.Add(time.Millisecond)
	require.NotEqual(t, first, node.SchemaRev())
}
