package graph

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no template exists for (namespace, name).
var ErrNotFound = errors.New("graph template not found")

// Store persists graph templates. Templates are uniquely identified by
// (namespace, name) and are updated in place, never deleted.
type Store interface {
	// EnsureIndexes creates the unique (namespace, name) index.
	EnsureIndexes(ctx context.Context) error

	// Get returns the template for (namespace, name) or ErrNotFound.
	Get(ctx context.Context, namespace, name string) (*Template, error)

	// Save upserts the template keyed on (namespace, name), maintaining
	// created_at and updated_at.
	Save(ctx context.Context, t *Template) error

	// SetValidation records the outcome of a background validation.
	SetValidation(ctx context.Context, namespace, name string, status ValidationStatus, validationErrors []string) error

	// List returns every template of the namespace ordered by name.
	List(ctx context.Context, namespace string) ([]*Template, error)
}
