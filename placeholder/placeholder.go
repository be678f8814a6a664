// Package placeholder implements the ${{ ... }} input template syntax used by
// graph node inputs. A placeholder string is parsed once into an immutable
// structure that is reused for both validation and rendering.
//
// Two placeholder forms exist:
//
//   - ${{ identifier.outputs.field }} references an output field of an
//     ancestor node (or of the current node during fan-out).
//   - ${{ store.key }} references a per-run store slot. "store" is a
//     reserved identifier.
//
// Whitespace inside the braces is insignificant.
package placeholder

import (
	"errors"
	"fmt"
	"strings"
)

// StoreIdentifier is the reserved identifier referring to the per-run store.
const StoreIdentifier = "store"

const (
	open  = "${{"
	close = "}}"
)

// ErrValueNotSet is returned by Render when a dependent has no value bound.
var ErrValueNotSet = errors.New("dependent value is not set")

// Dependent is one parsed placeholder occurrence: the identifier and field it
// references plus the literal text that follows it up to the next placeholder.
type Dependent struct {
	Identifier string
	Field      string
	Tail       string

	value *string
}

// Value returns the bound value and whether one has been set.
func (d *Dependent) Value() (string, bool) {
	if d.value == nil {
		return "", false
	}
	return *d.value, true
}

// DependentString is a parsed placeholder string: a literal head followed by
// zero or more dependents in source order.
type DependentString struct {
	Head       string
	Dependents []*Dependent
}

// Parse parses a placeholder string. It returns an error when a placeholder
// is not closed or does not match either recognized form.
func Parse(s string) (*DependentString, error) {
	splits := strings.Split(s, open)
	ds := &DependentString{Head: splits[0]}
	if len(splits) == 1 {
		return ds, nil
	}

	for _, split := range splits[1:] {
		content, tail, found := strings.Cut(split, close)
		if !found {
			return nil, fmt.Errorf("invalid placeholder %q in %q: %q not closed", split, s, open)
		}

		parts := strings.Split(content, ".")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch {
		case len(parts) == 3 && parts[1] == "outputs":
			ds.Dependents = append(ds.Dependents, &Dependent{Identifier: parts[0], Field: parts[2], Tail: tail})
		case len(parts) == 2 && parts[0] == StoreIdentifier:
			ds.Dependents = append(ds.Dependents, &Dependent{Identifier: parts[0], Field: parts[1], Tail: tail})
		default:
			return nil, fmt.Errorf("invalid placeholder %q in %q", content, s)
		}
	}
	return ds, nil
}

// SetValue binds value to every dependent referencing (identifier, field).
func (ds *DependentString) SetValue(identifier, field, value string) {
	for _, d := range ds.Dependents {
		if d.Identifier == identifier && d.Field == field {
			v := value
			d.value = &v
		}
	}
}

// Render concatenates the head and each dependent's value and tail in order.
// Every dependent must have a value bound.
func (ds *DependentString) Render() (string, error) {
	var b strings.Builder
	b.WriteString(ds.Head)
	for _, d := range ds.Dependents {
		if d.value == nil {
			return "", fmt.Errorf("%w for %s.%s", ErrValueNotSet, d.Identifier, d.Field)
		}
		b.WriteString(*d.value)
		b.WriteString(d.Tail)
	}
	return b.String(), nil
}

// IdentifierField is a distinct (identifier, field) pair referenced by a
// placeholder string.
type IdentifierField struct {
	Identifier string
	Field      string
}

// IdentifierFields returns the distinct (identifier, field) pairs referenced
// by the string, in first-occurrence order.
func (ds *DependentString) IdentifierFields() []IdentifierField {
	seen := make(map[IdentifierField]bool, len(ds.Dependents))
	var out []IdentifierField
	for _, d := range ds.Dependents {
		key := IdentifierField{Identifier: d.Identifier, Field: d.Field}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// HasDependents reports whether the string references any placeholder.
func (ds *DependentString) HasDependents() bool { return len(ds.Dependents) > 0 }
