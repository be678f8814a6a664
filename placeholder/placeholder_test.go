package placeholder

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestParseLiteral(t *testing.T) {
	ds, err := Parse("plain text, no placeholders")
	require.NoError(t, err)
	require.Equal(t, "plain text, no placeholders", ds.Head)
	require.False(t, ds.HasDependents())

	rendered, err := ds.Render()
	require.NoError(t, err)
	require.Equal(t, "plain text, no placeholders", rendered)
}

func TestParseOutputsReference(t *testing.T) {
	ds, err := Parse("prefix ${{ nodeA.outputs.field }} suffix")
	require.NoError(t, err)
	require.Equal(t, "prefix ", ds.Head)
	require.Len(t, ds.Dependents, 1)
	require.Equal(t, "nodeA", ds.Dependents[0].Identifier)
	require.Equal(t, "field", ds.Dependents[0].Field)
	require.Equal(t, " suffix", ds.Dependents[0].Tail)
}

func TestParseStoreReference(t *testing.T) {
	ds, err := Parse("${{ store.bucket }}/objects")
	require.NoError(t, err)
	require.Len(t, ds.Dependents, 1)
	require.Equal(t, StoreIdentifier, ds.Dependents[0].Identifier)
	require.Equal(t, "bucket", ds.Dependents[0].Field)
	require.Equal(t, "/objects", ds.Dependents[0].Tail)
}

func TestParseWhitespaceInsignificant(t *testing.T) {
	for _, s := range []string{
		"${{a.outputs.b}}",
		"${{ a.outputs.b }}",
		"${{  a . outputs . b  }}",
	} {
		ds, err := Parse(s)
		require.NoError(t, err, s)
		require.Equal(t, "a", ds.Dependents[0].Identifier, s)
		require.Equal(t, "b", ds.Dependents[0].Field, s)
	}
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{
		"${{ a.outputs.b",         // not closed
		"${{ a.b }}",              // two segments, not store
		"${{ a.inputs.b }}",       // middle segment not outputs
		"${{ a.outputs.b.c }}",    // four segments
		"${{ store }}",            // store without key
		"x ${{ bad }} y",          // one segment
	} {
		_, err := Parse(s)
		require.Error(t, err, s)
	}
}

func TestRenderRequiresValues(t *testing.T) {
	ds, err := Parse("${{ a.outputs.x }}-${{ b.outputs.y }}")
	require.NoError(t, err)

	_, err = ds.Render()
	require.ErrorIs(t, err, ErrValueNotSet)

	ds.SetValue("a", "x", "1")
	_, err = ds.Render()
	require.ErrorIs(t, err, ErrValueNotSet)

	ds.SetValue("b", "y", "2")
	rendered, err := ds.Render()
	require.NoError(t, err)
	require.Equal(t, "1-2", rendered)
}

func TestSetValueBindsAllOccurrences(t *testing.T) {
	ds, err := Parse("${{ a.outputs.x }} and ${{ a.outputs.x }}")
	require.NoError(t, err)
	ds.SetValue("a", "x", "v")
	rendered, err := ds.Render()
	require.NoError(t, err)
	require.Equal(t, "v and v", rendered)
}

func TestIdentifierFieldsDeduplicates(t *testing.T) {
	ds, err := Parse("${{ a.outputs.x }}${{ store.k }}${{ a.outputs.x }}${{ a.outputs.y }}")
	require.NoError(t, err)
	require.Equal(t, []IdentifierField{
		{Identifier: "a", Field: "x"},
		{Identifier: StoreIdentifier, Field: "k"},
		{Identifier: "a", Field: "y"},
	}, ds.IdentifierFields())
}

// TestRenderReconstructsTemplate checks that for any literal segments and any
// bound values, rendering concatenates head, values and tails in source
// order.
func TestRenderReconstructsTemplate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	literal := gen.RegexMatch(`[a-zA-Z0-9 _/:-]*`)
	properties.Property("head+value+tail concatenation", prop.ForAll(
		func(head, tail, value string) bool {
			ds, err := Parse(head + "${{ n.outputs.f }}" + tail)
			if err != nil {
				return false
			}
			ds.SetValue("n", "f", value)
			rendered, err := ds.Render()
			return err == nil && rendered == head+value+tail
		},
		literal, literal, literal,
	))

	properties.TestingRun(t)
}
