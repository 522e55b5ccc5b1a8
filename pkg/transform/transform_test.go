package transform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyPassthroughWithoutMappings(t *testing.T) {
	in := map[string]any{"id": 1, "email": "a@example.com"}
	out := Apply(nil, in)
	require.Equal(t, in, out)

	// The copy is detached from the input.
	out["id"] = 2
	require.Equal(t, 1, in["id"])
}

func TestApplyRenamesFields(t *testing.T) {
	out := Apply([]Mapping{
		{From: "email", To: "primary_email"},
		{From: "id", To: "external_id"},
	}, map[string]any{"id": 7, "email": "a@example.com", "ignored": true})

	require.Equal(t, map[string]any{
		"primary_email": "a@example.com",
		"external_id":   7,
	}, out)
}

func TestApplyStaticValues(t *testing.T) {
	out := Apply([]Mapping{
		{To: "source", Static: "outflow"},
		{From: "id", To: "id"},
	}, map[string]any{"id": 1})

	require.Equal(t, map[string]any{"source": "outflow", "id": 1}, out)
}

func TestApplySkipsAbsentFields(t *testing.T) {
	out := Apply([]Mapping{
		{From: "missing", To: "dest"},
		{From: "id", To: "id"},
		{From: "x", To: ""},
	}, map[string]any{"id": 1})

	require.Equal(t, map[string]any{"id": 1}, out)
	require.NotContains(t, out, "dest")
}
