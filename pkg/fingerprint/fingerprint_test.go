package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{
		"id":   1,
		"name": "A",
		"address": map[string]any{
			"city": "Oakland",
			"zip":  "94601",
		},
	}
	b := map[string]any{
		"address": map[string]any{
			"zip":  "94601",
			"city": "Oakland",
		},
		"name": "A",
		"id":   1,
	}

	fpA, err := Compute(a)
	require.NoError(t, err)
	fpB, err := Compute(b)
	require.NoError(t, err)
	require.Equal(t, fpA, fpB)
	require.Len(t, fpA, 40)
}

func TestComputeChangesWithPayload(t *testing.T) {
	fp1, err := Compute(map[string]any{"id": 1, "name": "A"})
	require.NoError(t, err)

	fp2, err := Compute(map[string]any{"id": 1, "name": "B"})
	require.NoError(t, err)

	require.NotEqual(t, fp1, fp2)
}

func TestComputeNestedChange(t *testing.T) {
	fp1, err := Compute(map[string]any{"id": 1, "tags": []any{"a", "b"}})
	require.NoError(t, err)

	fp2, err := Compute(map[string]any{"id": 1, "tags": []any{"b", "a"}})
	require.NoError(t, err)

	// Slice order is content, not noise.
	require.NotEqual(t, fp1, fp2)
}
