// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash_SameContentSameHash(t *testing.T) {
	a := Record{"name": "milk", "quantity": 2, "specs": map[string]any{"unit": "l", "fat": 3.5}}
	b := Record{"specs": map[string]any{"fat": 3.5, "unit": "l"}, "quantity": 2, "name": "milk"}

	require.Equal(t, Hash(a), Hash(b))
}

func TestHash_DifferentContentDifferentHash(t *testing.T) {
	a := Record{"name": "milk", "quantity": 2}
	b := Record{"name": "milk", "quantity": 3}

	require.NotEqual(t, Hash(a), Hash(b))
}

func TestHash_RoundTripThroughJSON(t *testing.T) {
	a := Record{"name": "milk", "quantity": float64(2), "tags": []any{"dairy", "fresh"}}
	raw, err := ToJSON(a)
	require.NoError(t, err)
	back, err := FromJSON(raw)
	require.NoError(t, err)

	require.Equal(t, Hash(a), Hash(back))
}

func TestTimestamp_ScalesSecondsToMillis(t *testing.T) {
	require.Equal(t, int64(1724572800000), Timestamp(Record{"timestamp": float64(1724572800)}))
	require.Equal(t, int64(1724572800123), Timestamp(Record{"timestamp": float64(1724572800123)}))
	require.Equal(t, int64(0), Timestamp(Record{}))
}

func TestVersion_ReadsNumericForms(t *testing.T) {
	require.Equal(t, int64(3), Version(Record{"version": float64(3)}))
	require.Equal(t, int64(3), Version(Record{"version": 3}))
	require.Equal(t, int64(0), Version(Record{"version": "three"}))
	require.Equal(t, int64(0), Version(nil))
}

func TestIsDeleted(t *testing.T) {
	require.True(t, IsDeleted(Record{"deleted": true}))
	require.True(t, IsDeleted(Record{"deleted": float64(1)}))
	require.False(t, IsDeleted(Record{"deleted": false}))
	require.False(t, IsDeleted(Record{}))
	require.False(t, IsDeleted(nil))
}

func TestClone_IsDeep(t *testing.T) {
	orig := Record{"specs": map[string]any{"unit": "l"}, "tags": []any{"a"}}
	cp := Clone(orig)

	cp["specs"].(map[string]any)["unit"] = "ml"
	cp["tags"].([]any)[0] = "b"

	require.Equal(t, "l", orig["specs"].(map[string]any)["unit"])
	require.Equal(t, "a", orig["tags"].([]any)[0])
}

func TestDiff_ExcludesEnvelopeKeys(t *testing.T) {
	local := Record{"quantity": 2, "timestamp": int64(100), "version": 1}
	remote := Record{"quantity": 3, "timestamp": int64(200), "version": 2}

	require.Equal(t, []string{"quantity"}, Diff(local, remote))
}

func TestDiff_NestedPathsSorted(t *testing.T) {
	local := Record{
		"name": "scale",
		"specs": map[string]any{
			"weight": 1.2,
			"dims":   map[string]any{"w": 10, "h": 20},
		},
	}
	remote := Record{
		"name": "scale pro",
		"specs": map[string]any{
			"weight": 1.5,
			"dims":   map[string]any{"w": 10, "h": 25},
		},
	}

	require.Equal(t, []string{"name", "specs.dims.h", "specs.weight"}, Diff(local, remote))
}

func TestDiff_KeyOnOneSideConflicts(t *testing.T) {
	local := Record{"a": 1, "b": 2}
	remote := Record{"a": 1, "c": 3}

	require.Equal(t, []string{"b", "c"}, Diff(local, remote))
}

func TestDiff_NumericTypesCompareByValue(t *testing.T) {
	local := Record{"quantity": 2}
	remote := Record{"quantity": float64(2)}

	require.Empty(t, Diff(local, remote))
}

func TestDiff_ArraysCompareAtomically(t *testing.T) {
	local := Record{"tags": []any{"a", "b"}}
	remote := Record{"tags": []any{"a", "c"}}

	require.Equal(t, []string{"tags"}, Diff(local, remote))
	require.Empty(t, Diff(Record{"tags": []any{"a", "b"}}, Record{"tags": []any{"a", "b"}}))
}

func TestDiff_IsDeterministic(t *testing.T) {
	local := Record{"z": 1, "m": 2, "a": 3}
	remote := Record{"z": 9, "m": 8, "a": 7}

	first := Diff(local, remote)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, Diff(local, remote))
	}
}

func TestMergeShallow_LocalOverridesRemote(t *testing.T) {
	local := Record{"name": "milk", "quantity": 2}
	remote := Record{"quantity": 5, "category": "dairy"}

	merged := MergeShallow(local, remote)
	require.Equal(t, "milk", merged["name"])
	require.Equal(t, 2, merged["quantity"])
	require.Equal(t, "dairy", merged["category"])
}

func TestMergeDeep_UnionsDisjointKeys(t *testing.T) {
	local := Record{"name": "milk"}
	remote := Record{"category": "dairy"}

	merged := MergeDeep(local, remote)
	require.Equal(t, "milk", merged["name"])
	require.Equal(t, "dairy", merged["category"])
}

func TestMergeDeep_NestedTimestampArbitratesScalar(t *testing.T) {
	local := Record{"a": map[string]any{"x": 1, "timestamp": int64(10)}}
	remote := Record{"a": map[string]any{"x": 2, "timestamp": int64(20)}}

	merged := MergeDeep(local, remote)
	inner, ok := merged["a"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 2, inner["x"])
}

func TestMergeDeep_TopLevelTimestampArbitrates(t *testing.T) {
	local := Record{"quantity": 2, "timestamp": int64(2000)}
	remote := Record{"quantity": 7, "timestamp": int64(1000)}

	merged := MergeDeep(local, remote)
	require.Equal(t, 2, merged["quantity"])
}

func TestMergeDeep_TieKeepsLocal(t *testing.T) {
	local := Record{"quantity": 2}
	remote := Record{"quantity": 7}

	merged := MergeDeep(local, remote)
	require.Equal(t, 2, merged["quantity"])
}

func TestMergeDeep_DoesNotAliasInputs(t *testing.T) {
	local := Record{"specs": map[string]any{"unit": "l"}}
	remote := Record{"specs": map[string]any{"origin": "farm"}}

	merged := MergeDeep(local, remote)
	merged["specs"].(map[string]any)["unit"] = "ml"

	require.Equal(t, "l", local["specs"].(map[string]any)["unit"])
}

func TestLookupPath(t *testing.T) {
	r := Record{"specs": map[string]any{"dims": map[string]any{"w": 10}}, "name": "scale"}

	v, ok := LookupPath(r, "name")
	require.True(t, ok)
	require.Equal(t, "scale", v)

	v, ok = LookupPath(r, "specs.dims.w")
	require.True(t, ok)
	require.Equal(t, 10, v)

	_, ok = LookupPath(r, "specs.missing")
	require.False(t, ok)
	_, ok = LookupPath(r, "name.sub")
	require.False(t, ok)
}

func TestEqual(t *testing.T) {
	require.True(t, Equal(Record{"a": 1.0}, Record{"a": 1.0}))
	require.False(t, Equal(Record{"a": 1.0}, Record{"a": 2.0}))
}
