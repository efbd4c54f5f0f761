package jsonpatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalized(t *testing.T, v interface{}) interface{} {
	t.Helper()
	out, err := Normalize(v)
	require.NoError(t, err)
	return out
}

func TestDiffIdentity(t *testing.T) {
	doc := map[string]interface{}{
		"board":     [][]string{{"X", "", ""}, {"", "", ""}, {"", "", ""}},
		"moveCount": 1,
	}
	patch, err := Diff(doc, doc, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, patch)
}

func TestDiffApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		src  interface{}
		dst  interface{}
	}{
		{
			"scalar replace",
			map[string]interface{}{"a": 1, "b": "x"},
			map[string]interface{}{"a": 2, "b": "x"},
		},
		{
			"key add and remove",
			map[string]interface{}{"keep": true, "drop": 1},
			map[string]interface{}{"keep": true, "new": "v"},
		},
		{
			"nested object",
			map[string]interface{}{"outer": map[string]interface{}{"inner": []interface{}{1, 2, 3}}},
			map[string]interface{}{"outer": map[string]interface{}{"inner": []interface{}{1, 9, 3, 4}}},
		},
		{
			"array shrink",
			map[string]interface{}{"list": []interface{}{"a", "b", "c", "d"}},
			map[string]interface{}{"list": []interface{}{"a"}},
		},
		{
			"type change",
			map[string]interface{}{"v": []interface{}{1}},
			map[string]interface{}{"v": map[string]interface{}{"k": 1}},
		},
		{
			"null handling",
			map[string]interface{}{"winner": nil, "moveCount": 4},
			map[string]interface{}{"winner": "X", "moveCount": 5},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patch, err := Diff(tc.src, tc.dst, DefaultOptions())
			require.NoError(t, err)

			got, err := Apply(tc.src, patch)
			require.NoError(t, err)
			assert.Equal(t, normalized(t, tc.dst), got)

			res := Validate(tc.src, patch)
			assert.True(t, res.Valid, "errors: %v", res.Errors)
		})
	}
}

func TestDiffBoardMoveIsAllReplaces(t *testing.T) {
	before := map[string]interface{}{
		"board":         []interface{}{[]interface{}{"X", "", ""}, []interface{}{"", "", ""}, []interface{}{"", "", ""}},
		"currentPlayer": "O",
		"moveCount":     1,
		"winner":        nil,
		"winningLine":   nil,
		"lastMove":      map[string]interface{}{"row": 0, "col": 0, "player": "X"},
	}
	after := map[string]interface{}{
		"board":         []interface{}{[]interface{}{"X", "", ""}, []interface{}{"", "O", ""}, []interface{}{"", "", ""}},
		"currentPlayer": "X",
		"moveCount":     2,
		"winner":        nil,
		"winningLine":   nil,
		"lastMove":      map[string]interface{}{"row": 1, "col": 1, "player": "O"},
	}

	patch, err := Diff(before, after, DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, patch)
	for _, op := range patch {
		assert.Equal(t, OpReplace, op.Op, "fixed-key snapshots diff to replaces only, got %s %s", op.Op, op.Path)
	}

	got, err := Apply(before, patch)
	require.NoError(t, err)
	assert.Equal(t, normalized(t, after), got)
}

func TestPointerEscaping(t *testing.T) {
	src := map[string]interface{}{"a/b": 1, "m~n": 2}
	dst := map[string]interface{}{"a/b": 9, "m~n": 2}

	patch, err := Diff(src, dst, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, patch, 1)
	assert.Equal(t, "/a~1b", patch[0].Path)

	got, err := Apply(src, patch)
	require.NoError(t, err)
	assert.Equal(t, normalized(t, dst), got)
}

func TestEscapeTokenRoundTrip(t *testing.T) {
	for _, token := range []string{"plain", "a/b", "m~n", "~1", "/", "~/~"} {
		assert.Equal(t, token, UnescapeToken(EscapeToken(token)))
	}
}

func TestDiffArrayIndexRemovesFromEnd(t *testing.T) {
	src := []interface{}{"a", "b", "c", "d"}
	dst := []interface{}{"a"}

	patch, err := Diff(src, dst, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, patch, 3)
	assert.Equal(t, "/3", patch[0].Path)
	assert.Equal(t, "/2", patch[1].Path)
	assert.Equal(t, "/1", patch[2].Path)
	for _, op := range patch {
		assert.Equal(t, OpRemove, op.Op)
	}
}

func TestDiffArrayLCS(t *testing.T) {
	opts := DefaultOptions()
	opts.Arrays = ArrayLCS

	src := []interface{}{1, 2, 3, 4, 5, 6, 7, 8}
	dst := []interface{}{1, 3, 4, 5, 9, 6, 7, 8}

	patch, err := Diff(src, dst, opts)
	require.NoError(t, err)

	got, err := Apply(src, patch)
	require.NoError(t, err)
	assert.Equal(t, normalized(t, dst), got)

	// LCS should beat per-index replacement for a single remove+insert.
	assert.LessOrEqual(t, len(patch), 4)
}

func TestDiffDepthCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxDepth = 2

	src := map[string]interface{}{
		"a": map[string]interface{}{"b": map[string]interface{}{"c": 1, "d": 2}},
	}
	dst := map[string]interface{}{
		"a": map[string]interface{}{"b": map[string]interface{}{"c": 9, "d": 2}},
	}

	patch, err := Diff(src, dst, opts)
	require.NoError(t, err)
	require.Len(t, patch, 1)
	assert.Equal(t, OpReplace, patch[0].Op)
	assert.Equal(t, "/a/b", patch[0].Path)

	got, err := Apply(src, patch)
	require.NoError(t, err)
	assert.Equal(t, normalized(t, dst), got)
}

func TestApplyDoesNotMutateSource(t *testing.T) {
	src := map[string]interface{}{"list": []interface{}{1.0, 2.0}, "v": "old"}
	patch := Patch{
		{Op: OpReplace, Path: "/v", Value: "new"},
		{Op: OpAdd, Path: "/list/-", Value: 3.0},
	}

	_, err := Apply(src, patch)
	require.NoError(t, err)
	assert.Equal(t, "old", src["v"])
	assert.Len(t, src["list"], 2)
}

func TestApplyOperations(t *testing.T) {
	doc := map[string]interface{}{
		"a": []interface{}{1.0, 2.0, 3.0},
		"b": map[string]interface{}{"x": "v"},
	}

	t.Run("add append", func(t *testing.T) {
		got, err := Apply(doc, Patch{{Op: OpAdd, Path: "/a/-", Value: 4.0}})
		require.NoError(t, err)
		assert.Equal(t, []interface{}{1.0, 2.0, 3.0, 4.0}, got.(map[string]interface{})["a"])
	})

	t.Run("add insert shifts right", func(t *testing.T) {
		got, err := Apply(doc, Patch{{Op: OpAdd, Path: "/a/1", Value: 9.0}})
		require.NoError(t, err)
		assert.Equal(t, []interface{}{1.0, 9.0, 2.0, 3.0}, got.(map[string]interface{})["a"])
	})

	t.Run("move", func(t *testing.T) {
		got, err := Apply(doc, Patch{{Op: OpMove, From: "/b/x", Path: "/y"}})
		require.NoError(t, err)
		m := got.(map[string]interface{})
		assert.Equal(t, "v", m["y"])
		assert.NotContains(t, m["b"], "x")
	})

	t.Run("copy", func(t *testing.T) {
		got, err := Apply(doc, Patch{{Op: OpCopy, From: "/b/x", Path: "/y"}})
		require.NoError(t, err)
		m := got.(map[string]interface{})
		assert.Equal(t, "v", m["y"])
		assert.Equal(t, "v", m["b"].(map[string]interface{})["x"])
	})

	t.Run("test pass and fail", func(t *testing.T) {
		_, err := Apply(doc, Patch{{Op: OpTest, Path: "/b/x", Value: "v"}})
		assert.NoError(t, err)
		_, err = Apply(doc, Patch{{Op: OpTest, Path: "/b/x", Value: "other"}})
		assert.Error(t, err)
	})

	t.Run("remove out of range", func(t *testing.T) {
		_, err := Apply(doc, Patch{{Op: OpRemove, Path: "/a/7"}})
		assert.Error(t, err)
	})

	t.Run("replace missing key", func(t *testing.T) {
		_, err := Apply(doc, Patch{{Op: OpReplace, Path: "/missing", Value: 1}})
		assert.Error(t, err)
	})
}

func TestValidateReportsEveryFailure(t *testing.T) {
	doc := map[string]interface{}{"a": 1.0}
	res := Validate(doc, Patch{
		{Op: OpReplace, Path: "/missing", Value: 2},
		{Op: OpRemove, Path: "/also-missing"},
		{Op: OpReplace, Path: "/a", Value: 5},
	})
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 2)
}

func TestCumulativePatchesConverge(t *testing.T) {
	// A viewer applying every emitted patch in order must track the live
	// document exactly.
	states := []map[string]interface{}{
		{"board": []interface{}{"", "", ""}, "moveCount": 0, "winner": nil},
		{"board": []interface{}{"X", "", ""}, "moveCount": 1, "winner": nil},
		{"board": []interface{}{"X", "O", ""}, "moveCount": 2, "winner": nil},
		{"board": []interface{}{"X", "O", "X"}, "moveCount": 3, "winner": "X"},
	}

	viewer := normalized(t, states[0])
	for i := 1; i < len(states); i++ {
		patch, err := Diff(states[i-1], states[i], DefaultOptions())
		require.NoError(t, err)
		viewer, err = Apply(viewer, patch)
		require.NoError(t, err)
	}
	assert.Equal(t, normalized(t, states[len(states)-1]), viewer)
}
