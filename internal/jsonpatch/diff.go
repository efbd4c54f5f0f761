// Package jsonpatch produces and applies RFC 6902 JSON Patch documents
// between JSON-shaped values (the result of unmarshalling into interface{}).
package jsonpatch

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Operation codes defined by RFC 6902.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

type Operation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	From  string      `json:"from,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

type Patch []Operation

// ArrayStrategy selects how array differences are expressed.
type ArrayStrategy int

const (
	// ArrayIndex diffs element-by-element: removes from the end first,
	// then replaces, then adds. Fast, more operations.
	ArrayIndex ArrayStrategy = iota
	// ArrayLCS computes a longest-common-subsequence diff. Fewer
	// operations for large arrays, more work to compute.
	ArrayLCS
)

// Options tune diff generation.
type Options struct {
	Arrays ArrayStrategy
	// MaxDepth caps recursion; beyond it a whole-value replace is emitted.
	MaxDepth int
	// LCSMinLen is the minimum length (on both sides) before the LCS
	// strategy is worth using; shorter arrays fall back to index diffing.
	LCSMinLen int
}

// DefaultOptions matches the broadcaster's needs: index arrays, depth 10.
func DefaultOptions() Options {
	return Options{Arrays: ArrayIndex, MaxDepth: 10, LCSMinLen: 5}
}

// Diff computes a patch transforming src into dst. Inputs are normalized
// through a JSON round trip, so any marshallable values are accepted.
func Diff(src, dst interface{}, opts Options) (Patch, error) {
	if opts.MaxDepth == 0 {
		opts.MaxDepth = 10
	}
	if opts.LCSMinLen == 0 {
		opts.LCSMinLen = 5
	}
	a, err := Normalize(src)
	if err != nil {
		return nil, err
	}
	b, err := Normalize(dst)
	if err != nil {
		return nil, err
	}
	patch := diffValue("", a, b, 1, opts)
	if patch == nil {
		patch = Patch{}
	}
	return patch, nil
}

// Normalize round-trips a value through JSON so diffs operate on
// map[string]interface{} / []interface{} / float64 / string / bool / nil.
func Normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func diffValue(path string, a, b interface{}, depth int, opts Options) Patch {
	if deepEqual(a, b) {
		return nil
	}
	if depth > opts.MaxDepth {
		return Patch{{Op: OpReplace, Path: path, Value: b}}
	}

	switch av := a.(type) {
	case map[string]interface{}:
		if bv, ok := b.(map[string]interface{}); ok {
			return diffObject(path, av, bv, depth, opts)
		}
	case []interface{}:
		if bv, ok := b.([]interface{}); ok {
			return diffArray(path, av, bv, depth, opts)
		}
	}
	return Patch{{Op: OpReplace, Path: path, Value: b}}
}

// diffObject is a key-set difference with recursive descent on common keys.
func diffObject(path string, a, b map[string]interface{}, depth int, opts Options) Patch {
	var patch Patch

	keys := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range b {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		av, inA := a[k]
		bv, inB := b[k]
		childPath := appendToken(path, k)
		switch {
		case inA && !inB:
			patch = append(patch, Operation{Op: OpRemove, Path: childPath})
		case !inA && inB:
			patch = append(patch, Operation{Op: OpAdd, Path: childPath, Value: bv})
		default:
			patch = append(patch, diffValue(childPath, av, bv, depth+1, opts)...)
		}
	}
	return patch
}

func diffArray(path string, a, b []interface{}, depth int, opts Options) Patch {
	if opts.Arrays == ArrayLCS && len(a) > opts.LCSMinLen && len(b) > opts.LCSMinLen {
		return diffArrayLCS(path, a, b)
	}
	return diffArrayIndex(path, a, b, depth, opts)
}

// diffArrayIndex emits removes from end to start before replaces before
// adds, so earlier operations never shift the indices of later ones.
func diffArrayIndex(path string, a, b []interface{}, depth int, opts Options) Patch {
	var patch Patch

	for i := len(a) - 1; i >= len(b); i-- {
		patch = append(patch, Operation{Op: OpRemove, Path: appendIndex(path, i)})
	}

	common := len(a)
	if len(b) < common {
		common = len(b)
	}
	for i := 0; i < common; i++ {
		patch = append(patch, diffValue(appendIndex(path, i), a[i], b[i], depth+1, opts)...)
	}

	for i := len(a); i < len(b); i++ {
		patch = append(patch, Operation{Op: OpAdd, Path: appendIndex(path, i), Value: b[i]})
	}
	return patch
}

// diffArrayLCS minimizes operations via a longest common subsequence over
// deep-equal elements. Removes are emitted back to front, then adds front
// to back against the already-shrunk array.
func diffArrayLCS(path string, a, b []interface{}) Patch {
	n, m := len(a), len(b)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if deepEqual(a[i], b[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	// Walk the table collecting kept indices of a and inserted values of b.
	keepA := make([]bool, n)
	type insertion struct {
		before int // position in b
		value  interface{}
	}
	var inserts []insertion
	i, j := 0, 0
	for i < n && j < m {
		if deepEqual(a[i], b[j]) {
			keepA[i] = true
			i++
			j++
		} else if lcs[i+1][j] >= lcs[i][j+1] {
			i++
		} else {
			inserts = append(inserts, insertion{before: j, value: b[j]})
			j++
		}
	}
	for ; j < m; j++ {
		inserts = append(inserts, insertion{before: j, value: b[j]})
	}

	var patch Patch
	for idx := n - 1; idx >= 0; idx-- {
		if !keepA[idx] {
			patch = append(patch, Operation{Op: OpRemove, Path: appendIndex(path, idx)})
		}
	}
	for _, ins := range inserts {
		patch = append(patch, Operation{Op: OpAdd, Path: appendIndex(path, ins.before), Value: ins.value})
	}
	return patch
}

func deepEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// Encode serializes the patch for size accounting and transmission.
func (p Patch) Encode() ([]byte, error) {
	if p == nil {
		p = Patch{}
	}
	return json.Marshal(p)
}
