package jsonpatch

import (
	"fmt"
)

// Apply applies a patch to a document and returns the result. The input is
// never mutated: it is deep-cloned and the clone is modified.
func Apply(doc interface{}, patch Patch) (interface{}, error) {
	normalized, err := Normalize(doc)
	if err != nil {
		return nil, err
	}
	current := normalized
	for i, op := range patch {
		current, err = applyOp(current, op)
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return current, nil
}

// ValidationResult reports per-operation validity.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks a patch against a document without producing the result.
// remove/replace require the target to exist, add requires the parent,
// move/copy require the source, test compares deep-equal. Operations are
// validated in sequence against the evolving document.
func Validate(doc interface{}, patch Patch) ValidationResult {
	result := ValidationResult{Valid: true}
	current, err := Normalize(doc)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	for i, op := range patch {
		next, err := applyOp(current, op)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("operation %d (%s %s): %v", i, op.Op, op.Path, err))
			continue
		}
		current = next
	}
	return result
}

func applyOp(doc interface{}, op Operation) (interface{}, error) {
	switch op.Op {
	case OpAdd:
		return addValue(doc, op.Path, cloneValue(op.Value))
	case OpRemove:
		doc, _, err := removeValue(doc, op.Path)
		return doc, err
	case OpReplace:
		return replaceValue(doc, op.Path, cloneValue(op.Value))
	case OpMove:
		doc, moved, err := removeValue(doc, op.From)
		if err != nil {
			return nil, fmt.Errorf("move source: %w", err)
		}
		return addValue(doc, op.Path, moved)
	case OpCopy:
		src, err := getValue(doc, op.From)
		if err != nil {
			return nil, fmt.Errorf("copy source: %w", err)
		}
		return addValue(doc, op.Path, cloneValue(src))
	case OpTest:
		actual, err := getValue(doc, op.Path)
		if err != nil {
			return nil, err
		}
		expected, err := Normalize(op.Value)
		if err != nil {
			return nil, err
		}
		if !deepEqual(actual, expected) {
			return nil, fmt.Errorf("test failed at %s", op.Path)
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
}

func getValue(doc interface{}, pointer string) (interface{}, error) {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return nil, err
	}
	current := doc
	for _, tok := range tokens {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[tok]
			if !ok {
				return nil, fmt.Errorf("key %q not found", tok)
			}
			current = v
		case []interface{}:
			idx, err := arrayIndex(tok, len(node), false)
			if err != nil {
				return nil, err
			}
			if idx >= len(node) {
				return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(node))
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("cannot descend into %T with token %q", current, tok)
		}
	}
	return current, nil
}

// navigateParent resolves everything but the final token.
func navigateParent(doc interface{}, pointer string) (parent interface{}, last string, err error) {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return nil, "", err
	}
	if len(tokens) == 0 {
		return nil, "", fmt.Errorf("pointer refers to whole document")
	}
	prefix := tokens[:len(tokens)-1]
	current := doc
	for _, tok := range prefix {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[tok]
			if !ok {
				return nil, "", fmt.Errorf("parent key %q not found", tok)
			}
			current = v
		case []interface{}:
			idx, err := arrayIndex(tok, len(node), false)
			if err != nil {
				return nil, "", err
			}
			if idx >= len(node) {
				return nil, "", fmt.Errorf("parent index %d out of range", idx)
			}
			current = node[idx]
		default:
			return nil, "", fmt.Errorf("cannot descend into %T with token %q", current, tok)
		}
	}
	return current, tokens[len(tokens)-1], nil
}

func addValue(doc interface{}, pointer string, value interface{}) (interface{}, error) {
	if pointer == "" {
		return value, nil
	}
	parent, last, err := navigateParent(doc, pointer)
	if err != nil {
		return nil, err
	}
	switch node := parent.(type) {
	case map[string]interface{}:
		node[last] = value
		return doc, nil
	case []interface{}:
		idx, err := arrayIndex(last, len(node), true)
		if err != nil {
			return nil, err
		}
		if idx > len(node) {
			return nil, fmt.Errorf("add index %d out of range (len %d)", idx, len(node))
		}
		// Insert shifts existing elements right.
		node = append(node, nil)
		copy(node[idx+1:], node[idx:])
		node[idx] = value
		return setInParent(doc, pointer, node)
	default:
		return nil, fmt.Errorf("cannot add into %T", parent)
	}
}

func removeValue(doc interface{}, pointer string) (interface{}, interface{}, error) {
	if pointer == "" {
		return nil, doc, fmt.Errorf("cannot remove whole document")
	}
	parent, last, err := navigateParent(doc, pointer)
	if err != nil {
		return nil, nil, err
	}
	switch node := parent.(type) {
	case map[string]interface{}:
		removed, ok := node[last]
		if !ok {
			return nil, nil, fmt.Errorf("key %q not found", last)
		}
		delete(node, last)
		return doc, removed, nil
	case []interface{}:
		idx, err := arrayIndex(last, len(node), false)
		if err != nil {
			return nil, nil, err
		}
		if idx >= len(node) {
			return nil, nil, fmt.Errorf("remove index %d out of range (len %d)", idx, len(node))
		}
		removed := node[idx]
		node = append(node[:idx], node[idx+1:]...)
		doc, err = setInParent(doc, pointer, node)
		return doc, removed, err
	default:
		return nil, nil, fmt.Errorf("cannot remove from %T", parent)
	}
}

func replaceValue(doc interface{}, pointer string, value interface{}) (interface{}, error) {
	if pointer == "" {
		return value, nil
	}
	parent, last, err := navigateParent(doc, pointer)
	if err != nil {
		return nil, err
	}
	switch node := parent.(type) {
	case map[string]interface{}:
		if _, ok := node[last]; !ok {
			return nil, fmt.Errorf("key %q not found", last)
		}
		node[last] = value
		return doc, nil
	case []interface{}:
		idx, err := arrayIndex(last, len(node), false)
		if err != nil {
			return nil, err
		}
		if idx >= len(node) {
			return nil, fmt.Errorf("replace index %d out of range (len %d)", idx, len(node))
		}
		node[idx] = value
		return doc, nil
	default:
		return nil, fmt.Errorf("cannot replace in %T", parent)
	}
}

// setInParent rewrites the slice header at pointer's parent position after
// an insert or delete changed its length. Maps mutate in place and never
// need this.
func setInParent(doc interface{}, pointer string, node []interface{}) (interface{}, error) {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 1 {
		// Parent is the document root.
		if _, ok := doc.([]interface{}); ok {
			return node, nil
		}
		if m, ok := doc.(map[string]interface{}); ok {
			m[tokens[0]] = interface{}(node)
			return doc, nil
		}
		return node, nil
	}
	grandPointer := joinTokens(tokens[:len(tokens)-2])
	parentToken := tokens[len(tokens)-2]
	grand, err := getValue(doc, grandPointer)
	if err != nil {
		return nil, err
	}
	switch g := grand.(type) {
	case map[string]interface{}:
		g[parentToken] = interface{}(node)
	case []interface{}:
		idx, err := arrayIndex(parentToken, len(g), false)
		if err != nil {
			return nil, err
		}
		g[idx] = interface{}(node)
	default:
		return nil, fmt.Errorf("unexpected grandparent %T", grand)
	}
	return doc, nil
}

func joinTokens(tokens []string) string {
	out := ""
	for _, t := range tokens {
		out = appendToken(out, t)
	}
	return out
}

// cloneValue deep-copies a JSON-shaped value so patches never alias the
// documents they were computed from.
func cloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, val := range tv {
			out[k] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, val := range tv {
			out[i] = cloneValue(val)
		}
		return out
	default:
		cloned, err := Normalize(v)
		if err != nil {
			return v
		}
		return cloned
	}
}
