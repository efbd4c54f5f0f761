package jsonpatch

import (
	"fmt"
	"strconv"
	"strings"
)

// JSON Pointer (RFC 6901) helpers. "~" and "/" inside keys are escaped as
// "~0" and "~1" respectively.

// EscapeToken escapes a single reference token.
func EscapeToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	token = strings.ReplaceAll(token, "/", "~1")
	return token
}

// UnescapeToken reverses EscapeToken. Order matters: "~1" first, then "~0".
func UnescapeToken(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	token = strings.ReplaceAll(token, "~0", "~")
	return token
}

// appendToken extends a pointer with one escaped token.
func appendToken(pointer, token string) string {
	return pointer + "/" + EscapeToken(token)
}

// appendIndex extends a pointer with an array index token.
func appendIndex(pointer string, index int) string {
	return pointer + "/" + strconv.Itoa(index)
}

// parsePointer splits a pointer into unescaped tokens. The empty pointer
// refers to the whole document.
func parsePointer(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("invalid pointer %q: must start with /", pointer)
	}
	parts := strings.Split(pointer[1:], "/")
	tokens := make([]string, len(parts))
	for i, p := range parts {
		tokens[i] = UnescapeToken(p)
	}
	return tokens, nil
}

// arrayIndex parses a token as an array index. last may be "-" only when
// allowDash is set (append position for add).
func arrayIndex(token string, length int, allowDash bool) (int, error) {
	if token == "-" {
		if !allowDash {
			return 0, fmt.Errorf("index %q not allowed here", token)
		}
		return length, nil
	}
	if len(token) > 1 && token[0] == '0' {
		return 0, fmt.Errorf("invalid array index %q: leading zeros", token)
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid array index %q", token)
	}
	return idx, nil
}
