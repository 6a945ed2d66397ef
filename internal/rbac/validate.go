package rbac

import (
	"fmt"
	"strings"
)

// Validate checks q for structural problems. It returns a *SchemaError
// naming the first offending node.
func Validate(q *Query) error {
	if q == nil {
		return &SchemaError{Reason: "query is empty"}
	}
	return validate(*q, "", 1)
}

func validate(q Query, path string, depth int) error {
	if depth > MaxDepth {
		return &SchemaError{Path: path, Reason: fmt.Sprintf("nesting deeper than %d", MaxDepth)}
	}

	if q.IsAtom() {
		return validatePermission(q.Permission, path)
	}

	if q.Operator != OpAnd && q.Operator != OpOr {
		return &SchemaError{Path: path, Reason: fmt.Sprintf("unknown operator %q", q.Operator)}
	}
	opPath := join(path, string(q.Operator))
	if len(q.Operands) == 0 {
		return &SchemaError{Path: opPath, Reason: "operator needs at least one operand"}
	}
	for i, child := range q.Operands {
		if err := validate(child, fmt.Sprintf("%s[%d]", opPath, i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func validatePermission(permission, path string) error {
	if strings.TrimSpace(permission) == "" {
		return &SchemaError{Path: path, Reason: "permission is empty"}
	}
	for _, r := range permission {
		if !isPermissionRune(r) {
			return &SchemaError{Path: path, Reason: fmt.Sprintf("permission %q contains invalid character %q", permission, r)}
		}
	}
	for _, segment := range strings.Split(permission, ".") {
		if segment == "" {
			return &SchemaError{Path: path, Reason: fmt.Sprintf("permission %q has an empty segment", permission)}
		}
	}
	return nil
}

func isPermissionRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-', r == '*', r == ':':
		return true
	default:
		return false
	}
}
