package rbac

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxDepth is the deepest nesting of and/or accepted by Validate.
const MaxDepth = 16

// Operator combines the operands of a compound query.
type Operator string

// Operators.
const (
	OpAnd Operator = "and"
	OpOr  Operator = "or"
)

// ErrInvalidQuery is matched by every SchemaError.
var ErrInvalidQuery = errors.New("invalid permission query")

// SchemaError reports a malformed permission query.
type SchemaError struct {
	// Path locates the offending node, e.g. "and[1].or[0]".
	Path   string
	Reason string
}

// Error returns the error message.
func (e *SchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid permission query: %s", e.Reason)
	}
	return fmt.Sprintf("invalid permission query at %s: %s", e.Path, e.Reason)
}

// Unwrap returns ErrInvalidQuery.
func (e *SchemaError) Unwrap() error {
	return ErrInvalidQuery
}

// Query is either a single permission or an operator over operands.
type Query struct {
	Permission string
	Operator   Operator
	Operands   []Query
}

// P returns a query requiring permission.
func P(permission string) Query {
	return Query{Permission: permission}
}

// And returns a query requiring every operand.
func And(operands ...Query) Query {
	return Query{Operator: OpAnd, Operands: operands}
}

// Or returns a query requiring at least one operand.
func Or(operands ...Query) Query {
	return Query{Operator: OpOr, Operands: operands}
}

// IsAtom reports whether q is a single permission.
func (q Query) IsAtom() bool {
	return q.Operator == ""
}

// String renders q in a compact infix form for logs and messages.
func (q Query) String() string {
	if q.IsAtom() {
		return q.Permission
	}
	parts := make([]string, len(q.Operands))
	for i, op := range q.Operands {
		parts[i] = op.String()
	}
	return "(" + strings.Join(parts, " "+strings.ToUpper(string(q.Operator))+" ") + ")"
}

// Parse decodes a JSON permission query.
func Parse(data []byte) (*Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) {
			return nil, schemaErr
		}
		return nil, &SchemaError{Reason: err.Error()}
	}
	return &q, nil
}

// MarshalJSON implements json.Marshaler.
func (q Query) MarshalJSON() ([]byte, error) {
	if q.IsAtom() {
		return json.Marshal(q.Permission)
	}
	operands := q.Operands
	if operands == nil {
		operands = []Query{}
	}
	return json.Marshal(map[Operator][]Query{q.Operator: operands})
}

// UnmarshalJSON implements json.Unmarshaler.
func (q *Query) UnmarshalJSON(data []byte) error {
	parsed, err := decodeNode(data, "")
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func decodeNode(data []byte, path string) (Query, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Query{}, &SchemaError{Path: path, Reason: "empty query"}
	}

	switch data[0] {
	case '"':
		var permission string
		if err := json.Unmarshal(data, &permission); err != nil {
			return Query{}, &SchemaError{Path: path, Reason: err.Error()}
		}
		return P(permission), nil

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return Query{}, &SchemaError{Path: path, Reason: err.Error()}
		}
		if len(obj) != 1 {
			return Query{}, &SchemaError{Path: path, Reason: `object must have exactly one of "and" or "or"`}
		}
		for key, raw := range obj {
			op := Operator(key)
			if op != OpAnd && op != OpOr {
				return Query{}, &SchemaError{Path: path, Reason: fmt.Sprintf("unknown operator %q", key)}
			}
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return Query{}, &SchemaError{Path: join(path, key), Reason: "operands must be an array"}
			}
			q := Query{Operator: op, Operands: make([]Query, 0, len(items))}
			for i, item := range items {
				child, err := decodeNode(item, fmt.Sprintf("%s[%d]", join(path, key), i))
				if err != nil {
					return Query{}, err
				}
				q.Operands = append(q.Operands, child)
			}
			return q, nil
		}
	}

	return Query{}, &SchemaError{Path: path, Reason: "expected a permission string or an and/or object"}
}

func join(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "." + elem
}
