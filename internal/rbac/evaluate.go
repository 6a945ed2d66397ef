package rbac

import (
	"fmt"
	"strings"
)

// Wildcard matches one permission segment, or everything below when it
// ends a granted permission.
const Wildcard = "*"

// Result is the outcome of evaluating a query.
type Result struct {
	Valid bool
	// Message explains a denial; it is empty when Valid is true.
	Message string
}

// Evaluate reports whether granted satisfies q. The query is expected to
// have passed Validate.
func Evaluate(q *Query, granted []string) Result {
	if q == nil {
		return Result{Valid: true}
	}
	return evaluate(*q, granted)
}

func evaluate(q Query, granted []string) Result {
	switch q.Operator {
	case OpAnd:
		for _, child := range q.Operands {
			if res := evaluate(child, granted); !res.Valid {
				return res
			}
		}
		return Result{Valid: true}

	case OpOr:
		missing := make([]string, 0, len(q.Operands))
		for _, child := range q.Operands {
			res := evaluate(child, granted)
			if res.Valid {
				return res
			}
			missing = append(missing, child.String())
		}
		return Result{Message: fmt.Sprintf("Missing one of these permissions: [%s], have: [%s]",
			quoteAll(missing), quoteAll(granted))}

	default:
		for _, g := range granted {
			if Match(g, q.Permission) {
				return Result{Valid: true}
			}
		}
		return Result{Message: fmt.Sprintf("Missing permission: '%s'", q.Permission)}
	}
}

// Match reports whether the granted permission covers the required one.
func Match(granted, required string) bool {
	if granted == Wildcard || granted == required {
		return true
	}

	g := strings.Split(granted, ".")
	r := strings.Split(required, ".")

	for i, seg := range g {
		if i >= len(r) {
			return false
		}
		if seg == Wildcard && i == len(g)-1 {
			return true
		}
		if seg != Wildcard && r[i] != Wildcard && seg != r[i] {
			return false
		}
	}
	return len(g) == len(r)
}

func quoteAll(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = "'" + item + "'"
	}
	return strings.Join(quoted, ", ")
}
