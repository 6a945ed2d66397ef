// Package rbac evaluates permission queries against the permissions granted
// to a key.
//
// A query is a permission name or a boolean tree of them, decoded from JSON:
//
//	"api.*.read_key"
//	{"and": ["api.*.read_key", {"or": ["api.*.update_key", "api.*.delete_key"]}]}
//
// Permission names are dot-separated segments. A "*" segment matches
// exactly one segment on either side; a granted permission ending in "*"
// also grants everything below it, and "*" alone grants every permission.
//
// # Usage
//
//	q, err := rbac.Parse(raw)
//	if err != nil {
//	    return err // *rbac.SchemaError
//	}
//	if err := rbac.Validate(q); err != nil {
//	    return err
//	}
//	res := rbac.Evaluate(q, key.Permissions)
//	if !res.Valid {
//	    log.Println(res.Message)
//	}
package rbac
