package cache

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Namespace names. The set is closed: adding a namespace is a code change.
const (
	KeyByHash             = "keyByHash"
	ApiByID               = "apiById"
	RatelimitByIdentifier = "ratelimitByIdentifier"
)

var (
	knownNamespaces = map[string]struct{}{
		KeyByHash:             {},
		ApiByID:               {},
		RatelimitByIdentifier: {},
	}

	boundMu    sync.Mutex
	boundTypes = map[string]reflect.Type{}
)

// Namespace is a logical partition whose values all have type V.
type Namespace[V any] struct {
	name string
}

// Name returns the namespace name.
func (n Namespace[V]) Name() string {
	return n.name
}

// MustNamespace binds name to the value type V. It panics if name is not a
// known namespace or is already bound to a different type.
func MustNamespace[V any](name string) Namespace[V] {
	if !IsNamespace(name) {
		panic(fmt.Sprintf("cache: unknown namespace %q", name))
	}

	typ := reflect.TypeOf((*V)(nil)).Elem()

	boundMu.Lock()
	defer boundMu.Unlock()
	if prev, ok := boundTypes[name]; ok && prev != typ {
		panic(fmt.Sprintf("cache: namespace %q already bound to %s, not %s", name, prev, typ))
	}
	boundTypes[name] = typ

	return Namespace[V]{name: name}
}

// IsNamespace reports whether name belongs to the namespace registry.
func IsNamespace(name string) bool {
	_, ok := knownNamespaces[name]
	return ok
}

// Namespaces returns the registered namespace names in sorted order.
func Namespaces() []string {
	names := make([]string, 0, len(knownNamespaces))
	for name := range knownNamespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
