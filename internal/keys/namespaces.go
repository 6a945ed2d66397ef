package keys

import (
	"github.com/vyrodovalexey/avakeys/internal/cache"
	"github.com/vyrodovalexey/avakeys/internal/store"
)

// Cache namespaces with their value types.
var (
	KeyByHash             = cache.MustNamespace[store.VerificationKey](cache.KeyByHash)
	ApiByID               = cache.MustNamespace[store.Api](cache.ApiByID)
	RatelimitByIdentifier = cache.MustNamespace[store.RatelimitOverride](cache.RatelimitByIdentifier)
)

func overrideCacheKey(namespace, identifier string) string {
	return namespace + ":" + identifier
}
