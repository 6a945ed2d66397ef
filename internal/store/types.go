package store

import "time"

// Ratelimit types of the legacy single limit on a key.
const (
	RatelimitTypeFast       = "fast"
	RatelimitTypeConsistent = "consistent"
)

// Workspace owns keys and APIs.
type Workspace struct {
	ID      string `json:"id" yaml:"id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Api is the API a key is scoped to.
type Api struct {
	ID          string   `json:"id" yaml:"id"`
	WorkspaceID string   `json:"workspaceId" yaml:"workspaceId"`
	Name        string   `json:"name" yaml:"name"`
	IPWhitelist []string `json:"ipWhitelist,omitempty" yaml:"ipWhitelist,omitempty"`
}

// KeyRatelimit is the single limit a key may carry directly.
type KeyRatelimit struct {
	Type           string `json:"type" yaml:"type"`
	Limit          int64  `json:"limit" yaml:"limit"`
	RefillRate     int64  `json:"refillRate" yaml:"refillRate"`
	RefillInterval int64  `json:"refillInterval" yaml:"refillInterval"`
}

// Ratelimit is a named limit attached to a key or an identity.
type Ratelimit struct {
	Name       string `json:"name" yaml:"name"`
	Limit      int64  `json:"limit" yaml:"limit"`
	DurationMs int64  `json:"duration" yaml:"duration"`
	AutoApply  bool   `json:"autoApply" yaml:"autoApply"`
}

// Duration returns the window length of r.
func (r Ratelimit) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// Key is a stored API key. The secret itself is never stored, only its hash.
type Key struct {
	ID             string         `json:"id" yaml:"id"`
	WorkspaceID    string         `json:"workspaceId" yaml:"workspaceId"`
	ForWorkspaceID *string        `json:"forWorkspaceId,omitempty" yaml:"forWorkspaceId,omitempty"`
	ApiID          string         `json:"apiId" yaml:"apiId"`
	IdentityID     *string        `json:"identityId,omitempty" yaml:"identityId,omitempty"`
	Hash           string         `json:"hash" yaml:"hash"`
	Start          string         `json:"start,omitempty" yaml:"start,omitempty"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	OwnerID        *string        `json:"ownerId,omitempty" yaml:"ownerId,omitempty"`
	Meta           map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	Expires        *time.Time     `json:"expires,omitempty" yaml:"expires,omitempty"`
	Remaining      *int64         `json:"remaining,omitempty" yaml:"remaining,omitempty"`
	Ratelimit      *KeyRatelimit  `json:"ratelimit,omitempty" yaml:"ratelimit,omitempty"`
	Ratelimits     []Ratelimit    `json:"ratelimits,omitempty" yaml:"ratelimits,omitempty"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty" yaml:"deletedAt,omitempty"`
}

// IsExpired reports whether the key has an expiry at or before now.
func (k *Key) IsExpired(now time.Time) bool {
	return k.Expires != nil && !now.Before(*k.Expires)
}

// Identity groups keys of one external entity and may carry shared limits.
type Identity struct {
	ID         string      `json:"id" yaml:"id"`
	ExternalID string      `json:"externalId" yaml:"externalId"`
	Ratelimits []Ratelimit `json:"ratelimits,omitempty" yaml:"ratelimits,omitempty"`
}

// VerificationKey is everything verification needs about one key, loaded
// in a single store call and cached under the key hash.
type VerificationKey struct {
	Key          Key        `json:"key"`
	Api          Api        `json:"api"`
	Workspace    Workspace  `json:"workspace"`
	ForWorkspace *Workspace `json:"forWorkspace,omitempty"`
	Identity     *Identity  `json:"identity,omitempty"`
	Permissions  []string   `json:"permissions,omitempty"`
	Roles        []string   `json:"roles,omitempty"`
}

// RatelimitOverride replaces the requested limit for one identifier within
// a ratelimit namespace.
type RatelimitOverride struct {
	Namespace  string `json:"namespace" yaml:"namespace"`
	Identifier string `json:"identifier" yaml:"identifier"`
	Limit      int64  `json:"limit" yaml:"limit"`
	DurationMs int64  `json:"duration" yaml:"duration"`
	Async      bool   `json:"async" yaml:"async"`
}
