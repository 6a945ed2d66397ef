package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore keeps every record in process memory. It backs development
// runs and tests.
type MemoryStore struct {
	mu              sync.RWMutex
	workspaces      map[string]Workspace
	apis            map[string]Api
	identities      map[string]Identity
	keys            map[string]*Key
	keyIDByHash     map[string]string
	keyPermissions  map[string][]string
	keyRoles        map[string][]string
	rolePermissions map[string][]string
	overrides       map[string]RatelimitOverride
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:      make(map[string]Workspace),
		apis:            make(map[string]Api),
		identities:      make(map[string]Identity),
		keys:            make(map[string]*Key),
		keyIDByHash:     make(map[string]string),
		keyPermissions:  make(map[string][]string),
		keyRoles:        make(map[string][]string),
		rolePermissions: make(map[string][]string),
		overrides:       make(map[string]RatelimitOverride),
	}
}

// PutWorkspace inserts or replaces a workspace.
func (s *MemoryStore) PutWorkspace(w Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[w.ID] = w
}

// PutApi inserts or replaces an API.
func (s *MemoryStore) PutApi(a Api) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apis[a.ID] = a
}

// PutIdentity inserts or replaces an identity.
func (s *MemoryStore) PutIdentity(i Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[i.ID] = i
}

// PutKey inserts or replaces a key. The key hash must be unique.
func (s *MemoryStore) PutKey(k Key) error {
	if k.ID == "" || k.Hash == "" {
		return fmt.Errorf("%w: key needs an id and a hash", ErrInvalidRecord)
	}
	if rl := k.Ratelimit; rl != nil && (rl.Limit < 0 || rl.RefillInterval <= 0) {
		return fmt.Errorf("%w: ratelimit of key %s needs a positive refill interval", ErrInvalidRecord, k.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if other, ok := s.keyIDByHash[k.Hash]; ok && other != k.ID {
		return fmt.Errorf("%w: hash already used by key %s", ErrInvalidRecord, other)
	}
	if prev, ok := s.keys[k.ID]; ok && prev.Hash != k.Hash {
		delete(s.keyIDByHash, prev.Hash)
	}

	stored := k
	s.keys[k.ID] = &stored
	s.keyIDByHash[k.Hash] = k.ID
	return nil
}

// GrantPermissions attaches permissions directly to a key.
func (s *MemoryStore) GrantPermissions(keyID string, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyPermissions[keyID] = append(s.keyPermissions[keyID], permissions...)
}

// PutRole defines a role and the permissions it carries.
func (s *MemoryStore) PutRole(role string, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolePermissions[role] = append([]string(nil), permissions...)
}

// AssignRoles attaches roles to a key.
func (s *MemoryStore) AssignRoles(keyID string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyRoles[keyID] = append(s.keyRoles[keyID], roles...)
}

// PutRatelimitOverride inserts or replaces an override.
func (s *MemoryStore) PutRatelimitOverride(o RatelimitOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[overrideKey(o.Namespace, o.Identifier)] = o
}

// SetRemaining changes the remaining credits of a key. A nil value makes
// the key unlimited.
func (s *MemoryStore) SetRemaining(keyID string, remaining *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[keyID]; ok {
		k.Remaining = copyInt64(remaining)
	}
}

// FindKeyByHash implements KeyStore.
func (s *MemoryStore) FindKeyByHash(_ context.Context, hash string) (*VerificationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keyIDByHash[hash]
	if !ok {
		return nil, nil
	}
	k := s.keys[id]
	if k.DeletedAt != nil {
		return nil, nil
	}
	api, ok := s.apis[k.ApiID]
	if !ok {
		return nil, nil
	}
	ws, ok := s.workspaces[k.WorkspaceID]
	if !ok {
		return nil, nil
	}

	vk := &VerificationKey{
		Key:       copyKey(k),
		Api:       api,
		Workspace: ws,
	}
	if k.ForWorkspaceID != nil {
		if fw, ok := s.workspaces[*k.ForWorkspaceID]; ok {
			vk.ForWorkspace = &fw
		}
	}
	if k.IdentityID != nil {
		if identity, ok := s.identities[*k.IdentityID]; ok {
			vk.Identity = &identity
		}
	}

	perms := make(map[string]struct{})
	for _, p := range s.keyPermissions[id] {
		perms[p] = struct{}{}
	}
	for _, role := range s.keyRoles[id] {
		for _, p := range s.rolePermissions[role] {
			perms[p] = struct{}{}
		}
	}
	vk.Permissions = sortedKeys(perms)
	if roles := s.keyRoles[id]; len(roles) > 0 {
		vk.Roles = append([]string(nil), roles...)
		sort.Strings(vk.Roles)
	}

	return vk, nil
}

// GetRemaining implements UsageStore.
func (s *MemoryStore) GetRemaining(_ context.Context, keyID string) (*int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[keyID]
	if !ok || k.DeletedAt != nil {
		return nil, false, nil
	}
	return copyInt64(k.Remaining), true, nil
}

// DecrementRemaining implements UsageStore.
func (s *MemoryStore) DecrementRemaining(_ context.Context, keyID string, cost int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok || k.Remaining == nil || *k.Remaining <= 0 {
		return nil
	}
	next := max(*k.Remaining-cost, 0)
	k.Remaining = &next
	return nil
}

// FindApi implements ApiStore.
func (s *MemoryStore) FindApi(_ context.Context, id string) (*Api, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	api, ok := s.apis[id]
	if !ok {
		return nil, nil
	}
	return &api, nil
}

// FindRatelimitOverride implements IdentityStore.
func (s *MemoryStore) FindRatelimitOverride(_ context.Context, namespace, identifier string) (*RatelimitOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[overrideKey(namespace, identifier)]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Seed is the YAML document accepted by LoadSeed.
type Seed struct {
	Workspaces []Workspace         `yaml:"workspaces"`
	Apis       []Api               `yaml:"apis"`
	Identities []Identity          `yaml:"identities"`
	Roles      map[string][]string `yaml:"roles"`
	Keys       []SeedKey           `yaml:"keys"`
	Overrides  []RatelimitOverride `yaml:"overrides"`
}

// SeedKey is a key with its grants. Secret may replace Hash for local
// development; it is hashed on load and never stored.
type SeedKey struct {
	Key         `yaml:",inline"`
	Secret      string   `yaml:"secret,omitempty"`
	Permissions []string `yaml:"permissions"`
	Roles       []string `yaml:"roles"`
}

// LoadSeed populates the store from a YAML seed document.
func (s *MemoryStore) LoadSeed(r io.Reader) error {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return fmt.Errorf("decode seed: %w", err)
	}

	for _, w := range seed.Workspaces {
		s.PutWorkspace(w)
	}
	for _, a := range seed.Apis {
		s.PutApi(a)
	}
	for _, i := range seed.Identities {
		s.PutIdentity(i)
	}
	for role, perms := range seed.Roles {
		s.PutRole(role, perms...)
	}
	for _, k := range seed.Keys {
		if k.Hash == "" && k.Secret != "" {
			sum := sha256.Sum256([]byte(k.Secret))
			k.Hash = hex.EncodeToString(sum[:])
		}
		if err := s.PutKey(k.Key); err != nil {
			return fmt.Errorf("seed key %s: %w", k.ID, err)
		}
		s.GrantPermissions(k.ID, k.Permissions...)
		s.AssignRoles(k.ID, k.Roles...)
	}
	for _, o := range seed.Overrides {
		s.PutRatelimitOverride(o)
	}
	return nil
}

func overrideKey(namespace, identifier string) string {
	return namespace + "\x00" + identifier
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyKey(k *Key) Key {
	c := *k
	c.Remaining = copyInt64(k.Remaining)
	if k.Meta != nil {
		c.Meta = make(map[string]any, len(k.Meta))
		for name, v := range k.Meta {
			c.Meta[name] = v
		}
	}
	c.Ratelimits = append([]Ratelimit(nil), k.Ratelimits...)
	return c
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
