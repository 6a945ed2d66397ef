package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avakeys/internal/store"
)

// ErrUnknownLimit is wrapped by UnknownLimitError.
var ErrUnknownLimit = errors.New("unknown rate limit")

// UnknownLimitError reports a requested limit that is neither configured
// nor given inline.
type UnknownLimitError struct {
	Name string
}

func (e *UnknownLimitError) Error() string {
	return fmt.Sprintf("ratelimit %q was requested but does not exist for key or identity", e.Name)
}

func (e *UnknownLimitError) Unwrap() error { return ErrUnknownLimit }

// Owner tells whose window a resolved limit counts against.
type Owner int

// Owners.
const (
	OwnerKey Owner = iota
	OwnerIdentity
)

func (o Owner) String() string {
	if o == OwnerIdentity {
		return "identity"
	}
	return "key"
}

// Requested is a limit named by a verification request. Limit and Duration
// together define the limit inline instead of looking it up.
type Requested struct {
	Name     string
	Cost     int64
	Limit    int64
	Duration time.Duration
}

func (r Requested) inline() bool {
	return r.Limit > 0 && r.Duration > 0
}

// Resolved is a limit to enforce.
type Resolved struct {
	Name     string
	Owner    Owner
	Limit    int64
	Duration time.Duration
	Cost     int64
	Async    bool
}

// Identifier returns the window identifier for the limit given the key and
// identity ids.
func (r Resolved) Identifier(keyID, identityID string) string {
	owner := keyID
	if r.Owner == OwnerIdentity {
		owner = identityID
	}
	return r.Owner.String() + ":" + owner + ":" + r.Name
}

// Resolve picks the limits to enforce. Requested names are looked up on the
// key first, then on the identity. Limits marked AutoApply are added with a
// cost of 1 unless already requested, key limits shadowing identity limits
// of the same name.
func Resolve(requested []Requested, keyLimits, identityLimits []store.Ratelimit) ([]Resolved, error) {
	seen := make(map[string]struct{}, len(requested))
	out := make([]Resolved, 0, len(requested))

	for _, r := range requested {
		if r.Name == "" {
			return nil, fmt.Errorf("%w: ratelimit name is required", ErrInvalidRequest)
		}
		if r.Cost < 0 {
			return nil, fmt.Errorf("%w: cost of %q must not be negative", ErrInvalidRequest, r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			continue
		}
		seen[r.Name] = struct{}{}

		if r.inline() {
			out = append(out, Resolved{Name: r.Name, Owner: OwnerKey, Limit: r.Limit, Duration: r.Duration, Cost: r.Cost})
			continue
		}
		if rl, ok := find(keyLimits, r.Name); ok {
			out = append(out, Resolved{Name: r.Name, Owner: OwnerKey, Limit: rl.Limit, Duration: rl.Duration(), Cost: r.Cost})
			continue
		}
		if rl, ok := find(identityLimits, r.Name); ok {
			out = append(out, Resolved{Name: r.Name, Owner: OwnerIdentity, Limit: rl.Limit, Duration: rl.Duration(), Cost: r.Cost})
			continue
		}
		return nil, &UnknownLimitError{Name: r.Name}
	}

	for owner, limits := range [][]store.Ratelimit{keyLimits, identityLimits} {
		for _, rl := range limits {
			if !rl.AutoApply {
				continue
			}
			if _, ok := seen[rl.Name]; ok {
				continue
			}
			seen[rl.Name] = struct{}{}
			out = append(out, Resolved{Name: rl.Name, Owner: Owner(owner), Limit: rl.Limit, Duration: rl.Duration(), Cost: 1})
		}
	}

	return out, nil
}

// Legacy converts the single limit stored on a key. Consistent limits are
// enforced synchronously, fast limits asynchronously.
func Legacy(rl *store.KeyRatelimit, cost int64) Resolved {
	return Resolved{
		Name:     "default",
		Owner:    OwnerKey,
		Limit:    rl.Limit,
		Duration: time.Duration(rl.RefillInterval) * time.Millisecond,
		Cost:     cost,
		Async:    rl.Type == store.RatelimitTypeFast,
	}
}

// Request builds the limiter request for r.
func (r Resolved) Request(keyID, identityID string) Request {
	return Request{
		Identifier: r.Identifier(keyID, identityID),
		Limit:      r.Limit,
		Interval:   r.Duration,
		Cost:       r.Cost,
		Async:      r.Async,
	}
}

func find(limits []store.Ratelimit, name string) (store.Ratelimit, bool) {
	for _, rl := range limits {
		if rl.Name == name {
			return rl, true
		}
	}
	return store.Ratelimit{}, false
}
