package httpapi

import (
	"encoding/json"
	"time"

	"github.com/vyrodovalexey/avakeys/internal/keys"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit"
	"github.com/vyrodovalexey/avakeys/internal/rbac"
)

// VerifyKeyRequest is the body of the verification routes.
type VerifyKeyRequest struct {
	Key         string             `json:"key"`
	ApiID       string             `json:"apiId,omitempty"`
	Permissions json.RawMessage    `json:"permissions,omitempty"`
	Ratelimits  []RatelimitRequest `json:"ratelimits,omitempty"`
	Credits     *CreditsRequest    `json:"credits,omitempty"`
}

// RatelimitRequest names a limit to apply during verification. Limit and
// Duration given together define the limit inline.
type RatelimitRequest struct {
	Name     string `json:"name"`
	Cost     *int64 `json:"cost,omitempty"`
	Limit    int64  `json:"limit,omitempty"`
	Duration int64  `json:"duration,omitempty"`
}

// CreditsRequest overrides the credits spent by a verification.
type CreditsRequest struct {
	Cost int64 `json:"cost"`
}

// VerifyKeyResponse is the in-band verification outcome.
type VerifyKeyResponse struct {
	Valid                 bool                 `json:"valid"`
	Code                  string               `json:"code,omitempty"`
	KeyID                 string               `json:"keyId,omitempty"`
	Name                  string               `json:"name,omitempty"`
	OwnerID               *string              `json:"ownerId,omitempty"`
	Meta                  map[string]any       `json:"meta,omitempty"`
	Expires               *int64               `json:"expires,omitempty"`
	Remaining             *int64               `json:"remaining,omitempty"`
	Ratelimit             *keys.RatelimitState `json:"ratelimit,omitempty"`
	Enabled               *bool                `json:"enabled,omitempty"`
	Permissions           []string             `json:"permissions,omitempty"`
	Identity              *IdentityResponse    `json:"identity,omitempty"`
	AuthorizedWorkspaceID string               `json:"authorizedWorkspaceId,omitempty"`
}

// IdentityResponse is the identity of a valid key.
type IdentityResponse struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
}

// LimitRequest is the body of the standalone rate limit route.
type LimitRequest struct {
	Namespace  string `json:"namespace"`
	Identifier string `json:"identifier"`
	Limit      int64  `json:"limit"`
	Duration   int64  `json:"duration"`
	Cost       *int64 `json:"cost,omitempty"`
	Async      bool   `json:"async,omitempty"`
}

// LimitResponse is the answer of the standalone rate limit route.
type LimitResponse struct {
	Success   bool  `json:"success"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// InvalidateRequest names the cached records to drop.
type InvalidateRequest struct {
	Hash  string `json:"hash,omitempty"`
	ApiID string `json:"apiId,omitempty"`
}

func (r *VerifyKeyRequest) toService(requestID, ip, userAgent, region string) (keys.VerifyRequest, error) {
	if r.Key == "" {
		return keys.VerifyRequest{}, badRequest("key is required", nil)
	}

	req := keys.VerifyRequest{
		Key:       r.Key,
		ApiID:     r.ApiID,
		IP:        ip,
		UserAgent: userAgent,
		Region:    region,
		RequestID: requestID,
	}

	if len(r.Permissions) > 0 && string(r.Permissions) != "null" {
		q, err := rbac.Parse(r.Permissions)
		if err != nil {
			return keys.VerifyRequest{}, err
		}
		req.Permissions = q
	}

	for _, rl := range r.Ratelimits {
		if rl.Name == "" {
			return keys.VerifyRequest{}, badRequest("ratelimits[].name is required", nil)
		}
		cost := int64(1)
		if rl.Cost != nil {
			cost = *rl.Cost
		}
		if cost < 0 {
			return keys.VerifyRequest{}, badRequest("ratelimits[].cost must not be negative", nil)
		}
		req.Ratelimits = append(req.Ratelimits, ratelimit.Requested{
			Name:     rl.Name,
			Cost:     cost,
			Limit:    rl.Limit,
			Duration: time.Duration(rl.Duration) * time.Millisecond,
		})
	}

	if r.Credits != nil {
		if r.Credits.Cost < 0 {
			return keys.VerifyRequest{}, badRequest("credits.cost must not be negative", nil)
		}
		cost := r.Credits.Cost
		req.Credits = &cost
	}
	return req, nil
}

func (r *LimitRequest) toService(requestID string) (keys.RatelimitRequest, error) {
	if r.Duration <= 0 {
		return keys.RatelimitRequest{}, badRequest("duration must be a positive number of milliseconds", nil)
	}
	cost := int64(1)
	if r.Cost != nil {
		cost = *r.Cost
	}
	return keys.RatelimitRequest{
		Namespace:  r.Namespace,
		Identifier: r.Identifier,
		Limit:      r.Limit,
		Duration:   time.Duration(r.Duration) * time.Millisecond,
		Cost:       cost,
		Async:      r.Async,
		RequestID:  requestID,
	}, nil
}

func toVerifyResponse(result keys.Result) VerifyKeyResponse {
	switch r := result.(type) {
	case keys.Valid:
		resp := keyFields(r.Key.ID, r.Key.Name, r.Key.OwnerID, r.Key.Meta, r.Key.Expires, r.Key.Enabled)
		resp.Valid = true
		resp.Remaining = r.Remaining
		resp.Ratelimit = r.Ratelimit
		resp.Permissions = r.Permissions
		resp.AuthorizedWorkspaceID = r.AuthorizedWorkspaceID
		if r.Identity != nil {
			resp.Identity = &IdentityResponse{ID: r.Identity.ID, ExternalID: r.Identity.ExternalID}
		}
		return resp
	case keys.Invalid:
		resp := keyFields(r.Key.ID, r.Key.Name, r.Key.OwnerID, r.Key.Meta, r.Key.Expires, r.Key.Enabled)
		resp.Code = string(r.Code)
		resp.Remaining = r.Remaining
		resp.Ratelimit = r.Ratelimit
		resp.Permissions = r.Permissions
		return resp
	default:
		return VerifyKeyResponse{Code: string(keys.CodeNotFound)}
	}
}

func keyFields(id, name string, ownerID *string, meta map[string]any, expires *time.Time, enabled bool) VerifyKeyResponse {
	resp := VerifyKeyResponse{
		KeyID:   id,
		Name:    name,
		OwnerID: ownerID,
		Meta:    meta,
		Enabled: &enabled,
	}
	if expires != nil {
		ms := expires.UnixMilli()
		resp.Expires = &ms
	}
	return resp
}
