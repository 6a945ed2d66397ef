package keys

import (
	"github.com/vyrodovalexey/avakeys/internal/store"
)

// Code explains why a key was not valid.
type Code string

// Codes returned in Invalid results.
const (
	CodeNotFound                Code = "NOT_FOUND"
	CodeForbidden               Code = "FORBIDDEN"
	CodeUsageExceeded           Code = "USAGE_EXCEEDED"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeDisabled                Code = "DISABLED"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
)

// Result is the outcome of a verification: NotFound, Invalid or Valid.
type Result interface {
	isResult()
}

// NotFound means no usable key matches the secret. Expired keys report
// NotFound as well.
type NotFound struct{}

// RatelimitState is the window reported with a verification.
type RatelimitState struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// Invalid means the key exists but may not be used for this request.
type Invalid struct {
	Code        Code
	Key         store.Key
	Api         store.Api
	Ratelimit   *RatelimitState
	Remaining   *int64
	Permissions []string
}

// Valid means the key may be used.
type Valid struct {
	Key                   store.Key
	Api                   store.Api
	Identity              *store.Identity
	Ratelimit             *RatelimitState
	Remaining             *int64
	IsRootKey             bool
	AuthorizedWorkspaceID string
	Permissions           []string
}

func (NotFound) isResult() {}
func (Invalid) isResult()  {}
func (Valid) isResult()    {}
