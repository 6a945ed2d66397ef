// Package keys verifies API keys.
//
// Verify runs a fixed cascade of checks against the cached key record and
// stops at the first one that decides the outcome. Ordinary outcomes are
// reported as a Result; only conditions the caller must treat differently
// (lookup failures, malformed queries, disabled workspaces, bugs) are
// returned as errors.
package keys

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avakeys/internal/analytics"
	"github.com/vyrodovalexey/avakeys/internal/cache"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit"
	"github.com/vyrodovalexey/avakeys/internal/rbac"
	"github.com/vyrodovalexey/avakeys/internal/store"
	"github.com/vyrodovalexey/avakeys/internal/usagelimit"
)

const tracerName = "avakeys/keys"

// Ratelimiter is the rate limiter used by the Service.
type Ratelimiter interface {
	Limit(ctx context.Context, req ratelimit.Request) (ratelimit.Response, error)
}

// UsageLimiter is the usage limiter used by the Service.
type UsageLimiter interface {
	Limit(ctx context.Context, keyID string, cost int64) (usagelimit.Response, error)
	Forget(keyID string)
}

// EventEmitter records analytics events off the request path.
type EventEmitter interface {
	Emit(ctx context.Context, e analytics.Event)
}

// Store is the part of the durable store the Service reads.
type Store interface {
	store.KeyStore
	store.ApiStore
	store.IdentityStore
}

// Deps are the collaborators of a Service.
type Deps struct {
	Cache       *cache.Tiered
	Store       Store
	Ratelimiter Ratelimiter
	Usage       UsageLimiter
	Analytics   EventEmitter
	Logger      observability.Logger
	Clock       func() time.Time
}

// Service verifies keys.
type Service struct {
	cache     *cache.Tiered
	store     Store
	ratelimit Ratelimiter
	usage     UsageLimiter
	analytics EventEmitter
	logger    observability.Logger
	now       func() time.Time
	tracer    trace.Tracer
	metrics   *Metrics
}

// NewService creates a Service. Cache, Store, Ratelimiter and Usage are required.
func NewService(deps Deps) *Service {
	s := &Service{
		cache:     deps.Cache,
		store:     deps.Store,
		ratelimit: deps.Ratelimiter,
		usage:     deps.Usage,
		analytics: deps.Analytics,
		logger:    deps.Logger,
		now:       deps.Clock,
		tracer:    otel.Tracer(tracerName),
		metrics:   GetMetrics(),
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.analytics == nil {
		s.analytics = nopEmitter{}
	}
	return s
}

// VerifyRequest is the input of Verify.
type VerifyRequest struct {
	Key         string
	ApiID       string
	IP          string
	UserAgent   string
	Region      string
	RequestID   string
	Permissions *rbac.Query
	Ratelimits  []ratelimit.Requested
	// Credits spent from the key's remaining counter. Nil spends one.
	Credits *int64
}

// Verify checks the key in req.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (result Result, err error) {
	ctx, span := s.tracer.Start(ctx, "keys.Verify", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := time.Now()
	hash := Hash(req.Key)
	var keyID string

	defer func() {
		if v := recover(); v != nil {
			err = &InternalError{Value: v, Stack: debug.Stack()}
			result = nil
		}
		if err != nil {
			var internal *InternalError
			if errors.As(err, &internal) {
				s.logger.WithContext(ctx).Error("panic during key verification",
					observability.String("keyId", keyID),
					observability.String("hash", hashPrefix(hash)),
					observability.Any("panic", internal.Value),
					observability.String("stack", string(internal.Stack)))
			}
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			s.metrics.observe("error", time.Since(start))
			return
		}
		outcome := outcomeLabel(result)
		span.SetAttributes(attribute.String("keys.outcome", outcome))
		s.metrics.observe(outcome, time.Since(start))
	}()

	vk, err := cache.WithCache(ctx, s.cache, KeyByHash, hash, func(ctx context.Context) (*store.VerificationKey, error) {
		return s.store.FindKeyByHash(ctx, hash)
	})
	if err != nil {
		s.logger.WithContext(ctx).Error("failed to load key",
			observability.String("hash", hashPrefix(hash)),
			observability.Error(err))
		return nil, &FetchError{Retryable: true, Err: err}
	}
	if vk == nil {
		return NotFound{}, nil
	}
	keyID = vk.Key.ID
	span.SetAttributes(attribute.String("keys.key_id", keyID))

	result, err = s.cascade(ctx, req, vk)
	if err != nil {
		var schema *SchemaError
		var unknown *UnknownRatelimitError
		var disabled *DisabledWorkspaceError
		if !errors.As(err, &schema) && !errors.As(err, &unknown) && !errors.As(err, &disabled) {
			s.logger.WithContext(ctx).Error("key verification failed",
				observability.String("keyId", keyID),
				observability.String("hash", hashPrefix(hash)),
				observability.Error(err))
		}
		return nil, err
	}

	s.emitVerification(ctx, req, vk, result)
	return result, nil
}

// cascade runs the checks after the key was found.
func (s *Service) cascade(ctx context.Context, req VerifyRequest, vk *store.VerificationKey) (Result, error) {
	key := vk.Key
	now := s.now()

	if !vk.Workspace.Enabled {
		return nil, &DisabledWorkspaceError{WorkspaceID: vk.Workspace.ID}
	}
	if vk.ForWorkspace != nil && !vk.ForWorkspace.Enabled {
		return nil, &DisabledWorkspaceError{WorkspaceID: vk.ForWorkspace.ID}
	}

	// expiry is checked before the enabled flag: an expired key is reported
	// as not found whatever else is wrong with it
	if key.IsExpired(now) {
		return NotFound{}, nil
	}
	if !key.Enabled {
		return s.invalid(CodeDisabled, vk), nil
	}
	if req.ApiID != "" && req.ApiID != vk.Api.ID {
		return s.invalid(CodeForbidden, vk), nil
	}

	api, err := s.api(ctx, vk)
	if err != nil {
		return nil, err
	}
	if len(api.IPWhitelist) > 0 && (req.IP == "" || !ipAllowed(req.IP, api.IPWhitelist)) {
		return s.invalid(CodeForbidden, vk), nil
	}

	if req.Permissions != nil {
		if err := rbac.Validate(req.Permissions); err != nil {
			var schema *rbac.SchemaError
			if errors.As(err, &schema) {
				return nil, &SchemaError{Err: schema}
			}
			return nil, err
		}
		if res := rbac.Evaluate(req.Permissions, vk.Permissions); !res.Valid {
			s.logger.WithContext(ctx).Debug("insufficient permissions",
				observability.String("keyId", key.ID),
				observability.String("reason", res.Message))
			return s.invalid(CodeInsufficientPermissions, vk), nil
		}
	}

	state, passed, err := s.enforceRatelimits(ctx, req, vk)
	if err != nil {
		return nil, err
	}
	if !passed {
		inv := s.invalid(CodeRateLimited, vk)
		inv.Ratelimit = state
		return inv, nil
	}

	var remaining *int64
	if key.Remaining != nil {
		cost := int64(1)
		if req.Credits != nil {
			cost = *req.Credits
		}
		usage, err := s.usage.Limit(ctx, key.ID, cost)
		if err != nil {
			return nil, &FetchError{Retryable: true, Err: err}
		}
		if !usage.Valid {
			inv := s.invalid(CodeUsageExceeded, vk)
			inv.Ratelimit = state
			inv.Remaining = ptr(0)
			return inv, nil
		}
		remaining = usage.Remaining
	}

	authorized := key.WorkspaceID
	if key.ForWorkspaceID != nil {
		authorized = *key.ForWorkspaceID
	}

	return Valid{
		Key:                   key,
		Api:                   api,
		Identity:              vk.Identity,
		Ratelimit:             state,
		Remaining:             remaining,
		IsRootKey:             key.ForWorkspaceID != nil,
		AuthorizedWorkspaceID: authorized,
		Permissions:           vk.Permissions,
	}, nil
}

// invalid builds a rejection. Remaining is left unset: the credit count on
// the cached record is not the live one, and only the usage step knows it.
func (s *Service) invalid(code Code, vk *store.VerificationKey) Invalid {
	return Invalid{
		Code:        code,
		Key:         vk.Key,
		Api:         vk.Api,
		Permissions: vk.Permissions,
	}
}

// api returns the current API record. It is cached on its own so that a
// change to an API reaches every key of it with a single invalidation.
func (s *Service) api(ctx context.Context, vk *store.VerificationKey) (store.Api, error) {
	api, err := cache.WithCache(ctx, s.cache, ApiByID, vk.Api.ID, func(ctx context.Context) (*store.Api, error) {
		return s.store.FindApi(ctx, vk.Api.ID)
	})
	if err != nil {
		return store.Api{}, &FetchError{Retryable: true, Err: err}
	}
	if api == nil {
		return vk.Api, nil
	}
	return *api, nil
}

// enforceRatelimits applies the legacy limit of the key and the resolved
// named limits in order, stopping at the first rejection. Backend failures
// reject. Stored limits that cannot be enforced are skipped. Root key
// limits are counted per edge region.
func (s *Service) enforceRatelimits(ctx context.Context, req VerifyRequest, vk *store.VerificationKey) (*RatelimitState, bool, error) {
	var identityID string
	var identityLimits []store.Ratelimit
	if vk.Identity != nil {
		identityID = vk.Identity.ID
		identityLimits = vk.Identity.Ratelimits
	}

	resolved, err := ratelimit.Resolve(req.Ratelimits, vk.Key.Ratelimits, identityLimits)
	if err != nil {
		var unknown *ratelimit.UnknownLimitError
		if errors.As(err, &unknown) {
			return nil, false, &UnknownRatelimitError{Name: unknown.Name}
		}
		return nil, false, err
	}
	if vk.Key.Ratelimit != nil {
		resolved = append([]ratelimit.Resolved{ratelimit.Legacy(vk.Key.Ratelimit, 1)}, resolved...)
	}

	var shard string
	if vk.Key.ForWorkspaceID != nil {
		shard = req.Region
	}

	var state *RatelimitState
	for _, r := range resolved {
		rlReq := r.Request(vk.Key.ID, identityID)
		rlReq.Shard = shard
		if err := rlReq.Validate(); err != nil {
			s.logger.WithContext(ctx).Warn("skipping unusable stored rate limit",
				observability.String("keyId", vk.Key.ID),
				observability.String("ratelimit", r.Name),
				observability.Error(err))
			continue
		}
		resp, err := s.ratelimit.Limit(ctx, rlReq)
		if err != nil {
			s.logger.WithContext(ctx).Error("rate limit check failed, rejecting",
				observability.String("keyId", vk.Key.ID),
				observability.String("ratelimit", r.Name),
				observability.Error(err))
			return &RatelimitState{Limit: r.Limit, Remaining: 0, Reset: s.now().Add(r.Duration).UnixMilli()}, false, nil
		}
		current := &RatelimitState{Limit: resp.Limit, Remaining: resp.Remaining, Reset: resp.Reset}
		if !resp.Pass {
			return current, false, nil
		}
		if state == nil || current.Remaining < state.Remaining {
			state = current
		}
	}
	return state, true, nil
}

func (s *Service) emitVerification(ctx context.Context, req VerifyRequest, vk *store.VerificationKey, result Result) {
	ev := &analytics.VerificationEvent{
		RequestID:   req.RequestID,
		WorkspaceID: vk.Key.WorkspaceID,
		ApiID:       vk.Api.ID,
		KeyID:       vk.Key.ID,
		IP:          req.IP,
		UserAgent:   req.UserAgent,
		Region:      req.Region,
	}
	if vk.Key.OwnerID != nil {
		ev.OwnerID = *vk.Key.OwnerID
	}
	switch r := result.(type) {
	case NotFound:
		ev.DeniedReason = string(CodeNotFound)
	case Invalid:
		ev.DeniedReason = string(r.Code)
	}
	s.analytics.Emit(ctx, ev)
}

// Invalidate drops the cached record of the key with the given hash and the
// in-memory usage state of that key.
func (s *Service) Invalidate(ctx context.Context, hash, actor string) {
	if vk, found := cache.Peek(ctx, s.cache, KeyByHash, hash); found && vk != nil {
		s.usage.Forget(vk.Key.ID)
		s.logger.WithContext(ctx).Info("invalidated cached key", observability.String("keyId", vk.Key.ID))
	}
	cache.Remove(ctx, s.cache, KeyByHash, hash)

	s.analytics.Emit(ctx, &analytics.AuditEvent{
		Actor:    actor,
		Action:   "key.invalidate",
		Resource: "keyHash:" + hashPrefix(hash),
	})
}

// InvalidateApi drops the cached record of an API.
func (s *Service) InvalidateApi(ctx context.Context, apiID, actor string) {
	cache.Remove(ctx, s.cache, ApiByID, apiID)
	s.analytics.Emit(ctx, &analytics.AuditEvent{
		Actor:    actor,
		Action:   "api.invalidate",
		Resource: "api:" + apiID,
	})
}

// RatelimitRequest is the input of Ratelimit.
type RatelimitRequest struct {
	Namespace  string
	Identifier string
	Limit      int64
	Duration   time.Duration
	Cost       int64
	Async      bool
	RequestID  string
}

// Ratelimit applies a free-form limit to identifier within namespace. An
// override stored for the pair replaces the requested limit.
func (s *Service) Ratelimit(ctx context.Context, req RatelimitRequest) (ratelimit.Response, error) {
	if req.Namespace == "" || req.Identifier == "" {
		return ratelimit.Response{}, fmt.Errorf("%w: namespace and identifier are required", ratelimit.ErrInvalidRequest)
	}

	override, err := cache.WithCache(ctx, s.cache, RatelimitByIdentifier, overrideCacheKey(req.Namespace, req.Identifier),
		func(ctx context.Context) (*store.RatelimitOverride, error) {
			return s.store.FindRatelimitOverride(ctx, req.Namespace, req.Identifier)
		})
	if err != nil {
		return ratelimit.Response{}, &FetchError{Retryable: true, Err: err}
	}

	limit := ratelimit.Request{
		Identifier: "ns:" + req.Namespace + ":" + req.Identifier,
		Limit:      req.Limit,
		Interval:   req.Duration,
		Cost:       req.Cost,
		Async:      req.Async,
	}
	if override != nil {
		limit.Limit = override.Limit
		limit.Interval = time.Duration(override.DurationMs) * time.Millisecond
		limit.Async = override.Async
	}

	resp, err := s.ratelimit.Limit(ctx, limit)
	if err != nil {
		return ratelimit.Response{}, err
	}

	s.analytics.Emit(ctx, &analytics.RatelimitEvent{
		RequestID:  req.RequestID,
		Namespace:  req.Namespace,
		Identifier: req.Identifier,
		Passed:     resp.Pass,
		Limit:      resp.Limit,
		Remaining:  resp.Remaining,
		Reset:      resp.Reset,
		Async:      limit.Async,
	})
	return resp, nil
}

func outcomeLabel(r Result) string {
	switch v := r.(type) {
	case Valid:
		return "VALID"
	case Invalid:
		return string(v.Code)
	default:
		return string(CodeNotFound)
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, analytics.Event) {}

func ptr(v int64) *int64 { return &v }
