package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/avakeys/internal/analytics"
	"github.com/vyrodovalexey/avakeys/internal/background"
	"github.com/vyrodovalexey/avakeys/internal/cache"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit/counter"
	"github.com/vyrodovalexey/avakeys/internal/rbac"
	"github.com/vyrodovalexey/avakeys/internal/store"
	"github.com/vyrodovalexey/avakeys/internal/usagelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingEmitter delivers events synchronously.
type recordingEmitter struct {
	mu     sync.Mutex
	events []analytics.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e analytics.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) verifications() []*analytics.VerificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*analytics.VerificationEvent
	for _, e := range r.events {
		if v, ok := e.(*analytics.VerificationEvent); ok {
			out = append(out, v)
		}
	}
	return out
}

type fixture struct {
	clock   *fakeClock
	store   *store.MemoryStore
	cache   *cache.Tiered
	runner  *background.Runner
	events  *recordingEmitter
	limiter *ratelimit.Limiter
	usage   *usagelimit.Limiter
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	runner := background.NewRunner()
	s := store.NewMemoryStore()
	s.PutWorkspace(store.Workspace{ID: "ws_1", Enabled: true})
	s.PutWorkspace(store.Workspace{ID: "ws_2", Enabled: true})
	s.PutApi(store.Api{ID: "api_1", WorkspaceID: "ws_1", Name: "payments"})

	tiers := []cache.Tier{cache.NewMemoryTier(cache.WithMemoryClock(clock.Now))}
	tiered := cache.NewTiered(tiers, cache.WithClock(clock.Now), cache.WithScheduler(runner))
	limiter := ratelimit.New(counter.NewMemoryBackend(counter.WithClock(clock.Now)),
		ratelimit.WithClock(clock.Now), ratelimit.WithScheduler(runner), ratelimit.WithActors(4))
	usage := usagelimit.New(s, usagelimit.WithScheduler(runner), usagelimit.WithClock(clock.Now))
	events := &recordingEmitter{}

	t.Cleanup(func() {
		_ = runner.Shutdown(context.Background())
		_ = limiter.Close()
		_ = tiered.Close()
	})

	return &fixture{
		clock:   clock,
		store:   s,
		cache:   tiered,
		runner:  runner,
		events:  events,
		limiter: limiter,
		usage:   usage,
		service: NewService(Deps{
			Cache:       tiered,
			Store:       s,
			Ratelimiter: limiter,
			Usage:       usage,
			Analytics:   events,
			Clock:       clock.Now,
		}),
	}
}

func (f *fixture) putKey(t *testing.T, secret string, k store.Key) {
	t.Helper()
	if k.ID == "" {
		k.ID = "key_" + secret
	}
	if k.WorkspaceID == "" {
		k.WorkspaceID = "ws_1"
	}
	if k.ApiID == "" {
		k.ApiID = "api_1"
	}
	k.Hash = Hash(secret)
	require.NoError(t, f.store.PutKey(k))
}

func (f *fixture) verify(t *testing.T, req VerifyRequest) Result {
	t.Helper()
	res, err := f.service.Verify(context.Background(), req)
	require.NoError(t, err)
	return res
}

func requireInvalid(t *testing.T, res Result, code Code) Invalid {
	t.Helper()
	inv, ok := res.(Invalid)
	require.True(t, ok, "expected Invalid, got %T", res)
	assert.Equal(t, code, inv.Code)
	return inv
}

func strPtr(s string) *string { return &s }
func int64Ptr(v int64) *int64 { return &v }

func TestVerify_ValidKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.putKey(t, "sk_valid", store.Key{Enabled: true, OwnerID: strPtr("user_1"), Meta: map[string]any{"plan": "pro"}})

	res := f.verify(t, VerifyRequest{Key: "sk_valid", IP: "1.2.3.4", Region: "eu-west"})
	valid, ok := res.(Valid)
	require.True(t, ok, "expected Valid, got %T", res)
	assert.Equal(t, "key_sk_valid", valid.Key.ID)
	assert.Equal(t, "payments", valid.Api.Name)
	assert.False(t, valid.IsRootKey)
	assert.Equal(t, "ws_1", valid.AuthorizedWorkspaceID)
	assert.Nil(t, valid.Remaining)
	assert.Nil(t, valid.Ratelimit)

	events := f.events.verifications()
	require.Len(t, events, 1)
	assert.Equal(t, "key_sk_valid", events[0].KeyID)
	assert.Equal(t, "user_1", events[0].OwnerID)
	assert.Equal(t, "eu-west", events[0].Region)
	assert.Empty(t, events[0].DeniedReason)
}

func TestVerify_RootKeyScope(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.putKey(t, "sk_root", store.Key{Enabled: true, ForWorkspaceID: strPtr("ws_2")})

	valid, ok := f.verify(t, VerifyRequest{Key: "sk_root"}).(Valid)
	require.True(t, ok)
	assert.True(t, valid.IsRootKey)
	assert.Equal(t, "ws_2", valid.AuthorizedWorkspaceID)
}

func TestVerify_UnknownKeyIsNegativelyCached(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.Equal(t, NotFound{}, f.verify(t, VerifyRequest{Key: "sk_nope"}))
	assert.Empty(t, f.events.verifications(), "unidentified keys emit no event")

	// a key created afterwards stays unknown until the negative entry expires
	f.putKey(t, "sk_nope", store.Key{Enabled: true})
	assert.Equal(t, NotFound{}, f.verify(t, VerifyRequest{Key: "sk_nope"}))

	f.service.Invalidate(context.Background(), Hash("sk_nope"), "test")
	_, ok := f.verify(t, VerifyRequest{Key: "sk_nope"}).(Valid)
	assert.True(t, ok)
}

func TestVerify_DisabledWorkspace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.PutWorkspace(store.Workspace{ID: "ws_off", Enabled: false})
	f.putKey(t, "sk_owner_off", store.Key{Enabled: true, WorkspaceID: "ws_off"})
	f.putKey(t, "sk_target_off", store.Key{Enabled: true, ForWorkspaceID: strPtr("ws_off")})

	for _, secret := range []string{"sk_owner_off", "sk_target_off"} {
		res, err := f.service.Verify(context.Background(), VerifyRequest{Key: secret})
		assert.Nil(t, res)
		var disabled *DisabledWorkspaceError
		require.ErrorAs(t, err, &disabled)
		assert.Equal(t, "ws_off", disabled.WorkspaceID)
		assert.ErrorIs(t, err, ErrDisabledWorkspace)
		assert.Equal(t, "workspace is disabled", err.Error())
	}
}

func TestVerify_CascadeOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.PutApi(store.Api{ID: "api_locked", WorkspaceID: "ws_1", IPWhitelist: []string{"10.0.0.1"}})
	past := f.clock.Now().Add(-time.Hour)

	f.putKey(t, "sk_everything_wrong", store.Key{Enabled: false, Expires: &past, ApiID: "api_locked"})
	f.putKey(t, "sk_disabled_locked", store.Key{Enabled: false, ApiID: "api_locked"})
	f.putKey(t, "sk_wrong_api_locked", store.Key{Enabled: true, ApiID: "api_locked"})

	assert.Equal(t, NotFound{}, f.verify(t, VerifyRequest{Key: "sk_everything_wrong", IP: "8.8.8.8"}))
	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_disabled_locked", IP: "8.8.8.8"}), CodeDisabled)
	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_wrong_api_locked", ApiID: "api_1", IP: "10.0.0.1"}), CodeForbidden)

	events := f.events.verifications()
	require.Len(t, events, 3)
	assert.Equal(t, string(CodeNotFound), events[0].DeniedReason, "expired keys are identified and reported")
	assert.Equal(t, string(CodeDisabled), events[1].DeniedReason)
}

func TestVerify_ExpiresOverTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	expires := f.clock.Now().Add(5 * time.Second)
	f.putKey(t, "sk_expiring", store.Key{Enabled: true, Expires: &expires})

	_, ok := f.verify(t, VerifyRequest{Key: "sk_expiring"}).(Valid)
	require.True(t, ok)

	f.clock.Advance(6 * time.Second)
	assert.Equal(t, NotFound{}, f.verify(t, VerifyRequest{Key: "sk_expiring"}))
}

func TestVerify_IPWhitelist(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.PutApi(store.Api{ID: "api_ip", WorkspaceID: "ws_1", IPWhitelist: []string{"100.100.100.100", "10.1.0.0/16"}})
	f.putKey(t, "sk_ip", store.Key{Enabled: true, ApiID: "api_ip"})

	for _, ip := range []string{"100.100.100.100", "10.1.42.7"} {
		_, ok := f.verify(t, VerifyRequest{Key: "sk_ip", IP: ip}).(Valid)
		assert.True(t, ok, ip)
	}
	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_ip", IP: "200.200.200.200"}), CodeForbidden)
	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_ip"}), CodeForbidden)
}

func TestVerify_ApiChangesReachKeysAfterInvalidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.putKey(t, "sk_api", store.Key{Enabled: true})

	_, ok := f.verify(t, VerifyRequest{Key: "sk_api", IP: "8.8.8.8"}).(Valid)
	require.True(t, ok)

	f.store.PutApi(store.Api{ID: "api_1", WorkspaceID: "ws_1", Name: "payments", IPWhitelist: []string{"10.0.0.1"}})
	f.service.InvalidateApi(context.Background(), "api_1", "test")

	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_api", IP: "8.8.8.8"}), CodeForbidden)
}

func TestVerify_Permissions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.putKey(t, "sk_perm", store.Key{Enabled: true})
	f.store.GrantPermissions("key_sk_perm", "api.*.read_key")
	f.store.PutRole("writer", "api.api_1.update_key")
	f.store.AssignRoles("key_sk_perm", "writer")

	ok := rbac.And(rbac.P("api.api_1.read_key"), rbac.P("api.api_1.update_key"))
	valid, isValid := f.verify(t, VerifyRequest{Key: "sk_perm", Permissions: &ok}).(Valid)
	require.True(t, isValid)
	assert.Equal(t, []string{"api.*.read_key", "api.api_1.update_key"}, valid.Permissions)

	denied := rbac.P("api.api_1.delete_key")
	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_perm", Permissions: &denied}), CodeInsufficientPermissions)

	malformed := rbac.Or()
	_, err := f.service.Verify(context.Background(), VerifyRequest{Key: "sk_perm", Permissions: &malformed})
	var schema *SchemaError
	require.ErrorAs(t, err, &schema)
	assert.ErrorIs(t, err, rbac.ErrInvalidQuery)
}

func TestVerify_LegacyRatelimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.putKey(t, "sk_rl", store.Key{Enabled: true, Ratelimit: &store.KeyRatelimit{
		Type: store.RatelimitTypeConsistent, Limit: 2, RefillRate: 2, RefillInterval: 1000,
	}})

	for want := int64(1); want >= 0; want-- {
		valid, ok := f.verify(t, VerifyRequest{Key: "sk_rl"}).(Valid)
		require.True(t, ok)
		require.NotNil(t, valid.Ratelimit)
		assert.Equal(t, want, valid.Ratelimit.Remaining)
	}

	inv := requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_rl"}), CodeRateLimited)
	require.NotNil(t, inv.Ratelimit)
	assert.Equal(t, int64(2), inv.Ratelimit.Limit)
	assert.Equal(t, int64(0), inv.Ratelimit.Remaining)
	assert.Equal(t, int64(1_700_000_001_000), inv.Ratelimit.Reset)

	f.clock.Advance(time.Second)
	valid, ok := f.verify(t, VerifyRequest{Key: "sk_rl"}).(Valid)
	require.True(t, ok)
	assert.Equal(t, int64(1), valid.Ratelimit.Remaining)
}

func TestVerify_NamedRatelimits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.PutIdentity(store.Identity{ID: "id_1", ExternalID: "user_1", Ratelimits: []store.Ratelimit{
		{Name: "requests", Limit: 1, DurationMs: 60_000, AutoApply: true},
	}})
	f.putKey(t, "sk_named", store.Key{Enabled: true, IdentityID: strPtr("id_1"), Ratelimits: []store.Ratelimit{
		{Name: "tokens", Limit: 100, DurationMs: 60_000},
	}})

	valid, ok := f.verify(t, VerifyRequest{Key: "sk_named", Ratelimits: []ratelimit.Requested{{Name: "tokens", Cost: 40}}}).(Valid)
	require.True(t, ok)
	assert.Equal(t, int64(0), valid.Ratelimit.Remaining, "lowest remaining window is reported")

	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_named"}), CodeRateLimited)

	_, err := f.service.Verify(context.Background(), VerifyRequest{Key: "sk_named", Ratelimits: []ratelimit.Requested{{Name: "missing", Cost: 1}}})
	var unknown *UnknownRatelimitError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Name)
}

type brokenLimiter struct{}

func (brokenLimiter) Limit(context.Context, ratelimit.Request) (ratelimit.Response, error) {
	return ratelimit.Response{}, ratelimit.ErrUnavailable
}

func TestVerify_RatelimiterFailureFailsClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.service.ratelimit = brokenLimiter{}
	f.putKey(t, "sk_rl_down", store.Key{Enabled: true, Ratelimit: &store.KeyRatelimit{
		Type: store.RatelimitTypeFast, Limit: 10, RefillInterval: 1000,
	}})

	inv := requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_rl_down"}), CodeRateLimited)
	assert.Equal(t, int64(0), inv.Ratelimit.Remaining)
}

func TestVerify_RootKeyRatelimitsPerRegion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	limit := &store.KeyRatelimit{Type: store.RatelimitTypeConsistent, Limit: 1, RefillRate: 1, RefillInterval: 60_000}
	f.putKey(t, "sk_root_rl", store.Key{Enabled: true, ForWorkspaceID: strPtr("ws_2"), Ratelimit: limit})
	f.putKey(t, "sk_plain_rl", store.Key{Enabled: true, Ratelimit: limit})

	_, ok := f.verify(t, VerifyRequest{Key: "sk_root_rl", Region: "eu-west"}).(Valid)
	require.True(t, ok)
	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_root_rl", Region: "eu-west"}), CodeRateLimited)
	_, ok = f.verify(t, VerifyRequest{Key: "sk_root_rl", Region: "us-east"}).(Valid)
	assert.True(t, ok, "each region counts its own window")

	// ordinary keys share one window everywhere
	_, ok = f.verify(t, VerifyRequest{Key: "sk_plain_rl", Region: "eu-west"}).(Valid)
	require.True(t, ok)
	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_plain_rl", Region: "us-east"}), CodeRateLimited)
}

func TestVerify_UnusableStoredRatelimitIsSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	core, logs := observer.New(zap.WarnLevel)
	f.service.logger = observability.NewZapLogger(zap.New(core))
	f.putKey(t, "sk_bad_rl", store.Key{Enabled: true, Ratelimits: []store.Ratelimit{
		{Name: "broken", Limit: 5, AutoApply: true},
		{Name: "requests", Limit: 1, DurationMs: 60_000, AutoApply: true},
	}})

	valid, ok := f.verify(t, VerifyRequest{Key: "sk_bad_rl"}).(Valid)
	require.True(t, ok)
	require.NotNil(t, valid.Ratelimit)
	assert.Equal(t, int64(0), valid.Ratelimit.Remaining)
	requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_bad_rl"}), CodeRateLimited)

	warnings := logs.FilterMessage("skipping unusable stored rate limit").All()
	require.Len(t, warnings, 2)
	assert.Equal(t, "broken", warnings[0].ContextMap()["ratelimit"])
	assert.Empty(t, logs.FilterLevelExact(zap.ErrorLevel).All())
}

func TestVerify_RejectionBeforeUsageOmitsRemaining(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.putKey(t, "sk_rl_usage", store.Key{Enabled: true, Remaining: int64Ptr(3), Ratelimit: &store.KeyRatelimit{
		Type: store.RatelimitTypeConsistent, Limit: 3, RefillRate: 3, RefillInterval: 60_000,
	}})
	f.putKey(t, "sk_off_usage", store.Key{Enabled: false, Remaining: int64Ptr(3)})

	for want := int64(2); want >= 0; want-- {
		valid, ok := f.verify(t, VerifyRequest{Key: "sk_rl_usage"}).(Valid)
		require.True(t, ok)
		assert.Equal(t, want, *valid.Remaining)
	}

	inv := requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_rl_usage"}), CodeRateLimited)
	assert.Nil(t, inv.Remaining, "cached credits are stale once spent")

	inv = requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_off_usage"}), CodeDisabled)
	assert.Nil(t, inv.Remaining)
}

func TestVerify_UsageExhaustion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.putKey(t, "sk_usage", store.Key{Enabled: true, Remaining: int64Ptr(5)})

	for want := int64(4); want >= 0; want-- {
		valid, ok := f.verify(t, VerifyRequest{Key: "sk_usage"}).(Valid)
		require.True(t, ok)
		assert.Equal(t, want, *valid.Remaining)
	}

	inv := requireInvalid(t, f.verify(t, VerifyRequest{Key: "sk_usage"}), CodeUsageExceeded)
	assert.Equal(t, int64(0), *inv.Remaining)

	require.NoError(t, f.runner.Wait(context.Background()))
	remaining, _, err := f.store.GetRemaining(context.Background(), "key_sk_usage")
	require.NoError(t, err)
	assert.Equal(t, int64(0), *remaining)
}

type brokenStore struct {
	*store.MemoryStore
	panics bool
}

func (b *brokenStore) FindKeyByHash(context.Context, string) (*store.VerificationKey, error) {
	if b.panics {
		panic("nil map write")
	}
	return nil, errors.New("connection reset")
}

func TestVerify_StoreFailureIsRetryable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.service.store = &brokenStore{MemoryStore: f.store}

	_, err := f.service.Verify(context.Background(), VerifyRequest{Key: "sk_any"})
	var fetch *FetchError
	require.ErrorAs(t, err, &fetch)
	assert.True(t, fetch.Retryable)
	assert.ErrorIs(t, err, cache.ErrLoad)
}

func TestVerify_PanicBecomesInternalError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.service.store = &brokenStore{MemoryStore: f.store, panics: true}

	res, err := f.service.Verify(context.Background(), VerifyRequest{Key: "sk_any"})
	assert.Nil(t, res)
	var internal *InternalError
	require.ErrorAs(t, err, &internal)
	assert.Contains(t, fmt.Sprint(internal.Value), "nil map write")
}

func TestRatelimit_Standalone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	req := RatelimitRequest{Namespace: "email", Identifier: "user_1", Limit: 2, Duration: time.Minute, Cost: 1}

	for i := 0; i < 2; i++ {
		resp, err := f.service.Ratelimit(ctx, req)
		require.NoError(t, err)
		assert.True(t, resp.Pass)
	}
	resp, err := f.service.Ratelimit(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Pass)

	f.store.PutRatelimitOverride(store.RatelimitOverride{Namespace: "email", Identifier: "vip", Limit: 100, DurationMs: 60_000})
	resp, err = f.service.Ratelimit(ctx, RatelimitRequest{Namespace: "email", Identifier: "vip", Limit: 1, Duration: time.Minute, Cost: 5})
	require.NoError(t, err)
	assert.True(t, resp.Pass)
	assert.Equal(t, int64(100), resp.Limit)
	assert.Equal(t, int64(95), resp.Remaining)

	_, err = f.service.Ratelimit(ctx, RatelimitRequest{Identifier: "x"})
	assert.ErrorIs(t, err, ratelimit.ErrInvalidRequest)
}

func TestInvalidate_ReloadsKeyAndUsage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.putKey(t, "sk_inv", store.Key{Enabled: true, Remaining: int64Ptr(3)})

	_, ok := f.verify(t, VerifyRequest{Key: "sk_inv"}).(Valid)
	require.True(t, ok)
	require.NoError(t, f.runner.Wait(context.Background()))

	f.store.SetRemaining("key_sk_inv", int64Ptr(50))
	f.service.Invalidate(context.Background(), Hash("sk_inv"), "admin")

	valid, ok := f.verify(t, VerifyRequest{Key: "sk_inv"}).(Valid)
	require.True(t, ok)
	assert.Equal(t, int64(49), *valid.Remaining)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	var audits int
	for _, e := range f.events.events {
		if a, ok := e.(*analytics.AuditEvent); ok {
			audits++
			assert.Equal(t, "key.invalidate", a.Action)
			assert.Equal(t, "admin", a.Actor)
		}
	}
	assert.Equal(t, 1, audits)
}

func TestHash(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Hash("hello"))
	assert.Equal(t, "2cf24dba", hashPrefix(Hash("hello")))
}

func TestIPAllowed(t *testing.T) {
	t.Parallel()

	whitelist := []string{"100.100.100.100", "10.0.0.0/8", "2001:db8::/32", "not-an-ip"}
	tests := []struct {
		ip   string
		want bool
	}{
		{ip: "100.100.100.100", want: true},
		{ip: " 100.100.100.100 ", want: true},
		{ip: "10.20.30.40", want: true},
		{ip: "::ffff:10.0.0.1", want: true},
		{ip: "2001:db8::1", want: true},
		{ip: "200.200.200.200", want: false},
		{ip: "garbage", want: false},
		{ip: "", want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ipAllowed(tt.ip, whitelist), tt.ip)
	}
}
