package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/avakeys/internal/background"
	"github.com/vyrodovalexey/avakeys/internal/cache"
	"github.com/vyrodovalexey/avakeys/internal/config"
	"github.com/vyrodovalexey/avakeys/internal/health"
	"github.com/vyrodovalexey/avakeys/internal/keys"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit/counter"
	"github.com/vyrodovalexey/avakeys/internal/store"
	"github.com/vyrodovalexey/avakeys/internal/usagelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func strPtr(s string) *string { return &s }

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		MaxBodyBytes: config.DefaultMaxBodyBytes,
		IPHeader:     config.DefaultIPHeader,
		RegionHeader: config.DefaultRegionHeader,
		AdminToken:   "s3cret",
	}
}

// newKeyService wires the real key service over in-memory collaborators.
func newKeyService(t *testing.T, s *store.MemoryStore) *keys.Service {
	t.Helper()

	runner := background.NewRunner()
	tiered := cache.NewTiered([]cache.Tier{cache.NewMemoryTier()}, cache.WithScheduler(runner))
	limiter := ratelimit.New(counter.NewMemoryBackend(), ratelimit.WithScheduler(runner), ratelimit.WithActors(4))
	t.Cleanup(func() {
		_ = runner.Shutdown(context.Background())
		_ = limiter.Close()
		_ = tiered.Close()
	})

	return keys.NewService(keys.Deps{
		Cache:       tiered,
		Store:       s,
		Ratelimiter: limiter,
		Usage:       usagelimit.New(s, usagelimit.WithScheduler(runner)),
	})
}

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()

	s := store.NewMemoryStore()
	s.PutWorkspace(store.Workspace{ID: "ws_1", Enabled: true})
	s.PutWorkspace(store.Workspace{ID: "ws_off", Enabled: false})
	s.PutApi(store.Api{ID: "api_1", WorkspaceID: "ws_1", Name: "payments"})
	s.PutApi(store.Api{ID: "api_ip", WorkspaceID: "ws_1", IPWhitelist: []string{"100.100.100.100"}})
	s.PutApi(store.Api{ID: "api_off", WorkspaceID: "ws_off"})

	past := time.Now().Add(-time.Hour)
	for secret, k := range map[string]store.Key{
		"sk_valid":   {ID: "key_valid", WorkspaceID: "ws_1", ApiID: "api_1", Enabled: true, OwnerID: strPtr("user_1"), Meta: map[string]any{"plan": "pro"}},
		"sk_expired": {ID: "key_expired", WorkspaceID: "ws_1", ApiID: "api_1", Enabled: true, Expires: &past},
		"sk_ip":      {ID: "key_ip", WorkspaceID: "ws_1", ApiID: "api_ip", Enabled: true},
		"sk_off":     {ID: "key_off", WorkspaceID: "ws_off", ApiID: "api_off", Enabled: true},
	} {
		k.Hash = keys.Hash(secret)
		require.NoError(t, s.PutKey(k))
	}
	return s
}

func do(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestVerifyKey_EndToEnd(t *testing.T) {
	srv := NewServer(testServerConfig(), newKeyService(t, seededStore(t)))
	h := srv.Handler()

	t.Run("valid key", func(t *testing.T) {
		w := do(t, h, "/v1/keys.verifyKey", `{"key":"sk_valid"}`, map[string]string{RequestIDHeader: "req-1"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

		resp := decode[VerifyKeyResponse](t, w)
		assert.True(t, resp.Valid)
		assert.Empty(t, resp.Code)
		assert.Equal(t, "key_valid", resp.KeyID)
		assert.Equal(t, "user_1", *resp.OwnerID)
		assert.Equal(t, "pro", resp.Meta["plan"])
		assert.True(t, *resp.Enabled)
		assert.Equal(t, "ws_1", resp.AuthorizedWorkspaceID)
	})

	t.Run("unknown key", func(t *testing.T) {
		w := do(t, h, "/v1/keys.verifyKey", `{"key":"sk_unknown"}`, nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[VerifyKeyResponse](t, w)
		assert.False(t, resp.Valid)
		assert.Equal(t, "NOT_FOUND", resp.Code)
		assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	})

	t.Run("expired key", func(t *testing.T) {
		w := do(t, h, "/v1/keys.verifyKey", `{"key":"sk_expired"}`, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "NOT_FOUND", decode[VerifyKeyResponse](t, w).Code)

		w = do(t, h, "/v1/keys/verify", `{"key":"sk_expired"}`, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", decode[VerifyKeyResponse](t, w).Code)
	})

	t.Run("ip whitelist", func(t *testing.T) {
		w := do(t, h, "/v1/keys.verifyKey", `{"key":"sk_ip"}`, map[string]string{"X-Forwarded-For": "100.100.100.100, 10.0.0.1"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[VerifyKeyResponse](t, w).Valid)

		w = do(t, h, "/v1/keys.verifyKey", `{"key":"sk_ip"}`, map[string]string{"X-Forwarded-For": "200.200.200.200"})
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[VerifyKeyResponse](t, w)
		assert.False(t, resp.Valid)
		assert.Equal(t, "FORBIDDEN", resp.Code)
	})

	t.Run("api mismatch", func(t *testing.T) {
		w := do(t, h, "/v1/keys.verifyKey", `{"key":"sk_valid","apiId":"api_ip"}`, nil)
		assert.Equal(t, "FORBIDDEN", decode[VerifyKeyResponse](t, w).Code)
	})

	t.Run("disabled workspace", func(t *testing.T) {
		w := do(t, h, "/v1/keys.verifyKey", `{"key":"sk_off"}`, nil)
		require.Equal(t, http.StatusForbidden, w.Code)
		body := decode[ErrorBody](t, w)
		assert.Equal(t, "FORBIDDEN", body.Error.Code)
		assert.Equal(t, "workspace is disabled", body.Error.Message)
		assert.NotEmpty(t, body.Error.Docs)
	})

	t.Run("malformed permissions", func(t *testing.T) {
		w := do(t, h, "/v1/keys.verifyKey", `{"key":"sk_valid","permissions":{"xor":["a"]}}`, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeBadRequest, decode[ErrorBody](t, w).Error.Code)
	})

	t.Run("unknown ratelimit", func(t *testing.T) {
		w := do(t, h, "/v1/keys.verifyKey", `{"key":"sk_valid","ratelimits":[{"name":"tokens"}]}`, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode[ErrorBody](t, w).Error.Message, "tokens")
	})
}

func TestVerifyKey_BadRequests(t *testing.T) {
	srv := NewServer(testServerConfig(), newKeyService(t, seededStore(t)))

	for name, body := range map[string]string{
		"not json":      `{"key":`,
		"empty":         ``,
		"missing key":   `{"apiId":"api_1"}`,
		"negative cost": `{"key":"sk_valid","credits":{"cost":-1}}`,
		"nameless rl":   `{"key":"sk_valid","ratelimits":[{"cost":1}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := do(t, srv.Handler(), "/v1/keys.verifyKey", body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, CodeBadRequest, decode[ErrorBody](t, w).Error.Code)
		})
	}
}

func TestRatelimitsLimit_EndToEnd(t *testing.T) {
	srv := NewServer(testServerConfig(), newKeyService(t, seededStore(t)))
	body := `{"namespace":"email","identifier":"user_1","limit":2,"duration":60000}`

	for i, want := range []bool{true, true, false} {
		w := do(t, srv.Handler(), "/v1/ratelimits.limit", body, nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[LimitResponse](t, w)
		assert.Equal(t, want, resp.Success, "call %d", i+1)
		assert.Equal(t, int64(2), resp.Limit)
	}

	w := do(t, srv.Handler(), "/v1/ratelimits.limit", `{"namespace":"email","identifier":"x","limit":1,"duration":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, srv.Handler(), "/v1/ratelimits.limit", `{"namespace":"email","limit":1,"duration":1000}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeService struct {
	mu          sync.Mutex
	verifyErr   error
	panicValue  any
	ratelimit   ratelimit.Response
	lastVerify  keys.VerifyRequest
	invalidated []string
}

func (f *fakeService) Verify(_ context.Context, req keys.VerifyRequest) (keys.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicValue != nil {
		panic(f.panicValue)
	}
	f.lastVerify = req
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return keys.Valid{Key: store.Key{ID: "key_1", Enabled: true}}, nil
}

func (f *fakeService) Ratelimit(context.Context, keys.RatelimitRequest) (ratelimit.Response, error) {
	return f.ratelimit, nil
}

func (f *fakeService) Invalidate(_ context.Context, hash, actor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, "key:"+hash+":"+actor)
}

func (f *fakeService) InvalidateApi(_ context.Context, apiID, actor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, "api:"+apiID+":"+actor)
}

func TestVerifyKey_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "fetch", err: &keys.FetchError{Retryable: true, Err: errors.New("db down")}, wantStatus: http.StatusServiceUnavailable, wantCode: CodeUnavailable},
		{name: "ratelimit backend", err: ratelimit.ErrUnavailable, wantStatus: http.StatusServiceUnavailable, wantCode: CodeUnavailable},
		{name: "internal", err: &keys.InternalError{Value: "boom"}, wantStatus: http.StatusInternalServerError, wantCode: CodeInternal},
		{name: "unclassified", err: errors.New("surprise"), wantStatus: http.StatusInternalServerError, wantCode: CodeInternal},
		{name: "unknown ratelimit", err: &keys.UnknownRatelimitError{Name: "x"}, wantStatus: http.StatusBadRequest, wantCode: CodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			srv := NewServer(testServerConfig(), &fakeService{verifyErr: tt.err}, WithLogger(zap.New(core)))

			w := do(t, srv.Handler(), "/v1/keys.verifyKey", `{"key":"sk"}`, nil)
			require.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorBody](t, w).Error.Code)

			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
			}
			if tt.name == "unclassified" {
				assert.Equal(t, 1, logs.FilterMessage("request failed").Len())
			}
		})
	}
}

func TestVerifyKey_PassesCallerContext(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(testServerConfig(), svc)

	w := do(t, srv.Handler(), "/v1/keys.verifyKey",
		`{"key":"sk","ratelimits":[{"name":"tokens","cost":5},{"name":"inline","limit":10,"duration":1000}],"credits":{"cost":3}}`,
		map[string]string{
			"X-Forwarded-For": "203.0.113.9:4711",
			"X-Edge-Region":   "eu-central",
			"User-Agent":      "sdk/1.0",
			RequestIDHeader:   "req-42",
		})
	require.Equal(t, http.StatusOK, w.Code)

	req := svc.lastVerify
	assert.Equal(t, "203.0.113.9", req.IP)
	assert.Equal(t, "eu-central", req.Region)
	assert.Equal(t, "sdk/1.0", req.UserAgent)
	assert.Equal(t, "req-42", req.RequestID)
	assert.Equal(t, int64(3), *req.Credits)
	require.Len(t, req.Ratelimits, 2)
	assert.Equal(t, ratelimit.Requested{Name: "tokens", Cost: 5}, req.Ratelimits[0])
	assert.Equal(t, ratelimit.Requested{Name: "inline", Cost: 1, Limit: 10, Duration: time.Second}, req.Ratelimits[1])
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	srv := NewServer(testServerConfig(), &fakeService{panicValue: "kaboom"}, WithLogger(zap.New(core)))

	w := do(t, srv.Handler(), "/v1/keys.verifyKey", `{"key":"sk"}`, nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, CodeInternal, decode[ErrorBody](t, w).Error.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestInvalidate_RequiresAdminToken(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(testServerConfig(), svc)

	w := do(t, srv.Handler(), "/v1/keys.invalidate", `{"hash":"abc"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeUnauthorized, decode[ErrorBody](t, w).Error.Code)

	w = do(t, srv.Handler(), "/v1/keys.invalidate", `{"hash":"abc"}`, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	auth := map[string]string{"Authorization": "Bearer s3cret"}
	w = do(t, srv.Handler(), "/v1/keys.invalidate", `{}`, auth)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv.Handler(), "/v1/keys.invalidate", `{"hash":"abc","apiId":"api_1"}`, auth)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"key:abc:admin", "api:api_1:admin"}, svc.invalidated)
}

func TestInvalidate_ReloadsKey(t *testing.T) {
	s := seededStore(t)
	srv := NewServer(testServerConfig(), newKeyService(t, s))
	h := srv.Handler()

	w := do(t, h, "/v1/keys.verifyKey", `{"key":"sk_valid"}`, nil)
	require.True(t, decode[VerifyKeyResponse](t, w).Valid)

	require.NoError(t, s.PutKey(store.Key{ID: "key_valid", WorkspaceID: "ws_1", ApiID: "api_1", Hash: keys.Hash("sk_valid"), Enabled: false}))
	w = do(t, h, "/v1/keys.verifyKey", `{"key":"sk_valid"}`, nil)
	require.True(t, decode[VerifyKeyResponse](t, w).Valid, "cached record is still fresh")

	w = do(t, h, "/v1/keys.invalidate", `{"hash":"`+keys.Hash("sk_valid")+`"}`, map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, "/v1/keys.verifyKey", `{"key":"sk_valid"}`, nil)
	assert.Equal(t, "DISABLED", decode[VerifyKeyResponse](t, w).Code)
}

func TestIngressLimiter(t *testing.T) {
	cfg := testServerConfig()
	cfg.Ingress = config.IngressConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}
	srv := NewServer(cfg, &fakeService{})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	client := map[string]string{"X-Forwarded-For": "198.51.100.1"}
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, srv.Handler(), "/v1/keys.verifyKey", `{"key":"sk"}`, client).Code)
	}
	w := do(t, srv.Handler(), "/v1/keys.verifyKey", `{"key":"sk"}`, client)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeTooManyRequests, decode[ErrorBody](t, w).Error.Code)

	other := map[string]string{"X-Forwarded-For": "198.51.100.2"}
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), "/v1/keys.verifyKey", `{"key":"sk"}`, other).Code)
}

func TestIngressLimiter_Cleanup(t *testing.T) {
	l := NewIngressLimiter(config.IngressConfig{RequestsPerSecond: 10, Burst: 1, ClientTTL: config.Duration(time.Minute)}, nil)
	defer l.Stop()

	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())

	now = now.Add(2 * time.Minute)
	assert.True(t, l.Allow("b"))
	l.cleanup()
	assert.Equal(t, 1, l.Len())
}

func TestBodyLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxBodyBytes = 16
	srv := NewServer(cfg, &fakeService{})

	w := do(t, srv.Handler(), "/v1/keys.verifyKey", `{"key":"`+strings.Repeat("x", 64)+`"}`, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, CodeTooLarge, decode[ErrorBody](t, w).Error.Code)
}

func TestUnknownRoute(t *testing.T) {
	srv := NewServer(testServerConfig(), &fakeService{})

	w := do(t, srv.Handler(), "/v1/nope", `{}`, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decode[ErrorBody](t, w).Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/keys.verifyKey", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthRoutesAndMetrics(t *testing.T) {
	m := observability.NewMetrics()
	srv := NewServer(testServerConfig(), &fakeService{},
		WithMetrics(m),
		WithHealth(health.NewHandler(zap.NewNop())),
	)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	do(t, srv.Handler(), "/v1/keys.verifyKey", `{"key":"sk"}`, nil)

	count, err := testutil.GatherAndCount(m.Registry(), "keyserver_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestServe_Shutdown(t *testing.T) {
	srv := NewServer(testServerConfig(), &fakeService{})
	ts := httptest.NewUnstartedServer(nil)
	ln := ts.Listener

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Post("http://"+ln.Addr().String()+"/v1/keys.verifyKey", "application/json", bytes.NewBufferString(`{"key":"sk"}`))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
}

func TestFirstHop(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "100.100.100.100", want: "100.100.100.100", ok: true},
		{in: " 1.2.3.4 , 10.0.0.1", want: "1.2.3.4", ok: true},
		{in: "1.2.3.4:8080", want: "1.2.3.4", ok: true},
		{in: "::ffff:1.2.3.4", want: "1.2.3.4", ok: true},
		{in: "[2001:db8::1]:443", want: "2001:db8::1", ok: true},
		{in: "unknown", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := firstHop(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
