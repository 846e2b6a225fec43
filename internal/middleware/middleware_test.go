package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/config"
	"github.com/iliyamo/event-access/internal/utils"
)

const secret = "test-secret"

func serve(t *testing.T, mw []echo.MiddlewareFunc, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.GET("/v1/ping", func(c echo.Context) error {
		id, _ := UserID(c)
		role, _ := Role(c)
		return c.JSON(http.StatusOK, echo.Map{"user_id": id, "role": role})
	}, mw...)
	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, userID uint64, role string) http.Header {
	t.Helper()
	tok, _, err := utils.NewSessionToken(secret, userID, role, time.Hour)
	require.NoError(t, err)
	return http.Header{echo.HeaderAuthorization: {"Bearer " + tok}}
}

func TestJWTAuthSetsIdentity(t *testing.T) {
	rec := serve(t, []echo.MiddlewareFunc{JWTAuth(secret)}, bearer(t, 42, utils.RoleParticipant))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"user_id":42,"role":"PARTICIPANT"}`, rec.Body.String())
}

func TestJWTAuthRejects(t *testing.T) {
	rec := serve(t, []echo.MiddlewareFunc{JWTAuth(secret)}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"error":"missing_session","kind":"unauthenticated","message":"missing bearer token"}`, rec.Body.String())

	rec = serve(t, []echo.MiddlewareFunc{JWTAuth(secret)}, http.Header{echo.HeaderAuthorization: {"Bearer not-a-jwt"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, _, err := utils.NewSessionToken("other-secret", 42, utils.RoleVerifier, time.Hour)
	require.NoError(t, err)
	rec = serve(t, []echo.MiddlewareFunc{JWTAuth(secret)}, http.Header{echo.HeaderAuthorization: {"Bearer " + tok}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	chain := []echo.MiddlewareFunc{JWTAuth(secret), RequireRole(utils.RoleVerifier, utils.RoleAdmin)}

	rec := serve(t, chain, bearer(t, 1, utils.RoleVerifier))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, chain, bearer(t, 1, utils.RoleParticipant))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireVerifierKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("scanner-key"), bcrypt.MinCost)
	require.NoError(t, err)
	mw := []echo.MiddlewareFunc{RequireVerifierKey(string(hash))}

	rec := serve(t, mw, http.Header{HeaderVerifierKey: {"scanner-key"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, mw, http.Header{HeaderVerifierKey: {"guess"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "bad_verifier_credential")

	rec = serve(t, mw, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDisabledLimiterAndCachePassThrough(t *testing.T) {
	mw := []echo.MiddlewareFunc{
		NewTokenBucket(config.RateLimitConfig{Enabled: false}, nil, nil),
		NewRedisCache(config.CacheConfig{Enabled: true}, nil),
	}
	rec := serve(t, mw, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-Cache"))
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/checkins/verify", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.9")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/checkins/verify")
	c.Set(ctxUserID, uint64(42))

	cfg := config.RateLimitConfig{Prefix: "access-rl"}
	require.Equal(t, "access-rl:ip:10.0.0.9:user:42:route:POST /v1/checkins/verify", buildRateKey(cfg, c))

	cfg.KeyStrategy = "user"
	require.Equal(t, "access-rl:user:42", buildRateKey(cfg, c))

	c.Set(ctxUserID, nil)
	require.Equal(t, "access-rl:user:anon", buildRateKey(cfg, c))
}

func TestRetryAfterAndAsInt64(t *testing.T) {
	require.Equal(t, 2, retryAfterSeconds(1500))
	require.Equal(t, 0, retryAfterSeconds(-5))
	require.EqualValues(t, 7, asInt64("7"))
	require.EqualValues(t, 3, asInt64(float64(3)))
	require.EqualValues(t, 0, asInt64(struct{}{}))
}

func TestCachePayloadRoundTripAndKeys(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	payload, err := encodePayload(http.StatusOK, hdr, []byte(`{"ok":true}`))
	require.NoError(t, err)

	status, got, body, ok := decodePayload(payload)
	require.True(t, ok)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "application/json", got.Get("Content-Type"))
	require.Equal(t, `{"ok":true}`, string(body))

	_, _, _, ok = decodePayload([]byte{0, 0})
	require.False(t, ok)

	e := echo.New()
	cfg := config.CacheConfig{Prefix: "access-cache"}
	key := func(user uint64) string {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/resources?domain=web", nil), httptest.NewRecorder())
		c.SetPath("/v1/resources")
		c.Set(ctxUserID, user)
		return cacheKeyFrom(cfg, c)
	}
	require.True(t, strings.HasPrefix(key(1), "access-cache:"))
	require.Equal(t, key(1), key(1))
	require.NotEqual(t, key(1), key(2))
}

func TestCaptureWriterRespectsLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := &captureWriter{ResponseWriter: rec, status: http.StatusOK, limit: 4}
	_, _ = cw.Write([]byte("abc"))
	_, _ = cw.Write([]byte("defg"))
	require.Equal(t, "abcd", cw.buf.String())
	require.EqualValues(t, 7, cw.size)
	require.Equal(t, "abcdefg", rec.Body.String())
}

func TestStorableHeaderDropsPerRequestValues(t *testing.T) {
	hdr := http.Header{
		echo.HeaderContentType:   {echo.MIMEApplicationJSON},
		echo.HeaderXRequestID:    {"req-1"},
		echo.HeaderContentLength: {"42"},
		"X-Ratelimit-Limit":      {"60"},
		"X-Ratelimit-Remaining":  {"59"},
		"X-Cache":                {"MISS"},
	}
	got := storableHeader(hdr)
	require.Equal(t, http.Header{echo.HeaderContentType: {echo.MIMEApplicationJSON}}, got)
	require.Equal(t, "req-1", hdr.Get(echo.HeaderXRequestID), "input header must not be modified")
}

func TestRejectBodies(t *testing.T) {
	rec := serve(t, []echo.MiddlewareFunc{JWTAuth(secret), RequireRole(utils.RoleAdmin)}, bearer(t, 42, utils.RoleParticipant))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.JSONEq(t, `{"error":"role_not_allowed","kind":"unauthorized","message":"role not allowed"}`, rec.Body.String())

	e := echo.New()
	rec = httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	require.NoError(t, reject(c, http.StatusTooManyRequests, apperr.E(apperr.KindUnavailable, apperr.ReasonRateLimited, "slow down")))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.JSONEq(t, `{"error":"rate_limited","kind":"unavailable","message":"slow down"}`, rec.Body.String())
}
