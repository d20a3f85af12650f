package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/queue-dispatch/internal/config"
	"github.com/iliyamo/queue-dispatch/internal/utils"
)

const secret = "test-secret"

func protected(roles ...string) (*echo.Echo, *string) {
	e := echo.New()
	var seen string
	e.GET("/x", func(c echo.Context) error {
		seen = UserID(c) + "/" + Role(c)
		return c.NoContent(http.StatusOK)
	}, JWTAuth(secret), RequireRole(roles...))
	return e, &seen
}

func TestJWTAuth(t *testing.T) {
	good, err := utils.NewAccessToken(secret, "u1", "admin", 5)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}
	forged, _ := utils.NewAccessToken("other-secret", "u1", "admin", 5)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1", "role": "admin", "exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(secret))
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1", "role": "admin",
	}).SignedString([]byte(secret))

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer header", "Bearer " + good.Token, "", http.StatusOK},
		{"query parameter", "", "?access_token=" + good.Token, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged.Token, "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized},
		{"no expiry", "Bearer " + noExp, "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, seen := protected("admin")
			req := httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
			if tc.want == http.StatusOK && *seen != "u1/admin" {
				t.Fatalf("identity = %q", *seen)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tok, _ := utils.NewAccessToken(secret, "u2", "user", 5)
	e, _ := protected("admin")

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), `"forbidden"`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestCachePayloadRoundTrip(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	body := []byte(`{"data":[]}`)
	bs, err := encodePayload(http.StatusOK, hdr, body)
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	status, gotHdr, gotBody, ok := decodePayload(bs)
	if !ok || status != http.StatusOK || gotHdr.Get("Content-Type") != "application/json" || !bytes.Equal(gotBody, body) {
		t.Fatalf("decoded %d %v %q %v", status, gotHdr, gotBody, ok)
	}
	if _, _, _, ok := decodePayload(bs[:6]); ok {
		t.Fatal("truncated payload decoded")
	}
}

func TestDisabledCachePassesThrough(t *testing.T) {
	rc := NewRedisCache(config.CacheConfig{Enabled: true}, nil, "services")
	if err := rc.Invalidate(context.Background()); err != nil {
		t.Fatalf("Invalidate without redis: %v", err)
	}
	e := echo.New()
	e.GET("/s", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, rc.Middleware())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "" {
		t.Fatalf("status %d X-Cache %q", rec.Code, rec.Header().Get("X-Cache"))
	}
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/queues", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/queues")
	c.Set(ctxUserID, "u1")

	cases := map[string]string{
		"ip":            "rl:ip:10.0.0.1",
		"user":          "rl:user:u1",
		"user_route":    "rl:user:u1:route:POST /queues",
		"ip_user_route": "rl:ip:10.0.0.1:user:u1:route:POST /queues",
	}
	for strategy, want := range cases {
		got := buildRateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: strategy}, c)
		if got != want {
			t.Errorf("%s: key = %q, want %q", strategy, got, want)
		}
	}
}

func TestRateLimitDisabledWithoutRedis(t *testing.T) {
	mw := NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil)
	e := echo.New()
	e.POST("/q", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, mw)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/q", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
}
