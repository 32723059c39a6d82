// Package middleware's rate limiting tests exercise the token-bucket limits
// directly rather than through a gin.Engine, since the limiter state
// (a map of per-key rate.Limiter) is what the cleanup routines and the
// Middleware methods actually share.
package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)
	return c, w
}

func TestRateLimiterMiddlewareAllowsThenBlocks(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	c1, w1 := newTestContext()
	c1.Request.RemoteAddr = "10.0.0.1:5555"
	rl.Middleware()(c1)
	if w1.Code == 429 {
		t.Fatal("first request should pass through")
	}

	c2, w2 := newTestContext()
	c2.Request.RemoteAddr = "10.0.0.1:5555"
	rl.Middleware()(c2)
	if w2.Code != 429 {
		t.Fatalf("second immediate request from the same IP should be rate limited, got %d", w2.Code)
	}
}

func TestRateLimiterMiddlewarePerIPIsolation(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	c1, w1 := newTestContext()
	c1.Request.RemoteAddr = "10.0.0.1:1111"
	rl.Middleware()(c1)

	c2, w2 := newTestContext()
	c2.Request.RemoteAddr = "10.0.0.2:2222"
	rl.Middleware()(c2)

	if w1.Code == 429 || w2.Code == 429 {
		t.Fatal("distinct IPs must not share a token bucket")
	}
}

func TestUserRateLimiterSkipsUnauthenticatedCallers(t *testing.T) {
	calls := 0
	keyFunc := func(c *gin.Context) (string, bool) {
		calls++
		return "", false
	}
	url := NewUserRateLimiter(3600, 1, keyFunc)

	c, w := newTestContext()
	url.Middleware()(c)
	if w.Code == 429 {
		t.Fatal("a caller with no resolvable identity must not be rate limited")
	}
	if calls != 1 {
		t.Fatalf("expected keyFunc to be consulted once, got %d", calls)
	}
}

func TestUserRateLimiterBlocksSecondRequestForSameCaller(t *testing.T) {
	keyFunc := func(c *gin.Context) (string, bool) { return "user-1", true }
	url := NewUserRateLimiter(1, 1, keyFunc)

	c1, w1 := newTestContext()
	url.Middleware()(c1)
	c2, w2 := newTestContext()
	url.Middleware()(c2)

	if w1.Code == 429 {
		t.Fatal("first request for a fresh caller should be allowed")
	}
	if w2.Code != 429 {
		t.Fatalf("second immediate request for the same caller should be rate limited, got %d", w2.Code)
	}
}

func TestEndpointRateLimiterKeysByCallerAndEndpoint(t *testing.T) {
	keyFunc := func(c *gin.Context) (string, bool) { return "user-1", true }
	erl := NewEndpointRateLimiter(1, 1, keyFunc)

	c1, w1 := newTestContext()
	erl.Middleware("deployments.create")(c1)
	c2, w2 := newTestContext()
	erl.Middleware("deployments.create")(c2)
	c3, w3 := newTestContext()
	erl.Middleware("registry.mint")(c3)

	if w1.Code == 429 {
		t.Fatal("first call to an endpoint should be allowed")
	}
	if w2.Code != 429 {
		t.Fatalf("second immediate call to the same endpoint by the same caller should be rate limited, got %d", w2.Code)
	}
	if w3.Code == 429 {
		t.Fatal("a different endpoint for the same caller must have its own bucket")
	}
}
