package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllowDrainsBurstThenRefuses(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if ok, _ := rl.allow("203.0.113.9"); !ok {
			t.Fatalf("request %d refused before burst exhausted", i+1)
		}
	}

	ok, retryAfter := rl.allow("203.0.113.9")
	if ok {
		t.Fatal("request allowed after burst exhausted")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v, want positive", retryAfter)
	}
}

func TestAllowKeepsBucketsPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	if ok, _ := rl.allow("203.0.113.9"); !ok {
		t.Fatal("first IP refused")
	}
	if ok, _ := rl.allow("203.0.113.9"); ok {
		t.Fatal("first IP allowed with empty bucket")
	}
	if ok, _ := rl.allow("198.51.100.4"); !ok {
		t.Error("second IP must not share the first IP's bucket")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	ip := "198.51.100.7"

	if ok, _ := rl.allow(ip); !ok {
		t.Fatal("first request refused")
	}
	if ok, _ := rl.allow(ip); ok {
		t.Fatal("second request allowed with empty bucket")
	}

	// Backdate the bucket instead of sleeping through the refill window.
	rl.mu.Lock()
	rl.buckets[ip].lastSeen = time.Now().Add(-2 * time.Second)
	rl.mu.Unlock()

	if ok, _ := rl.allow(ip); !ok {
		t.Error("request refused after refill window elapsed")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, 2)

	r := gin.New()
	r.GET("/ping", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on 429")
	}
}
