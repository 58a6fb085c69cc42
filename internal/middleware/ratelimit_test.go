package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	return router
}

func callerLimitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(CallerRequired(), rl.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	return router
}

func TestRateLimit_AllowsNormalRequests(t *testing.T) {
	rl := NewRateLimiter(10, 10) // 10 rps, burst 10
	defer rl.Stop()
	router := limitedRouter(rl)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestRateLimit_BlocksExcessiveRequests(t *testing.T) {
	rl := NewRateLimiter(1, 2) // 1 rps, burst 2
	defer rl.Stop()
	router := limitedRouter(rl)

	// Send burst+1 requests rapidly, last one should be blocked
	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		last = httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		router.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d after burst exceeded, got %d", http.StatusTooManyRequests, last.Code)
	}
	if got := last.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, expected 1", got)
	}
}

func TestRateLimit_IndependentPerCaller(t *testing.T) {
	rl := NewRateLimiter(1, 1) // 1 rps, burst 1
	defer rl.Stop()
	router := callerLimitedRouter(rl)

	send := func(caller string) int {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set(CallerHeader, caller)
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("instructor-1"); code != http.StatusOK {
		t.Errorf("instructor-1 first request: expected %d, got %d", http.StatusOK, code)
	}
	if code := send("instructor-1"); code != http.StatusTooManyRequests {
		t.Errorf("instructor-1 second request: expected %d, got %d", http.StatusTooManyRequests, code)
	}
	// Same IP, different caller: its own burst.
	if code := send("instructor-2"); code != http.StatusOK {
		t.Errorf("instructor-2 first request: expected %d, got %d", http.StatusOK, code)
	}
}

func TestRateLimit_EvictIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Stop()
	rl.getLimiter("instructor-1")
	rl.getLimiter("instructor-2")

	if n := rl.evictIdle(time.Now().Add(-time.Minute)); n != 0 {
		t.Errorf("evictIdle() = %d for fresh entries, expected 0", n)
	}
	if n := rl.evictIdle(time.Now().Add(time.Second)); n != 2 {
		t.Errorf("evictIdle() = %d, expected 2", n)
	}
}
