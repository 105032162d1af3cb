package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/stats", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	if got := GetClientIP(r); got != "203.0.113.9" {
		t.Errorf("remote addr ip = %q", got)
	}

	r.Header.Set("X-Real-IP", "198.51.100.4")
	if got := GetClientIP(r); got != "198.51.100.4" {
		t.Errorf("x-real-ip = %q", got)
	}

	// X-Forwarded-For wins and only the first hop counts.
	r.Header.Set("X-Forwarded-For", " 192.0.2.1 , 10.0.0.1")
	if got := GetClientIP(r); got != "192.0.2.1" {
		t.Errorf("x-forwarded-for = %q", got)
	}
}

func TestIPRateLimiterBurst(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             3,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	for n := 0; n < 3; n++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst was rejected", n+1)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("request beyond burst was allowed")
	}
	// A different IP has its own bucket.
	if !rl.Allow("5.6.7.8") {
		t.Error("fresh ip was rejected")
	}

	stats := rl.GetStats()
	if stats["allowed"] != 4 || stats["rejected"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestWebSocketRateLimiter(t *testing.T) {
	wrl := NewWebSocketRateLimiter(2)

	if !wrl.Allow("1.2.3.4") || !wrl.Allow("1.2.3.4") {
		t.Fatal("connections within the cap were rejected")
	}
	if wrl.Allow("1.2.3.4") {
		t.Error("third connection was allowed past a cap of 2")
	}
	if wrl.GetConnectionCount("1.2.3.4") != 2 {
		t.Errorf("count = %d, want 2", wrl.GetConnectionCount("1.2.3.4"))
	}

	wrl.Release("1.2.3.4")
	if !wrl.Allow("1.2.3.4") {
		t.Error("released slot was not reusable")
	}
	if wrl.GetStats()["rejected"] != 1 {
		t.Errorf("rejected = %d, want 1", wrl.GetStats()["rejected"])
	}
}

func TestIsAllowedOrigin(t *testing.T) {
	if IsAllowedOrigin("", nil) {
		t.Error("empty origin allowed")
	}
	if !IsAllowedOrigin("http://localhost:5173", nil) {
		t.Error("localhost rejected")
	}
	if !IsAllowedOrigin("http://127.0.0.1:3000", nil) {
		t.Error("loopback rejected")
	}
	if IsAllowedOrigin("https://evil.example", nil) {
		t.Error("unlisted origin allowed")
	}
	if !IsAllowedOrigin("https://arena.example", []string{"https://arena.example"}) {
		t.Error("whitelisted origin rejected")
	}
}
