package api

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/runs/0123456789abcdef0123456789abcdef", "/api/v1/runs/{id}"},
		{"/api/v1/runs/0123456789abcdef0123456789abcdef/events", "/api/v1/runs/{id}/events"},
		{"/api/v1/runs/550e8400-e29b-41d4-a716-446655440000", "/api/v1/runs/{id}"},
		{"/api/v1/runs/short", "/api/v1/runs/short"},
		{"/health", "/health"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Run("prefers X-Forwarded-For", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		r.RemoteAddr = "192.168.1.1:1234"
		if got := clientIP(r); got != "10.0.0.1" {
			t.Errorf("expected 10.0.0.1, got %s", got)
		}
	})

	t.Run("falls back to X-Real-IP", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Real-IP", "10.0.0.3")
		if got := clientIP(r); got != "10.0.0.3" {
			t.Errorf("expected 10.0.0.3, got %s", got)
		}
	})

	t.Run("strips the port from RemoteAddr", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "192.168.1.1:1234"
		if got := clientIP(r); got != "192.168.1.1" {
			t.Errorf("expected 192.168.1.1, got %s", got)
		}
	})
}

func TestIPRateLimiter(t *testing.T) {
	rl := newIPRateLimiter(1, 2)

	if !rl.allow("1.1.1.1") || !rl.allow("1.1.1.1") {
		t.Error("burst of 2 should be allowed")
	}
	if rl.allow("1.1.1.1") {
		t.Error("third immediate request should be limited")
	}
	if !rl.allow("2.2.2.2") {
		t.Error("limits are per IP; a different client starts fresh")
	}
}
