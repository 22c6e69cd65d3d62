package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestAllowBurstThenRefill(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	l := New(1, 2)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("burst of 2 should pass")
	}
	if l.Allow("a") {
		t.Fatalf("third request should be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("keys must not share a bucket")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatalf("token should refill after one second")
	}
}

func TestIdleKeysForgotten(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	l := New(1, 1)
	l.now = func() time.Time { return now }
	l.Allow("a")
	l.Allow("b")

	now = now.Add(11 * time.Minute)
	l.Allow("c")
	if l.Len() != 1 {
		t.Fatalf("expected idle keys to be swept, have %d", l.Len())
	}
}

func TestZeroRateDisables(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatalf("limiter with zero rate must allow everything")
		}
	}
}

func TestMiddlewareRejects(t *testing.T) {
	e := echo.New()
	l := New(0.001, 1)
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, l.Middleware())

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}
