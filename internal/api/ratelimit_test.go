package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestLimiter returns a limiter on a manual clock.
func newTestLimiter(t *testing.T, budgets map[RouteClass]Budget) (*RateLimiter, *time.Time) {
	t.Helper()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := newRateLimiter(budgets, func() time.Time { return now })
	t.Cleanup(rl.Stop)
	return rl, &now
}

func TestRateLimiter_BurstAllowed(t *testing.T) {
	rl, _ := newTestLimiter(t, map[RouteClass]Budget{ClassRead: {PerSecond: 10, Burst: 100}})

	for i := 0; i < 100; i++ {
		if ok, _ := rl.Allow(ClassRead, "127.0.0.1"); !ok {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}

	ok, wait := rl.Allow(ClassRead, "127.0.0.1")
	if ok {
		t.Fatal("request after burst exhausted should be denied")
	}
	if wait != 100*time.Millisecond {
		t.Errorf("wait = %v, want 100ms at 10/s", wait)
	}
}

func TestRateLimiter_RefillOverTime(t *testing.T) {
	rl, now := newTestLimiter(t, map[RouteClass]Budget{ClassRecord: {PerSecond: 2, Burst: 3}})

	for i := 0; i < 3; i++ {
		rl.Allow(ClassRecord, "127.0.0.1")
	}
	if ok, _ := rl.Allow(ClassRecord, "127.0.0.1"); ok {
		t.Fatal("should be denied after burst exhausted")
	}

	*now = now.Add(500 * time.Millisecond)
	if ok, _ := rl.Allow(ClassRecord, "127.0.0.1"); !ok {
		t.Error("one token should have refilled after 500ms at 2/s")
	}
	if ok, _ := rl.Allow(ClassRecord, "127.0.0.1"); ok {
		t.Error("only one token should have refilled")
	}

	// Refill is capped at the burst
	*now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow(ClassRecord, "127.0.0.1"); !ok {
			t.Fatalf("request %d after idle hour should be allowed", i+1)
		}
	}
	if ok, _ := rl.Allow(ClassRecord, "127.0.0.1"); ok {
		t.Error("bucket should hold at most the burst")
	}
}

func TestRateLimiter_SeparateIPsAreSeparate(t *testing.T) {
	rl, _ := newTestLimiter(t, map[RouteClass]Budget{ClassRead: {PerSecond: 10, Burst: 5}})

	for i := 0; i < 5; i++ {
		rl.Allow(ClassRead, "192.168.1.1")
	}
	if ok, _ := rl.Allow(ClassRead, "192.168.1.1"); ok {
		t.Error("IP1 should be denied after burst")
	}
	if ok, _ := rl.Allow(ClassRead, "192.168.1.2"); !ok {
		t.Error("IP2 should be allowed - separate bucket")
	}
}

func TestRateLimiter_ClassesAreSeparate(t *testing.T) {
	rl, _ := newTestLimiter(t, map[RouteClass]Budget{
		ClassRead:   {PerSecond: 1, Burst: 2},
		ClassRecord: {PerSecond: 1, Burst: 2},
	})

	for i := 0; i < 2; i++ {
		rl.Allow(ClassRecord, "10.0.0.1")
	}
	if ok, _ := rl.Allow(ClassRecord, "10.0.0.1"); ok {
		t.Fatal("record budget should be spent")
	}
	if ok, _ := rl.Allow(ClassRead, "10.0.0.1"); !ok {
		t.Error("reads should not be charged for recorded calls")
	}
}

func TestRateLimiter_UnlimitedClasses(t *testing.T) {
	rl, _ := newTestLimiter(t, map[RouteClass]Budget{ClassWrite: {PerSecond: 0, Burst: 0}})

	for i := 0; i < 1000; i++ {
		if ok, _ := rl.Allow(ClassWrite, "10.0.0.1"); !ok {
			t.Fatal("zero burst should disable limiting")
		}
		if ok, _ := rl.Allow(ClassRead, "10.0.0.1"); !ok {
			t.Fatal("a class without a budget should be unlimited")
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   RouteClass
	}{
		{"POST", "/api/calls", ClassRecord},
		{"GET", "/api/calls", ClassRead},
		{"GET", "/api/calls/export", ClassRead},
		{"GET", "/api/runs/latest", ClassRead},
		{"OPTIONS", "/api/rules", ClassRead},
		{"POST", "/api/rules", ClassWrite},
		{"PUT", "/api/rules/3", ClassWrite},
		{"DELETE", "/api/rules/3", ClassWrite},
		{"POST", "/api/checkpoint", ClassWrite},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if got := classify(req); got != tt.want {
				t.Errorf("classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter_Middleware429(t *testing.T) {
	rl, _ := newTestLimiter(t, map[RouteClass]Budget{
		ClassRecord: {PerSecond: 0.25, Burst: 2},
		ClassRead:   {PerSecond: 10, Burst: 10},
	})

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	send := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := send("POST", "/api/calls"); rr.Code != http.StatusOK {
			t.Errorf("call %d: got %d, want %d", i+1, rr.Code, http.StatusOK)
		}
	}

	rr := send("POST", "/api/calls")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusTooManyRequests)
	}
	// One token at 0.25/s takes four seconds
	if got := rr.Header().Get("Retry-After"); got != "4" {
		t.Errorf("Retry-After = %q, want 4", got)
	}

	if rr := send("GET", "/api/runs"); rr.Code != http.StatusOK {
		t.Errorf("read after spent record budget: got %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{"IPv4 with port", "192.168.1.1:8080", "192.168.1.1"},
		{"IPv4 without port", "192.168.1.1", "192.168.1.1"},
		{"IPv6 with port", "[::1]:8080", "::1"},
		{"localhost", "127.0.0.1:54321", "127.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if got := extractIP(req); got != tt.want {
				t.Errorf("extractIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
