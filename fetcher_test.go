package marketscan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastFetchConfig(t *testing.T) {
	t.Helper()
	SetDefaultConfig()
	Config.Fetcher.RetryBackoffMin = "1ms"
	Config.Fetcher.RetryBackoffMax = "5ms"
	Config.Fetcher.HonorRobotsTxt = false
	Config.Fetcher.BlockedBodyFloorBytes = 0
	t.Cleanup(SetDefaultConfig)
}

func testGet(t *testing.T, fm *FetchManager, rawURL string, opt *FetchOptions) (*FetchResult, *FetchError) {
	t.Helper()
	u, err := ParseURL(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	if opt == nil {
		opt = &FetchOptions{}
	}
	if opt.MinDelay == 0 {
		opt.MinDelay = time.Millisecond
	}
	return fm.Get(context.Background(), u, opt)
}

func TestFetchSuccess(t *testing.T) {
	fastFetchConfig(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("request missing User-Agent")
		}
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	fm := NewFetchManager()
	res, ferr := testGet(t, fm, srv.URL+"/search?q=x", nil)
	if ferr != nil {
		t.Fatalf("unexpected fetch error: %v", ferr)
	}
	if string(res.Body) != "<html>ok</html>" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestFetchGone(t *testing.T) {
	fastFetchConfig(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	fm := NewFetchManager()
	res, ferr := testGet(t, fm, srv.URL, nil)
	if ferr != nil {
		t.Fatalf("404 should not be an error: %v", ferr)
	}
	if !res.Gone {
		t.Error("404 should come back Gone")
	}
}

func TestFetchRateLimitRetries(t *testing.T) {
	fastFetchConfig(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	fm := NewFetchManager()
	res, ferr := testGet(t, fm, srv.URL, nil)
	if ferr != nil {
		t.Fatalf("expected recovery after 429s: %v", ferr)
	}
	if string(res.Body) != "recovered" {
		t.Errorf("body = %q", res.Body)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, saw %d", calls)
	}
}

func TestFetchRateLimitExhaustsBudget(t *testing.T) {
	fastFetchConfig(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	fm := NewFetchManager()
	_, ferr := testGet(t, fm, srv.URL, nil)
	if ferr == nil || ferr.Kind != ErrBlocked {
		t.Fatalf("expected blocked error, got %v", ferr)
	}
	// Initial attempt plus at most 2 retries.
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, saw %d", n)
	}
}

func TestFetchServerErrorRetriesOnce(t *testing.T) {
	fastFetchConfig(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("second try"))
	}))
	defer srv.Close()

	fm := NewFetchManager()
	res, ferr := testGet(t, fm, srv.URL, nil)
	if ferr != nil {
		t.Fatalf("expected recovery after one 5xx: %v", ferr)
	}
	if string(res.Body) != "second try" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestFetchClientErrorAbandons(t *testing.T) {
	fastFetchConfig(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	fm := NewFetchManager()
	_, ferr := testGet(t, fm, srv.URL, nil)
	if ferr == nil || ferr.Kind != ErrHTTP4xx {
		t.Fatalf("expected http_4xx, got %v", ferr)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected one retry (2 attempts), saw %d", n)
	}
}

func TestFetchBlockMarkerTreatedAsBlocked(t *testing.T) {
	fastFetchConfig(t)
	body := "<html><title>Are You Human?</title>" + strings.Repeat("x", 600) + "</html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	fm := NewFetchManager()
	_, ferr := testGet(t, fm, srv.URL, &FetchOptions{MinDelay: time.Millisecond})
	if ferr == nil || ferr.Kind != ErrBlocked {
		t.Fatalf("block page not classified as blocked: %v", ferr)
	}
}

func TestFetchShortBodyTreatedAsBlocked(t *testing.T) {
	fastFetchConfig(t)
	Config.Fetcher.BlockedBodyFloorBytes = 512
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny"))
	}))
	defer srv.Close()

	fm := NewFetchManager()
	_, ferr := testGet(t, fm, srv.URL, nil)
	if ferr == nil || ferr.Kind != ErrBlocked {
		t.Fatalf("sub-floor body not classified as blocked: %v", ferr)
	}
}

func TestFetchHonorsCancellation(t *testing.T) {
	fastFetchConfig(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	fm := NewFetchManager()
	u, _ := ParseURL(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ferr := fm.Get(ctx, u, &FetchOptions{MinDelay: time.Millisecond})
	if ferr == nil {
		t.Fatal("expected an error after cancellation")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not propagate promptly")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if parseRetryAfter("7") != 7*time.Second {
		t.Error("delta-seconds not parsed")
	}
	if parseRetryAfter("600") != 120*time.Second {
		t.Error("Retry-After not capped")
	}
	if parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT") != 0 {
		t.Error("date form should fall back to our own backoff")
	}
}

func TestUserAgentRotation(t *testing.T) {
	fastFetchConfig(t)
	Config.Fetcher.UserAgents = []string{"ua-one", "ua-two"}

	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("User-Agent"))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	fm := NewFetchManager()
	for i := 0; i < 2; i++ {
		if _, ferr := testGet(t, fm, srv.URL, nil); ferr != nil {
			t.Fatal(ferr)
		}
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Errorf("user agents did not rotate: %v", seen)
	}
}
