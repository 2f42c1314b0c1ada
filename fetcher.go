package marketscan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/log4go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"github.com/openconservation/marketscan/dnscache"
)

// FetchError is a classified fetch failure. Scanners turn these into tally
// increments; they never propagate past a (platform, keyword) unit.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// FetchResult is the outcome of one successful request cycle. A 404/410
// comes back as a result with Gone=true rather than an error, since for a
// search page it just means no results.
type FetchResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Gone       bool
}

// FetchOptions carries the per-platform knobs for a single request.
type FetchOptions struct {
	// Headers are set on the request after the rotating User-Agent.
	Headers map[string]string

	// BlockMarkers are lowercase substrings whose presence in the body
	// identifies an anti-bot interstitial. A marker hit is handled like a
	// 429.
	BlockMarkers []string

	// MinDelay is the per-host politeness interval; the host's token bucket
	// refills at this rate.
	MinDelay time.Duration
}

// FetchManager owns the HTTP client shared by every scanner in the process:
// one pooled transport with a DNS-caching dialer, a global outbound
// concurrency cap, per-host token buckets, a rotating user-agent pool,
// cached robots.txt groups, and the retry/backoff/anti-bot discipline from
// the scanner contract.
//
// The calling code must create one with NewFetchManager and hand it to every
// scanner; scanners never build their own client.
type FetchManager struct {
	// Transport can be set before first use to override the default network
	// transport. Good for faking remote servers in tests.
	Transport http.RoundTripper

	client     *http.Client
	timeout    time.Duration
	backoffMin time.Duration
	backoffMax time.Duration

	// global outbound concurrency cap
	slots chan struct{}

	// per-host token buckets
	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex

	uaCounter uint64

	// robots.txt groups per host; failures cache a permissive group
	robots *lru.Cache

	startOnce sync.Once
}

// NewFetchManager builds a FetchManager from the global Config. It panics on
// config values that assertConfigInvariants already vouched for, so failures
// here are programmer errors.
func NewFetchManager() *FetchManager {
	timeout, err := time.ParseDuration(Config.Fetcher.HttpTimeout)
	if err != nil {
		panic(err)
	}
	bmin, err := time.ParseDuration(Config.Fetcher.RetryBackoffMin)
	if err != nil {
		panic(err)
	}
	bmax, err := time.ParseDuration(Config.Fetcher.RetryBackoffMax)
	if err != nil {
		panic(err)
	}

	robots, err := lru.New(1024)
	if err != nil {
		panic(err)
	}

	return &FetchManager{
		timeout:    timeout,
		backoffMin: bmin,
		backoffMax: bmax,
		slots:      make(chan struct{}, Config.Fetcher.MaxConcurrentRequests),
		limiters:   map[string]*rate.Limiter{},
		robots:     robots,
	}
}

// start finishes wiring on first use, so tests can swap Transport in after
// construction.
func (fm *FetchManager) start() {
	fm.startOnce.Do(func() {
		if fm.Transport == nil {
			t := &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				Dial: (&net.Dialer{
					Timeout:   fm.timeout,
					KeepAlive: 30 * time.Second,
				}).Dial,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: Config.Fetcher.PerHostConcurrency,
			}
			dial, err := dnscache.Dial(t.Dial, Config.Fetcher.MaxDNSCacheEntries)
			if err != nil {
				log4go.Error("Failed to construct dnscaching Dialer: %v", err)
				panic(err)
			}
			t.Dial = dial
			fm.Transport = t
		}

		fm.client = &http.Client{
			Transport: fm.Transport,
			Timeout:   fm.timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > Config.Fetcher.MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", Config.Fetcher.MaxRedirects)
				}
				from := &URL{URL: via[0].URL}
				to := &URL{URL: req.URL}
				if !from.SameHostFamily(to) {
					return fmt.Errorf("redirect leaves host family: %v -> %v", via[0].URL.Host, req.URL.Host)
				}
				return nil
			},
		}
	})
}

// Client exposes the shared http.Client for callers that need verbs or
// auth flows Get doesn't cover (the eBay API scanner's token exchange).
// Scanners must not build their own clients.
func (fm *FetchManager) Client() *http.Client {
	fm.start()
	return fm.client
}

// nextUserAgent rotates through the configured pool.
func (fm *FetchManager) nextUserAgent() string {
	n := atomic.AddUint64(&fm.uaCounter, 1)
	pool := Config.Fetcher.UserAgents
	return pool[int(n)%len(pool)]
}

// limiter returns the token bucket for host, creating it sized from minDelay
// on first sight.
func (fm *FetchManager) limiter(host string, minDelay time.Duration) *rate.Limiter {
	fm.limitersMu.Lock()
	defer fm.limitersMu.Unlock()
	if lim, ok := fm.limiters[host]; ok {
		return lim
	}
	if minDelay <= 0 {
		minDelay = time.Second
	}
	lim := rate.NewLimiter(rate.Every(minDelay), Config.Fetcher.PerHostConcurrency)
	fm.limiters[host] = lim
	return lim
}

// Allowed consults the host's robots.txt (cached) for u. Hosts that fail to
// serve robots.txt are treated as allowing everything.
func (fm *FetchManager) Allowed(ctx context.Context, u *URL) bool {
	if !Config.Fetcher.HonorRobotsTxt {
		return true
	}
	fm.start()

	host := u.Host
	var grp *robotstxt.Group
	if cached, ok := fm.robots.Get(host); ok {
		grp = cached.(*robotstxt.Group)
	} else {
		grp = fm.fetchRobots(ctx, u)
		fm.robots.Add(host, grp)
	}
	return grp.Test(u.RequestURI())
}

func (fm *FetchManager) fetchRobots(ctx context.Context, u *URL) *robotstxt.Group {
	data, _ := robotstxt.FromBytes([]byte("User-agent: *\n"))
	def := data.FindGroup(Config.Fetcher.UserAgents[0])

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	req, err := http.NewRequestWithContext(ctx, "GET", robotsURL, nil)
	if err != nil {
		return def
	}
	req.Header.Set("User-Agent", fm.nextUserAgent())

	res, err := fm.client.Do(req)
	if err != nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		if res != nil {
			res.Body.Close()
		}
		log4go.Debug("Could not fetch %v, assuming there is no robots.txt", robotsURL)
		return def
	}

	robots, err := robotstxt.FromResponse(res)
	res.Body.Close()
	if err != nil {
		log4go.Debug("Error parsing robots.txt (%v), assuming there is no robots.txt: %v", robotsURL, err)
		return def
	}

	grp := robots.FindGroup(Config.Fetcher.UserAgents[0])
	if max, err := time.ParseDuration(Config.Fetcher.MaxRobotsCrawlDelay); err == nil && grp.CrawlDelay > max {
		grp.CrawlDelay = max
	}
	return grp
}

// Get performs one request cycle against u with the full retry discipline:
// a hard per-request timeout with one retry on timeout, Retry-After honored
// on 429/503 with at most 2 retries, one retry on other 4xx/5xx, anti-bot
// body heuristics treated like a 429. On success the complete (size-capped)
// body has been read.
func (fm *FetchManager) Get(ctx context.Context, u *URL, opt *FetchOptions) (*FetchResult, *FetchError) {
	fm.start()
	if opt == nil {
		opt = &FetchOptions{}
	}

	var last *FetchError
	timeoutRetried := false
	rateRetries := 0
	errorRetried := false

	for attempt := 0; attempt < 6; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &FetchError{Kind: ErrOther, Err: err}
		}

		res, ferr := fm.once(ctx, u, opt)
		if ferr == nil {
			return res, nil
		}
		last = ferr

		switch ferr.Kind {
		case ErrTimeout:
			if timeoutRetried {
				return nil, last
			}
			timeoutRetried = true
			fm.sleep(ctx, fm.jitteredBackoff(0))
		case ErrBlocked:
			if rateRetries >= 2 {
				return nil, last
			}
			delay := retryAfter(ferr)
			if delay == 0 {
				delay = fm.jitteredBackoff(rateRetries + 1)
			}
			rateRetries++
			fm.sleep(ctx, delay)
		case ErrHTTP4xx, ErrHTTP5xx:
			if errorRetried {
				return nil, last
			}
			errorRetried = true
			fm.sleep(ctx, fm.jitteredBackoff(0))
		default:
			return nil, last
		}
	}
	return nil, last
}

// blockedError carries the Retry-After hint through the retry loop.
type blockedError struct {
	status     int
	retryAfter time.Duration
}

func (e *blockedError) Error() string {
	return fmt.Sprintf("blocked or rate limited (status %d)", e.status)
}

func retryAfter(fe *FetchError) time.Duration {
	if be, ok := fe.Err.(*blockedError); ok {
		return be.retryAfter
	}
	return 0
}

// once performs exactly one HTTP GET and classifies the outcome.
func (fm *FetchManager) once(ctx context.Context, u *URL, opt *FetchOptions) (*FetchResult, *FetchError) {
	lim := fm.limiter(u.Host, opt.MinDelay)
	if err := lim.Wait(ctx); err != nil {
		return nil, &FetchError{Kind: ErrOther, Err: err}
	}

	select {
	case fm.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, &FetchError{Kind: ErrOther, Err: ctx.Err()}
	}
	defer func() { <-fm.slots }()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, &FetchError{Kind: ErrOther, Err: err}
	}
	req.Header.Set("User-Agent", fm.nextUserAgent())
	req.Header.Set("Accept", strings.Join(Config.Fetcher.AcceptFormats, ","))
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	for k, v := range opt.Headers {
		req.Header.Set(k, v)
	}
	log4go.Fine("Sending request: %v", u)

	res, err := fm.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &FetchError{Kind: ErrTimeout, Err: err}
		}
		return nil, &FetchError{Kind: ErrOther, Err: err}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
		return &FetchResult{StatusCode: res.StatusCode, Header: res.Header, Gone: true}, nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusServiceUnavailable:
		return nil, &FetchError{Kind: ErrBlocked, Err: &blockedError{
			status:     res.StatusCode,
			retryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
		}}
	case res.StatusCode >= 500:
		return nil, &FetchError{Kind: ErrHTTP5xx, Err: fmt.Errorf("server error %v for %v", res.Status, u)}
	case res.StatusCode >= 400:
		return nil, &FetchError{Kind: ErrHTTP4xx, Err: fmt.Errorf("client error %v for %v", res.Status, u)}
	}

	body, err := readCapped(res.Body, Config.Fetcher.MaxHTTPContentSizeBytes)
	if err != nil {
		return nil, &FetchError{Kind: ErrOther, Err: err}
	}

	if blocked, marker := looksBlocked(body, opt.BlockMarkers); blocked {
		return nil, &FetchError{Kind: ErrBlocked, Err: &blockedError{status: res.StatusCode}}
	} else if marker != "" {
		log4go.Fine("Near-miss block marker %q for %v", marker, u)
	}

	return &FetchResult{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
}

// readCapped reads reader fully up to max bytes, erroring past the cap.
func readCapped(reader io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(reader, max+1))
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, fmt.Errorf("content size exceeded %d bytes", max)
	}
	return buf.Bytes(), nil
}

// looksBlocked applies the anti-bot heuristics: a body below the configured
// floor, or any platform block marker present.
func looksBlocked(body []byte, markers []string) (bool, string) {
	if len(body) < Config.Fetcher.BlockedBodyFloorBytes {
		return true, ""
	}
	lower := strings.ToLower(string(body[:min(len(body), 4096)]))
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true, m
		}
	}
	for _, m := range []string{"are you human", "unusual traffic", "enable javascript and cookies", "captcha"} {
		if strings.Contains(lower, m) {
			return true, m
		}
	}
	return false, ""
}

func isTimeout(err error) bool {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "Client.Timeout exceeded")
}

// parseRetryAfter accepts the delta-seconds form of Retry-After; the HTTP
// date form is rare enough on marketplace block pages that it falls back to
// our own backoff.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

// jitteredBackoff returns a uniformly jittered delay in
// [backoffMin, backoffMax], doubled per prior attempt and capped at 4x max.
func (fm *FetchManager) jitteredBackoff(attempt int) time.Duration {
	span := fm.backoffMax - fm.backoffMin
	d := fm.backoffMin
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	d <<= uint(attempt)
	if ceiling := fm.backoffMax * 4; d > ceiling {
		d = ceiling
	}
	return d
}

func (fm *FetchManager) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
