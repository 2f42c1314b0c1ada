// Package store implements the persistence adapter for scored detections:
// a REST/HTTPS client with bearer-token auth, per-row idempotent inserts,
// and retry discipline for transient store failures. The store enforces
// uniqueness on listing_url; this adapter surfaces that as a Duplicate
// result rather than an error.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alecthomas/log4go"

	"github.com/openconservation/marketscan"
)

// Store is the REST persistence adapter. It implements
// marketscan.Datastore.
type Store struct {
	client       *http.Client
	baseURL      string
	apiKey       string
	path         string
	maxRetries   int
	backfillDays int

	inserted   uint64
	duplicates uint64
}

// New builds the adapter from the global config. STORE_URL and
// STORE_API_KEY must both be present; a missing credential is a config
// error the caller turns into exit code 10.
func New(client *http.Client) (*Store, error) {
	cfg := marketscan.Config.Store
	if cfg.URL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("store credentials missing (STORE_URL / STORE_API_KEY)")
	}
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("bad store timeout: %v", err)
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Store{
		client:       client,
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		apiKey:       cfg.APIKey,
		path:         cfg.DetectionsPath,
		maxRetries:   cfg.MaxRetries,
		backfillDays: cfg.BackfillDays,
	}, nil
}

// storeError is the well-formed error body the store returns on constraint
// violations and validation failures.
type storeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Insert attempts to persist one detection, retrying transient failures up
// to the configured budget. By the time a result is returned it is final
// for this invocation. No partial row is ever written: the POST either
// lands or it doesn't.
func (s *Store) Insert(ctx context.Context, d *marketscan.Detection) (marketscan.InsertResult, error) {
	if d.ListingURL == "" || d.Platform == "" || d.ObservedAt.IsZero() {
		return marketscan.FatalError, fmt.Errorf("detection missing required fields (platform=%q url=%q)", d.Platform, d.ListingURL)
	}

	if age := time.Since(d.ObservedAt); age > 24*time.Hour {
		if s.backfillDays <= 0 || age > time.Duration(s.backfillDays)*24*time.Hour {
			return marketscan.FatalError, fmt.Errorf("observed_at %v outside backfill window", d.ObservedAt)
		}
		d.Backfill = true
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return marketscan.FatalError, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return marketscan.TransientError, ctx.Err()
			}
		}

		result, final, err := s.post(ctx, payload)
		if final {
			if result == marketscan.Inserted {
				atomic.AddUint64(&s.inserted, 1)
			} else if result == marketscan.Duplicate {
				atomic.AddUint64(&s.duplicates, 1)
			}
			return result, err
		}
		lastErr = err
		log4go.Debug("Transient store failure (attempt %d/%d): %v", attempt+1, s.maxRetries+1, err)
	}

	return marketscan.TransientError, lastErr
}

// post performs exactly one insert attempt. final=false means the attempt
// may be retried.
func (s *Store) post(ctx context.Context, payload []byte) (result marketscan.InsertResult, final bool, err error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+s.path, bytes.NewReader(payload))
	if err != nil {
		return marketscan.FatalError, true, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	res, err := s.client.Do(req)
	if err != nil {
		return marketscan.TransientError, false, err
	}
	defer res.Body.Close()
	body, _ := ioutil.ReadAll(res.Body)

	switch {
	case res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated:
		return marketscan.Inserted, true, nil

	case res.StatusCode == http.StatusConflict:
		return marketscan.Duplicate, true, nil

	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return marketscan.FatalError, true, fmt.Errorf("store auth failure: %v", res.Status)

	case res.StatusCode >= 500:
		return marketscan.TransientError, false, fmt.Errorf("store error %v", res.Status)

	default:
		// Some stores report unique violations as 400 with a coded body
		// (PostgreSQL 23505 via PostgREST).
		var serr storeError
		if json.Unmarshal(body, &serr) == nil {
			if serr.Code == "23505" || strings.Contains(strings.ToLower(serr.Message), "duplicate key") {
				return marketscan.Duplicate, true, nil
			}
		}
		return marketscan.FatalError, true, fmt.Errorf("store rejected row (%v): %s", res.Status, truncate(body, 200))
	}
}

// Counts reports rows inserted and duplicates dropped so far.
func (s *Store) Counts() (inserted, duplicates uint64) {
	return atomic.LoadUint64(&s.inserted), atomic.LoadUint64(&s.duplicates)
}

// Close implements marketscan.Datastore. The adapter holds no buffered
// state; each insert is final when it returns.
func (s *Store) Close() error { return nil }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
