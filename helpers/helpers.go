// Package helpers holds test doubles shared by the marketscan test suites.
package helpers

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/openconservation/marketscan"
)

// MockDatastore is a testify mock of marketscan.Datastore for tests that
// assert on exact call patterns.
type MockDatastore struct {
	mock.Mock
}

func (m *MockDatastore) Insert(ctx context.Context, d *marketscan.Detection) (marketscan.InsertResult, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(marketscan.InsertResult), args.Error(1)
}

func (m *MockDatastore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MemoryDatastore is an in-memory Datastore enforcing the store's
// listing_url uniqueness, for pipeline tests that care about outcomes
// rather than call patterns.
type MemoryDatastore struct {
	mu   sync.Mutex
	Rows map[string]*marketscan.Detection

	// FailWith forces every insert to return this result when non-nil.
	FailWith *marketscan.InsertResult
}

func NewMemoryDatastore() *MemoryDatastore {
	return &MemoryDatastore{Rows: map[string]*marketscan.Detection{}}
}

func (m *MemoryDatastore) Insert(ctx context.Context, d *marketscan.Detection) (marketscan.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return *m.FailWith, nil
	}
	if _, ok := m.Rows[d.ListingURL]; ok {
		return marketscan.Duplicate, nil
	}
	m.Rows[d.ListingURL] = d
	return marketscan.Inserted, nil
}

func (m *MemoryDatastore) Close() error { return nil }

func (m *MemoryDatastore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Rows)
}

// StubScanner is a canned-response Scanner for orchestrator tests.
type StubScanner struct {
	Name     string
	Listings []*marketscan.Listing
	Tally    marketscan.ErrorTally
	Delay    time.Duration

	mu    sync.Mutex
	Calls []string
}

func (s *StubScanner) Tag() string { return s.Name }

func (s *StubScanner) Search(ctx context.Context, keyword string, maxResults int) ([]*marketscan.Listing, marketscan.ErrorTally) {
	s.mu.Lock()
	s.Calls = append(s.Calls, keyword)
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, marketscan.ErrorTally{}
		}
	}

	tally := marketscan.ErrorTally{}
	tally.Merge(s.Tally)

	// Each call hands back fresh copies so downstream normalization can't
	// leak between keywords.
	var out []*marketscan.Listing
	for _, l := range s.Listings {
		c := *l
		c.URL = l.URL.Clone()
		c.SearchTerm = keyword
		c.ObservedAt = time.Now().UTC()
		out = append(out, &c)
	}
	return out, tally
}

func (s *StubScanner) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// FakeDial makes connections to localhost, no matter what addr was given.
func FakeDial(network, addr string) (net.Conn, error) {
	_, port, _ := net.SplitHostPort(addr)
	return net.Dial(network, net.JoinHostPort("localhost", port))
}

// GetFakeTransport gets a http.RoundTripper that uses FakeDial.
func GetFakeTransport() http.RoundTripper {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		Dial:                FakeDial,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// MustListing builds a minimal valid listing for tests.
func MustListing(platform, title, rawURL, price string) *marketscan.Listing {
	u, err := marketscan.ParseURL(rawURL)
	if err != nil {
		panic(err)
	}
	return &marketscan.Listing{
		Platform:   platform,
		Title:      title,
		Price:      marketscan.Price{Raw: price},
		URL:        u,
		ObservedAt: time.Now().UTC(),
	}
}
