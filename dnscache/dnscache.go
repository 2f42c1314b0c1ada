/*
Package dnscache implements a Dial function that caches DNS resolutions.

Marketplace scans hit the same ten-odd hosts thousands of times per
invocation, so resolving once per host and dialing the cached IP removes a
lookup from nearly every request. Failed resolutions are cached too, which
keeps a dead platform from stalling every keyword on DNS timeouts.
*/
package dnscache

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// recordTTL is how long a cached resolution is trusted before the next dial
// refreshes it.
const recordTTL = 5 * time.Minute

// Dial wraps the given dial function with caching of DNS resolutions. When a
// hostname is found in the cache the provided dial is called with the IP
// address instead of the hostname, so no DNS lookup need be performed.
//
// If wrappedDial is nil, net.Dial is used.
func Dial(wrappedDial func(network, addr string) (net.Conn, error), maxEntries int) (func(network, addr string) (net.Conn, error), error) {
	if wrappedDial == nil {
		wrappedDial = net.Dial
	}
	cache, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	c := &dnsCache{
		wrappedDial: wrappedDial,
		cache:       cache,
	}
	return c.cachingDial, nil
}

type dnsCache struct {
	wrappedDial func(network, address string) (net.Conn, error)
	cache       *lru.Cache
	mu          sync.RWMutex
}

type hostRecord struct {
	ipaddr    string
	failed    bool
	err       error
	lastQuery time.Time
}

func (c *dnsCache) cachingDial(network, addr string) (net.Conn, error) {
	key := network + addr

	c.mu.RLock()
	entry, ok := c.cache.Get(key)
	c.mu.RUnlock()

	if ok {
		record := entry.(hostRecord)
		if time.Since(record.lastQuery) > recordTTL {
			return c.refresh(network, addr)
		}
		if record.failed {
			return nil, record.err
		}
		return c.wrappedDial(network, record.ipaddr)
	}

	return c.refresh(network, addr)
}

// refresh dials through to the real resolver and overwrites any cached
// record for this host, success or failure.
func (c *dnsCache) refresh(network, addr string) (net.Conn, error) {
	key := network + addr
	conn, err := c.wrappedDial(network, addr)
	queryTime := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.cache.Add(key, hostRecord{
			failed:    true,
			err:       err,
			lastQuery: queryTime,
		})
		return nil, err
	}
	c.cache.Add(key, hostRecord{
		ipaddr:    conn.RemoteAddr().String(),
		lastQuery: queryTime,
	})
	return conn, nil
}
