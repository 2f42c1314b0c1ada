package marketscan

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alecthomas/log4go"
)

// SeenCache is the process-local set of listing fingerprints consulted
// before scoring and before persistence. It is advisory: the authoritative
// uniqueness check is the store's constraint on listing_url. Eviction is
// FIFO by insertion order so a long-running backfill can't pin stale
// entries the way an LRU would.
type SeenCache struct {
	mu       sync.Mutex
	set      map[Fingerprint]struct{}
	order    []Fingerprint
	head     int
	capacity int
	hits     uint64
}

// NewSeenCache creates a cache bounded at capacity fingerprints.
func NewSeenCache(capacity int) *SeenCache {
	if capacity < 1 {
		panic("SeenCache capacity must be positive")
	}
	return &SeenCache{
		set:      make(map[Fingerprint]struct{}, capacity),
		order:    make([]Fingerprint, 0, capacity),
		capacity: capacity,
	}
}

// CheckAndAdd records fp and reports whether it was already present. This is
// the hot path: a single lookup plus at most one insert under the lock.
func (c *SeenCache) CheckAndAdd(fp Fingerprint) (seen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.set[fp]; ok {
		c.hits++
		return true
	}

	if len(c.set) >= c.capacity {
		oldest := c.order[c.head]
		delete(c.set, oldest)
		c.order[c.head] = fp
		c.head = (c.head + 1) % len(c.order)
	} else {
		c.order = append(c.order, fp)
	}
	c.set[fp] = struct{}{}
	return false
}

// Len returns the current number of cached fingerprints.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.set)
}

// Hits returns how many CheckAndAdd calls found their fingerprint already
// present.
func (c *SeenCache) Hits() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// seenSnapshot is the on-disk form of the cache.
type seenSnapshot struct {
	Fingerprints []Fingerprint `json:"fingerprints"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SnapshotPath returns the snapshot file for a threat domain, e.g.
// wildlife_url_cache.json.
func SnapshotPath(domain ThreatDomain) string {
	return filepath.Join(Config.Dedupe.SnapshotDir, fmt.Sprintf("%s_url_cache.json", domain))
}

// Load reads a snapshot file into the cache. A missing file is fresh state,
// not an error; a corrupt file is logged and ignored.
func (c *SeenCache) Load(path string) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log4go.Warn("Could not read seen-URL snapshot %v: %v", path, err)
		}
		return
	}

	var snap seenSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log4go.Warn("Corrupt seen-URL snapshot %v, starting empty: %v", path, err)
		return
	}

	for _, fp := range snap.Fingerprints {
		c.CheckAndAdd(fp)
	}
	log4go.Info("Loaded %v fingerprints from %v", len(snap.Fingerprints), path)
}

// Flush writes the cache to path via temp-file-plus-rename so readers never
// observe a partial snapshot.
func (c *SeenCache) Flush(path string) error {
	c.mu.Lock()
	snap := seenSnapshot{
		Fingerprints: make([]Fingerprint, 0, len(c.set)),
		UpdatedAt:    time.Now().UTC(),
	}
	// Walk in insertion order, oldest first, so a truncated future load
	// drops the oldest entries.
	for i := 0; i < len(c.order); i++ {
		fp := c.order[(c.head+i)%len(c.order)]
		if _, ok := c.set[fp]; ok {
			snap.Fingerprints = append(snap.Fingerprints, fp)
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(&snap)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data)
}

// atomicWriteFile writes data to path with write-temp-then-rename semantics.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := ioutil.TempFile(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		if werr != nil {
			return werr
		}
		return cerr
	}
	return os.Rename(tmp.Name(), path)
}
