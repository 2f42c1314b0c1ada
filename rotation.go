package marketscan

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/log4go"
)

// KeywordCursor is the durable pointer into the keyword corpus for one
// worker group. It is created on first run, mutated exactly once per
// completed invocation, and never destroyed.
type KeywordCursor struct {
	CorpusVersion   string    `json:"corpus_version"`
	LastIndex       int       `json:"last_index"`
	TotalKeywords   int       `json:"total_keywords"`
	CompletedCycles int       `json:"completed_cycles"`
	LastRun         time.Time `json:"last_run"`
	GroupID         int       `json:"group_id"`
	BatchSize       int       `json:"batch_size"`
}

// Rotation assigns each invocation a disjoint, covering slice of the
// keyword corpus across time, even when multiple groups run in parallel.
// Each group writes only its own cursor file, so no cross-group locking is
// needed; within a group the scheduler must not overlap invocations.
type Rotation struct {
	domain    ThreatDomain
	corpus    []string
	version   string
	groupID   int
	batchSize int

	cursor KeywordCursor
	saved  bool
}

// CorpusVersion derives the version id of a compiled keyword table: a
// 64-bit digest over the ordered keyword list. Any edit to the corpus
// changes the version and restarts cursors from their group offsets.
func CorpusVersion(corpus []string) string {
	h := fnv.New64a()
	for _, kw := range corpus {
		h.Write([]byte(kw))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// NewRotation loads (or freshly creates) the cursor for (domain, groupID)
// and prepares batch assignment over corpus.
func NewRotation(domain ThreatDomain, corpus []string, groupID, batchSize int) (*Rotation, error) {
	if groupID < 1 {
		return nil, fmt.Errorf("group_id must be >= 1, got %d", groupID)
	}
	if batchSize < 1 || batchSize > 200 {
		return nil, fmt.Errorf("batch_size must be in [1, 200], got %d", batchSize)
	}
	if len(corpus) == 0 {
		return nil, fmt.Errorf("empty keyword corpus for domain %v", domain)
	}

	r := &Rotation{
		domain:    domain,
		corpus:    corpus,
		version:   CorpusVersion(corpus),
		groupID:   groupID,
		batchSize: batchSize,
	}
	r.load()
	return r, nil
}

// CursorPath returns the cursor file for this rotation, following the
// <domain>_keyword_state_g<group>.json convention.
func (r *Rotation) CursorPath() string {
	return filepath.Join(Config.Keywords.StateDir, fmt.Sprintf("%s_keyword_state_g%d.json", r.domain, r.groupID))
}

// groupOffset spreads the first batch of each group across the corpus so
// that G groups with batch size B cover G*B distinct keywords on their
// first run.
func (r *Rotation) groupOffset() int {
	return ((r.groupID - 1) * r.batchSize) % len(r.corpus)
}

// fresh returns the cursor a group starts from when no state exists or the
// corpus changed underneath it.
func (r *Rotation) fresh() KeywordCursor {
	return KeywordCursor{
		CorpusVersion: r.version,
		LastIndex:     r.groupOffset(),
		TotalKeywords: len(r.corpus),
		GroupID:       r.groupID,
		BatchSize:     r.batchSize,
	}
}

// load reads the cursor at invocation start. Readers tolerate a missing
// cursor (fresh state); a corrupt or version-mismatched cursor also resets
// rather than failing the run.
func (r *Rotation) load() {
	path := r.CursorPath()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log4go.Warn("Could not read keyword cursor %v, starting fresh: %v", path, err)
		}
		r.cursor = r.fresh()
		return
	}

	var cur KeywordCursor
	if err := json.Unmarshal(data, &cur); err != nil {
		log4go.Warn("Corrupt keyword cursor %v, starting fresh: %v", path, err)
		r.cursor = r.fresh()
		return
	}

	if cur.CorpusVersion != r.version {
		log4go.Info("Keyword corpus changed (%v -> %v), resetting cursor for group %d",
			cur.CorpusVersion, r.version, r.groupID)
		r.cursor = r.fresh()
		return
	}

	cur.TotalKeywords = len(r.corpus)
	cur.BatchSize = r.batchSize
	r.cursor = cur
}

// Cursor returns a copy of the current cursor state.
func (r *Rotation) Cursor() KeywordCursor {
	return r.cursor
}

// Batch returns this invocation's keyword slice and the corpus index of its
// first keyword. When the cursor has run off the end of the corpus the call
// wraps it to the group offset and counts a completed cycle.
func (r *Rotation) Batch() ([]string, int) {
	n := len(r.corpus)
	if r.cursor.LastIndex >= n {
		r.cursor.LastIndex = r.groupOffset()
		r.cursor.CompletedCycles++
		log4go.Info("Group %d wrapped keyword corpus, completed_cycles now %d",
			r.groupID, r.cursor.CompletedCycles)
	}

	start := r.cursor.LastIndex
	end := start + r.batchSize
	if end > n {
		end = n
	}
	batch := make([]string, end-start)
	copy(batch, r.corpus[start:end])
	return batch, start
}

// Advance moves the cursor past the first `processed` keywords of the
// current batch. Keywords only partially processed when the deadline fired
// are not counted, so they are re-scanned next invocation.
func (r *Rotation) Advance(processed int) {
	if processed < 0 {
		processed = 0
	}
	if processed > r.batchSize {
		processed = r.batchSize
	}
	r.cursor.LastIndex += processed
}

// Save persists the cursor with an atomic file replace. It is called
// exactly once, at invocation end, after all persist attempts; calling it
// twice is a programmer error.
func (r *Rotation) Save() error {
	if r.saved {
		panic("keyword cursor saved twice in one invocation")
	}
	r.saved = true

	r.cursor.LastRun = time.Now().UTC()
	data, err := json.MarshalIndent(&r.cursor, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWriteFile(r.CursorPath(), data); err != nil {
		return fmt.Errorf("failed to persist keyword cursor for group %d: %v", r.groupID, err)
	}
	log4go.Info("Persisted keyword cursor for group %d: index %d/%d, cycle %d",
		r.groupID, r.cursor.LastIndex, r.cursor.TotalKeywords, r.cursor.CompletedCycles)
	return nil
}
