package marketscan

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func testCorpus(n int) []string {
	corpus := make([]string, n)
	for i := range corpus {
		corpus[i] = fmt.Sprintf("keyword%04d", i)
	}
	return corpus
}

func useTempStateDir(t *testing.T) {
	t.Helper()
	orig := Config.Keywords.StateDir
	Config.Keywords.StateDir = t.TempDir()
	t.Cleanup(func() { Config.Keywords.StateDir = orig })
}

// runOnce simulates one full worker invocation of a group: load cursor,
// take the batch, process all of it, persist.
func runOnce(t *testing.T, domain ThreatDomain, corpus []string, group, batchSize int) ([]string, KeywordCursor) {
	t.Helper()
	r, err := NewRotation(domain, corpus, group, batchSize)
	if err != nil {
		t.Fatal(err)
	}
	batch, _ := r.Batch()
	r.Advance(len(batch))
	if err := r.Save(); err != nil {
		t.Fatal(err)
	}
	return batch, r.Cursor()
}

func TestCursorWrap(t *testing.T) {
	useTempStateDir(t)
	corpus := testCorpus(1000)

	// Five invocations of batch 200 walk the whole corpus.
	var cur KeywordCursor
	for i := 0; i < 5; i++ {
		_, cur = runOnce(t, DomainWildlife, corpus, 1, 200)
	}
	if cur.LastIndex != 1000 {
		t.Fatalf("after five runs last_index = %d, expected 1000", cur.LastIndex)
	}
	if cur.CompletedCycles != 0 {
		t.Fatalf("cycle counted before wrap: %d", cur.CompletedCycles)
	}

	// The sixth invocation wraps and re-processes [0, 200).
	batch, cur := runOnce(t, DomainWildlife, corpus, 1, 200)
	if cur.CompletedCycles != 1 {
		t.Errorf("completed_cycles = %d after wrap, expected 1", cur.CompletedCycles)
	}
	if batch[0] != corpus[0] || batch[len(batch)-1] != corpus[199] {
		t.Errorf("wrapped batch is [%v..%v], expected [%v..%v]",
			batch[0], batch[len(batch)-1], corpus[0], corpus[199])
	}
}

func TestCursorMonotonicWithinCycle(t *testing.T) {
	useTempStateDir(t)
	corpus := testCorpus(100)

	last := -1
	for i := 0; i < 4; i++ {
		_, cur := runOnce(t, DomainWildlife, corpus, 1, 25)
		if cur.LastIndex < last {
			t.Fatalf("last_index went backwards: %d -> %d", last, cur.LastIndex)
		}
		last = cur.LastIndex
	}
}

func TestInitialPartitionsDisjoint(t *testing.T) {
	useTempStateDir(t)
	corpus := testCorpus(1000)

	const groups, batchSize = 4, 50
	seen := map[string]int{}
	for g := 1; g <= groups; g++ {
		batch, _ := runOnce(t, DomainWildlife, corpus, g, batchSize)
		if len(batch) != batchSize {
			t.Fatalf("group %d batch size %d", g, len(batch))
		}
		for _, kw := range batch {
			seen[kw]++
		}
	}

	if len(seen) != groups*batchSize {
		t.Errorf("union covers %d keywords, expected %d", len(seen), groups*batchSize)
	}
	for kw, n := range seen {
		if n > 1 {
			t.Errorf("keyword %v assigned to %d groups", kw, n)
		}
	}
}

func TestPartialAdvanceRescans(t *testing.T) {
	useTempStateDir(t)
	corpus := testCorpus(100)

	r, err := NewRotation(DomainWildlife, corpus, 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	batch, _ := r.Batch()
	// Only 12 of 20 keywords finished before the deadline.
	r.Advance(12)
	if err := r.Save(); err != nil {
		t.Fatal(err)
	}

	r2, err := NewRotation(DomainWildlife, corpus, 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	batch2, start := r2.Batch()
	if start != 12 {
		t.Fatalf("next batch starts at %d, expected 12", start)
	}
	if batch2[0] != batch[12] {
		t.Errorf("partially processed keywords not re-scanned")
	}
}

func TestCorpusVersionMismatchResets(t *testing.T) {
	useTempStateDir(t)
	corpus := testCorpus(100)
	runOnce(t, DomainWildlife, corpus, 1, 20)

	// Same state dir, edited corpus: the cursor resets to the group
	// offset.
	edited := append([]string{"brand new keyword"}, corpus...)
	r, err := NewRotation(DomainWildlife, edited, 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Cursor().LastIndex; got != 0 {
		t.Errorf("cursor not reset on corpus change: last_index %d", got)
	}
	if r.Cursor().CompletedCycles != 0 {
		t.Errorf("completed_cycles survived corpus change")
	}
}

func TestCorruptCursorTolerated(t *testing.T) {
	useTempStateDir(t)
	corpus := testCorpus(100)

	path := filepath.Join(Config.Keywords.StateDir, "wildlife_keyword_state_g1.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRotation(DomainWildlife, corpus, 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if r.Cursor().LastIndex != 0 {
		t.Errorf("corrupt cursor should reset to fresh state")
	}
}

func TestSeparateCursorPerDomain(t *testing.T) {
	useTempStateDir(t)
	wl := testCorpus(50)
	ht := testCorpus(30)

	runOnce(t, DomainWildlife, wl, 1, 10)
	_, cur := runOnce(t, DomainHumanTrafficking, ht, 1, 10)
	if cur.LastIndex != 10 {
		t.Errorf("domains share cursor state: %+v", cur)
	}

	if _, err := os.Stat(filepath.Join(Config.Keywords.StateDir, "wildlife_keyword_state_g1.json")); err != nil {
		t.Error("wildlife cursor file missing")
	}
	if _, err := os.Stat(filepath.Join(Config.Keywords.StateDir, "human_trafficking_keyword_state_g1.json")); err != nil {
		t.Error("human_trafficking cursor file missing")
	}
}

func TestCorpusVersionStable(t *testing.T) {
	corpus := testCorpus(10)
	if CorpusVersion(corpus) != CorpusVersion(testCorpus(10)) {
		t.Error("corpus version not deterministic")
	}
	if CorpusVersion(corpus) == CorpusVersion(testCorpus(11)) {
		t.Error("corpus version ignores corpus content")
	}
}
