package marketscan

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSeenCacheBasics(t *testing.T) {
	c := NewSeenCache(10)
	if c.CheckAndAdd("aaaa") {
		t.Error("fresh fingerprint reported seen")
	}
	if !c.CheckAndAdd("aaaa") {
		t.Error("repeated fingerprint not reported seen")
	}
	if c.Hits() != 1 {
		t.Errorf("hits = %d, expected 1", c.Hits())
	}
}

func TestSeenCacheFIFOEviction(t *testing.T) {
	c := NewSeenCache(3)
	c.CheckAndAdd("a")
	c.CheckAndAdd("b")
	c.CheckAndAdd("c")
	c.CheckAndAdd("d") // evicts "a", the oldest

	if c.Len() != 3 {
		t.Fatalf("len = %d, expected 3", c.Len())
	}
	if c.CheckAndAdd("a") {
		t.Error("oldest entry should have been evicted")
	}
	if !c.CheckAndAdd("d") {
		t.Error("newest entry should still be present")
	}
}

func TestSeenCacheSnapshotRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wildlife_url_cache.json")

	c := NewSeenCache(100)
	c.CheckAndAdd("0123abcd")
	c.CheckAndAdd("4567ef01")
	if err := c.Flush(path); err != nil {
		t.Fatal(err)
	}

	c2 := NewSeenCache(100)
	c2.Load(path)
	if !c2.CheckAndAdd("0123abcd") || !c2.CheckAndAdd("4567ef01") {
		t.Error("snapshot did not restore fingerprints")
	}
	if c2.CheckAndAdd("deadbeef") {
		t.Error("snapshot restored a fingerprint that was never added")
	}
}

func TestSeenCacheLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	c := NewSeenCache(10)
	c.Load(filepath.Join(dir, "nope.json")) // missing is fresh state

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{{{"), 0644); err != nil {
		t.Fatal(err)
	}
	c.Load(bad) // corrupt is logged and ignored
	if c.Len() != 0 {
		t.Errorf("corrupt snapshot loaded entries: %d", c.Len())
	}
}
