// Package filestore is a local, file-backed stand-in for the detection
// store, used when no STORE_URL is configured: development runs and
// dry-runs write JSON lines instead of POSTing rows. It keeps the same
// uniqueness semantics as the real store so the rest of the pipeline can't
// tell the difference.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/alecthomas/log4go"

	"github.com/openconservation/marketscan"
)

// FileStore appends detections to a JSON-lines file and enforces
// listing_url uniqueness against everything already in that file. It
// implements marketscan.Datastore.
type FileStore struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	urls map[string]bool
	path string
}

// Open creates (or appends to) detections.jsonl under dir, loading the
// existing rows' URLs so duplicates are detected across invocations.
func Open(dir string) (*FileStore, error) {
	path := filepath.Join(dir, "detections.jsonl")
	fs := &FileStore{urls: map[string]bool{}, path: path}

	if existing, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var d marketscan.Detection
			if json.Unmarshal(scanner.Bytes(), &d) == nil && d.ListingURL != "" {
				fs.urls[d.ListingURL] = true
			}
		}
		existing.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open file store %v: %v", path, err)
	}
	fs.f = f
	fs.w = bufio.NewWriter(f)

	log4go.Info("File store open at %v (%d existing detections)", path, len(fs.urls))
	return fs, nil
}

// Insert implements marketscan.Datastore with the same per-URL uniqueness
// the real store enforces.
func (fs *FileStore) Insert(ctx context.Context, d *marketscan.Detection) (marketscan.InsertResult, error) {
	if d.ListingURL == "" || d.Platform == "" || d.ObservedAt.IsZero() {
		return marketscan.FatalError, fmt.Errorf("detection missing required fields (platform=%q url=%q)", d.Platform, d.ListingURL)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.urls[d.ListingURL] {
		return marketscan.Duplicate, nil
	}

	line, err := json.Marshal(d)
	if err != nil {
		return marketscan.FatalError, err
	}
	if _, err := fs.w.Write(append(line, '\n')); err != nil {
		return marketscan.TransientError, err
	}

	fs.urls[d.ListingURL] = true
	return marketscan.Inserted, nil
}

// Close flushes and closes the backing file.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.w.Flush(); err != nil {
		fs.f.Close()
		return err
	}
	return fs.f.Close()
}
