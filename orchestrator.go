package marketscan

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alecthomas/log4go"
	"golang.org/x/sync/errgroup"

	"github.com/openconservation/marketscan/semaphore"
)

// RunSummary is the per-invocation accounting record, written as
// <domain>_run_<timestamp>.json and uploaded by the driver as an artifact.
type RunSummary struct {
	Domain             ThreatDomain          `json:"domain"`
	GroupID            int                   `json:"group_id"`
	StartedAt          time.Time             `json:"started_at"`
	WallClockSeconds   float64               `json:"wall_clock_seconds"`
	TimedOut           bool                  `json:"timed_out"`
	KeywordsAssigned   int                   `json:"keywords_assigned"`
	CursorAdvance      int                   `json:"cursor_advance"`
	TotalScanned       int                   `json:"total_scanned"`
	TotalStored        int                   `json:"total_stored"`
	DuplicatesCache    int                   `json:"duplicates_cache"`
	DuplicatesStore    int                   `json:"duplicates_store"`
	SafeSkipped        int                   `json:"safe_skipped"`
	ErrorsByKind       map[ErrorKind]int     `json:"errors_by_kind"`
	ErrorsByPlatform   map[string]ErrorTally `json:"errors_by_platform"`
	ListingsByPlatform map[string]int        `json:"listings_by_platform"`
	ListingsPerMinute  map[string]float64    `json:"listings_per_minute"`
	PersistFailures    []string              `json:"persist_failures,omitempty"`
	ParseErrorSamples  []string              `json:"parse_error_samples,omitempty"`
	FatalError         string                `json:"fatal_error,omitempty"`
}

// ParseSampler is an optional Scanner capability: scanners that keep
// size-limited excerpts of unparseable pages expose them for the run
// summary.
type ParseSampler interface {
	ParseErrorSamples() []string
}

// ScanManager owns one worker invocation end to end: it takes a keyword
// batch from the rotation engine, fans (platform, keyword) pairs out to a
// bounded worker pool, drives every listing through
// normalize -> dedupe -> score -> persist, and on exit persists the cursor
// and seen-URL snapshot exactly once.
//
// The calling code must set every exported field, then call Run once.
type ScanManager struct {
	Domain           ThreatDomain
	Scanners         []Scanner
	Assessor         Assessor
	Datastore        Datastore
	Rotation         *Rotation
	Seen             *SeenCache
	Duration         time.Duration
	PriorityPlatform string

	// pair bookkeeping for cursor advancement
	mu          sync.Mutex
	summary     *RunSummary
	keywordDone []int // completed units per keyword index
	unitsPerKw  int
	fatal       error

	gates map[string]*platformGate
}

// unit is one (platform, keyword) pair on the work queue.
type unit struct {
	scanner Scanner
	keyword string
	kwIdx   int
}

// platformGate carries the per-platform back-pressure state: when a
// platform's blocked-rate over the trailing window crosses the configured
// ratio, its concurrency is halved and its extra delay doubled for the rest
// of the invocation.
type platformGate struct {
	mu          sync.Mutex
	slots       chan struct{}
	requests    int
	blocked     int
	windowStart time.Time
	reduced     bool
	extraDelay  time.Duration
}

func newPlatformGate(concurrency int) *platformGate {
	return &platformGate{
		slots:       make(chan struct{}, concurrency),
		windowStart: time.Now(),
	}
}

// acquire returns the slot channel the caller holds a token in; release
// must be given that same channel, since a back-pressure reduction swaps
// g.slots out from under in-flight holders.
func (g *platformGate) acquire(ctx context.Context) (chan struct{}, bool) {
	g.mu.Lock()
	extra := g.extraDelay
	slots := g.slots
	g.mu.Unlock()

	if extra > 0 {
		select {
		case <-time.After(extra):
		case <-ctx.Done():
			return nil, false
		}
	}
	select {
	case slots <- struct{}{}:
		return slots, true
	case <-ctx.Done():
		return nil, false
	}
}

func (g *platformGate) release(slots chan struct{}) {
	<-slots
}

// observe folds one unit's tally into the window and applies the reduction
// when the blocked ratio crosses threshold.
func (g *platformGate) observe(tag string, tally ErrorTally, baseDelay time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.windowStart) > time.Minute {
		g.requests = 0
		g.blocked = 0
		g.windowStart = time.Now()
	}
	g.requests++
	g.blocked += tally[ErrBlocked]

	if !g.reduced && g.requests >= 3 &&
		float64(g.blocked)/float64(g.requests) > Config.Scan.BackpressureRatio {
		g.reduced = true
		g.extraDelay = baseDelay * 2
		// Halve concurrency by shrinking the slot channel. In-flight
		// holders drain into the old channel; new acquires see the small
		// one.
		newCap := cap(g.slots) / 2
		if newCap < 1 {
			newCap = 1
		}
		g.slots = make(chan struct{}, newCap)
		log4go.Warn("Back-pressure engaged for %v: concurrency %d, extra delay %v",
			tag, newCap, g.extraDelay)
	}
}

// Run executes the invocation. It returns the summary in all cases; err is
// non-nil only for fatal conditions (store unreachable, cursor write
// failure). Timeout is not an error: the summary's TimedOut flag reports it
// and partial work stays persisted.
func (sm *ScanManager) Run(ctx context.Context) (*RunSummary, error) {
	if sm.Rotation == nil || sm.Seen == nil || sm.Assessor == nil || sm.Datastore == nil {
		panic("ScanManager missing a collaborator")
	}
	if len(sm.Scanners) == 0 {
		panic("ScanManager started with no scanners")
	}

	grace, err := time.ParseDuration(Config.Scan.GraceWindow)
	if err != nil {
		panic(err)
	}

	batch, startIdx := sm.Rotation.Batch()
	started := time.Now()

	sm.summary = &RunSummary{
		Domain:             sm.Domain,
		GroupID:            sm.Rotation.Cursor().GroupID,
		StartedAt:          started.UTC(),
		KeywordsAssigned:   len(batch),
		ErrorsByKind:       map[ErrorKind]int{},
		ErrorsByPlatform:   map[string]ErrorTally{},
		ListingsByPlatform: map[string]int{},
		ListingsPerMinute:  map[string]float64{},
	}
	sm.keywordDone = make([]int, len(batch))
	sm.unitsPerKw = len(sm.Scanners)
	sm.gates = map[string]*platformGate{}
	for _, sc := range sm.Scanners {
		sm.gates[sc.Tag()] = newPlatformGate(Config.Fetcher.PerHostConcurrency)
	}

	log4go.Info("Starting %v scan: group %d, %d keywords from index %d, %d platforms",
		sm.Domain, sm.summary.GroupID, len(batch), startIdx, len(sm.Scanners))

	// Two-stage cancellation: the soft deadline stops new pairs from being
	// dispatched; the hard context (deadline + grace) cuts off in-flight
	// network work.
	hardCtx, hardCancel := context.WithTimeout(ctx, sm.Duration+grace)
	defer hardCancel()
	softDeadline := time.After(sm.Duration)

	queue := sm.buildQueue(batch)

	workers := Config.Scan.NumWorkers
	if workers <= 0 {
		workers = len(sm.Scanners) * 2
		if workers > 16 {
			workers = 16
		}
	}

	inflight := semaphore.New()
	var g errgroup.Group
	g.SetLimit(workers)

	timedOut := false
dispatch:
	for _, u := range queue {
		select {
		case <-softDeadline:
			timedOut = true
			break dispatch
		case <-hardCtx.Done():
			timedOut = true
			break dispatch
		default:
		}
		if sm.fatalErr() != nil {
			break dispatch
		}

		u := u
		inflight.Add(1)
		g.Go(func() error {
			defer inflight.Done()
			sm.process(hardCtx, u)
			return nil
		})
	}

	// Let in-flight workers finish inside the grace window, then cut the
	// context out from under any stragglers.
	deadline := started.Add(sm.Duration)
	if !inflight.WaitTimeout(time.Until(deadline) + grace) {
		log4go.Warn("Grace window expired with workers still in flight, cancelling")
	}
	hardCancel()
	g.Wait()

	sm.finalize(started, timedOut)

	// Cursor write happens-after all persist attempts, even on timeout.
	advance := sm.fullyProcessed()
	sm.Rotation.Advance(advance)
	sm.summary.CursorAdvance = advance
	if err := sm.Rotation.Save(); err != nil {
		log4go.Error("Cursor persistence failed: %v", err)
		sm.writeSummary()
		return sm.summary, err
	}

	if Config.Dedupe.UseSnapshots {
		if err := sm.Seen.Flush(SnapshotPath(sm.Domain)); err != nil {
			log4go.Warn("Seen-URL snapshot flush failed: %v", err)
		}
	}

	sm.writeSummary()
	return sm.summary, sm.fatalErr()
}

// buildQueue orders (platform, keyword) pairs keyword-major, with the
// priority platform's pair first inside each keyword.
func (sm *ScanManager) buildQueue(batch []string) []unit {
	scanners := make([]Scanner, len(sm.Scanners))
	copy(scanners, sm.Scanners)
	if sm.PriorityPlatform != "" && sm.PriorityPlatform != "auto" {
		sort.SliceStable(scanners, func(i, j int) bool {
			return scanners[i].Tag() == sm.PriorityPlatform && scanners[j].Tag() != sm.PriorityPlatform
		})
	}

	var queue []unit
	for kwIdx, kw := range batch {
		for _, sc := range scanners {
			queue = append(queue, unit{scanner: sc, keyword: kw, kwIdx: kwIdx})
		}
	}
	return queue
}

// process runs one (platform, keyword) unit through the full pipeline.
func (sm *ScanManager) process(ctx context.Context, u unit) {
	tag := u.scanner.Tag()
	gate := sm.gates[tag]
	slot, ok := gate.acquire(ctx)
	if !ok {
		return
	}
	defer gate.release(slot)

	listings, tally := u.scanner.Search(ctx, u.keyword, 0)
	gate.observe(tag, tally, 2*time.Second)

	sm.mu.Lock()
	sm.summary.TotalScanned += len(listings)
	sm.summary.ListingsByPlatform[tag] += len(listings)
	if len(tally) > 0 {
		pt := sm.summary.ErrorsByPlatform[tag]
		if pt == nil {
			pt = ErrorTally{}
			sm.summary.ErrorsByPlatform[tag] = pt
		}
		pt.Merge(tally)
		for k, n := range tally {
			sm.summary.ErrorsByKind[k] += n
		}
	}
	sm.mu.Unlock()

	for _, l := range listings {
		if ctx.Err() != nil {
			return
		}
		sm.handleListing(ctx, l)
		if sm.fatalErr() != nil {
			return
		}
	}

	sm.mu.Lock()
	sm.keywordDone[u.kwIdx]++
	sm.mu.Unlock()
}

// handleListing drives normalize -> dedupe -> score -> persist for one
// listing.
func (sm *ScanManager) handleListing(ctx context.Context, l *Listing) {
	NormalizeListing(l)
	if l.URL == nil || l.URL.Host == "" {
		return
	}

	if sm.Seen.CheckAndAdd(l.Fingerprint()) {
		sm.mu.Lock()
		sm.summary.DuplicatesCache++
		sm.mu.Unlock()
		return
	}

	assessment := sm.Assessor.Assess(l, sm.Domain)
	if assessment.Level == LevelSafe {
		sm.mu.Lock()
		sm.summary.SafeSkipped++
		sm.mu.Unlock()
		return
	}

	det := NewDetection(l, assessment)
	result, err := sm.Datastore.Insert(ctx, det)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	switch result {
	case Inserted:
		sm.summary.TotalStored++
		log4go.Debug("Stored %v detection %v (%v, score %d)",
			assessment.Category, det.EvidenceID, det.ListingURL, det.ThreatScore)
	case Duplicate:
		sm.summary.DuplicatesStore++
	case TransientError:
		sm.summary.ErrorsByKind[ErrOther]++
		if len(sm.summary.PersistFailures) < Config.Scan.MaxErrorSamples {
			sm.summary.PersistFailures = append(sm.summary.PersistFailures,
				fmt.Sprintf("%v: %v", det.ListingURL, err))
		}
	case FatalError:
		if sm.fatal == nil {
			if err == nil {
				err = fmt.Errorf("store reported a fatal error for %v", det.ListingURL)
			}
			sm.fatal = err
			log4go.Error("Fatal store error, winding down: %v", err)
		}
	}
}

func (sm *ScanManager) fatalErr() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.fatal
}

// fullyProcessed returns the length of the leading run of keywords whose
// every (platform, keyword) unit completed. Partially processed keywords
// are re-scanned next invocation.
func (sm *ScanManager) fullyProcessed() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for _, done := range sm.keywordDone {
		if done < sm.unitsPerKw {
			break
		}
		n++
	}
	return n
}

func (sm *ScanManager) finalize(started time.Time, timedOut bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	elapsed := time.Since(started)
	sm.summary.WallClockSeconds = elapsed.Seconds()
	sm.summary.TimedOut = timedOut
	if sm.fatal != nil {
		sm.summary.FatalError = sm.fatal.Error()
	}

	for _, sc := range sm.Scanners {
		sampler, ok := sc.(ParseSampler)
		if !ok {
			continue
		}
		for _, sample := range sampler.ParseErrorSamples() {
			if len(sm.summary.ParseErrorSamples) >= Config.Scan.MaxErrorSamples {
				break
			}
			sm.summary.ParseErrorSamples = append(sm.summary.ParseErrorSamples, sample)
		}
	}

	minutes := elapsed.Minutes()
	if minutes > 0 {
		for tag, n := range sm.summary.ListingsByPlatform {
			sm.summary.ListingsPerMinute[tag] = float64(n) / minutes
		}
	}

	log4go.Info("Scan finished in %.1fs: %d scanned, %d stored, %d dup (cache %d / store %d), %d safe, %d errors",
		elapsed.Seconds(), sm.summary.TotalScanned, sm.summary.TotalStored,
		sm.summary.DuplicatesCache+sm.summary.DuplicatesStore,
		sm.summary.DuplicatesCache, sm.summary.DuplicatesStore,
		sm.summary.SafeSkipped, totalErrors(sm.summary.ErrorsByKind))
}

func totalErrors(m map[ErrorKind]int) int {
	n := 0
	for _, c := range m {
		n += c
	}
	return n
}

// writeSummary emits the run summary JSON next to the cursor files. A
// summary write failure is logged, never fatal.
func (sm *ScanManager) writeSummary() {
	path := filepath.Join(Config.Scan.SummaryDir,
		fmt.Sprintf("%s_run_%s.json", sm.Domain, sm.summary.StartedAt.Format("20060102T150405Z")))
	data, err := json.MarshalIndent(sm.summary, "", "  ")
	if err != nil {
		log4go.Error("Could not marshal run summary: %v", err)
		return
	}
	if err := atomicWriteFile(path, data); err != nil {
		log4go.Warn("Could not write run summary %v: %v", path, err)
		return
	}
	log4go.Info("Run summary written to %v", path)
}
