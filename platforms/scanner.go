package platforms

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/alecthomas/log4go"
	"golang.org/x/net/html/charset"

	"github.com/openconservation/marketscan"
)

// HTMLScanner is the shared static-HTTP scanner engine, specialized per
// platform by its Descriptor. It implements marketscan.Scanner.
//
// Per keyword the engine walks a small state machine:
// pending -> fetching -> parsing -> emitting | backing_off ->
// (fetching | abandoned) -> done. Backoff and retry live inside the
// FetchManager; a fetch error surfacing here means the retry budget for
// that page is spent and the keyword is abandoned on this platform.
type HTMLScanner struct {
	desc Descriptor
	fm   *marketscan.FetchManager

	samplesMu sync.Mutex
	samples   []string
}

// NewHTMLScanner builds the static scanner for one platform descriptor.
func NewHTMLScanner(desc Descriptor, fm *marketscan.FetchManager) *HTMLScanner {
	return &HTMLScanner{desc: desc, fm: fm}
}

// Tag implements marketscan.Scanner.
func (s *HTMLScanner) Tag() string { return s.desc.Tag }

// Search implements marketscan.Scanner. It emits up to maxResults listings
// in page order and never returns an error; failures are tally increments.
func (s *HTMLScanner) Search(ctx context.Context, keyword string, maxResults int) ([]*marketscan.Listing, marketscan.ErrorTally) {
	tally := marketscan.ErrorTally{}
	if maxResults <= 0 || maxResults > s.desc.MaxResults {
		maxResults = s.desc.MaxResults
	}

	base, err := marketscan.ParseURL(s.desc.BaseURL)
	if err != nil {
		// Descriptor bug, not an operational failure.
		panic(fmt.Sprintf("bad base URL for %v: %v", s.desc.Tag, err))
	}

	var out []*marketscan.Listing
	for page := 0; page < s.desc.MaxPages && len(out) < maxResults; page++ {
		pageURL, err := s.pageURL(keyword, page)
		if err != nil {
			tally.Add(marketscan.ErrOther)
			break
		}

		if !s.fm.Allowed(ctx, pageURL) {
			log4go.Debug("Not fetching due to robots rules: %v", pageURL)
			break
		}

		res, ferr := s.fm.Get(ctx, pageURL, &marketscan.FetchOptions{
			BlockMarkers: s.desc.BlockMarkers,
			MinDelay:     s.desc.DelayMin,
		})
		if ferr != nil {
			log4go.Debug("Abandoning %v on %v: %v", keyword, s.desc.Tag, ferr)
			tally.Add(ferr.Kind)
			break
		}
		if res.Gone {
			break
		}

		listings, perr := s.Parse(res.Body)
		if perr != nil {
			log4go.Warn("Parse failure on %v page %d for %q: %v", s.desc.Tag, page, keyword, perr)
			s.recordSample(keyword, perr, res.Body)
			tally.Add(marketscan.ErrParse)
			break
		}
		if len(listings) == 0 {
			// End of results (or a layout change; the parse tests catch
			// those before this ships).
			break
		}

		now := time.Now().UTC()
		for _, l := range listings {
			l.URL.MakeAbsolute(base)
			l.URL.Canonicalize()
			if l.URL.Host == "" || l.Title == "" {
				continue
			}
			l.Platform = s.desc.Tag
			l.SearchTerm = keyword
			l.ObservedAt = now
			out = append(out, l)
			if len(out) >= maxResults {
				break
			}
		}

		if page < s.desc.MaxPages-1 && len(out) < maxResults {
			s.interPageDelay(ctx)
		}
	}

	return out, tally
}

// pageURL renders the search template for one page of one keyword.
func (s *HTMLScanner) pageURL(keyword string, page int) (*marketscan.URL, error) {
	q := url.QueryEscape(strings.TrimSpace(keyword))
	var n int
	switch s.desc.Pagination {
	case OffsetNumber:
		n = s.desc.FirstPage + page*s.desc.PageStride
	default:
		n = s.desc.FirstPage + page
	}

	ref := s.desc.SearchTemplate
	if strings.Contains(ref, "%d") {
		ref = fmt.Sprintf(ref, q, n)
	} else {
		ref = fmt.Sprintf(ref, q)
	}
	return marketscan.ParseURL(ref)
}

// interPageDelay sleeps a uniform random interval inside the platform's
// declared delay range, honoring cancellation.
func (s *HTMLScanner) interPageDelay(ctx context.Context) {
	span := s.desc.DelayMax - s.desc.DelayMin
	d := s.desc.DelayMin
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Parse extracts listings from one search-result page. It is a pure
// function of the body (plus the descriptor's selectors) so it can be
// tested on fixture HTML without any network.
func (s *HTMLScanner) Parse(body []byte) ([]*marketscan.Listing, error) {
	utf8Reader, err := charset.NewReader(bytes.NewReader(body), "text/html")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(utf8Reader)
	if err != nil {
		return nil, err
	}

	sel := s.desc.Selectors
	var out []*marketscan.Listing
	doc.Find(sel.Item).Each(func(i int, item *goquery.Selection) {
		title := cleanText(item.Find(sel.Title).First().Text())

		linkSel := item.Find(sel.Link).First()
		href, ok := linkSel.Attr("href")
		if !ok {
			// Some layouts put the href on the item node itself.
			href, ok = item.Attr("href")
		}
		if !ok || title == "" {
			return
		}
		u, err := marketscan.ParseURL(href)
		if err != nil {
			return
		}

		l := &marketscan.Listing{
			Title: title,
			URL:   u,
			Price: marketscan.Price{Raw: cleanText(item.Find(sel.Price).First().Text())},
		}
		if sel.Location != "" {
			l.Location = cleanText(item.Find(sel.Location).First().Text())
		}
		if img, ok := item.Find("img").First().Attr("src"); ok {
			l.ImageURL = img
		}
		out = append(out, l)
	})

	return out, nil
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// recordSample keeps a size-limited excerpt of a body that failed to
// parse, for the run summary. Layout changes are invisible in counters
// alone; the excerpt is usually enough to write the new selector.
func (s *HTMLScanner) recordSample(keyword string, err error, body []byte) {
	s.samplesMu.Lock()
	defer s.samplesMu.Unlock()
	if len(s.samples) >= marketscan.Config.Scan.MaxErrorSamples {
		return
	}
	excerpt := body
	if len(excerpt) > 500 {
		excerpt = excerpt[:500]
	}
	s.samples = append(s.samples, fmt.Sprintf("%s %q: %v: %s", s.desc.Tag, keyword, err, excerpt))
}

// ParseErrorSamples implements the orchestrator's optional sampler
// capability.
func (s *HTMLScanner) ParseErrorSamples() []string {
	s.samplesMu.Lock()
	defer s.samplesMu.Unlock()
	out := make([]string, len(s.samples))
	copy(out, s.samples)
	return out
}

// Renderer is the headless-rendering capability needed by infinite-scroll
// platforms. The core ships no implementation; deployments that scan
// Mercari or Taobao plug one in (typically a CDP-driving sidecar binary).
type Renderer interface {
	// Render loads ref, waits for the result grid to settle within the
	// given budget, and returns the rendered DOM.
	Render(ctx context.Context, ref string, budget time.Duration) ([]byte, error)
}

// RenderedScanner wraps an HTMLScanner for platforms whose search pages
// only materialize under JavaScript. Without a renderer it emits nothing
// and logs once, so a deployment that never configures one just sees those
// platforms dark rather than erroring.
type RenderedScanner struct {
	inner    *HTMLScanner
	renderer Renderer
	warned   bool
}

// NewRenderedScanner builds the scanner for an infinite-scroll platform.
// renderer may be nil.
func NewRenderedScanner(desc Descriptor, fm *marketscan.FetchManager, renderer Renderer) *RenderedScanner {
	return &RenderedScanner{inner: NewHTMLScanner(desc, fm), renderer: renderer}
}

// Tag implements marketscan.Scanner.
func (s *RenderedScanner) Tag() string { return s.inner.desc.Tag }

// ParseErrorSamples exposes the inner engine's samples.
func (s *RenderedScanner) ParseErrorSamples() []string {
	return s.inner.ParseErrorSamples()
}

// Search implements marketscan.Scanner.
func (s *RenderedScanner) Search(ctx context.Context, keyword string, maxResults int) ([]*marketscan.Listing, marketscan.ErrorTally) {
	tally := marketscan.ErrorTally{}
	if s.renderer == nil {
		if !s.warned {
			log4go.Warn("No renderer configured; %v requires one, emitting nothing", s.Tag())
			s.warned = true
		}
		return nil, tally
	}

	desc := s.inner.desc
	if maxResults <= 0 || maxResults > desc.MaxResults {
		maxResults = desc.MaxResults
	}

	pageURL, err := s.inner.pageURL(keyword, 0)
	if err != nil {
		tally.Add(marketscan.ErrOther)
		return nil, tally
	}

	body, err := s.renderer.Render(ctx, pageURL.String(), 30*time.Second)
	if err != nil {
		log4go.Debug("Render failed for %v on %v: %v", keyword, s.Tag(), err)
		tally.Add(marketscan.ErrTimeout)
		return nil, tally
	}

	listings, perr := s.inner.Parse(body)
	if perr != nil {
		s.inner.recordSample(keyword, perr, body)
		tally.Add(marketscan.ErrParse)
		return nil, tally
	}

	base, _ := marketscan.ParseURL(desc.BaseURL)
	now := time.Now().UTC()
	var out []*marketscan.Listing
	for _, l := range listings {
		l.URL.MakeAbsolute(base)
		l.URL.Canonicalize()
		if l.URL.Host == "" || l.Title == "" {
			continue
		}
		l.Platform = desc.Tag
		l.SearchTerm = keyword
		l.ObservedAt = now
		out = append(out, l)
		if len(out) >= maxResults {
			break
		}
	}
	return out, tally
}
