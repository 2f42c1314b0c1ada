package marketscan

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
	"golang.org/x/net/publicsuffix"
)

// trackingParams is the set of query parameters stripped during
// canonicalization. Two listing URLs that differ only by these parameters
// (or by fragment) are the same listing.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"ref":    true,
	"source": true,
}

// URL is the marketscan URL object, which embeds *url.URL but carries the
// canonicalization and fingerprinting used for listing identity. All URLs
// emitted by scanners should be passed through ParseURL so that we get
// consistency.
type URL struct {
	*url.URL
}

// ParseURL is the marketscan.URL equivalent of url.Parse.
func ParseURL(ref string) (*URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return &URL{URL: u}, nil
}

// ParseAndCanonicalizeURL parses ref and applies Canonicalize before
// returning.
func ParseAndCanonicalizeURL(ref string) (*URL, error) {
	u, err := ParseURL(ref)
	if err != nil {
		return u, err
	}
	u.Canonicalize()
	return u, nil
}

// Canonicalize normalizes the URL in place: lowercased host, default ports
// and fragments stripped, tracking parameters removed, remaining query
// parameters sorted. Canonicalize is idempotent.
func (u *URL) Canonicalize() {
	rawURL := u.URL

	// Standard normalization (lowercase scheme/host, strip default port).
	// This call modifies the url in place.
	purell.NormalizeURL(rawURL, purell.FlagsSafe|purell.FlagRemoveFragment)

	if rawURL.RawQuery != "" {
		params := rawURL.Query()
		for k := range params {
			lk := strings.ToLower(k)
			if trackingParams[lk] || strings.HasPrefix(lk, "utm_") {
				delete(params, k)
			}
		}
		// Encode sorts keys, which gives us the canonical parameter order.
		rawURL.RawQuery = params.Encode()
	}
}

// Clone returns a deep copy of this URL.
func (u *URL) Clone() *URL {
	nurl := *u.URL

	if nurl.User != nil {
		userInfo := *nurl.User
		nurl.User = &userInfo
	}

	return &URL{URL: &nurl}
}

// MakeAbsolute uses URL.ResolveReference to make this URL object an absolute
// reference (having Scheme and Host), if it is not one already. It is
// resolved using `base` as the base URL.
func (u *URL) MakeAbsolute(base *URL) {
	if u.IsAbs() {
		return
	}
	u.URL = base.URL.ResolveReference(u.URL)
}

// ToplevelDomainPlusOne returns the Effective Toplevel Domain of this host as
// defined by https://publicsuffix.org/, plus one extra domain component.
//
// For example the TLD of https://www.ebay.co.uk/ is 'co.uk', plus one is
// 'ebay.co.uk'. Redirect chains are only followed while they stay inside the
// same TLD+1 family.
func (u *URL) ToplevelDomainPlusOne() (string, error) {
	return publicsuffix.EffectiveTLDPlusOne(u.Hostname())
}

// SameHostFamily reports whether other resolves to the same TLD+1 as u. If
// either host can't be reduced to a TLD+1 the hosts must match exactly.
func (u *URL) SameHostFamily(other *URL) bool {
	ud, uerr := u.ToplevelDomainPlusOne()
	od, oerr := other.ToplevelDomainPlusOne()
	if uerr != nil || oerr != nil {
		return u.Hostname() == other.Hostname()
	}
	return ud == od
}

// Fingerprint is the 128-bit listing identity digest, stored as a 32-rune
// hex string. It is derived from the canonical URL, so URLs differing only
// by tracking parameters or fragment collide (deliberately).
type Fingerprint string

// URLFingerprint computes the Fingerprint of a URL. The URL is canonicalized
// on a copy first, so callers may pass raw or canonical URLs
// interchangeably.
func URLFingerprint(u *URL) Fingerprint {
	c := u.Clone()
	c.Canonicalize()
	h := fnv.New128a()
	h.Write([]byte(c.String()))
	return Fingerprint(fmt.Sprintf("%x", h.Sum(nil)))
}

// FallbackFingerprint computes the Fingerprint of a listing with no usable
// URL from (platform, normalized title, normalized numeric price). This is a
// rare path; scanners drop listings without URLs, and only seeded or
// backfilled records take it.
func FallbackFingerprint(platform, title string, priceAmount float64) Fingerprint {
	h := fnv.New128a()
	fmt.Fprintf(h, "%s\x00%s\x00%.2f", platform, strings.ToLower(strings.TrimSpace(title)), priceAmount)
	return Fingerprint(fmt.Sprintf("%x", h.Sum(nil)))
}
