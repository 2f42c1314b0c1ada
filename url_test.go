package marketscan

import (
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		tag    string
		input  string
		expect string
	}{
		{
			tag:    "UpCase",
			input:  "HTTP://WWW.EBay.com/itm/123",
			expect: "http://www.ebay.com/itm/123",
		},
		{
			tag:    "Fragment",
			input:  "https://www.ebay.com/itm/123#desc",
			expect: "https://www.ebay.com/itm/123",
		},
		{
			tag:    "DefaultPort",
			input:  "http://www.ebay.com:80/itm/123",
			expect: "http://www.ebay.com/itm/123",
		},
		{
			tag:    "NonDefaultPortKept",
			input:  "http://www.ebay.com:8080/itm/123",
			expect: "http://www.ebay.com:8080/itm/123",
		},
		{
			tag:    "UtmParams",
			input:  "https://www.ebay.com/itm/123?utm_source=x&utm_campaign=y",
			expect: "https://www.ebay.com/itm/123",
		},
		{
			tag:    "TrackingParams",
			input:  "https://www.ebay.com/itm/123?fbclid=abc&gclid=def&ref=y&source=z",
			expect: "https://www.ebay.com/itm/123",
		},
		{
			tag:    "MixedTrackingAndReal",
			input:  "https://www.ebay.com/itm/123?utm_source=x&hash=abc&ref=y#desc",
			expect: "https://www.ebay.com/itm/123?hash=abc",
		},
		{
			tag:    "QuerySorted",
			input:  "https://www.olx.pl/oferty?b=2&a=1",
			expect: "https://www.olx.pl/oferty?a=1&b=2",
		},
	}

	for _, tst := range tests {
		u, err := ParseAndCanonicalizeURL(tst.input)
		if err != nil {
			t.Fatalf("%v: failed to parse %v: %v", tst.tag, tst.input, err)
		}
		if u.String() != tst.expect {
			t.Errorf("%v: got %v, expected %v", tst.tag, u.String(), tst.expect)
		}
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	u, err := ParseAndCanonicalizeURL("HTTPS://www.EBAY.com:443/itm/123?utm_source=x&b=2&a=1#frag")
	if err != nil {
		t.Fatal(err)
	}
	once := u.String()
	u.Canonicalize()
	if u.String() != once {
		t.Errorf("Canonicalize not idempotent: %v then %v", once, u.String())
	}
}

func TestFingerprintTrackingInvariance(t *testing.T) {
	// Two URLs differing only by tracking parameters and fragment must
	// collide.
	a, err := ParseURL("https://www.ebay.com/itm/123?utm_source=x&ref=y#desc")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseURL("https://www.ebay.com/itm/123")
	if err != nil {
		t.Fatal(err)
	}
	if URLFingerprint(a) != URLFingerprint(b) {
		t.Errorf("fingerprints differ: %v vs %v", URLFingerprint(a), URLFingerprint(b))
	}

	c, err := ParseURL("https://www.ebay.com/itm/124")
	if err != nil {
		t.Fatal(err)
	}
	if URLFingerprint(a) == URLFingerprint(c) {
		t.Error("distinct listings produced equal fingerprints")
	}
}

func TestFallbackFingerprint(t *testing.T) {
	a := FallbackFingerprint("olx", "  Carved Figure ", 120)
	b := FallbackFingerprint("olx", "carved figure", 120)
	if a != b {
		t.Error("fallback fingerprint is not normalization-invariant")
	}
	if a == FallbackFingerprint("ebay", "carved figure", 120) {
		t.Error("fallback fingerprint ignores platform")
	}
}

func TestSameHostFamily(t *testing.T) {
	a, _ := ParseURL("https://www.ebay.com/itm/1")
	b, _ := ParseURL("https://signin.ebay.com/ws/eBayISAPI.dll")
	c, _ := ParseURL("https://www.olx.pl/oferty")
	if !a.SameHostFamily(b) {
		t.Error("subdomains of one TLD+1 should be the same family")
	}
	if a.SameHostFamily(c) {
		t.Error("different TLD+1 should not be the same family")
	}
}

func TestMakeAbsolute(t *testing.T) {
	base, _ := ParseURL("https://newyork.craigslist.org/search/sss?query=x")
	rel, _ := ParseURL("/for-sale/d/listing/7700.html")
	rel.MakeAbsolute(base)
	if rel.String() != "https://newyork.craigslist.org/for-sale/d/listing/7700.html" {
		t.Errorf("got %v", rel.String())
	}
}
