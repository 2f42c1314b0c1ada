package marketscan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform tags form a closed set. Deployments may disable any subset via
// the --platforms flag, but scanners only exist for these.
const (
	PlatformEBay         = "ebay"
	PlatformCraigslist   = "craigslist"
	PlatformOLX          = "olx"
	PlatformMarktplaats  = "marktplaats"
	PlatformMercadoLibre = "mercadolibre"
	PlatformGumtree      = "gumtree"
	PlatformAvito        = "avito"
	PlatformAliExpress   = "aliexpress"
	PlatformTaobao       = "taobao"
	PlatformMercari      = "mercari"
)

// AllPlatforms lists every platform tag in the closed set, in the order
// scanners are registered.
var AllPlatforms = []string{
	PlatformEBay,
	PlatformCraigslist,
	PlatformOLX,
	PlatformMarktplaats,
	PlatformMercadoLibre,
	PlatformGumtree,
	PlatformAvito,
	PlatformAliExpress,
	PlatformTaobao,
	PlatformMercari,
}

// KnownPlatform reports whether tag is in the closed platform set.
func KnownPlatform(tag string) bool {
	for _, p := range AllPlatforms {
		if p == tag {
			return true
		}
	}
	return false
}

// ThreatDomain selects the rule tables a scan runs against.
type ThreatDomain string

const (
	DomainWildlife         ThreatDomain = "wildlife"
	DomainHumanTrafficking ThreatDomain = "human_trafficking"
)

// ThreatLevel is the five-step severity assigned to a scored listing.
type ThreatLevel string

const (
	LevelSafe     ThreatLevel = "SAFE"
	LevelLow      ThreatLevel = "LOW"
	LevelMedium   ThreatLevel = "MEDIUM"
	LevelHigh     ThreatLevel = "HIGH"
	LevelCritical ThreatLevel = "CRITICAL"
)

// rank orders levels so that category overrides can take the higher of two
// supported levels.
func (l ThreatLevel) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	}
	return 0
}

// AtLeast returns whichever of l and min is the higher level.
func (l ThreatLevel) AtLeast(min ThreatLevel) ThreatLevel {
	if l.rank() >= min.rank() {
		return l
	}
	return min
}

// ThreatCategory tags which threat domain(s) a listing matched.
type ThreatCategory string

const (
	CategoryWildlife         ThreatCategory = "WILDLIFE"
	CategoryHumanTrafficking ThreatCategory = "HUMAN_TRAFFICKING"
	CategoryBoth             ThreatCategory = "BOTH"
	CategorySafe             ThreatCategory = "SAFE"
)

// Price is a listing price as observed. Raw is always retained; Currency and
// Amount are only meaningful when Parsed is true.
type Price struct {
	Raw      string
	Currency string
	Amount   float64
	Parsed   bool
}

// Listing is a single classified/product advertisement as observed on a
// source platform. Scanners construct Listings; nothing downstream mutates
// one except NormalizeListing. Every Listing that proceeds past its scanner
// has a non-empty URL.
type Listing struct {
	Platform    string
	PlatformID  string
	Title       string
	Description string
	Price       Price
	URL         *URL
	Location    string
	Seller      map[string]string
	ImageURL    string
	ObservedAt  time.Time
	SearchTerm  string
}

// Fingerprint derives the stable identity digest for this listing: the
// canonical-URL digest when a URL is present, otherwise the
// (platform, title, price) fallback.
func (l *Listing) Fingerprint() Fingerprint {
	if l.URL != nil && l.URL.Host != "" {
		return URLFingerprint(l.URL)
	}
	return FallbackFingerprint(l.Platform, l.Title, l.Price.Amount)
}

// ThreatAssessment is the scorer's verdict on a single listing.
type ThreatAssessment struct {
	Score               int
	Level               ThreatLevel
	Category            ThreatCategory
	RequiresHumanReview bool
	Confidence          float64
	Reasoning           string
	Indicators          []string
}

// Detection is the persisted record derived from a Listing that scored above
// the persistence threshold. Field names mirror the detections table at the
// store.
type Detection struct {
	EvidenceID          string    `json:"evidence_id"`
	ObservedAt          time.Time `json:"observed_at"`
	Platform            string    `json:"platform"`
	ListingURL          string    `json:"listing_url"`
	ListingTitle        string    `json:"listing_title,omitempty"`
	ListingDescription  string    `json:"listing_description,omitempty"`
	ListingPrice        string    `json:"listing_price,omitempty"`
	ListingLocation     string    `json:"listing_location,omitempty"`
	SearchTerm          string    `json:"search_term,omitempty"`
	ThreatScore         int       `json:"threat_score"`
	ThreatLevel         string    `json:"threat_level"`
	ThreatCategory      string    `json:"threat_category"`
	RequiresHumanReview bool      `json:"requires_human_review"`
	ConfidenceScore     float64   `json:"confidence_score"`
	EnhancementNotes    string    `json:"enhancement_notes,omitempty"`
	VisionAnalyzed      bool      `json:"vision_analyzed"`
	Backfill            bool      `json:"backfill,omitempty"`
}

// NewDetection builds the persistable record for a scored listing. Each call
// mints a fresh evidence id; a failed insert never re-uses one.
func NewDetection(l *Listing, a *ThreatAssessment) *Detection {
	c := l.URL.Clone()
	c.Canonicalize()
	return &Detection{
		EvidenceID:          newEvidenceID(l.Platform),
		ObservedAt:          l.ObservedAt,
		Platform:            l.Platform,
		ListingURL:          c.String(),
		ListingTitle:        l.Title,
		ListingDescription:  l.Description,
		ListingPrice:        l.Price.Raw,
		ListingLocation:     l.Location,
		SearchTerm:          l.SearchTerm,
		ThreatScore:         a.Score,
		ThreatLevel:         string(a.Level),
		ThreatCategory:      string(a.Category),
		RequiresHumanReview: a.RequiresHumanReview,
		ConfidenceScore:     a.Confidence,
		EnhancementNotes:    a.Reasoning,
		VisionAnalyzed:      false,
	}
}

// newEvidenceID mints a short ASCII identifier unique to one insert attempt:
// a UTC timestamp plus a random suffix.
func newEvidenceID(platform string) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("MS-%s-%s-%s", strings.ToUpper(platform), time.Now().UTC().Format("20060102T150405"), suffix)
}

var interiorSpace = regexp.MustCompile(`\s+`)

// normalizeText trims, collapses interior whitespace and coerces invalid
// UTF-8 to the replacement character.
func normalizeText(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.TrimSpace(interiorSpace.ReplaceAllString(s, " "))
}

// NormalizeListing cleans the free-text fields of a listing in place and
// parses its price. The scorer and the store only ever see normalized
// listings.
func NormalizeListing(l *Listing) {
	l.Title = normalizeText(l.Title)
	l.Description = normalizeText(l.Description)
	l.Location = normalizeText(l.Location)
	l.SearchTerm = normalizeText(l.SearchTerm)
	if !l.Price.Parsed {
		l.Price = ParsePrice(l.Price.Raw)
	}
	if l.ObservedAt.IsZero() {
		l.ObservedAt = time.Now().UTC()
	}
}

// currencySymbols maps leading price symbols to ISO-4217 codes. Ambiguous
// symbols take the most common marketplace reading (¥ is listed as CNY
// because the platforms that emit it are Chinese).
var currencySymbols = []struct {
	sym  string
	code string
}{
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"₽", "RUB"},
	{"¥", "CNY"},
}

var isoCodeRe = regexp.MustCompile(`^(USD|EUR|GBP|RUB|CNY|JPY|BRL|MXN|ARS|AUD|CAD|PLN|UAH)\b`)
var priceNumberRe = regexp.MustCompile(`[0-9][0-9.,\s]*`)

// ParsePrice extracts (currency, amount) from a free-text price where
// detectable. Unknown formats leave the raw text intact with Parsed=false.
func ParsePrice(raw string) Price {
	p := Price{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return p
	}

	currency := ""
	rest := s
	if m := isoCodeRe.FindString(strings.ToUpper(s)); m != "" {
		currency = m
		rest = strings.TrimSpace(s[len(m):])
	} else {
		for _, cs := range currencySymbols {
			if idx := strings.Index(s, cs.sym); idx >= 0 {
				currency = cs.code
				rest = strings.TrimSpace(strings.Replace(s, cs.sym, "", 1))
				break
			}
		}
	}

	numStr := priceNumberRe.FindString(rest)
	if numStr == "" {
		return p
	}

	amount, ok := parsePriceNumber(numStr)
	if !ok {
		return p
	}

	p.Currency = currency
	p.Amount = amount
	p.Parsed = true
	return p
}

// parsePriceNumber handles both thousand-separator conventions: "4,200.50"
// and "4.200,50". A single trailing group of 1-2 digits after the last
// separator is treated as decimals.
func parsePriceNumber(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, " ", ""))
	if s == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Both present: the later one is the decimal separator.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		digitsAfter := len(s) - lastComma - 1
		if digitsAfter == 3 && strings.Count(s, ",") >= 1 && len(s) > 4 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ",", ".")
		}
	case lastDot >= 0:
		digitsAfter := len(s) - lastDot - 1
		if digitsAfter == 3 && strings.Count(s, ".") >= 1 && len(s) > 4 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	v, err := strconv.ParseFloat(strings.Trim(s, "."), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
