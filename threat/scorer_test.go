package threat

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openconservation/marketscan"
)

func listing(platform, title, price string) *marketscan.Listing {
	u, err := marketscan.ParseURL("https://example.com/listing/1")
	if err != nil {
		panic(err)
	}
	l := &marketscan.Listing{
		Platform: platform,
		Title:    title,
		Price:    marketscan.Price{Raw: price},
		URL:      u,
	}
	marketscan.NormalizeListing(l)
	return l
}

func TestWildlifeCriticalPath(t *testing.T) {
	l := listing(marketscan.PlatformEBay,
		"Antique carved elephant ivory tusk, 100% real, estate sale", "$4,200")

	a := NewScorer().Assess(l, marketscan.DomainWildlife)

	assert.Equal(t, marketscan.CategoryWildlife, a.Category)
	assert.GreaterOrEqual(t, a.Score, 65)
	assert.Contains(t, []marketscan.ThreatLevel{marketscan.LevelHigh, marketscan.LevelCritical}, a.Level,
		"critical species must force level >= HIGH")
	assert.GreaterOrEqual(t, a.Confidence, 0.6)
	assert.False(t, a.RequiresHumanReview,
		"confident wildlife finding does not need review by default")
	assert.NotEmpty(t, a.Reasoning)
}

func TestExclusionPath(t *testing.T) {
	l := listing(marketscan.PlatformOLX,
		"Ivory colored toy elephant, plush, child safe", "$9.99")

	a := NewScorer().Assess(l, marketscan.DomainWildlife)

	assert.Equal(t, marketscan.LevelSafe, a.Level)
	assert.Equal(t, marketscan.CategorySafe, a.Category)
	assert.Equal(t, 0, a.Score)
	assert.Contains(t, a.Reasoning, "excluded")
}

func TestExclusionDoesNotHideCriticalSpecies(t *testing.T) {
	// Enough exclusion matches to clear the threshold, but a critical
	// species is present: the exclusion subtracts weight instead of
	// short-circuiting, and the critical override still floors the level.
	l := listing(marketscan.PlatformEBay,
		"Genuine rhino horn powder, ivory colored packaging, not a toy", "$900")

	a := NewScorer().Assess(l, marketscan.DomainWildlife)

	assert.Equal(t, marketscan.CategoryWildlife, a.Category)
	assert.Contains(t, []marketscan.ThreatLevel{marketscan.LevelHigh, marketscan.LevelCritical}, a.Level,
		"critical species must not be excluded away")
	assert.Contains(t, a.Reasoning, "exclusion weight")
}

func TestHumanTraffickingAgeConcernPath(t *testing.T) {
	l := listing(marketscan.PlatformCraigslist,
		"Young new in town, 24/7, cash only, housing provided", "")

	a := NewScorer().Assess(l, marketscan.DomainHumanTrafficking)

	assert.Equal(t, marketscan.CategoryHumanTrafficking, a.Category)
	assert.True(t, a.RequiresHumanReview, "HT category always requires review")
	assert.Contains(t, []marketscan.ThreatLevel{marketscan.LevelHigh, marketscan.LevelCritical}, a.Level,
		"age concern must force level >= HIGH")
}

func TestHumanTraffickingReviewInvariant(t *testing.T) {
	// Any assessment categorized HT or BOTH must carry the review flag,
	// age concern or not.
	texts := []string{
		"Room provided, work nightly, cash only, no id needed",
		"New girls every week, incall outcall, full service",
		"Elephant ivory carving, discreet, new in town, incall",
	}
	for _, text := range texts {
		a := NewScorer().Assess(listing(marketscan.PlatformCraigslist, text, ""), marketscan.DomainHumanTrafficking)
		if a.Category == marketscan.CategoryHumanTrafficking || a.Category == marketscan.CategoryBoth {
			assert.True(t, a.RequiresHumanReview, "missing review flag for %q (category %v)", text, a.Category)
		}
	}
}

func TestBothCategory(t *testing.T) {
	l := listing(marketscan.PlatformCraigslist,
		"Rhino horn powder, discreet, new in town, cash only, incall", "")

	a := NewScorer().Assess(l, marketscan.DomainWildlife)
	assert.Equal(t, marketscan.CategoryBoth, a.Category)
	assert.True(t, a.RequiresHumanReview)
}

func TestNoIndicatorsIsSafe(t *testing.T) {
	l := listing(marketscan.PlatformEBay, "Vintage oak dining table, good condition", "$150")
	a := NewScorer().Assess(l, marketscan.DomainWildlife)
	assert.Equal(t, marketscan.LevelSafe, a.Level)
	assert.Equal(t, marketscan.CategorySafe, a.Category)
}

func TestNonEnglishListingsScore(t *testing.T) {
	// A listing surfaced by a non-English keyword whose title never uses
	// the English term must still categorize and score.
	cases := []struct {
		platform string
		title    string
	}{
		{marketscan.PlatformAvito, "Продам рог носорога, срочно"},
		{marketscan.PlatformTaobao, "出售 犀牛角 正品"},
		{marketscan.PlatformMercadoLibre, "Cuerno de rinoceronte autentico"},
		{marketscan.PlatformOLX, "Gading gajah asli, bukan replika"},
	}
	s := NewScorer()
	for _, c := range cases {
		a := s.Assess(listing(c.platform, c.title, ""), marketscan.DomainWildlife)
		assert.Equal(t, marketscan.CategoryWildlife, a.Category, "title %q", c.title)
		assert.Contains(t, []marketscan.ThreatLevel{marketscan.LevelHigh, marketscan.LevelCritical}, a.Level,
			"critical term in %q must floor the level", c.title)
	}
}

func TestScorerDeterminism(t *testing.T) {
	l := listing(marketscan.PlatformAvito,
		"Шкура тигра tiger skin, 100% real, discreet, must sell today", "₽500 000")

	s := NewScorer()
	a := s.Assess(l, marketscan.DomainWildlife)
	for i := 0; i < 5; i++ {
		b := s.Assess(l, marketscan.DomainWildlife)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("assessment differs between runs:\n%+v\n%+v", a, b)
		}
	}
}

func TestScorerToleratesCorruptInput(t *testing.T) {
	l := listing(marketscan.PlatformEBay, "ivory \xff\xfe carving", "$40")
	a := NewScorer().Assess(l, marketscan.DomainWildlife)
	if a == nil {
		t.Fatal("scorer must never fail")
	}
	assert.Equal(t, marketscan.CategoryWildlife, a.Category)
}

func TestPositiveContextReducesScore(t *testing.T) {
	s := NewScorer()
	plain := s.Assess(listing(marketscan.PlatformEBay,
		"Antique ivory carving from estate", "$800"), marketscan.DomainWildlife)
	documented := s.Assess(listing(marketscan.PlatformEBay,
		"Antique ivory carving from estate, CITES certificate #123456", "$800"), marketscan.DomainWildlife)

	assert.Less(t, documented.Score, plain.Score,
		"documentation should subtract weight")
}

func TestPlatformMultiplierApplies(t *testing.T) {
	title := "Tiger claw pendant, 100% genuine"
	s := NewScorer()
	high := s.Assess(listing(marketscan.PlatformCraigslist, title, "$50"), marketscan.DomainWildlife)
	low := s.Assess(listing(marketscan.PlatformMercari, title, "$50"), marketscan.DomainWildlife)

	assert.Greater(t, high.Score, low.Score,
		"craigslist (1.3) must outscore mercari (0.8) on identical text")
}

func TestPriceAnomalyLow(t *testing.T) {
	s := NewScorer()
	cheap := s.Assess(listing(marketscan.PlatformEBay,
		"Elephant ivory carving figurine", "$5"), marketscan.DomainWildlife)
	normal := s.Assess(listing(marketscan.PlatformEBay,
		"Elephant ivory carving figurine", "$500"), marketscan.DomainWildlife)

	assert.Greater(t, cheap.Score, normal.Score,
		"implausibly low price should add weight")
}

func TestLevelThresholds(t *testing.T) {
	tests := []struct {
		score int
		level marketscan.ThreatLevel
	}{
		{0, marketscan.LevelSafe},
		{24, marketscan.LevelSafe},
		{25, marketscan.LevelLow},
		{44, marketscan.LevelLow},
		{45, marketscan.LevelMedium},
		{64, marketscan.LevelMedium},
		{65, marketscan.LevelHigh},
		{79, marketscan.LevelHigh},
		{80, marketscan.LevelCritical},
		{100, marketscan.LevelCritical},
	}
	for _, tst := range tests {
		if got := levelForScore(tst.score); got != tst.level {
			t.Errorf("levelForScore(%d) = %v, expected %v", tst.score, got, tst.level)
		}
	}
}
