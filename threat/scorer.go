package threat

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/openconservation/marketscan"
)

// Stage weights for the scoring pipeline. These are fixed constants, not
// configuration: the score scale is part of the level-threshold contract.
const (
	speciesBaseWeight  = 10
	productWeight      = 8
	patternWeight      = 6
	positiveContext    = 15
	negativeContext    = 12
	priceAnomalyWeight = 8
	exclusionPenalty   = 15

	// exclusionThreshold is the cumulative exclusion weight (strong rules
	// count 2) at which a listing is ruled a false positive outright.
	exclusionThreshold = 2
)

// Scorer converts a normalized listing into a ThreatAssessment by running
// the staged rule pipeline over the compiled tables. Assess is
// deterministic and total: identical input always yields the identical
// assessment, and no input fails.
//
// Scorer implements marketscan.Assessor.
type Scorer struct{}

// NewScorer returns the rule-table scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Assess runs the pipeline stages in order: exclusion pre-check, category
// detection, species/product scoring, trafficking-pattern scoring, HT
// indicator scoring, context modifiers, price analysis, platform
// multiplier, aggregation, level assignment, confidence.
func (s *Scorer) Assess(l *marketscan.Listing, domain marketscan.ThreatDomain) *marketscan.ThreatAssessment {
	// The scorer is tolerant of corrupt input: coerce to valid UTF-8 and
	// score whatever remains.
	text := strings.ToLower(strings.ToValidUTF8(l.Title+" "+l.Description, "�"))

	var indicators []string
	categoriesHit := map[string]bool{}
	weight := 0.0

	// Stage 1: exclusion pre-check.
	exclusionWeight := 0
	var exclusionTags []string
	for _, rule := range exclusionRules {
		if rule.Pattern.MatchString(text) {
			w := 1
			if rule.Strong {
				w = 2
			}
			exclusionWeight += w
			exclusionTags = append(exclusionTags, rule.Tag)
		}
	}

	// Stage 2: category detection.
	speciesHits, criticalHit := matchSpecies(text)
	htHits, ageConcern := matchHTIndicators(text)

	category := marketscan.CategorySafe
	switch {
	case len(speciesHits) > 0 && len(htHits) > 0:
		category = marketscan.CategoryBoth
	case len(speciesHits) > 0:
		category = marketscan.CategoryWildlife
	case len(htHits) > 0:
		category = marketscan.CategoryHumanTrafficking
	}

	// A sufficiently excluded listing with no critical-species hit and no
	// age-concern indicator is a false positive outright. Either match falls
	// through instead: the exclusion weight is subtracted during
	// aggregation, and the override still floors the level, so "rhino horn,
	// not a replica" cannot vanish as SAFE.
	if exclusionWeight >= exclusionThreshold && !criticalHit && !ageConcern {
		sort.Strings(exclusionTags)
		return &marketscan.ThreatAssessment{
			Score:      0,
			Level:      marketscan.LevelSafe,
			Category:   marketscan.CategorySafe,
			Confidence: clamp01(0.5 - 0.1*float64(exclusionWeight)),
			Reasoning: fmt.Sprintf("excluded as false positive (weight %d): %s",
				exclusionWeight, strings.Join(exclusionTags, ", ")),
		}
	}

	// Stage 3: species/product scoring (wildlife path).
	productKinds := []string{}
	if len(speciesHits) > 0 {
		categoriesHit["species"] = true
		for _, hit := range speciesHits {
			mult := 1
			switch hit.Priority {
			case PriorityCritical:
				mult = 3
			case PriorityHigh:
				mult = 2
			}
			weight += float64(speciesBaseWeight * mult)
			indicators = append(indicators, "species:"+hit.Term)
		}

		for _, kind := range productKindOrder {
			if productRes[kind].MatchString(text) {
				categoriesHit["product"] = true
				weight += productWeight
				productKinds = append(productKinds, kind)
				indicators = append(indicators, "product:"+kind)
			}
		}
	}

	// Stage 4: trafficking-pattern scoring (both paths).
	for _, tp := range traffickingPatternRes {
		if tp.re.MatchString(text) {
			categoriesHit["pattern"] = true
			weight += patternWeight
			indicators = append(indicators, "pattern:"+tp.tag)
		}
	}

	// Stage 5: human-trafficking indicator scoring (HT path).
	for _, hit := range htHits {
		categoriesHit[hit.Category] = true
		weight += float64(hit.Weight)
		indicators = append(indicators, "ht:"+hit.Category)
	}

	// Stage 6: context modifiers.
	for _, re := range positiveContextRe {
		if re.MatchString(text) {
			weight -= positiveContext
			indicators = append(indicators, "context:positive")
		}
	}
	for _, re := range negativeContextRe {
		if re.MatchString(text) {
			categoriesHit["negative_context"] = true
			weight += negativeContext
			indicators = append(indicators, "context:negative")
		}
	}

	// Stage 7: price analysis.
	if l.Price.Parsed && len(speciesHits) > 0 {
		for _, kind := range productKinds {
			band := priceBands[kind]
			if l.Price.Amount < band.Low {
				weight += priceAnomalyWeight
				indicators = append(indicators, "price:implausibly_low")
				break
			}
			if criticalHit && l.Price.Amount > band.High {
				weight += priceAnomalyWeight
				indicators = append(indicators, "price:implausibly_high")
				break
			}
		}
	}

	// Stage 8: platform risk multiplier.
	mult, ok := PlatformRiskMultiplier[l.Platform]
	if !ok {
		mult = 1.0
	}

	// Stage 9: aggregation.
	raw := weight*mult - float64(exclusionWeight*exclusionPenalty)
	score := int(math.Round(raw))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	// Stage 10: level assignment with category overrides.
	level := levelForScore(score)
	review := false
	if criticalHit {
		level = level.AtLeast(marketscan.LevelHigh)
	}
	if ageConcern {
		level = level.AtLeast(marketscan.LevelHigh)
		review = true
	}
	if category == marketscan.CategoryHumanTrafficking || category == marketscan.CategoryBoth {
		review = true
	}

	// Stage 11: confidence. Lower confidence never lowers the score; it
	// only informs reviewers, and very low confidence on a severe finding
	// itself demands review.
	confidence := clamp01(0.5 + 0.1*float64(len(categoriesHit)) - 0.1*float64(exclusionWeight))
	if confidence < 0.6 && (level == marketscan.LevelHigh || level == marketscan.LevelCritical) {
		review = true
	}

	return &marketscan.ThreatAssessment{
		Score:               score,
		Level:               level,
		Category:            category,
		RequiresHumanReview: review,
		Confidence:          confidence,
		Reasoning:           reasoning(category, score, indicators, exclusionWeight),
		Indicators:          indicators,
	}
}

// productKindOrder fixes iteration order over productRes for determinism.
var productKindOrder = []string{"medicine", "jewelry", "carving", "rawmateria"}

// htCategoryOrder fixes iteration order over htIndicators for determinism.
var htCategoryOrder = []string{"age_concern", "control_pattern", "financial_exploitation", "coded_language"}

type speciesHit struct {
	Term     string
	Priority Priority
}

// matchSpecies returns every species term found in text, longest terms
// winning over their substrings (matching "elephant ivory" suppresses the
// bare "ivory" entry so one phrase isn't double-counted).
func matchSpecies(text string) (hits []speciesHit, critical bool) {
	matched := []speciesHit{}
	for _, st := range criticalSpecies {
		if strings.Contains(text, st.Term) {
			matched = append(matched, speciesHit{Term: st.Term, Priority: st.Priority})
		}
	}

	for _, m := range matched {
		sub := false
		for _, other := range matched {
			if other.Term != m.Term && strings.Contains(other.Term, m.Term) {
				sub = true
				break
			}
		}
		if sub {
			continue
		}
		hits = append(hits, m)
		if m.Priority == PriorityCritical {
			critical = true
		}
	}
	return hits, critical
}

type htHit struct {
	Category string
	Weight   int
}

// matchHTIndicators scans the four indicator categories in fixed order. At
// most one hit per rule is counted.
func matchHTIndicators(text string) (hits []htHit, ageConcern bool) {
	for _, cat := range htCategoryOrder {
		for _, rule := range htIndicators[cat] {
			if rule.Pattern.MatchString(text) {
				hits = append(hits, htHit{Category: cat, Weight: rule.Weight})
				if cat == "age_concern" {
					ageConcern = true
				}
			}
		}
	}
	return hits, ageConcern
}

func levelForScore(score int) marketscan.ThreatLevel {
	switch {
	case score >= 80:
		return marketscan.LevelCritical
	case score >= 65:
		return marketscan.LevelHigh
	case score >= 45:
		return marketscan.LevelMedium
	case score >= 25:
		return marketscan.LevelLow
	}
	return marketscan.LevelSafe
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func reasoning(category marketscan.ThreatCategory, score int, indicators []string, exclusionWeight int) string {
	if len(indicators) == 0 {
		return "no indicators matched"
	}
	// Dedupe for readability; Indicators keeps the full list.
	seen := map[string]bool{}
	var parts []string
	for _, ind := range indicators {
		if !seen[ind] {
			seen[ind] = true
			parts = append(parts, ind)
		}
	}
	msg := fmt.Sprintf("category %s, score %d from %s", category, score, strings.Join(parts, ", "))
	if exclusionWeight > 0 {
		msg += fmt.Sprintf("; exclusion weight %d applied", exclusionWeight)
	}
	return msg
}
