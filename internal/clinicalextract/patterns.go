package clinicalextract

import (
	"regexp"
	"strconv"
	"strings"
)

// PhrasePattern binds one phrasing of a clinical metric to the metric it
// reports. The regexp must expose exactly one capture group containing the
// numeric value.
type PhrasePattern struct {
	Metric Metric
	Re     *regexp.Regexp
}

const num = `(\d+(?:\.\d+)?)`

// defaultPhrasePatterns is the built-in phrase table, ordered by priority.
// For each metric the first matching pattern wins; later matches for the
// same metric are ignored. Percentage captures are taken as-is (a capture
// of "25.5" means 25.5%), months captures as months.
var defaultPhrasePatterns = []PhrasePattern{
	{MetricCompleteResponse, regexp.MustCompile(`complete\s+response(?:\s+rate)?(?:\s*\(cr\))?[^.%]{0,40}?` + num + `\s*%`)},
	{MetricCompleteResponse, regexp.MustCompile(`\bcr\s+rate[^.%]{0,30}?` + num + `\s*%`)},
	{MetricPartialResponse, regexp.MustCompile(`partial\s+response(?:\s+rate)?(?:\s*\(pr\))?[^.%]{0,40}?` + num + `\s*%`)},
	{MetricPartialResponse, regexp.MustCompile(`\bpr\s+rate[^.%]{0,30}?` + num + `\s*%`)},
	{MetricMarrowResponse, regexp.MustCompile(`marrow\s+(?:complete|optimal)\s+response(?:\s*\(m?cr\))?[^.%]{0,40}?` + num + `\s*%`)},
	{MetricMarrowResponse, regexp.MustCompile(`\bmcr\s+rate[^.%]{0,30}?` + num + `\s*%`)},
	{MetricOverallResponseRate, regexp.MustCompile(`overall\s+response\s+rate(?:\s*\(orr\))?[^.%]{0,40}?` + num + `\s*%`)},
	{MetricOverallResponseRate, regexp.MustCompile(`\borr[^.%]{0,30}?` + num + `\s*%`)},
	{MetricProgressionFreeSurvival, regexp.MustCompile(`median\s+progression[- ]free\s+survival[^.]{0,40}?` + num + `\s*months`)},
	{MetricProgressionFreeSurvival, regexp.MustCompile(`median\s+pfs[^.]{0,30}?` + num + `\s*months`)},
	{MetricOverallSurvival, regexp.MustCompile(`median\s+overall\s+survival[^.]{0,40}?` + num + `\s*months`)},
	{MetricOverallSurvival, regexp.MustCompile(`median\s+os[^.]{0,30}?` + num + `\s*months`)},
	{MetricEventFreeSurvival, regexp.MustCompile(`median\s+event[- ]free\s+survival[^.]{0,40}?` + num + `\s*months`)},
	{MetricEventFreeSurvival, regexp.MustCompile(`median\s+efs[^.]{0,30}?` + num + `\s*months`)},
	{MetricSeriousAdverseEvents, regexp.MustCompile(`serious\s+adverse\s+events?(?:\s*\(saes?\))?[^.%]{0,40}?` + num + `\s*%`)},
	{MetricSeriousAdverseEvents, regexp.MustCompile(`grade\s+3(?:-|–|/| to )4\s+(?:adverse\s+events?|toxicit(?:y|ies))[^.%]{0,40}?` + num + `\s*%`)},
}

// PatternExtractor scans free text against an ordered phrase table. It is
// deterministic, never fails, and reports only metrics it positively
// matched; everything else stays null. The caller decides what an all-null
// result means.
type PatternExtractor struct {
	patterns []PhrasePattern
}

// NewPatternExtractor returns an extractor using the built-in phrase table.
func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{patterns: defaultPhrasePatterns}
}

// NewPatternExtractorWithTable returns an extractor over a caller-supplied
// table, in the caller's priority order.
func NewPatternExtractorWithTable(patterns []PhrasePattern) *PatternExtractor {
	return &PatternExtractor{patterns: patterns}
}

// Extract scans text and returns whichever metrics the table matched.
func (p *PatternExtractor) Extract(text string) MetricSet {
	lower := strings.ToLower(text)
	var out MetricSet
	for _, pp := range p.patterns {
		if out.Get(pp.Metric) != nil {
			continue
		}
		m := pp.Re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		val := v
		out.set(pp.Metric, &val)
	}
	return out
}

// RelevanceFilter decides whether a document plausibly discusses the target
// condition and drug before any extraction work is spent on it. Term lists
// are word-boundary matched; configuring them is how drug abbreviations
// ("HU" for hydroxyurea) are handled without loose substring checks.
type RelevanceFilter struct {
	conditionTerms []*regexp.Regexp
	drugSynonyms   map[string][]*regexp.Regexp
}

var defaultDrugSynonyms = map[string][]string{
	"azacitidine": {"azacitidine", "5-azacitidine", "aza"},
	"decitabine":  {"decitabine", "dac"},
	"hydroxyurea": {"hydroxyurea", "hydroxycarbamide", "hu"},
}

// NewRelevanceFilter builds a filter for the given condition terms. Drugs
// not present in the synonym table match on the drug name itself.
func NewRelevanceFilter(conditionTerms []string) *RelevanceFilter {
	f := &RelevanceFilter{drugSynonyms: map[string][]*regexp.Regexp{}}
	for _, t := range conditionTerms {
		f.conditionTerms = append(f.conditionTerms, wordRe(t))
	}
	for drug, syns := range defaultDrugSynonyms {
		for _, s := range syns {
			f.drugSynonyms[drug] = append(f.drugSynonyms[drug], wordRe(s))
		}
	}
	return f
}

// DefaultRelevanceFilter matches the condition under study.
func DefaultRelevanceFilter() *RelevanceFilter {
	return NewRelevanceFilter([]string{"cmml", "chronic myelomonocytic leukemia", "chronic myelomonocytic leukaemia"})
}

// Relevant reports whether text mentions both the condition and the drug
// (by name or known synonym).
func (f *RelevanceFilter) Relevant(text, drug string) bool {
	lower := strings.ToLower(text)
	condition := false
	for _, re := range f.conditionTerms {
		if re.MatchString(lower) {
			condition = true
			break
		}
	}
	if !condition {
		return false
	}
	res, ok := f.drugSynonyms[strings.ToLower(drug)]
	if !ok {
		res = []*regexp.Regexp{wordRe(drug)}
	}
	for _, re := range res {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

func wordRe(term string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToLower(term)) + `\b`)
}
