package clinicalextract

const (
	// MaxDocumentChars caps how much of a document is embedded in the
	// generative extraction prompt.
	MaxDocumentChars = 12000

	// PatternConfidence is the fixed confidence assigned to records produced
	// by the pattern extractor. Pattern matches are precise about phrasing but
	// blind to context, so they always score below a populated generative
	// extraction.
	PatternConfidence = 0.35
)

type ExtractionMethod string

const (
	MethodPattern    ExtractionMethod = "pattern"
	MethodGenerative ExtractionMethod = "generative"
)

type Subgroup string

const (
	SubgroupOverall      Subgroup = "overall"
	SubgroupRASMutant    Subgroup = "ras_mutant"
	SubgroupNonRASMutant Subgroup = "non_ras_mutant"
)

// Metric names one numeric outcome field of a MetricSet.
type Metric string

const (
	MetricCompleteResponse        Metric = "complete_response"
	MetricPartialResponse         Metric = "partial_response"
	MetricMarrowResponse          Metric = "marrow_response"
	MetricOverallResponseRate     Metric = "overall_response_rate"
	MetricProgressionFreeSurvival Metric = "progression_free_survival_months"
	MetricOverallSurvival         Metric = "overall_survival_months"
	MetricEventFreeSurvival       Metric = "event_free_survival_months"
	MetricSeriousAdverseEvents    Metric = "serious_adverse_event_rate"
)

// Metrics lists every metric in a stable order.
var Metrics = []Metric{
	MetricCompleteResponse,
	MetricPartialResponse,
	MetricMarrowResponse,
	MetricOverallResponseRate,
	MetricProgressionFreeSurvival,
	MetricOverallSurvival,
	MetricEventFreeSurvival,
	MetricSeriousAdverseEvents,
}

// IsPercent reports whether the metric is a percentage (valid range [0,100])
// as opposed to a months duration (valid range >= 0).
func (m Metric) IsPercent() bool {
	switch m {
	case MetricProgressionFreeSurvival, MetricOverallSurvival, MetricEventFreeSurvival:
		return false
	}
	return true
}

// MetricSet holds the extracted outcome values for one cohort slice. A nil
// field means the source did not report that metric; zero is a valid
// observed value and is never used to stand in for "unreported".
type MetricSet struct {
	CompleteResponse        *float64 `json:"complete_response"`
	PartialResponse         *float64 `json:"partial_response"`
	MarrowResponse          *float64 `json:"marrow_response"`
	OverallResponseRate     *float64 `json:"overall_response_rate"`
	ProgressionFreeSurvival *float64 `json:"progression_free_survival_months"`
	OverallSurvival         *float64 `json:"overall_survival_months"`
	EventFreeSurvival       *float64 `json:"event_free_survival_months"`
	SeriousAdverseEvents    *float64 `json:"serious_adverse_event_rate"`
}

func (s *MetricSet) Get(m Metric) *float64 {
	switch m {
	case MetricCompleteResponse:
		return s.CompleteResponse
	case MetricPartialResponse:
		return s.PartialResponse
	case MetricMarrowResponse:
		return s.MarrowResponse
	case MetricOverallResponseRate:
		return s.OverallResponseRate
	case MetricProgressionFreeSurvival:
		return s.ProgressionFreeSurvival
	case MetricOverallSurvival:
		return s.OverallSurvival
	case MetricEventFreeSurvival:
		return s.EventFreeSurvival
	case MetricSeriousAdverseEvents:
		return s.SeriousAdverseEvents
	}
	return nil
}

func (s *MetricSet) set(m Metric, v *float64) {
	switch m {
	case MetricCompleteResponse:
		s.CompleteResponse = v
	case MetricPartialResponse:
		s.PartialResponse = v
	case MetricMarrowResponse:
		s.MarrowResponse = v
	case MetricOverallResponseRate:
		s.OverallResponseRate = v
	case MetricProgressionFreeSurvival:
		s.ProgressionFreeSurvival = v
	case MetricOverallSurvival:
		s.OverallSurvival = v
	case MetricEventFreeSurvival:
		s.EventFreeSurvival = v
	case MetricSeriousAdverseEvents:
		s.SeriousAdverseEvents = v
	}
}

// Populated returns how many metric fields carry a value.
func (s *MetricSet) Populated() int {
	n := 0
	for _, m := range Metrics {
		if s.Get(m) != nil {
			n++
		}
	}
	return n
}

func (s *MetricSet) Empty() bool { return s.Populated() == 0 }

// Document is the normalized unit of input consumed by the extractors. The
// retrieval layer produces one per literature record; it is never mutated.
type Document struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Abstract   string `json:"abstract"`
	FullText   string `json:"full_text,omitempty"`
	Citation   string `json:"citation"`
	DrugHint   string `json:"drug_hint,omitempty"`
}

// Text returns the best available body for extraction: full text when the
// retrieval layer found one, otherwise title plus abstract.
func (d Document) Text() string {
	if d.FullText != "" {
		return d.FullText
	}
	return "Title: " + d.Title + "\n\nAbstract: " + d.Abstract
}

// ClinicalRecord is one validated extraction result for a (drug, document)
// pair. Records are immutable once built; a re-extraction produces a new
// record and the deduplicator decides which one survives.
type ClinicalRecord struct {
	SourceID    string `json:"source_identifier"`
	Drug        string `json:"drug"`
	Citation    string `json:"citation,omitempty"`
	HasEvidence bool   `json:"has_evidence"`

	Overall      MetricSet  `json:"overall"`
	RASMutant    *MetricSet `json:"ras_mutant,omitempty"`
	NonRASMutant *MetricSet `json:"non_ras_mutant,omitempty"`

	SampleSize          *int             `json:"sample_size,omitempty"`
	SubgroupSampleSizes map[Subgroup]int `json:"subgroup_sample_sizes,omitempty"`

	SupportingQuotes []string         `json:"supporting_quotes,omitempty"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	Confidence       float64          `json:"confidence"`
}

// Subgroups returns the populated subgroup metric sets keyed by subgroup.
func (r *ClinicalRecord) Subgroups() map[Subgroup]*MetricSet {
	out := map[Subgroup]*MetricSet{SubgroupOverall: &r.Overall}
	if r.RASMutant != nil {
		out[SubgroupRASMutant] = r.RASMutant
	}
	if r.NonRASMutant != nil {
		out[SubgroupNonRASMutant] = r.NonRASMutant
	}
	return out
}

// Metrics returns the metric set for one subgroup, nil when the record does
// not stratify by that subgroup.
func (r *ClinicalRecord) Metrics(sg Subgroup) *MetricSet {
	switch sg {
	case SubgroupOverall:
		return &r.Overall
	case SubgroupRASMutant:
		return r.RASMutant
	case SubgroupNonRASMutant:
		return r.NonRASMutant
	}
	return nil
}

// PopulatedFields counts the non-null numeric fields across the overall and
// subgroup metric sets. Used by the deduplicator's tie-break.
func (r *ClinicalRecord) PopulatedFields() int {
	n := r.Overall.Populated()
	if r.RASMutant != nil {
		n += r.RASMutant.Populated()
	}
	if r.NonRASMutant != nil {
		n += r.NonRASMutant.Populated()
	}
	return n
}
