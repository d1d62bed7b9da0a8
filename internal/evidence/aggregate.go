package evidence

import (
	"sort"

	"github.com/joelkehle/cmml-evidence/internal/clinicalextract"
)

// Stats summarizes one metric over a record slice. Count of zero is the
// explicit no-data sentinel: "no study reports this" is never the same as
// an observed 0.0.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func (s Stats) HasData() bool { return s.Count > 0 }

// Result maps each metric to its stats for one selector.
type Result map[clinicalextract.Metric]Stats

// Selector narrows which records and which cohort slice feed an
// aggregation. An empty Drugs list matches every drug; listing several
// drugs pools their record sets before aggregating (union of records, not
// a combination of per-drug statistics).
type Selector struct {
	Drugs        []string
	Subgroup     clinicalextract.Subgroup
	EvidenceOnly bool
}

func (sel Selector) matches(rec clinicalextract.ClinicalRecord) bool {
	if sel.EvidenceOnly && !rec.HasEvidence {
		return false
	}
	if len(sel.Drugs) == 0 {
		return true
	}
	for _, d := range sel.Drugs {
		if rec.Drug == d {
			return true
		}
	}
	return false
}

// Aggregate computes per-metric stats over the selected slice of records.
// It is purely functional: the same input always yields the same result.
func Aggregate(records []clinicalextract.ClinicalRecord, sel Selector) Result {
	sg := sel.Subgroup
	if sg == "" {
		sg = clinicalextract.SubgroupOverall
	}

	values := map[clinicalextract.Metric][]float64{}
	for _, rec := range records {
		if !sel.matches(rec) {
			continue
		}
		ms := rec.Metrics(sg)
		if ms == nil {
			continue
		}
		for _, m := range clinicalextract.Metrics {
			if m == clinicalextract.MetricOverallResponseRate {
				if v, ok := compositeORR(ms); ok {
					values[m] = append(values[m], v)
				}
				continue
			}
			if v := ms.Get(m); v != nil {
				values[m] = append(values[m], *v)
			}
		}
	}

	out := Result{}
	for _, m := range clinicalextract.Metrics {
		out[m] = describe(values[m])
	}
	return out
}

// compositeORR derives a record's overall response rate. An explicitly
// reported ORR wins; otherwise CR, PR, and marrow response are summed with
// unreported terms counted as zero. That null-as-zero conflation is
// intentional and confined to this one composite: summing partial evidence
// has no other option. A record reporting none of the contributing terms
// yields no composite at all.
func compositeORR(ms *clinicalextract.MetricSet) (float64, bool) {
	if ms.OverallResponseRate != nil {
		return *ms.OverallResponseRate, true
	}
	if ms.CompleteResponse == nil && ms.PartialResponse == nil && ms.MarrowResponse == nil {
		return 0, false
	}
	sum := 0.0
	for _, v := range []*float64{ms.CompleteResponse, ms.PartialResponse, ms.MarrowResponse} {
		if v != nil {
			sum += *v
		}
	}
	return sum, true
}

func describe(vals []float64) Stats {
	if len(vals) == 0 {
		return Stats{}
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return Stats{
		Count:  n,
		Mean:   sum / float64(n),
		Median: median,
		Min:    sorted[0],
		Max:    sorted[n-1],
	}
}
