// Package outcomereport renders aggregated drug outcome evidence as a
// comparative markdown report, with CSV, HTML, and PDF exports.
package outcomereport

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joelkehle/cmml-evidence/internal/clinicalextract"
	"github.com/joelkehle/cmml-evidence/internal/evidence"
)

// NoData marks a table cell with no aggregated values behind it.
const NoData = "..."

// hmaDrugs are pooled into the combined hypomethylating agent section.
var hmaDrugs = map[string]bool{
	"azacitidine": true,
	"decitabine":  true,
}

var metricLabels = map[clinicalextract.Metric]string{
	clinicalextract.MetricCompleteResponse:        "Complete response",
	clinicalextract.MetricPartialResponse:         "Partial response",
	clinicalextract.MetricMarrowResponse:          "Marrow response",
	clinicalextract.MetricOverallResponseRate:     "Overall response rate",
	clinicalextract.MetricProgressionFreeSurvival: "Median PFS",
	clinicalextract.MetricOverallSurvival:         "Median OS",
	clinicalextract.MetricEventFreeSurvival:       "Median EFS",
	clinicalextract.MetricSeriousAdverseEvents:    "Serious adverse events",
}

var subgroupLabels = map[clinicalextract.Subgroup]string{
	clinicalextract.SubgroupOverall:      "All patients",
	clinicalextract.SubgroupRASMutant:    "RAS-pathway mutant",
	clinicalextract.SubgroupNonRASMutant: "Non-RAS-pathway mutant",
}

type Options struct {
	Title       string
	GeneratedAt time.Time
}

func (o *Options) applyDefaults() {
	if o.Title == "" {
		o.Title = "CMML Drug Outcome Evidence Report"
	}
	if o.GeneratedAt.IsZero() {
		o.GeneratedAt = time.Now()
	}
}

// Build renders the full comparative markdown report for the given drugs.
func Build(records []clinicalextract.ClinicalRecord, drugs []string, opts Options) string {
	opts.applyDefaults()

	var b strings.Builder
	buildHeader(&b, records, drugs, opts)

	for _, sg := range []clinicalextract.Subgroup{
		clinicalextract.SubgroupOverall,
		clinicalextract.SubgroupRASMutant,
		clinicalextract.SubgroupNonRASMutant,
	} {
		buildComparisonTable(&b, records, drugs, sg)
	}

	buildCombinedHMASection(&b, records, drugs)

	for _, drug := range drugs {
		buildDrugNarrative(&b, records, drug)
	}

	buildMethodology(&b)
	return b.String()
}

func buildHeader(b *strings.Builder, records []clinicalextract.ClinicalRecord, drugs []string, opts Options) {
	fmt.Fprintf(b, "# %s\n\n", opts.Title)
	fmt.Fprintf(b, "- Date: %s\n", opts.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(b, "- Drugs compared: %s\n", strings.Join(drugs, ", "))
	withEvidence := 0
	for _, rec := range records {
		if rec.HasEvidence {
			withEvidence++
		}
	}
	fmt.Fprintf(b, "- Records analyzed: %d (%d with extractable outcome data)\n\n", len(records), withEvidence)
	b.WriteString("Automated literature synthesis. Values are study-level aggregates, not patient-level meta-analysis, and require expert review before clinical interpretation.\n\n")
}

func buildComparisonTable(b *strings.Builder, records []clinicalextract.ClinicalRecord, drugs []string, sg clinicalextract.Subgroup) {
	fmt.Fprintf(b, "## Outcome Comparison: %s\n\n", subgroupLabels[sg])

	results := make(map[string]evidence.Result, len(drugs))
	hasData := false
	for _, drug := range drugs {
		res := evidence.Aggregate(records, evidence.Selector{
			Drugs:        []string{drug},
			Subgroup:     sg,
			EvidenceOnly: true,
		})
		results[drug] = res
		for _, st := range res {
			if st.HasData() {
				hasData = true
			}
		}
	}
	if !hasData {
		b.WriteString("No extracted outcome data for this subgroup.\n\n")
		return
	}

	fmt.Fprintf(b, "| Metric | %s |\n", strings.Join(titled(drugs), " | "))
	b.WriteString("|---|" + strings.Repeat("---|", len(drugs)) + "\n")
	for _, m := range clinicalextract.Metrics {
		cells := make([]string, 0, len(drugs))
		for _, drug := range drugs {
			cells = append(cells, formatCell(results[drug][m], m))
		}
		fmt.Fprintf(b, "| %s | %s |\n", metricLabels[m], strings.Join(cells, " | "))
	}
	b.WriteString("\n")
}

func buildCombinedHMASection(b *strings.Builder, records []clinicalextract.ClinicalRecord, drugs []string) {
	var pooled []string
	for _, d := range drugs {
		if hmaDrugs[strings.ToLower(d)] {
			pooled = append(pooled, d)
		}
	}
	if len(pooled) < 2 {
		return
	}

	b.WriteString("## Combined Hypomethylating Agents\n\n")
	fmt.Fprintf(b, "Pooled study-level aggregate across %s.\n\n", strings.Join(pooled, " and "))

	res := evidence.Aggregate(records, evidence.Selector{
		Drugs:        pooled,
		Subgroup:     clinicalextract.SubgroupOverall,
		EvidenceOnly: true,
	})
	b.WriteString("| Metric | Pooled |\n|---|---|\n")
	for _, m := range clinicalextract.Metrics {
		fmt.Fprintf(b, "| %s | %s |\n", metricLabels[m], formatCell(res[m], m))
	}
	b.WriteString("\n")
}

func buildDrugNarrative(b *strings.Builder, records []clinicalextract.ClinicalRecord, drug string) {
	fmt.Fprintf(b, "## %s\n\n", titleCase(drug))

	var own []clinicalextract.ClinicalRecord
	for _, rec := range records {
		if strings.EqualFold(rec.Drug, drug) && rec.HasEvidence {
			own = append(own, rec)
		}
	}
	if len(own) == 0 {
		b.WriteString("No studies with extractable outcome data were found for this drug.\n\n")
		return
	}

	res := evidence.Aggregate(own, evidence.Selector{Subgroup: clinicalextract.SubgroupOverall, EvidenceOnly: true})
	var lines []string
	if st := res[clinicalextract.MetricOverallResponseRate]; st.HasData() {
		lines = append(lines, fmt.Sprintf("overall response rates of %s", rangeText(st, true)))
	}
	if st := res[clinicalextract.MetricCompleteResponse]; st.HasData() {
		lines = append(lines, fmt.Sprintf("complete response rates of %s", rangeText(st, true)))
	}
	if st := res[clinicalextract.MetricOverallSurvival]; st.HasData() {
		lines = append(lines, fmt.Sprintf("median overall survival of %s", rangeText(st, false)))
	}
	if st := res[clinicalextract.MetricSeriousAdverseEvents]; st.HasData() {
		lines = append(lines, fmt.Sprintf("serious adverse event rates of %s", rangeText(st, true)))
	}
	if len(lines) > 0 {
		fmt.Fprintf(b, "Across %d studies with outcome data, %s reported %s.\n\n",
			len(own), titleCase(drug), strings.Join(lines, "; "))
	}

	b.WriteString("### Key Studies\n\n")
	for _, rec := range keyStudies(own, 5) {
		citation := rec.Citation
		if citation == "" {
			citation = "Uncited record"
		}
		fmt.Fprintf(b, "- **PMID %s** (%s extraction, confidence %.2f): %s\n",
			rec.SourceID, rec.ExtractionMethod, rec.Confidence, citation)
	}
	b.WriteString("\n")
}

func buildMethodology(b *strings.Builder) {
	b.WriteString("## Methodology\n\n")
	b.WriteString("Papers were retrieved from PubMed E-utilities with per-drug query plans and deduplicated by PMID. ")
	b.WriteString("Outcome metrics were extracted per study with a generative model where available, falling back to phrase pattern matching, and validated against metric ranges before aggregation. ")
	b.WriteString("Overall response rate uses the explicitly reported value when present, otherwise the sum of complete, partial, and marrow response components.\n")
}

// keyStudies returns up to n records ordered by confidence, then populated
// field count, then identifier.
func keyStudies(records []clinicalextract.ClinicalRecord, n int) []clinicalextract.ClinicalRecord {
	sorted := make([]clinicalextract.ClinicalRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		pi, pj := sorted[i].PopulatedFields(), sorted[j].PopulatedFields()
		if pi != pj {
			return pi > pj
		}
		return sorted[i].SourceID < sorted[j].SourceID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func formatCell(st evidence.Stats, m clinicalextract.Metric) string {
	if !st.HasData() {
		return NoData
	}
	unit := " mo"
	if m.IsPercent() {
		unit = "%"
	}
	if st.Count == 1 {
		return fmt.Sprintf("%.1f%s (n=1)", st.Mean, unit)
	}
	return fmt.Sprintf("%.1f%s (%.1f-%.1f, n=%d)", st.Mean, unit, st.Min, st.Max, st.Count)
}

func rangeText(st evidence.Stats, percent bool) string {
	unit := " months"
	if percent {
		unit = "%"
	}
	if st.Count == 1 || st.Min == st.Max {
		return fmt.Sprintf("%.1f%s", st.Mean, unit)
	}
	return fmt.Sprintf("%.1f%s to %.1f%s", st.Min, unit, st.Max, unit)
}

func titled(drugs []string) []string {
	out := make([]string, len(drugs))
	for i, d := range drugs {
		out[i] = titleCase(d)
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
