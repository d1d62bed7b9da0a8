package outcomereport

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/joelkehle/cmml-evidence/internal/clinicalextract"
)

func fp(v float64) *float64 { return &v }

func record(drug, pmid string, conf float64, fill func(*clinicalextract.ClinicalRecord)) clinicalextract.ClinicalRecord {
	rec := clinicalextract.ClinicalRecord{
		SourceID:         pmid,
		Drug:             drug,
		Citation:         "Adams J et al. Study of " + drug + " in CMML. Blood (2021).",
		HasEvidence:      true,
		ExtractionMethod: clinicalextract.MethodGenerative,
		Confidence:       conf,
	}
	if fill != nil {
		fill(&rec)
	}
	return rec
}

func sampleRecords() []clinicalextract.ClinicalRecord {
	return []clinicalextract.ClinicalRecord{
		record("azacitidine", "100", 0.8, func(r *clinicalextract.ClinicalRecord) {
			r.Overall.OverallResponseRate = fp(40)
			r.Overall.CompleteResponse = fp(15)
			r.Overall.OverallSurvival = fp(20)
		}),
		record("azacitidine", "200", 0.7, func(r *clinicalextract.ClinicalRecord) {
			r.Overall.OverallResponseRate = fp(50)
			r.RASMutant = &clinicalextract.MetricSet{OverallResponseRate: fp(30)}
		}),
		record("decitabine", "300", 0.6, func(r *clinicalextract.ClinicalRecord) {
			r.Overall.OverallResponseRate = fp(45)
		}),
	}
}

func TestBuildComparativeTables(t *testing.T) {
	out := Build(sampleRecords(), []string{"azacitidine", "decitabine", "hydroxyurea"}, Options{
		GeneratedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	if !strings.Contains(out, "## Outcome Comparison: All patients") {
		t.Error("missing overall comparison section")
	}
	if !strings.Contains(out, "## Outcome Comparison: RAS-pathway mutant") {
		t.Error("missing RAS-mutant comparison section")
	}
	if !strings.Contains(out, "| Metric | Azacitidine | Decitabine | Hydroxyurea |") {
		t.Error("missing comparison table header")
	}
	// Two azacitidine ORR values, mean 45 with range.
	if !strings.Contains(out, "45.0% (40.0-50.0, n=2)") {
		t.Errorf("missing azacitidine ORR cell in:\n%s", out)
	}
	// Hydroxyurea has no records at all.
	if !strings.Contains(out, NoData) {
		t.Error("expected no-data placeholders for hydroxyurea")
	}
}

func TestBuildCombinedHMASection(t *testing.T) {
	out := Build(sampleRecords(), []string{"azacitidine", "decitabine"}, Options{})
	if !strings.Contains(out, "## Combined Hypomethylating Agents") {
		t.Fatal("missing combined HMA section")
	}
	// Pooled ORR: 40, 50, 45 -> mean 45.
	if !strings.Contains(out, "45.0% (40.0-50.0, n=3)") {
		t.Errorf("missing pooled ORR cell in:\n%s", out)
	}

	// A single HMA drug does not get a pooled section.
	single := Build(sampleRecords(), []string{"azacitidine"}, Options{})
	if strings.Contains(single, "## Combined Hypomethylating Agents") {
		t.Error("pooled section should need at least two HMA drugs")
	}
}

func TestBuildDrugNarrative(t *testing.T) {
	out := Build(sampleRecords(), []string{"azacitidine"}, Options{})
	if !strings.Contains(out, "overall response rates of 40.0% to 50.0%") {
		t.Errorf("missing ORR range narrative in:\n%s", out)
	}
	if !strings.Contains(out, "### Key Studies") {
		t.Error("missing key studies section")
	}
	if !strings.Contains(out, "PMID 100") || !strings.Contains(out, "PMID 200") {
		t.Error("missing study citations")
	}
	// Higher-confidence study listed first.
	if strings.Index(out, "PMID 100") > strings.Index(out, "PMID 200") {
		t.Error("key studies not ordered by confidence")
	}
}

func TestBuildNoEvidenceDrug(t *testing.T) {
	out := Build(nil, []string{"hydroxyurea"}, Options{})
	if !strings.Contains(out, "No studies with extractable outcome data were found") {
		t.Error("missing no-data narrative")
	}
	if !strings.Contains(out, "No extracted outcome data for this subgroup.") {
		t.Error("missing empty comparison note")
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleRecords(), []string{"azacitidine", "decitabine"}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	// Header + 2 drugs x 3 subgroups x 8 metrics.
	if len(rows) != 1+2*3*8 {
		t.Fatalf("rows = %d, want %d", len(rows), 1+2*3*8)
	}
	if got := strings.Join(rows[0], ","); got != "drug,subgroup,metric,unit,count,mean,median,min,max" {
		t.Errorf("header = %q", got)
	}

	found := false
	for _, row := range rows[1:] {
		if row[0] == "azacitidine" && row[1] == "overall" && row[2] == "overall_response_rate" {
			found = true
			if row[4] != "2" || row[5] != "45.00" || row[7] != "40.00" || row[8] != "50.00" {
				t.Errorf("ORR row = %v", row)
			}
		}
		if row[0] == "decitabine" && row[1] == "ras_mutant" && row[2] == "complete_response" {
			if row[4] != "0" || row[5] != "" {
				t.Errorf("no-data row should have count 0 and blank stats: %v", row)
			}
		}
	}
	if !found {
		t.Error("missing azacitidine overall ORR row")
	}
}

func TestBuildHTML(t *testing.T) {
	md := Build(sampleRecords(), []string{"azacitidine", "decitabine"}, Options{})
	html, err := BuildHTML(md)
	if err != nil {
		t.Fatalf("BuildHTML: %v", err)
	}
	if !strings.Contains(html, "<table>") {
		t.Error("comparison tables were not rendered as HTML tables")
	}
	if !strings.Contains(html, "<h1") || !strings.Contains(html, "CMML Drug Outcome Evidence Report") {
		t.Error("missing report title")
	}
	if !strings.Contains(html, "<style>") {
		t.Error("missing inline styles")
	}
}
