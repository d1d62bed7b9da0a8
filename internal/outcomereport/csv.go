package outcomereport

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/joelkehle/cmml-evidence/internal/clinicalextract"
	"github.com/joelkehle/cmml-evidence/internal/evidence"
)

// WriteCSV writes one row per (drug, subgroup, metric) aggregate. Metrics
// with no data are written with an empty stats block so downstream sheets
// keep a fixed shape.
func WriteCSV(w io.Writer, records []clinicalextract.ClinicalRecord, drugs []string) error {
	cw := csv.NewWriter(w)
	header := []string{"drug", "subgroup", "metric", "unit", "count", "mean", "median", "min", "max"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	subgroups := []clinicalextract.Subgroup{
		clinicalextract.SubgroupOverall,
		clinicalextract.SubgroupRASMutant,
		clinicalextract.SubgroupNonRASMutant,
	}
	for _, drug := range drugs {
		for _, sg := range subgroups {
			res := evidence.Aggregate(records, evidence.Selector{
				Drugs:        []string{drug},
				Subgroup:     sg,
				EvidenceOnly: true,
			})
			for _, m := range clinicalextract.Metrics {
				if err := cw.Write(statsRow(drug, sg, m, res[m])); err != nil {
					return fmt.Errorf("write csv row: %w", err)
				}
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func statsRow(drug string, sg clinicalextract.Subgroup, m clinicalextract.Metric, st evidence.Stats) []string {
	unit := "months"
	if m.IsPercent() {
		unit = "percent"
	}
	row := []string{drug, string(sg), string(m), unit, strconv.Itoa(st.Count)}
	if !st.HasData() {
		return append(row, "", "", "", "")
	}
	return append(row,
		formatFloat(st.Mean),
		formatFloat(st.Median),
		formatFloat(st.Min),
		formatFloat(st.Max),
	)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
