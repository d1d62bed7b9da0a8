package clinicalextract

// Merge collapses repeated extractions of the same document into one record
// per identifier. When two records share an identifier the higher-confidence
// one wins; on a confidence tie the one with more populated numeric fields
// wins; on a full tie the first encountered stays. Merge is a pure function
// of its input sequence, so merging a merged set again changes nothing.
func Merge(records []ClinicalRecord) map[string]ClinicalRecord {
	out := make(map[string]ClinicalRecord, len(records))
	for _, rec := range records {
		existing, ok := out[rec.SourceID]
		if !ok {
			out[rec.SourceID] = rec
			continue
		}
		if Supersedes(rec, existing) {
			out[rec.SourceID] = rec
		}
	}
	return out
}

// Supersedes reports whether candidate should replace incumbent under the
// merge tie-break. Exposed so the evidence store applies the same rule when
// a record is re-extracted.
func Supersedes(candidate, incumbent ClinicalRecord) bool {
	if candidate.Confidence != incumbent.Confidence {
		return candidate.Confidence > incumbent.Confidence
	}
	return candidate.PopulatedFields() > incumbent.PopulatedFields()
}
