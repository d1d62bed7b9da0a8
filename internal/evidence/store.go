// Package evidence holds validated extraction results and computes
// cross-paper statistics over them.
package evidence

import (
	"sort"

	"github.com/joelkehle/cmml-evidence/internal/clinicalextract"
)

// Key identifies one record: a drug paired with a document identifier.
type Key struct {
	Drug string
	ID   string
}

// Store is the in-memory collection of extracted clinical records, unique
// per (drug, identifier). It is populated by a single producer loop and
// only read afterward; it does no locking of its own.
type Store struct {
	records map[Key]clinicalextract.ClinicalRecord
}

func NewStore() *Store {
	return &Store{records: map[Key]clinicalextract.ClinicalRecord{}}
}

// Put inserts a record, superseding an existing one for the same key only
// when the newcomer wins the deduplicator's tie-break. Returns whether the
// store now holds the given record.
func (s *Store) Put(rec clinicalextract.ClinicalRecord) bool {
	k := Key{Drug: rec.Drug, ID: rec.SourceID}
	if existing, ok := s.records[k]; ok {
		if !clinicalextract.Supersedes(rec, existing) {
			return false
		}
	}
	s.records[k] = rec
	return true
}

func (s *Store) Get(drug, id string) (clinicalextract.ClinicalRecord, bool) {
	rec, ok := s.records[Key{Drug: drug, ID: id}]
	return rec, ok
}

func (s *Store) Has(drug, id string) bool {
	_, ok := s.records[Key{Drug: drug, ID: id}]
	return ok
}

func (s *Store) Len() int { return len(s.records) }

// Records returns all records ordered by drug then identifier, so repeated
// runs over the same store produce identical output.
func (s *Store) Records() []clinicalextract.ClinicalRecord {
	out := make([]clinicalextract.ClinicalRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Drug != out[j].Drug {
			return out[i].Drug < out[j].Drug
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// Drugs returns the distinct drugs present, sorted.
func (s *Store) Drugs() []string {
	seen := map[string]struct{}{}
	for k := range s.records {
		seen[k.Drug] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
