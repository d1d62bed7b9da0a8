package evidence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/cmml-evidence/internal/clinicalextract"
)

// Archive is an SQLite-backed checkpoint over an in-memory Store. The
// pipeline writes through it so an interrupted run can resume without
// repeating extractions already paid for; the aggregation engine itself
// never touches the database. Records are stored as JSON rows keyed by
// (drug, identifier), and each row remembers which run produced it.
type Archive struct {
	store *Store
	db    *sqlx.DB
	runID string
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS clinical_records (
	drug              TEXT NOT NULL,
	source_identifier TEXT NOT NULL,
	extraction_method TEXT NOT NULL,
	confidence        REAL NOT NULL,
	has_evidence      INTEGER NOT NULL,
	record            TEXT NOT NULL,
	run_id            TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	PRIMARY KEY (drug, source_identifier)
);
`

func OpenArchive(dbPath string) (*Archive, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	a := &Archive{
		store: NewStore(),
		db:    db,
		runID: uuid.NewString(),
	}
	if err := a.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load archive: %w", err)
	}
	return a, nil
}

func (a *Archive) Close() error { return a.db.Close() }

// Store exposes the in-memory view for aggregation and reporting.
func (a *Archive) Store() *Store { return a.store }

// RunID identifies this process's rows in the archive.
func (a *Archive) RunID() string { return a.runID }

func (a *Archive) load() error {
	rows, err := a.db.Query("SELECT record FROM clinical_records")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var rec clinicalextract.ClinicalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decode archived record: %w", err)
		}
		a.store.Put(rec)
	}
	return rows.Err()
}

// Put stores the record in memory and, when it survives the supersede
// tie-break, persists it.
func (a *Archive) Put(rec clinicalextract.ClinicalRecord) error {
	if !a.store.Put(rec) {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = a.db.Exec(`INSERT OR REPLACE INTO clinical_records
		(drug, source_identifier, extraction_method, confidence, has_evidence, record, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Drug,
		rec.SourceID,
		string(rec.ExtractionMethod),
		rec.Confidence,
		boolToInt(rec.HasEvidence),
		string(raw),
		a.runID,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Has reports whether a (drug, identifier) pair was already extracted,
// letting resumed runs skip documents they have paid for.
func (a *Archive) Has(drug, id string) bool { return a.store.Has(drug, id) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
