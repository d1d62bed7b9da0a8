// Package pipeline links literature retrieval, clinical extraction, and the
// evidence store into one run: for each drug it searches PubMed, filters
// off-topic papers, extracts outcome metrics, deduplicates, and persists.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/cmml-evidence/internal/clinicalextract"
	"github.com/joelkehle/cmml-evidence/internal/evidence"
	"github.com/joelkehle/cmml-evidence/internal/pubmedsearch"
)

const tracerName = "cmml-evidence/pipeline"

// Searcher retrieves candidate papers for one drug.
type Searcher interface {
	SearchDrug(ctx context.Context, drug, extraTerms string) ([]pubmedsearch.Paper, error)
}

// Extractor produces a clinical record from one document.
type Extractor interface {
	Extract(ctx context.Context, doc clinicalextract.Document, drug string) (clinicalextract.ClinicalRecord, error)
}

// Sink receives deduplicated records. Implementations decide how a record
// that collides with an archived one is resolved.
type Sink interface {
	Put(rec clinicalextract.ClinicalRecord) error
	Has(drug, id string) bool
}

// StoreSink adapts the in-memory store to the Sink interface for runs
// without a sqlite archive.
type StoreSink struct {
	Store *evidence.Store
}

func (s StoreSink) Put(rec clinicalextract.ClinicalRecord) error {
	s.Store.Put(rec)
	return nil
}

func (s StoreSink) Has(drug, id string) bool { return s.Store.Has(drug, id) }

type ProgressFn func(stage, message string)

func emit(progress ProgressFn, stage, message string) {
	if progress != nil {
		progress(stage, message)
	}
}

type Config struct {
	Drugs      []string
	ExtraTerms string

	Searcher  Searcher
	Extractor Extractor
	Filter    *clinicalextract.RelevanceFilter
	Sink      Sink
}

// DrugStats counts what happened to one drug's candidate papers.
type DrugStats struct {
	Found        int `json:"found"`
	Irrelevant   int `json:"irrelevant"`
	Archived     int `json:"archived"`
	Extracted    int `json:"extracted"`
	WithEvidence int `json:"with_evidence"`
	Failed       int `json:"failed"`
}

type RunResult struct {
	Stats       map[string]DrugStats `json:"stats"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
}

type Pipeline struct {
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if len(cfg.Drugs) == 0 {
		return nil, fmt.Errorf("at least one drug is required")
	}
	if cfg.Searcher == nil || cfg.Extractor == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("searcher, extractor, and sink are required")
	}
	return &Pipeline{cfg: cfg}, nil
}

func (p *Pipeline) Run(ctx context.Context, progress ProgressFn) (RunResult, error) {
	res := RunResult{
		Stats:     map[string]DrugStats{},
		StartedAt: time.Now(),
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.StringSlice("drugs", p.cfg.Drugs)))
	defer span.End()

	for _, drug := range p.cfg.Drugs {
		if err := ctx.Err(); err != nil {
			res.CompletedAt = time.Now()
			return res, err
		}
		stats, err := p.runDrug(ctx, tracer, drug, progress)
		res.Stats[drug] = stats
		if err != nil {
			res.CompletedAt = time.Now()
			return res, fmt.Errorf("drug %s: %w", drug, err)
		}
	}

	res.CompletedAt = time.Now()
	return res, nil
}

func (p *Pipeline) runDrug(ctx context.Context, tracer trace.Tracer, drug string, progress ProgressFn) (DrugStats, error) {
	ctx, span := tracer.Start(ctx, "pipeline.drug",
		trace.WithAttributes(attribute.String("drug", drug)))
	defer span.End()

	var stats DrugStats

	emit(progress, "search", fmt.Sprintf("Searching PubMed for %s...", drug))
	papers, err := p.cfg.Searcher.SearchDrug(ctx, drug, p.cfg.ExtraTerms)
	if err != nil {
		return stats, fmt.Errorf("search: %w", err)
	}
	stats.Found = len(papers)
	emit(progress, "search", fmt.Sprintf("Found %d papers for %s", len(papers), drug))

	var records []clinicalextract.ClinicalRecord
	for i, paper := range papers {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		doc := documentFromPaper(paper, drug)
		if p.cfg.Filter != nil && !p.cfg.Filter.Relevant(doc.Text(), drug) {
			stats.Irrelevant++
			continue
		}
		if p.cfg.Sink.Has(drug, doc.Identifier) {
			stats.Archived++
			continue
		}

		emit(progress, "extract", fmt.Sprintf("Extracting %s (%d/%d) for %s", doc.Identifier, i+1, len(papers), drug))
		rec, err := p.extractOne(ctx, tracer, doc, drug)
		if err != nil {
			if ctx.Err() != nil {
				return stats, err
			}
			stats.Failed++
			log.Printf("pipeline extraction failed drug=%s id=%s err=%v", drug, doc.Identifier, err)
			continue
		}
		stats.Extracted++
		if rec.HasEvidence {
			stats.WithEvidence++
		}
		records = append(records, rec)
	}

	merged := clinicalextract.Merge(records)
	for _, rec := range merged {
		if err := p.cfg.Sink.Put(rec); err != nil {
			return stats, fmt.Errorf("persist %s: %w", rec.SourceID, err)
		}
	}
	emit(progress, "persist", fmt.Sprintf("Stored %d records for %s (%d with evidence)",
		len(merged), drug, stats.WithEvidence))

	span.SetAttributes(
		attribute.Int("papers.found", stats.Found),
		attribute.Int("records.stored", len(merged)),
		attribute.Int("records.with_evidence", stats.WithEvidence),
	)
	return stats, nil
}

func (p *Pipeline) extractOne(ctx context.Context, tracer trace.Tracer, doc clinicalextract.Document, drug string) (clinicalextract.ClinicalRecord, error) {
	ctx, span := tracer.Start(ctx, "pipeline.extract",
		trace.WithAttributes(
			attribute.String("drug", drug),
			attribute.String("document.id", doc.Identifier),
		))
	defer span.End()

	rec, err := p.cfg.Extractor.Extract(ctx, doc, drug)
	if err != nil {
		return rec, err
	}
	span.SetAttributes(
		attribute.String("extraction.method", string(rec.ExtractionMethod)),
		attribute.Bool("extraction.has_evidence", rec.HasEvidence),
	)
	return rec, nil
}

func documentFromPaper(paper pubmedsearch.Paper, drug string) clinicalextract.Document {
	return clinicalextract.Document{
		Identifier: paper.PMID,
		Title:      paper.Title,
		Abstract:   paper.Abstract,
		Citation:   paper.Citation(),
		DrugHint:   drug,
	}
}
