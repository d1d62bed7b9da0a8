package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/joelkehle/cmml-evidence/internal/clinicalextract"
	"github.com/joelkehle/cmml-evidence/internal/evidence"
	"github.com/joelkehle/cmml-evidence/internal/outcomereport"
	"github.com/joelkehle/cmml-evidence/internal/pipeline"
	"github.com/joelkehle/cmml-evidence/internal/pubmedsearch"
)

const defaultCallDelay = 12 * time.Second

func main() {
	drugsFlag := flag.String("drugs", "azacitidine,decitabine,hydroxyurea", "Comma-separated drugs to compare")
	extraTerms := flag.String("extra-terms", "", "Extra search terms appended as an additional per-drug query")
	maxResults := flag.Int("max-results", pubmedsearch.DefaultMaxResults, "Max PubMed results per query")
	archivePath := flag.String("archive", "evidence.db", "SQLite evidence archive path")
	outPath := flag.String("out", "cmml_outcome_report.md", "Markdown report output path")
	csvPath := flag.String("csv", "", "Optional CSV aggregate output path")
	noLLM := flag.Bool("no-llm", false, "Skip the generative extractor and run pattern-only")
	flag.Parse()

	drugs := splitDrugs(*drugsFlag)
	if len(drugs) == 0 {
		log.Fatal("at least one drug is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracer shutdown: %v", err)
		}
	}()

	coordCfg := clinicalextract.CoordinatorConfig{
		Pattern:   clinicalextract.NewPatternExtractor(),
		CallDelay: defaultCallDelay,
	}
	if !*noLLM {
		caller, err := clinicalextract.NewAnthropicCallerFromEnv()
		if err != nil {
			log.Fatal(err)
		}
		coordCfg.Generative = clinicalextract.NewGenerativeExtractor(caller)
	}
	coordinator, err := clinicalextract.NewCoordinator(coordCfg)
	if err != nil {
		log.Fatal(err)
	}

	archive, err := evidence.OpenArchive(*archivePath)
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	searcher := pubmedsearch.NewClient(pubmedsearch.Config{
		APIKey:     os.Getenv("NCBI_API_KEY"),
		MaxResults: *maxResults,
	})

	p, err := pipeline.New(pipeline.Config{
		Drugs:      drugs,
		ExtraTerms: *extraTerms,
		Searcher:   searcher,
		Extractor:  coordinator,
		Filter:     clinicalextract.DefaultRelevanceFilter(),
		Sink:       archive,
	})
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("starting evidence pipeline (run=%s, drugs=%s, archive=%s)",
		archive.RunID(), strings.Join(drugs, ","), *archivePath)
	res, err := p.Run(ctx, func(stage, message string) {
		log.Printf("[%s] %s", stage, message)
	})
	if err != nil && err != context.Canceled {
		log.Fatal(err)
	}
	for drug, stats := range res.Stats {
		log.Printf("%s: found=%d irrelevant=%d archived=%d extracted=%d with_evidence=%d failed=%d",
			drug, stats.Found, stats.Irrelevant, stats.Archived, stats.Extracted, stats.WithEvidence, stats.Failed)
	}
	if coordinator.GenerativeDisabled() {
		log.Printf("generative extraction was disabled mid-run; affected records used pattern extraction")
	}

	records := archive.Store().Records()
	report := outcomereport.Build(records, drugs, outcomereport.Options{})
	if err := os.WriteFile(*outPath, []byte(report), 0o644); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote report to %s (%d records)", *outPath, len(records))

	if *csvPath != "" {
		f, err := os.Create(*csvPath)
		if err != nil {
			log.Fatal(err)
		}
		if err := outcomereport.WriteCSV(f, records, drugs); err != nil {
			f.Close()
			log.Fatal(err)
		}
		if err := f.Close(); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote aggregates to %s", *csvPath)
	}
}

func splitDrugs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		d := strings.ToLower(strings.TrimSpace(part))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// setupTracing installs an OTLP trace exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise spans stay no-ops.
func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	if strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) == "" {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", "evidence-pipeline"),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
