package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joelkehle/cmml-evidence/internal/evidence"
	"github.com/joelkehle/cmml-evidence/internal/outcomereport"
)

func main() {
	archivePath := flag.String("archive", "evidence.db", "SQLite evidence archive path")
	drugsFlag := flag.String("drugs", "", "Comma-separated drugs to report on (default: every drug in the archive)")
	outPath := flag.String("out", "cmml_outcome_report.md", "Markdown output path")
	htmlPath := flag.String("html", "", "Optional HTML output path")
	pdfPath := flag.String("pdf", "", "Optional PDF output path (requires Chromium)")
	csvPath := flag.String("csv", "", "Optional CSV aggregate output path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	archive, err := evidence.OpenArchive(*archivePath)
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	records := archive.Store().Records()
	if len(records) == 0 {
		log.Fatalf("archive %s holds no records; run evidence-pipeline first", *archivePath)
	}

	drugs := splitDrugs(*drugsFlag)
	if len(drugs) == 0 {
		drugs = archive.Store().Drugs()
	}

	report := outcomereport.Build(records, drugs, outcomereport.Options{})
	if err := os.WriteFile(*outPath, []byte(report), 0o644); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote report to %s (%d records, drugs=%s)", *outPath, len(records), strings.Join(drugs, ","))

	if *htmlPath != "" {
		htmlDoc, err := outcomereport.BuildHTML(report)
		if err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(*htmlPath, []byte(htmlDoc), 0o644); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote HTML to %s", *htmlPath)
	}

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

	if *pdfPath != "" {
		pdf, err := outcomereport.NewChromiumPDFRenderer().Render(ctx, report)
		if err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(*pdfPath, pdf, 0o644); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote PDF to %s", *pdfPath)
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
