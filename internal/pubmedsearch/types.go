// Package pubmedsearch retrieves literature records from the NCBI
// E-utilities API: ESearch for identifiers, EFetch for titles, abstracts,
// and citation metadata.
package pubmedsearch

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	EUtilsBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	DefaultMaxResults         = 20
	DefaultRateLimitPerMinute = 150 // NCBI allows 3 req/s without an API key
	fetchBatchSize            = 20
)

// Paper is one retrieved literature record. MatchedQueries records which of
// the per-drug queries surfaced it, first query first.
type Paper struct {
	PMID           string   `json:"pmid"`
	Title          string   `json:"title"`
	Abstract       string   `json:"abstract"`
	Authors        string   `json:"authors"`
	Journal        string   `json:"journal"`
	Year           string   `json:"year"`
	MatchedQueries []string `json:"matched_queries,omitempty"`
}

// Citation returns the formatted attribution string carried through
// extraction into reports.
func (p Paper) Citation() string {
	parts := []string{}
	if p.Authors != "" {
		parts = append(parts, p.Authors+".")
	}
	if p.Title != "" {
		parts = append(parts, strings.TrimRight(p.Title, ".")+".")
	}
	if p.Journal != "" {
		j := p.Journal
		if p.Year != "" {
			j = fmt.Sprintf("%s (%s)", j, p.Year)
		}
		parts = append(parts, j+".")
	}
	return strings.Join(parts, " ")
}

// URL returns the PubMed page for the record.
func (p Paper) URL() string {
	return "https://pubmed.ncbi.nlm.nih.gov/" + p.PMID + "/"
}

type Config struct {
	APIKey             string // optional; raises the NCBI rate ceiling
	BaseURL            string
	MaxResults         int // per query
	RateLimitPerMinute int
	HTTPClient         *http.Client
}

func (cfg *Config) applyDefaults() {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = EUtilsBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}
