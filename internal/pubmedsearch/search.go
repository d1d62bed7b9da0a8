package pubmedsearch

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	cfg     Config
	limiter <-chan time.Time
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	interval := time.Minute / time.Duration(cfg.RateLimitPerMinute)
	ticker := time.NewTicker(interval)
	return &Client{cfg: cfg, limiter: ticker.C}
}

// drugQueries builds the per-drug query plan. Overlap between queries is
// expected; results are deduplicated by PMID with first-seen attribution.
func drugQueries(drug, extraTerms string) []string {
	qs := []string{
		drug + " CMML",
		drug + " chronic myelomonocytic leukemia",
		"CMML " + drug + " treatment",
		"chronic myelomonocytic leukemia " + drug,
		drug + " myelodysplastic syndrome CMML",
	}
	if strings.TrimSpace(extraTerms) != "" {
		qs = append(qs, "CMML "+extraTerms+" "+drug)
	}
	return qs
}

// SearchDrug runs the query plan for one drug and returns the unique papers
// it surfaced, in discovery order. Individual query failures are logged and
// skipped; the call errors only when every query failed.
func (c *Client) SearchDrug(ctx context.Context, drug, extraTerms string) ([]Paper, error) {
	queries := drugQueries(drug, extraTerms)

	var order []string
	byPMID := map[string]*Paper{}
	failed := 0

	for _, q := range queries {
		pmids, err := c.search(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			log.Printf("pubmed-search query failed drug=%s q=%q err=%v", drug, q, err)
			continue
		}
		for _, pmid := range pmids {
			if p, ok := byPMID[pmid]; ok {
				p.MatchedQueries = appendIfMissing(p.MatchedQueries, q)
				continue
			}
			byPMID[pmid] = &Paper{PMID: pmid, MatchedQueries: []string{q}}
			order = append(order, pmid)
		}
	}
	if failed == len(queries) {
		return nil, errors.New("pubmed search unavailable: all queries failed")
	}

	if err := c.fetchDetails(ctx, order, byPMID); err != nil {
		return nil, err
	}

	out := make([]Paper, 0, len(order))
	for _, pmid := range order {
		p := byPMID[pmid]
		if p.Title == "" && p.Abstract == "" {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (c *Client) search(ctx context.Context, query string) ([]string, error) {
	params := url.Values{
		"db":      {"pubmed"},
		"term":    {query},
		"retmode": {"json"},
		"retmax":  {strconv.Itoa(c.cfg.MaxResults)},
		"sort":    {"relevance"},
	}
	body, err := c.get(ctx, "/esearch.fcgi", params)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		ESearchResult struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode esearch response: %w", err)
	}
	return parsed.ESearchResult.IDList, nil
}

func (c *Client) fetchDetails(ctx context.Context, pmids []string, byPMID map[string]*Paper) error {
	for start := 0; start < len(pmids); start += fetchBatchSize {
		end := min(start+fetchBatchSize, len(pmids))
		batch := pmids[start:end]

		params := url.Values{
			"db":      {"pubmed"},
			"id":      {strings.Join(batch, ",")},
			"retmode": {"xml"},
		}
		body, err := c.get(ctx, "/efetch.fcgi", params)
		if err != nil {
			return err
		}
		papers, err := parseEFetch(body)
		if err != nil {
			return err
		}
		for _, p := range papers {
			if dst, ok := byPMID[p.PMID]; ok {
				p.MatchedQueries = dst.MatchedQueries
				*dst = p
			}
		}
	}
	return nil
}

// get performs one rate-limited E-utilities request with bounded retries on
// 429 and server errors.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey != "" {
		params.Set("api_key", c.cfg.APIKey)
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= 4; attempt++ {
		if err := c.waitRateLimit(ctx); err != nil {
			return nil, err
		}
		body, status, retryAfter, err := c.getOnce(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		lastErr = err

		switch {
		case status == http.StatusTooManyRequests:
			sleep := retryAfter
			if sleep <= 0 {
				sleep = backoffDelay(attempt)
			}
			if err := sleepCtx(ctx, sleep); err != nil {
				return nil, err
			}
		case status >= 500 || status == 0:
			if attempt == 4 {
				break
			}
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, endpoint string) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 8<<20))

	retryAfter := parseRetryAfter(res.Header.Get("Retry-After"))
	if res.StatusCode >= 400 {
		return nil, res.StatusCode, retryAfter, fmt.Errorf("status code: %d", res.StatusCode)
	}
	return body, res.StatusCode, retryAfter, nil
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}

func parseRetryAfter(v string) time.Duration {
	if strings.TrimSpace(v) == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func appendIfMissing(items []string, v string) []string {
	for _, item := range items {
		if item == v {
			return items
		}
	}
	return append(items, v)
}

// --- EFetch XML parsing ---

type efetchResult struct {
	Articles []efetchArticle `xml:"PubmedArticle"`
}

type efetchArticle struct {
	PMID     string `xml:"MedlineCitation>PMID"`
	Title    string `xml:"MedlineCitation>Article>ArticleTitle"`
	Abstract []struct {
		Label string `xml:"Label,attr"`
		Text  string `xml:",chardata"`
	} `xml:"MedlineCitation>Article>Abstract>AbstractText"`
	Authors []struct {
		LastName string `xml:"LastName"`
		ForeName string `xml:"ForeName"`
	} `xml:"MedlineCitation>Article>AuthorList>Author"`
	Journal string `xml:"MedlineCitation>Article>Journal>Title"`
	Year    string `xml:"MedlineCitation>Article>Journal>JournalIssue>PubDate>Year"`
}

func parseEFetch(body []byte) ([]Paper, error) {
	var parsed efetchResult
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode efetch response: %w", err)
	}
	out := make([]Paper, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		p := Paper{
			PMID:    strings.TrimSpace(a.PMID),
			Title:   strings.TrimSpace(a.Title),
			Journal: strings.TrimSpace(a.Journal),
			Year:    strings.TrimSpace(a.Year),
		}
		if p.PMID == "" {
			continue
		}

		var abs []string
		for _, section := range a.Abstract {
			text := strings.TrimSpace(section.Text)
			if text == "" {
				continue
			}
			if label := strings.TrimSpace(section.Label); label != "" {
				text = label + ": " + text
			}
			abs = append(abs, text)
		}
		p.Abstract = strings.Join(abs, " ")

		var names []string
		for _, au := range a.Authors {
			name := strings.TrimSpace(strings.TrimSpace(au.LastName) + " " + strings.TrimSpace(au.ForeName))
			if name == "" {
				continue
			}
			names = append(names, name)
		}
		if len(names) > 3 {
			p.Authors = strings.Join(names[:3], ", ") + " et al"
		} else {
			p.Authors = strings.Join(names, ", ")
		}

		out = append(out, p)
	}
	return out, nil
}
