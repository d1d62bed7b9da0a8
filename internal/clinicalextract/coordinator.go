package clinicalextract

import (
	"context"
	"errors"
	"log"
	"time"
)

// CoordinatorConfig wires the extraction strategies. At least one strategy
// must be present; a missing generative extractor means pattern-only runs.
type CoordinatorConfig struct {
	Generative *GenerativeExtractor
	Pattern    *PatternExtractor

	// CallDelay is the minimum spacing between consecutive generative calls,
	// enforced with a blocking sleep. Zero disables pacing.
	CallDelay time.Duration

	// Sleep is a test seam; nil means time.Sleep.
	Sleep func(time.Duration)
}

// Coordinator picks the extraction strategy per document, validates the
// result, and always produces some record. Generative failures degrade to
// the pattern extractor, never to the caller.
type Coordinator struct {
	gen      *GenerativeExtractor
	pat      *PatternExtractor
	delay    time.Duration
	sleep    func(time.Duration)
	lastCall time.Time
	tripped  bool
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Generative == nil && cfg.Pattern == nil {
		return nil, errors.New("no extraction strategy configured")
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Coordinator{
		gen:   cfg.Generative,
		pat:   cfg.Pattern,
		delay: cfg.CallDelay,
		sleep: sleep,
	}, nil
}

// GenerativeDisabled reports whether the quota circuit breaker has tripped
// for the remainder of this run.
func (c *Coordinator) GenerativeDisabled() bool { return c.tripped }

// Extract produces a validated record for one document. The only returned
// error is context cancellation; all extraction failures resolve to a
// best-effort record.
func (c *Coordinator) Extract(ctx context.Context, doc Document, drug string) (ClinicalRecord, error) {
	if err := ctx.Err(); err != nil {
		return ClinicalRecord{}, err
	}
	if c.gen != nil && !c.tripped {
		rec, err := c.extractGenerative(ctx, doc, drug)
		if err == nil {
			return rec, nil
		}
		if ctx.Err() != nil {
			return ClinicalRecord{}, ctx.Err()
		}
		var se *ServiceError
		if errors.As(err, &se) {
			if class := classifyServiceError(se.Err); class == failureQuota || class == failureAuth {
				log.Printf("clinical-extract generative service unavailable, pattern-only for rest of run: %v", se.Err)
				c.tripped = true
			} else {
				log.Printf("clinical-extract service error id=%s err=%v, falling back to patterns", doc.Identifier, se.Err)
			}
		} else {
			log.Printf("clinical-extract malformed response id=%s err=%v, falling back to patterns", doc.Identifier, err)
		}
	}
	if c.pat == nil {
		// Generative-only configuration that failed: record the absence of
		// evidence rather than surfacing an error.
		return ClinicalRecord{
			SourceID:         doc.Identifier,
			Drug:             drug,
			Citation:         doc.Citation,
			HasEvidence:      false,
			ExtractionMethod: MethodGenerative,
		}, nil
	}
	return c.extractPattern(doc, drug), nil
}

func (c *Coordinator) extractGenerative(ctx context.Context, doc Document, drug string) (ClinicalRecord, error) {
	c.pace()
	payload, err := c.gen.Extract(ctx, doc, drug)
	c.lastCall = time.Now()
	if err != nil {
		return ClinicalRecord{}, err
	}

	rec := ClinicalRecord{
		SourceID:         doc.Identifier,
		Drug:             drug,
		Citation:         doc.Citation,
		SupportingQuotes: payload.SupportingQuotes,
		ExtractionMethod: MethodGenerative,
	}

	if payload.HasEvidence {
		rec.Overall = validateMetricSet(payload.Overall.metricSet(), doc.Identifier)
		if payload.RASMutant != nil {
			ms := validateMetricSet(payload.RASMutant.metricSet(), doc.Identifier)
			rec.RASMutant = &ms
			if payload.RASMutant.SampleSize != nil {
				rec.setSubgroupSampleSize(SubgroupRASMutant, *payload.RASMutant.SampleSize)
			}
		}
		if payload.NonRASMutant != nil {
			ms := validateMetricSet(payload.NonRASMutant.metricSet(), doc.Identifier)
			rec.NonRASMutant = &ms
			if payload.NonRASMutant.SampleSize != nil {
				rec.setSubgroupSampleSize(SubgroupNonRASMutant, *payload.NonRASMutant.SampleSize)
			}
		}
		if payload.SampleSize != nil && *payload.SampleSize >= 0 {
			rec.SampleSize = payload.SampleSize
		}
	}

	// Evidence can be asserted without numbers (qualitative-only findings),
	// and numbers imply evidence even when the flag was forgotten.
	rec.HasEvidence = payload.HasEvidence || rec.PopulatedFields() > 0
	rec.Confidence = generativeConfidence(payload, &rec)
	return rec, nil
}

func (c *Coordinator) extractPattern(doc Document, drug string) ClinicalRecord {
	metrics := validateMetricSet(c.pat.Extract(doc.Text()), doc.Identifier)
	rec := ClinicalRecord{
		SourceID:         doc.Identifier,
		Drug:             drug,
		Citation:         doc.Citation,
		Overall:          metrics,
		HasEvidence:      !metrics.Empty(),
		ExtractionMethod: MethodPattern,
	}
	if rec.HasEvidence {
		rec.Confidence = PatternConfidence
	}
	return rec
}

// pace enforces the inter-call delay with a blocking sleep. The generative
// service rate-limits aggressively; this is deliberately not a scheduler.
func (c *Coordinator) pace() {
	if c.delay <= 0 || c.lastCall.IsZero() {
		return
	}
	if elapsed := time.Since(c.lastCall); elapsed < c.delay {
		c.sleep(c.delay - elapsed)
	}
}

func (r *ClinicalRecord) setSubgroupSampleSize(sg Subgroup, n int) {
	if n < 0 {
		return
	}
	if r.SubgroupSampleSizes == nil {
		r.SubgroupSampleSizes = map[Subgroup]int{}
	}
	r.SubgroupSampleSizes[sg] = n
}

// validateMetricSet nulls any field outside its declared range: percentages
// in [0,100], durations >= 0. A bad field never rejects the whole record.
func validateMetricSet(s MetricSet, sourceID string) MetricSet {
	for _, m := range Metrics {
		v := s.Get(m)
		if v == nil {
			continue
		}
		if m.IsPercent() {
			if *v < 0 || *v > 100 {
				log.Printf("clinical-extract dropping out-of-range %s=%.2f id=%s", m, *v, sourceID)
				s.set(m, nil)
			}
		} else if *v < 0 {
			log.Printf("clinical-extract dropping negative %s=%.2f id=%s", m, *v, sourceID)
			s.set(m, nil)
		}
	}
	return s
}

// generativeConfidence prefers the service's self-reported 0-100 score;
// otherwise it scores by how much of the record is populated, so a record
// with more fields and quotes never ranks below a sparser one.
func generativeConfidence(p Payload, rec *ClinicalRecord) float64 {
	if p.Confidence != nil {
		c := *p.Confidence / 100
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		return c
	}
	if !rec.HasEvidence {
		return 0
	}
	c := 0.4 + 0.05*float64(rec.PopulatedFields()) + 0.02*float64(min(len(rec.SupportingQuotes), 5))
	if c > 0.9 {
		c = 0.9
	}
	return c
}
