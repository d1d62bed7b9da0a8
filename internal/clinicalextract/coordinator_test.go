package clinicalextract

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestCoordinator(t *testing.T, caller LLMCaller) *Coordinator {
	t.Helper()
	cfg := CoordinatorConfig{
		Pattern: NewPatternExtractor(),
		Sleep:   func(time.Duration) {},
	}
	if caller != nil {
		cfg.Generative = NewGenerativeExtractor(caller)
	}
	c, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

var sampleDoc = Document{
	Identifier: "100",
	Title:      "Azacitidine in CMML",
	Abstract:   "The overall response rate was 40% and median overall survival was 16 months.",
	Citation:   "Adams J et al. Blood (2021).",
}

func TestCoordinatorGenerativeSuccess(t *testing.T) {
	c := newTestCoordinator(t, &fakeCaller{resp: validResponse})
	rec, err := c.Extract(context.Background(), sampleDoc, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.ExtractionMethod != MethodGenerative {
		t.Errorf("method = %s", rec.ExtractionMethod)
	}
	if !rec.HasEvidence {
		t.Error("HasEvidence = false")
	}
	if rec.Overall.CompleteResponse == nil || *rec.Overall.CompleteResponse != 17.5 {
		t.Errorf("CR = %v", rec.Overall.CompleteResponse)
	}
	if rec.Confidence != 0.85 {
		t.Errorf("confidence = %v, want self-reported 85/100", rec.Confidence)
	}
	if rec.Drug != "azacitidine" || rec.SourceID != "100" || rec.Citation != sampleDoc.Citation {
		t.Errorf("record identity = %+v", rec)
	}
}

func TestCoordinatorValidationNullsOutOfRangeFields(t *testing.T) {
	resp := `{
		"has_evidence": true,
		"overall": {
			"complete_response": 130,
			"overall_response_rate": 45,
			"overall_survival_months": -3
		},
		"extraction_confidence": 70
	}`
	c := newTestCoordinator(t, &fakeCaller{resp: resp})
	rec, err := c.Extract(context.Background(), sampleDoc, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.Overall.CompleteResponse != nil {
		t.Error("CR of 130% must be nulled, not clamped")
	}
	if rec.Overall.OverallSurvival != nil {
		t.Error("negative OS must be nulled")
	}
	if rec.Overall.OverallResponseRate == nil || *rec.Overall.OverallResponseRate != 45 {
		t.Error("in-range field must survive validation")
	}
	if !rec.HasEvidence {
		t.Error("a bad field must not reject the record")
	}
}

func TestCoordinatorNoEvidenceDiscardsStrayValues(t *testing.T) {
	// A response that denies evidence but still carries numbers: the numbers
	// must not survive into the record.
	resp := `{
		"has_evidence": false,
		"overall": {"overall_response_rate": 45},
		"extraction_confidence": 20
	}`
	c := newTestCoordinator(t, &fakeCaller{resp: resp})
	doc := Document{Identifier: "400", Title: "Unrelated", Abstract: "No CMML content."}
	rec, err := c.Extract(context.Background(), doc, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.HasEvidence {
		t.Error("HasEvidence = true")
	}
	if rec.PopulatedFields() != 0 {
		t.Errorf("populated fields = %d, want 0 when has_evidence is false", rec.PopulatedFields())
	}
}

func TestCoordinatorServiceErrorFallsBackToPattern(t *testing.T) {
	c := newTestCoordinator(t, &fakeCaller{err: errors.New("connection refused")})
	rec, err := c.Extract(context.Background(), sampleDoc, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.ExtractionMethod != MethodPattern {
		t.Errorf("method = %s, want pattern fallback", rec.ExtractionMethod)
	}
	if rec.Overall.OverallResponseRate == nil || *rec.Overall.OverallResponseRate != 40 {
		t.Errorf("pattern ORR = %v", rec.Overall.OverallResponseRate)
	}
	if rec.Confidence != PatternConfidence {
		t.Errorf("confidence = %v, want %v", rec.Confidence, PatternConfidence)
	}
}

func TestCoordinatorMalformedResponseFallsBackToPattern(t *testing.T) {
	c := newTestCoordinator(t, &fakeCaller{resp: "sorry, no JSON today"})
	rec, err := c.Extract(context.Background(), sampleDoc, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.ExtractionMethod != MethodPattern {
		t.Errorf("method = %s, want pattern fallback", rec.ExtractionMethod)
	}
}

func TestCoordinatorQuotaErrorTripsBreaker(t *testing.T) {
	caller := &fakeCaller{err: errors.New("429: rate limit exceeded")}
	c := newTestCoordinator(t, caller)

	if _, err := c.Extract(context.Background(), sampleDoc, "azacitidine"); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !c.GenerativeDisabled() {
		t.Fatal("breaker should trip on quota errors")
	}

	doc2 := sampleDoc
	doc2.Identifier = "200"
	rec, err := c.Extract(context.Background(), doc2, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if caller.calls != 1 {
		t.Errorf("caller.calls = %d, want 1 (no calls after breaker trips)", caller.calls)
	}
	if rec.ExtractionMethod != MethodPattern {
		t.Errorf("method = %s", rec.ExtractionMethod)
	}
}

func TestCoordinatorAuthErrorTripsBreaker(t *testing.T) {
	c := newTestCoordinator(t, &fakeCaller{err: errors.New("401 authentication failed")})
	if _, err := c.Extract(context.Background(), sampleDoc, "azacitidine"); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !c.GenerativeDisabled() {
		t.Error("breaker should trip on auth errors")
	}
}

func TestCoordinatorTransientErrorDoesNotTripBreaker(t *testing.T) {
	caller := &fakeCaller{err: errors.New("connection reset by peer")}
	c := newTestCoordinator(t, caller)
	for i := 0; i < 3; i++ {
		if _, err := c.Extract(context.Background(), sampleDoc, "azacitidine"); err != nil {
			t.Fatalf("Extract: %v", err)
		}
	}
	if c.GenerativeDisabled() {
		t.Error("transient errors must not trip the breaker")
	}
	if caller.calls != 3 {
		t.Errorf("caller.calls = %d, want 3", caller.calls)
	}
}

func TestCoordinatorPatternOnly(t *testing.T) {
	c := newTestCoordinator(t, nil)
	rec, err := c.Extract(context.Background(), sampleDoc, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.ExtractionMethod != MethodPattern {
		t.Errorf("method = %s", rec.ExtractionMethod)
	}
	if !rec.HasEvidence {
		t.Error("matched patterns imply evidence")
	}
}

func TestCoordinatorPatternNoMatchesMeansNoEvidence(t *testing.T) {
	c := newTestCoordinator(t, nil)
	doc := Document{Identifier: "300", Title: "Review", Abstract: "A narrative review without numbers."}
	rec, err := c.Extract(context.Background(), doc, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.HasEvidence {
		t.Error("no matches must mean no evidence")
	}
	if rec.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", rec.Confidence)
	}
}

func TestCoordinatorRequiresAStrategy(t *testing.T) {
	if _, err := NewCoordinator(CoordinatorConfig{}); err == nil {
		t.Fatal("expected error with no strategies")
	}
}

func TestCoordinatorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestCoordinator(t, &fakeCaller{resp: validResponse})
	if _, err := c.Extract(ctx, sampleDoc, "azacitidine"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCoordinatorPacesGenerativeCalls(t *testing.T) {
	var slept []time.Duration
	cfg := CoordinatorConfig{
		Generative: NewGenerativeExtractor(&fakeCaller{resp: validResponse}),
		Pattern:    NewPatternExtractor(),
		CallDelay:  10 * time.Second,
		Sleep:      func(d time.Duration) { slept = append(slept, d) },
	}
	c, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	if _, err := c.Extract(context.Background(), sampleDoc, "azacitidine"); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(slept) != 0 {
		t.Fatalf("first call should not sleep, slept %v", slept)
	}

	doc2 := sampleDoc
	doc2.Identifier = "200"
	if _, err := c.Extract(context.Background(), doc2, "azacitidine"); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(slept) != 1 {
		t.Fatalf("second call should pace, slept %v", slept)
	}
	if slept[0] <= 0 || slept[0] > 10*time.Second {
		t.Errorf("sleep duration = %v", slept[0])
	}
}

func TestGenerativeConfidenceHeuristic(t *testing.T) {
	// No self-reported score: 0.4 base + 0.05 per populated field
	// + 0.02 per quote (quotes capped at 5), ceiling 0.9.
	resp := `{
		"has_evidence": true,
		"overall": {"complete_response": 20, "overall_response_rate": 45},
		"supporting_quotes": ["q1", "q2"]
	}`
	c := newTestCoordinator(t, &fakeCaller{resp: resp})
	rec, err := c.Extract(context.Background(), sampleDoc, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := 0.4 + 0.05*2 + 0.02*2
	if diff := rec.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("confidence = %v, want %v", rec.Confidence, want)
	}
}

func TestGenerativeConfidenceClampsSelfReport(t *testing.T) {
	resp := `{"has_evidence": true, "overall": {"overall_response_rate": 45}, "extraction_confidence": 180}`
	c := newTestCoordinator(t, &fakeCaller{resp: resp})
	rec, err := c.Extract(context.Background(), sampleDoc, "azacitidine")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", rec.Confidence)
	}
}

func TestClassifyServiceError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want serviceFailureClass
	}{
		{"deadline", context.DeadlineExceeded, failureTimeout},
		{"quota word", errors.New("monthly quota exhausted"), failureQuota},
		{"http 429", errors.New("unexpected status 429"), failureQuota},
		{"rate limit", errors.New("rate_limit_error"), failureQuota},
		{"auth 401", errors.New("status 401"), failureAuth},
		{"bad api key", errors.New("invalid api key provided"), failureAuth},
		{"other", errors.New("connection refused"), failureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyServiceError(tc.err); got != tc.want {
				t.Errorf("classifyServiceError(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
