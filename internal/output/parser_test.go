package output

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseRCAResponseStructured(t *testing.T) {
	raw := `Here is the analysis:
{
  "title": "Database connection pool exhaustion",
  "root_cause": "Connection leak in the payment service",
  "impact_analysis": "Checkout latency increased",
  "recommended_actions": "1. Restart the service 2. Fix the leak",
  "affected_systems": ["db-primary", "payment-svc"],
  "confidence": "high"
}
Let me know if you need more detail.`

	parsed := ParseRCAResponse(raw)

	if parsed.Tier != TierStructured {
		t.Fatalf("expected structured tier, got %s", parsed.Tier)
	}
	if parsed.Title != "Database connection pool exhaustion" {
		t.Errorf("unexpected title: %q", parsed.Title)
	}
	if parsed.RootCause != "Connection leak in the payment service" {
		t.Errorf("unexpected root cause: %q", parsed.RootCause)
	}
	if !reflect.DeepEqual(parsed.AffectedSystems, []string{"db-primary", "payment-svc"}) {
		t.Errorf("unexpected affected systems: %v", parsed.AffectedSystems)
	}
	if parsed.Confidence != "high" {
		t.Errorf("unexpected confidence: %q", parsed.Confidence)
	}
	if parsed.NeedsManualReview {
		t.Error("structured output should not need manual review")
	}
}

func TestParseRCAResponseStructuredBackfillsMissingFields(t *testing.T) {
	raw := `{"title": "Partial analysis"}`

	parsed := ParseRCAResponse(raw)

	if parsed.Tier != TierStructured {
		t.Fatalf("expected structured tier, got %s", parsed.Tier)
	}
	if parsed.RootCause != "Not specified" {
		t.Errorf("expected backfilled root cause, got %q", parsed.RootCause)
	}
	if parsed.ImpactAnalysis != "Not specified" {
		t.Errorf("expected backfilled impact, got %q", parsed.ImpactAnalysis)
	}
	if parsed.Confidence != "medium" {
		t.Errorf("expected default confidence, got %q", parsed.Confidence)
	}
}

func TestParseRCAResponseStructuredRecoversSeverityTimelineNotes(t *testing.T) {
	raw := `{
  "title": "t",
  "root_cause": "rc",
  "severity": "Critical",
  "timeline": {"incident_start": "09:55", "detection_time": "10:00"},
  "additional_investigation": "Check the failover path"
}`

	parsed := ParseRCAResponse(raw)

	if parsed.Severity != "critical" {
		t.Errorf("expected normalized severity, got %q", parsed.Severity)
	}
	if parsed.Timeline["incident_start"] != "09:55" {
		t.Errorf("unexpected timeline: %v", parsed.Timeline)
	}
	if parsed.FurtherInvestigation != "Check the failover path" {
		t.Errorf("unexpected further investigation: %q", parsed.FurtherInvestigation)
	}
}

func TestParseRCAResponseInvalidSeverityDropped(t *testing.T) {
	raw := `{"title": "t", "root_cause": "rc", "severity": "apocalyptic", "timeline": {}}`

	parsed := ParseRCAResponse(raw)

	if parsed.Severity != "" {
		t.Errorf("unrecognized severity must be dropped, got %q", parsed.Severity)
	}
	if parsed.Timeline != nil {
		t.Errorf("empty timeline must be dropped, got %v", parsed.Timeline)
	}
}

func TestParseRCAResponseCoercesSingleAffectedSystem(t *testing.T) {
	raw := `{"title": "t", "root_cause": "rc", "affected_systems": "db-primary"}`

	parsed := ParseRCAResponse(raw)

	if !reflect.DeepEqual(parsed.AffectedSystems, []string{"db-primary"}) {
		t.Errorf("expected coerced list, got %v", parsed.AffectedSystems)
	}
}

func TestParseRCAResponseHeuristic(t *testing.T) {
	raw := `Title: Disk pressure on node-3
Root Cause: The log rotation job failed and filled the disk.
It kept retrying every minute.
Impact: Pods were evicted from the node.
Recommended Actions: Clear old logs and fix the rotation job.`

	parsed := ParseRCAResponse(raw)

	if parsed.Tier != TierHeuristic {
		t.Fatalf("expected heuristic tier, got %s", parsed.Tier)
	}
	if parsed.Title != "Disk pressure on node-3" {
		t.Errorf("unexpected title: %q", parsed.Title)
	}
	if !strings.Contains(parsed.RootCause, "log rotation job failed") {
		t.Errorf("root cause missing label content: %q", parsed.RootCause)
	}
	if !strings.Contains(parsed.RootCause, "retrying every minute") {
		t.Errorf("root cause missing continuation line: %q", parsed.RootCause)
	}
	if !strings.Contains(parsed.ImpactAnalysis, "evicted") {
		t.Errorf("unexpected impact: %q", parsed.ImpactAnalysis)
	}
	if !strings.Contains(parsed.RecommendedActions, "Clear old logs") {
		t.Errorf("unexpected actions: %q", parsed.RecommendedActions)
	}
}

func TestParseRCAResponseRawFallback(t *testing.T) {
	raw := "The model rambled about nothing in particular without any labels."

	parsed := ParseRCAResponse(raw)

	if parsed.Tier != TierRaw {
		t.Fatalf("expected raw tier, got %s", parsed.Tier)
	}
	if parsed.Confidence != "low" {
		t.Errorf("raw tier must be low confidence, got %q", parsed.Confidence)
	}
	if !parsed.NeedsManualReview {
		t.Error("raw tier must flag manual review")
	}
	if !strings.Contains(parsed.RootCause, "rambled") {
		t.Errorf("raw text not preserved: %q", parsed.RootCause)
	}
}

func TestParseRCAResponseRawTruncatesTo500(t *testing.T) {
	raw := strings.Repeat("x", 1200)

	parsed := ParseRCAResponse(raw)

	if parsed.Tier != TierRaw {
		t.Fatalf("expected raw tier, got %s", parsed.Tier)
	}
	if len(parsed.RootCause) != 500 {
		t.Errorf("expected 500 preserved characters, got %d", len(parsed.RootCause))
	}
}

func TestParseRCAResponseMalformedJSONFallsThrough(t *testing.T) {
	// Braces present but not valid JSON; the heuristic tier should apply
	// because labeled lines exist
	raw := `{not json at all
Root Cause: something broke`

	parsed := ParseRCAResponse(raw)

	if parsed.Tier != TierHeuristic {
		t.Fatalf("expected heuristic tier after JSON failure, got %s", parsed.Tier)
	}
	if !strings.Contains(parsed.RootCause, "something broke") {
		t.Errorf("unexpected root cause: %q", parsed.RootCause)
	}
}

func TestParseRCAResponseInvalidConfidenceNormalized(t *testing.T) {
	raw := `{"title": "t", "root_cause": "rc", "confidence": "very sure"}`

	parsed := ParseRCAResponse(raw)

	if parsed.Confidence != "medium" {
		t.Errorf("expected normalized confidence medium, got %q", parsed.Confidence)
	}
}

func TestTierString(t *testing.T) {
	if TierStructured.String() != "structured" || TierHeuristic.String() != "heuristic" || TierRaw.String() != "raw" {
		t.Error("tier names changed")
	}
}
