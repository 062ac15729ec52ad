package services

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/causalis/causalis/internal/database"
	"github.com/causalis/causalis/internal/metrics"
	"github.com/causalis/causalis/internal/testhelpers"
)

func newGenerationFixture(t *testing.T, llm TextGenerator) (*GenerationService, *gorm.DB) {
	t.Helper()

	db := testhelpers.SetupTestDB(t)
	m := metrics.NewForTesting()
	embedder := &testhelpers.FakeEmbedder{Vectors: map[string][]float32{}}
	knowledge := NewKnowledgeService(&testhelpers.FakeStore{}, embedder, 0.7, m)
	svc := NewGenerationService(db, llm, knowledge, nil, 5*time.Second, m)
	return svc, db
}

// seedGroup creates a group with member alerts and returns its id
func seedGroup(t *testing.T, db *gorm.DB, groupID string, alerts ...database.Alert) {
	t.Helper()

	group := testhelpers.NewGroupBuilder().
		WithGroupID(groupID).
		WithTitle("Database incident").
		WithAlertCount(len(alerts)).
		Build()
	if err := db.Create(&group).Error; err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	for i := range alerts {
		alerts[i].GroupID = groupID
		if err := db.Create(&alerts[i]).Error; err != nil {
			t.Fatalf("failed to create alert: %v", err)
		}
	}
}

func awaitTask(t *testing.T, task *GenerationTask) *database.RCA {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generation task did not finish")
	}
	rca, err := task.Result()
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	return rca
}

func TestGenerateStructuredRCA(t *testing.T) {
	gen := &testhelpers.FakeGenerator{Response: `{
		"title": "Connection pool exhaustion",
		"root_cause": "Leaked connections in payment-svc",
		"impact_analysis": "Checkout degraded",
		"recommended_actions": "Restart and patch",
		"affected_systems": ["db-primary"],
		"confidence": "high"
	}`}
	svc, db := newGenerationFixture(t, gen)

	seedGroup(t, db, "g-1",
		testhelpers.NewAlertBuilder().WithAlertID("a-1").
			WithTitle("DB connections maxed").WithSource("db-primary").Build())

	task, err := svc.Generate(context.Background(), "g-1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	rca := awaitTask(t, task)

	if rca.Title != "Connection pool exhaustion" {
		t.Errorf("unexpected title: %q", rca.Title)
	}
	if rca.AnalysisMethod != "llm_rag" {
		t.Errorf("expected llm_rag method, got %s", rca.AnalysisMethod)
	}
	if rca.ConfidenceScore != database.ConfidenceHigh {
		t.Errorf("expected high confidence, got %s", rca.ConfidenceScore)
	}
	if rca.Status != database.RCAStatusOpen {
		t.Errorf("new RCA must be open, got %s", rca.Status)
	}

	history, err := database.GetRCAHistory(db, rca.RCAID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].NewStatus != "open" || history[0].ChangedBy != "system" {
		t.Errorf("unexpected creation entry: %+v", history[0])
	}
}

func TestGenerateIdempotentPerGroup(t *testing.T) {
	gen := &testhelpers.FakeGenerator{Response: `{"title": "t", "root_cause": "rc"}`}
	svc, db := newGenerationFixture(t, gen)

	seedGroup(t, db, "g-2",
		testhelpers.NewAlertBuilder().WithAlertID("a-2").Build())

	first := awaitTask(t, mustGenerate(t, svc, "g-2"))
	second := awaitTask(t, mustGenerate(t, svc, "g-2"))

	if first.RCAID != second.RCAID {
		t.Errorf("second Generate must return the existing RCA: %s vs %s", first.RCAID, second.RCAID)
	}

	var count int64
	db.Model(&database.RCA{}).Where("group_id = ?", "g-2").Count(&count)
	if count != 1 {
		t.Errorf("expected exactly 1 RCA for the group, got %d", count)
	}
}

func TestGenerateUnknownGroupFails(t *testing.T) {
	svc, _ := newGenerationFixture(t, &testhelpers.FakeGenerator{})

	if _, err := svc.Generate(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestGenerateEmptyGroupFails(t *testing.T) {
	svc, db := newGenerationFixture(t, &testhelpers.FakeGenerator{})
	seedGroup(t, db, "g-empty")

	task, err := svc.Generate(context.Background(), "g-empty")
	if err != nil {
		t.Fatalf("Generate failed to start: %v", err)
	}
	<-task.Done()
	if _, err := task.Result(); err == nil {
		t.Error("expected failure for a group with no alerts")
	}
}

// Three critical alerts from db-primary with every ML backend down: the
// engine must still produce a usable, honestly-labeled analysis.
func TestGenerateFallbackWhenBackendsDown(t *testing.T) {
	gen := &testhelpers.FakeGenerator{Down: true}
	svc, db := newGenerationFixture(t, gen)

	now := time.Now().UTC()
	seedGroup(t, db, "g-db",
		testhelpers.NewAlertBuilder().WithAlertID("db-1").
			WithTitle("DB connections exhausted").WithSource("db-primary").
			WithSeverity(database.SeverityCritical).WithCreatedAt(now.Add(-3*time.Minute)).Build(),
		testhelpers.NewAlertBuilder().WithAlertID("db-2").
			WithTitle("DB replication lag").WithSource("db-primary").
			WithSeverity(database.SeverityCritical).WithCreatedAt(now.Add(-2*time.Minute)).Build(),
		testhelpers.NewAlertBuilder().WithAlertID("db-3").
			WithTitle("DB query timeouts").WithSource("db-primary").
			WithSeverity(database.SeverityCritical).WithCreatedAt(now.Add(-1*time.Minute)).Build(),
	)

	rca := awaitTask(t, mustGenerate(t, svc, "g-db"))

	if rca.AnalysisMethod != "fallback" {
		t.Errorf("expected fallback method, got %s", rca.AnalysisMethod)
	}
	if rca.ConfidenceScore != database.ConfidenceLow {
		t.Errorf("fallback must be low confidence, got %s", rca.ConfidenceScore)
	}
	if rca.Severity != database.SeverityCritical {
		t.Errorf("fallback severity must be the group max, got %s", rca.Severity)
	}
	if !reflect.DeepEqual([]string(rca.AffectedSystems), []string{"db-primary"}) {
		t.Errorf("unexpected affected systems: %v", rca.AffectedSystems)
	}
	if rca.Timeline["detection_time"] == nil {
		t.Error("fallback timeline must record detection time")
	}
	if gen.Prompts != nil {
		t.Error("generator must not be called when unavailable")
	}
}

func TestGeneratePrefersParsedSeverityAndTimeline(t *testing.T) {
	gen := &testhelpers.FakeGenerator{Response: `{
		"title": "Cache stampede",
		"root_cause": "Expired keys regenerated under load",
		"severity": "low",
		"timeline": {"incident_start": "2026-08-29T10:00:00Z", "key_events": ["cache flush"]},
		"confidence": "medium",
		"additional_investigation": "Review cache TTL configuration"
	}`}
	svc, db := newGenerationFixture(t, gen)

	seedGroup(t, db, "g-parsed",
		testhelpers.NewAlertBuilder().WithAlertID("a-p1").
			WithSeverity(database.SeverityCritical).Build())

	rca := awaitTask(t, mustGenerate(t, svc, "g-parsed"))

	if rca.Severity != database.SeverityLow {
		t.Errorf("model-assessed severity must win over the member max, got %s", rca.Severity)
	}
	if rca.Timeline["incident_start"] != "2026-08-29T10:00:00Z" {
		t.Errorf("model-supplied timeline must be kept, got %v", rca.Timeline)
	}
	if rca.Notes != "Review cache TTL configuration" {
		t.Errorf("further-investigation notes must be persisted, got %q", rca.Notes)
	}
}

func TestGenerateBackfillsSeverityAndTimeline(t *testing.T) {
	gen := &testhelpers.FakeGenerator{Response: `{
		"title": "t",
		"root_cause": "rc",
		"severity": "catastrophic"
	}`}
	svc, db := newGenerationFixture(t, gen)

	seedGroup(t, db, "g-backfill",
		testhelpers.NewAlertBuilder().WithAlertID("a-b1").
			WithSeverity(database.SeverityHigh).Build())

	rca := awaitTask(t, mustGenerate(t, svc, "g-backfill"))

	if rca.Severity != database.SeverityHigh {
		t.Errorf("unrecognized severity must fall back to the member max, got %s", rca.Severity)
	}
	if rca.Timeline["detection_time"] == nil {
		t.Errorf("missing timeline must be computed from the alerts, got %v", rca.Timeline)
	}
}

func TestGeneratePromptStatesNoPrecedent(t *testing.T) {
	gen := &testhelpers.FakeGenerator{Response: `{"title": "t", "root_cause": "rc"}`}
	svc, db := newGenerationFixture(t, gen)

	seedGroup(t, db, "g-ctx",
		testhelpers.NewAlertBuilder().WithAlertID("a-ctx").Build())

	awaitTask(t, mustGenerate(t, svc, "g-ctx"))

	if len(gen.Prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(gen.Prompts))
	}
	if !strings.Contains(gen.Prompts[0], NoPrecedentContext) {
		t.Errorf("prompt must state that no precedent exists:\n%s", gen.Prompts[0])
	}
}

func TestGenerateNotifiesOnCreation(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	m := metrics.NewForTesting()
	embedder := &testhelpers.FakeEmbedder{Vectors: map[string][]float32{}}
	knowledge := NewKnowledgeService(&testhelpers.FakeStore{}, embedder, 0.7, m)
	notifier := &recordingNotifier{}
	gen := &testhelpers.FakeGenerator{Response: `{"title": "t", "root_cause": "rc"}`}
	svc := NewGenerationService(db, gen, knowledge, notifier, 5*time.Second, m)

	seedGroup(t, db, "g-notify",
		testhelpers.NewAlertBuilder().WithAlertID("a-n1").Build())

	rca := awaitTask(t, mustGenerate(t, svc, "g-notify"))

	if len(notifier.created) != 1 || notifier.created[0] != rca.RCAID {
		t.Errorf("expected creation notification for %s, got %v", rca.RCAID, notifier.created)
	}
}

func TestGenerateRawTierFlagsManualReview(t *testing.T) {
	gen := &testhelpers.FakeGenerator{Response: "unstructured rambling without any labels"}
	svc, db := newGenerationFixture(t, gen)

	seedGroup(t, db, "g-raw",
		testhelpers.NewAlertBuilder().WithAlertID("a-raw").Build())

	rca := awaitTask(t, mustGenerate(t, svc, "g-raw"))

	if rca.ConfidenceScore != database.ConfidenceLow {
		t.Errorf("raw tier must be low confidence, got %s", rca.ConfidenceScore)
	}
	if !strings.Contains(rca.Notes, "manual review") {
		t.Errorf("expected manual review note, got %q", rca.Notes)
	}
}

func TestBuildAlertSummaryTruncatesLongGroups(t *testing.T) {
	alerts := make([]database.Alert, 14)
	for i := range alerts {
		alerts[i] = testhelpers.NewAlertBuilder().
			WithTitle("Alert number").WithSeverity(database.SeverityHigh).Build()
	}

	summary := buildAlertSummary(alerts)
	if !strings.Contains(summary, "(14 total)") {
		t.Errorf("summary missing total: %s", summary)
	}
	if !strings.Contains(summary, "... and 4 more alerts") {
		t.Errorf("summary missing truncation note: %s", summary)
	}
	if !strings.Contains(summary, "high: 14") {
		t.Errorf("summary missing severity breakdown: %s", summary)
	}
}

func mustGenerate(t *testing.T, svc *GenerationService, groupID string) *GenerationTask {
	t.Helper()
	task, err := svc.Generate(context.Background(), groupID)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return task
}
