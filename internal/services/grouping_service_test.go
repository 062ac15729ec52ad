package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/causalis/causalis/internal/database"
	"github.com/causalis/causalis/internal/metrics"
	"github.com/causalis/causalis/internal/testhelpers"
)

func newGroupingService(t *testing.T, embedder Embedder) *GroupingService {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	return NewGroupingService(db, embedder, DefaultGroupingConfig(), metrics.NewForTesting())
}

func TestAssignFirstAlertCreatesNewGroup(t *testing.T) {
	svc := newGroupingService(t, &testhelpers.FakeEmbedder{})

	alert := testhelpers.NewAlertBuilder().
		WithAlertID("a-1").
		WithTitle("CPU usage critical on web-1").
		WithSource("prometheus").
		WithSeverity(database.SeverityCritical).
		WithMetric("cpu_usage").
		Build()
	if err := svc.db.Create(&alert).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}

	groupID, err := svc.Assign(context.Background(), &alert)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if !strings.HasPrefix(groupID, "group_") {
		t.Errorf("unexpected group id format: %s", groupID)
	}

	group, err := database.GetAlertGroup(svc.db, groupID)
	if err != nil {
		t.Fatalf("group not created: %v", err)
	}
	if group.AlertCount != 1 {
		t.Errorf("expected alert count 1, got %d", group.AlertCount)
	}
	if group.Severity != database.SeverityCritical {
		t.Errorf("expected critical severity, got %s", group.Severity)
	}
	if !strings.Contains(group.SimilarPattern, "source:prometheus") {
		t.Errorf("pattern missing source: %s", group.SimilarPattern)
	}
	if !strings.Contains(group.SimilarPattern, "metric:cpu_usage") {
		t.Errorf("pattern missing metric: %s", group.SimilarPattern)
	}
}

// seedGroupedAlert creates a group and one active member alert with the
// given embedding vector
func seedGroupedAlert(t *testing.T, svc *GroupingService, fake *testhelpers.FakeEmbedder, groupID, title string, vec []float32, createdAt time.Time) database.Alert {
	t.Helper()

	group := testhelpers.NewGroupBuilder().
		WithGroupID(groupID).
		WithTitle(title).
		WithAlertCount(1).
		WithCreatedAt(createdAt).
		Build()
	if err := svc.db.Create(&group).Error; err != nil {
		t.Fatalf("failed to create group: %v", err)
	}

	member := testhelpers.NewAlertBuilder().
		WithAlertID("member-" + groupID).
		WithGroupID(groupID).
		WithTitle(title).
		WithCreatedAt(time.Now().UTC().Add(-time.Minute)).
		Build()
	if err := svc.db.Create(&member).Error; err != nil {
		t.Fatalf("failed to create member alert: %v", err)
	}
	fake.Vectors[AlertText(&member)] = vec
	return member
}

func TestAssignJoinsGroupAtThreshold(t *testing.T) {
	fake := &testhelpers.FakeEmbedder{Vectors: map[string][]float32{}}
	svc := newGroupingService(t, fake)

	seedGroupedAlert(t, svc, fake, "group_aaaa0000_202608290000", "Database latency high",
		[]float32{1, 0}, time.Now().UTC().Add(-2*time.Minute))

	alert := testhelpers.NewAlertBuilder().
		WithAlertID("a-new").
		WithTitle("Database latency spiking").
		Build()
	if err := svc.db.Create(&alert).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}
	// cos([4,3],[1,0]) = 4/5: mean similarity exactly 0.8
	fake.Vectors[AlertText(&alert)] = []float32{4, 3}

	groupID, err := svc.Assign(context.Background(), &alert)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if groupID != "group_aaaa0000_202608290000" {
		t.Errorf("expected alert to join existing group at threshold, got %s", groupID)
	}

	group, _ := database.GetAlertGroup(svc.db, groupID)
	if group.AlertCount != 2 {
		t.Errorf("expected alert count 2, got %d", group.AlertCount)
	}
}

func TestAssignBelowThresholdCreatesNewGroup(t *testing.T) {
	fake := &testhelpers.FakeEmbedder{Vectors: map[string][]float32{}}
	svc := newGroupingService(t, fake)

	seedGroupedAlert(t, svc, fake, "group_bbbb0000_202608290000", "Database latency high",
		[]float32{0.79, 0.61310684}, time.Now().UTC().Add(-2*time.Minute))

	alert := testhelpers.NewAlertBuilder().
		WithAlertID("a-new").
		WithTitle("Unrelated disk alert").
		Build()
	if err := svc.db.Create(&alert).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}
	// Mean similarity 0.79: just under the threshold
	fake.Vectors[AlertText(&alert)] = []float32{1, 0}

	groupID, err := svc.Assign(context.Background(), &alert)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if groupID == "group_bbbb0000_202608290000" {
		t.Error("alert below threshold must not join the existing group")
	}
}

func TestAssignTieBreaksOnEarliestGroup(t *testing.T) {
	fake := &testhelpers.FakeEmbedder{Vectors: map[string][]float32{}}
	svc := newGroupingService(t, fake)

	now := time.Now().UTC()
	seedGroupedAlert(t, svc, fake, "group_newer000_202608290000", "Service errors",
		[]float32{1, 0}, now.Add(-1*time.Minute))
	seedGroupedAlert(t, svc, fake, "group_older000_202608290000", "Service errors too",
		[]float32{1, 0}, now.Add(-3*time.Minute))

	alert := testhelpers.NewAlertBuilder().
		WithAlertID("a-tie").
		WithTitle("More service errors").
		Build()
	if err := svc.db.Create(&alert).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}
	fake.Vectors[AlertText(&alert)] = []float32{1, 0}

	groupID, err := svc.Assign(context.Background(), &alert)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if groupID != "group_older000_202608290000" {
		t.Errorf("tie must resolve to the earliest-created group, got %s", groupID)
	}
}

func TestAssignSeverityMonotonicallyEscalates(t *testing.T) {
	fake := &testhelpers.FakeEmbedder{Vectors: map[string][]float32{}}
	svc := newGroupingService(t, fake)

	seedGroupedAlert(t, svc, fake, "group_cccc0000_202608290000", "Memory pressure",
		[]float32{1, 0}, time.Now().UTC().Add(-2*time.Minute))

	critical := testhelpers.NewAlertBuilder().
		WithAlertID("a-crit").
		WithTitle("Memory pressure critical").
		WithSeverity(database.SeverityCritical).
		Build()
	if err := svc.db.Create(&critical).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}
	fake.Vectors[AlertText(&critical)] = []float32{1, 0}

	if _, err := svc.Assign(context.Background(), &critical); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	group, _ := database.GetAlertGroup(svc.db, "group_cccc0000_202608290000")
	if group.Severity != database.SeverityCritical {
		t.Errorf("expected escalated severity critical, got %s", group.Severity)
	}

	// A later low-severity member must not downgrade the group
	low := testhelpers.NewAlertBuilder().
		WithAlertID("a-low").
		WithTitle("Memory pressure easing").
		WithSeverity(database.SeverityLow).
		Build()
	if err := svc.db.Create(&low).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}
	fake.Vectors[AlertText(&low)] = []float32{1, 0}

	if _, err := svc.Assign(context.Background(), &low); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	group, _ = database.GetAlertGroup(svc.db, "group_cccc0000_202608290000")
	if group.Severity != database.SeverityCritical {
		t.Errorf("severity must never decrease, got %s", group.Severity)
	}
}

func TestAssignEmbeddingFailureDegradesToNewGroup(t *testing.T) {
	fake := &testhelpers.FakeEmbedder{Vectors: map[string][]float32{}, Err: ErrBackendUnavailable}
	svc := newGroupingService(t, fake)

	fake.Err = nil
	seedGroupedAlert(t, svc, fake, "group_dddd0000_202608290000", "Network flapping",
		[]float32{1, 0}, time.Now().UTC().Add(-2*time.Minute))
	fake.Err = ErrBackendUnavailable

	alert := testhelpers.NewAlertBuilder().
		WithAlertID("a-degraded").
		WithTitle("Network flapping again").
		Build()
	if err := svc.db.Create(&alert).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}

	groupID, err := svc.Assign(context.Background(), &alert)
	if err != nil {
		t.Fatalf("Assign must degrade, not fail: %v", err)
	}
	if groupID == "group_dddd0000_202608290000" {
		t.Error("expected a fresh group when matching is impossible")
	}

	stored, err := database.GetAlert(svc.db, "a-degraded")
	if err != nil {
		t.Fatalf("failed to reload alert: %v", err)
	}
	if stored.GroupID != groupID {
		t.Errorf("alert not attached to the fallback group: %s", stored.GroupID)
	}
}

func TestGenerateGroupID(t *testing.T) {
	bucket := time.Date(2026, 8, 29, 10, 30, 45, 0, time.UTC)

	a := testhelpers.NewAlertBuilder().WithSource("prometheus").
		WithSeverity(database.SeverityHigh).WithMetric("cpu_usage").Build()
	b := testhelpers.NewAlertBuilder().WithSource("prometheus").
		WithSeverity(database.SeverityHigh).WithMetric("cpu_usage").
		WithTitle("A different title entirely").Build()

	idA := GenerateGroupID(&a, bucket)
	idB := GenerateGroupID(&b, bucket)
	if idA != idB {
		t.Errorf("same characteristics in the same minute must share an id: %s vs %s", idA, idB)
	}
	if !strings.HasSuffix(idA, "_202608291030") {
		t.Errorf("expected minute-resolution suffix, got %s", idA)
	}

	later := GenerateGroupID(&a, bucket.Add(time.Minute))
	if later == idA {
		t.Error("different minute buckets must produce different ids")
	}

	noMetric := testhelpers.NewAlertBuilder().WithSource("prometheus").
		WithSeverity(database.SeverityHigh).Build()
	if GenerateGroupID(&noMetric, bucket) == idA {
		t.Error("missing metric must hash as unknown, not cpu_usage")
	}
}

func TestExtractPattern(t *testing.T) {
	alert := testhelpers.NewAlertBuilder().
		WithTitle("Database connection refused").
		WithSource("zabbix").
		WithSeverity(database.SeverityHigh).
		WithMetric("db_connections").
		Build()

	pattern := ExtractPattern(&alert)
	expected := "source:zabbix|severity:high|metric:db_connections|keywords:database,connection,refused"
	if pattern != expected {
		t.Errorf("pattern = %q, want %q", pattern, expected)
	}
}

func TestRegroupReassignsChronologically(t *testing.T) {
	fake := &testhelpers.FakeEmbedder{Vectors: map[string][]float32{}}
	svc := newGroupingService(t, fake)
	now := time.Now().UTC()

	first := testhelpers.NewAlertBuilder().
		WithAlertID("r-1").WithTitle("Disk full on data-1").
		WithCreatedAt(now.Add(-3 * time.Minute)).Build()
	second := testhelpers.NewAlertBuilder().
		WithAlertID("r-2").WithTitle("Disk full on data-2").
		WithCreatedAt(now.Add(-2 * time.Minute)).Build()
	for _, a := range []*database.Alert{&first, &second} {
		if err := svc.db.Create(a).Error; err != nil {
			t.Fatalf("failed to create alert: %v", err)
		}
		fake.Vectors[AlertText(a)] = []float32{1, 0}
	}

	result, err := svc.Regroup(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("Regroup failed: %v", err)
	}
	if result.ProcessedAlerts != 2 {
		t.Errorf("expected 2 processed, got %d", result.ProcessedAlerts)
	}
	if result.GroupedAlerts != 2 {
		t.Errorf("expected 2 grouped, got %d", result.GroupedAlerts)
	}
	if result.NewGroups != 1 {
		t.Errorf("expected 1 new group (second alert joins it), got %d", result.NewGroups)
	}

	a1, _ := database.GetAlert(svc.db, "r-1")
	a2, _ := database.GetAlert(svc.db, "r-2")
	if a1.GroupID == "" || a1.GroupID != a2.GroupID {
		t.Errorf("identical alerts must share a group: %q vs %q", a1.GroupID, a2.GroupID)
	}
}

func TestAlertTextSkipsEmptyAndSortsPairs(t *testing.T) {
	alert := testhelpers.NewAlertBuilder().
		WithTitle("t").
		WithDescription("").
		WithSource("src").
		WithSeverity(database.SeverityLow).
		WithTags(map[string]string{"env": "prod", "app": "api"}).
		Build()

	text := AlertText(&alert)
	if strings.Contains(text, "  ") {
		t.Errorf("empty fields must be skipped, got %q", text)
	}
	if !strings.Contains(text, "app:api env:prod") {
		t.Errorf("tag pairs must be sorted by key, got %q", text)
	}
}
