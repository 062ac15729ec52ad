package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/causalis/causalis/internal/database"
	"github.com/causalis/causalis/internal/metrics"
	"github.com/causalis/causalis/internal/output"
	"github.com/causalis/causalis/internal/utils"
)

// GenerationTask tracks one in-flight RCA synthesis. Callers wait on
// Done() and read the outcome with Result().
type GenerationTask struct {
	GroupID string

	done chan struct{}
	rca  *database.RCA
	err  error
}

// Done returns a channel closed when the task finishes
func (t *GenerationTask) Done() <-chan struct{} {
	return t.done
}

// Result returns the generated RCA or the failure. Only valid after Done()
// is closed.
func (t *GenerationTask) Result() (*database.RCA, error) {
	return t.rca, t.err
}

func completedTask(groupID string, rca *database.RCA, err error) *GenerationTask {
	t := &GenerationTask{GroupID: groupID, done: make(chan struct{}), rca: rca, err: err}
	close(t.done)
	return t
}

// GenerationService synthesizes root cause analyses for alert groups
type GenerationService struct {
	db        *gorm.DB
	llm       TextGenerator
	knowledge *KnowledgeService
	notifier  Notifier
	metrics   *metrics.EngineMetrics
	timeout   time.Duration

	mu       sync.Mutex
	inflight map[string]*GenerationTask
}

// NewGenerationService creates a generation service. The timeout bounds a
// single synthesis run end to end. notifier may be nil.
func NewGenerationService(db *gorm.DB, llm TextGenerator, knowledge *KnowledgeService, notifier Notifier, timeout time.Duration, m *metrics.EngineMetrics) *GenerationService {
	return &GenerationService{
		db:        db,
		llm:       llm,
		knowledge: knowledge,
		notifier:  notifier,
		metrics:   m,
		timeout:   timeout,
		inflight:  make(map[string]*GenerationTask),
	}
}

// Generate starts RCA synthesis for an alert group. If an RCA already
// exists for the group it is returned immediately; if synthesis is already
// running, the in-flight task is returned instead of starting a second one.
// The returned task outlives the caller's context.
func (s *GenerationService) Generate(ctx context.Context, groupID string) (*GenerationTask, error) {
	group, err := database.GetAlertGroup(s.db, groupID)
	if err != nil {
		return nil, fmt.Errorf("alert group %s not found: %w", groupID, err)
	}

	if existing, err := database.GetRCAByGroup(s.db, groupID); err == nil {
		return completedTask(groupID, existing, nil), nil
	}

	s.mu.Lock()
	if task, ok := s.inflight[groupID]; ok {
		s.mu.Unlock()
		return task, nil
	}
	task := &GenerationTask{GroupID: groupID, done: make(chan struct{})}
	s.inflight[groupID] = task
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, groupID)
			s.mu.Unlock()
			close(task.done)
		}()

		runCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		task.rca, task.err = s.run(runCtx, group)
	}()

	return task, nil
}

// run performs the synthesis: gather alerts, retrieve precedent context,
// call the LLM, parse, and persist. Falls back to a template analysis when
// the LLM backend is unreachable.
func (s *GenerationService) run(ctx context.Context, group *database.AlertGroup) (*database.RCA, error) {
	alerts, err := database.GetAlertsInGroup(s.db, group.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts for group %s: %w", group.GroupID, err)
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("group %s: %w", group.GroupID, ErrNoAlertsInGroup)
	}

	if !s.llm.Available() {
		log.Printf("LLM backend unavailable, generating fallback RCA for group %s", group.GroupID)
		s.metrics.BackendFailures.WithLabelValues("llm").Inc()
		return s.persistFallback(group, alerts)
	}

	kbContext := s.knowledge.RetrieveContext(ctx, alerts)
	prompt := buildRCAPrompt(group, alerts, kbContext)

	raw, err := s.llm.Generate(ctx, prompt)
	if err != nil {
		log.Printf("LLM generation failed for group %s, falling back: %v", group.GroupID, err)
		return s.persistFallback(group, alerts)
	}

	parsed := output.ParseRCAResponse(raw)
	rca := s.buildRCA(group, alerts, parsed)
	if err := s.persist(rca); err != nil {
		return nil, err
	}
	s.metrics.RCAsGenerated.WithLabelValues("llm_rag").Inc()
	if s.notifier != nil {
		s.notifier.NotifyRCACreated(rca)
	}
	log.Printf("Generated RCA %s for group %s (%s tier)", rca.RCAID, group.GroupID, parsed.Tier)
	return rca, nil
}

// buildRCA converts parsed output into the persisted record
func (s *GenerationService) buildRCA(group *database.AlertGroup, alerts []database.Alert, parsed *output.ParsedRCA) *database.RCA {
	confidence := database.Confidence(parsed.Confidence)
	if confidence != database.ConfidenceHigh && confidence != database.ConfidenceMedium && confidence != database.ConfidenceLow {
		confidence = database.ConfidenceMedium
	}

	affected := parsed.AffectedSystems
	if len(affected) == 0 {
		affected = sourceSystems(alerts)
	}

	severity := database.Severity(parsed.Severity)
	if severity.Rank() == 0 {
		severity = maxGroupSeverity(alerts)
	}

	timeline := buildTimeline(alerts)
	if len(parsed.Timeline) > 0 {
		timeline = database.JSONB(parsed.Timeline)
	}

	rca := &database.RCA{
		GroupID:            group.GroupID,
		Title:              parsed.Title,
		RootCause:          parsed.RootCause,
		ImpactAnalysis:     parsed.ImpactAnalysis,
		RecommendedActions: parsed.RecommendedActions,
		AffectedSystems:    affected,
		Timeline:           timeline,
		Severity:           severity,
		Status:             database.RCAStatusOpen,
		ConfidenceScore:    confidence,
		AnalysisMethod:     "llm_rag",
	}
	if parsed.FurtherInvestigation != "" {
		rca.Notes = parsed.FurtherInvestigation
	}
	if parsed.NeedsManualReview {
		rca.Notes = "Analysis output could not be fully structured; manual review required"
	}
	return rca
}

// persistFallback creates the degraded-mode RCA used when the LLM backend
// is down. It is explicit about its provenance and always low confidence.
func (s *GenerationService) persistFallback(group *database.AlertGroup, alerts []database.Alert) (*database.RCA, error) {
	sources := sourceSystems(alerts)

	rca := &database.RCA{
		GroupID: group.GroupID,
		Title:   "Incident Analysis: " + utils.TruncateText(group.Title, 100),
		RootCause: fmt.Sprintf(
			"Automated analysis unavailable. %d related alert(s) from %s require manual investigation.",
			len(alerts), strings.Join(sources, ", ")),
		ImpactAnalysis: fmt.Sprintf(
			"Potential impact on %s. Severity assessed as %s based on the most severe alert in the group.",
			strings.Join(sources, ", "), maxGroupSeverity(alerts)),
		RecommendedActions: "1. Review the grouped alerts manually. 2. Check recent changes to the affected systems. 3. Re-run analysis once the LLM backend is restored.",
		AffectedSystems:    sources,
		Timeline:           buildTimeline(alerts),
		Severity:           maxGroupSeverity(alerts),
		Status:             database.RCAStatusOpen,
		ConfidenceScore:    database.ConfidenceLow,
		AnalysisMethod:     "fallback",
	}
	if err := s.persist(rca); err != nil {
		return nil, err
	}
	s.metrics.RCAsGenerated.WithLabelValues("fallback").Inc()
	if s.notifier != nil {
		s.notifier.NotifyRCACreated(rca)
	}
	return rca, nil
}

// persist creates the RCA and its initial status history entry
func (s *GenerationService) persist(rca *database.RCA) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rca).Error; err != nil {
			return fmt.Errorf("failed to create RCA for group %s: %w", rca.GroupID, err)
		}
		history := &database.RCAStatusHistory{
			RCAID:          rca.RCAID,
			PreviousStatus: "",
			NewStatus:      string(database.RCAStatusOpen),
			ChangedBy:      "system",
			ChangeReason:   "RCA created",
		}
		if err := tx.Create(history).Error; err != nil {
			return fmt.Errorf("failed to record RCA creation for %s: %w", rca.RCAID, err)
		}
		return nil
	})
}

// buildRCAPrompt assembles the synthesis prompt: group summary, alert
// details, the knowledge base context block, and the response schema
func buildRCAPrompt(group *database.AlertGroup, alerts []database.Alert, kbContext string) string {
	var b strings.Builder

	b.WriteString("You are an expert Site Reliability Engineer performing root cause analysis.\n\n")
	fmt.Fprintf(&b, "Alert Group: %s\n", group.Title)
	fmt.Fprintf(&b, "Pattern: %s\n\n", group.SimilarPattern)
	b.WriteString(buildAlertSummary(alerts))

	b.WriteString("\nHistorical Context:\n")
	b.WriteString(kbContext)
	b.WriteString("\n")

	b.WriteString(`
Analyze the alerts above and respond with ONLY a JSON object in this exact format:
{
  "title": "Brief descriptive title of the incident",
  "root_cause": "Detailed explanation of the most likely root cause",
  "impact_analysis": "Assessment of the business and technical impact",
  "recommended_actions": "Numbered list of concrete remediation steps",
  "affected_systems": ["system1", "system2"],
  "timeline": {
    "incident_start": "estimated start time",
    "detection_time": "when the alerts fired",
    "key_events": ["key events in chronological order"]
  },
  "severity": "critical|high|medium|low",
  "confidence": "high|medium|low",
  "additional_investigation": "Areas that need further investigation"
}`)
	return b.String()
}

// buildAlertSummary renders the group's alerts for the prompt: the first
// ten in detail, a count of the remainder, and aggregate statistics
func buildAlertSummary(alerts []database.Alert) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Alerts in group (%d total):\n", len(alerts))
	shown := alerts
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for i, a := range shown {
		fmt.Fprintf(&b, "%d. [%s] %s (source: %s", i+1, a.Severity, a.Title, a.SourceSystem)
		if a.MetricName != "" {
			fmt.Fprintf(&b, ", metric: %s", a.MetricName)
		}
		b.WriteString(")\n")
		if a.Description != "" {
			fmt.Fprintf(&b, "   %s\n", utils.TruncateText(a.Description, 200))
		}
	}
	if len(alerts) > 10 {
		fmt.Fprintf(&b, "... and %d more alerts\n", len(alerts)-10)
	}

	counts := make(map[database.Severity]int)
	for _, a := range alerts {
		counts[a.Severity]++
	}
	var parts []string
	for _, sev := range []database.Severity{database.SeverityCritical, database.SeverityHigh, database.SeverityMedium, database.SeverityLow} {
		if counts[sev] > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", sev, counts[sev]))
		}
	}
	fmt.Fprintf(&b, "Severity breakdown: %s\n", strings.Join(parts, ", "))
	fmt.Fprintf(&b, "Source systems: %s\n", strings.Join(sourceSystems(alerts), ", "))

	first, last := timeSpan(alerts)
	fmt.Fprintf(&b, "Time span: %s to %s\n",
		first.UTC().Format("2006-01-02 15:04:05"), last.UTC().Format("2006-01-02 15:04:05"))
	return b.String()
}

// buildTimeline records detection and analysis timestamps for the RCA
func buildTimeline(alerts []database.Alert) database.JSONB {
	first, last := timeSpan(alerts)
	return database.JSONB{
		"detection_time":  first.UTC().Format("2006-01-02T15:04:05Z"),
		"last_alert_time": last.UTC().Format("2006-01-02T15:04:05Z"),
		"analysis_time":   time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func sourceSystems(alerts []database.Alert) []string {
	var sources []string
	for _, a := range alerts {
		if a.SourceSystem != "" {
			sources = append(sources, a.SourceSystem)
		}
	}
	sources = utils.UniqueStrings(sources)
	sort.Strings(sources)
	return sources
}

func maxGroupSeverity(alerts []database.Alert) database.Severity {
	max := database.SeverityLow
	for _, a := range alerts {
		max = database.MaxSeverity(max, a.Severity)
	}
	return max
}

func timeSpan(alerts []database.Alert) (time.Time, time.Time) {
	first, last := alerts[0].CreatedAt, alerts[0].CreatedAt
	for _, a := range alerts[1:] {
		if a.CreatedAt.Before(first) {
			first = a.CreatedAt
		}
		if a.CreatedAt.After(last) {
			last = a.CreatedAt
		}
	}
	return first, last
}
