package services

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/causalis/causalis/internal/database"
	"github.com/causalis/causalis/internal/metrics"
	"github.com/causalis/causalis/internal/utils"
	"github.com/causalis/causalis/internal/vectorstore"
)

// NoPrecedentContext is the generation context used when no stored
// incident clears the similarity floor or the backends are down.
const NoPrecedentContext = "No similar historical incidents found."

// KnowledgeService maintains the vectorized corpus of closed RCAs and
// serves similarity lookups over it
type KnowledgeService struct {
	store    vectorstore.Store
	embedder Embedder
	metrics  *metrics.EngineMetrics

	// ContextFloor is the minimum similarity for a precedent to be
	// included in generation context. Search applies no floor.
	ContextFloor float64
}

// NewKnowledgeService creates a knowledge base over the given vector store
func NewKnowledgeService(store vectorstore.Store, embedder Embedder, contextFloor float64, m *metrics.EngineMetrics) *KnowledgeService {
	return &KnowledgeService{
		store:        store,
		embedder:     embedder,
		metrics:      m,
		ContextFloor: contextFloor,
	}
}

// Available reports whether both the embedding backend and the vector
// store are reachable
func (s *KnowledgeService) Available() bool {
	return s.embedder.Available() && s.store.Available()
}

// Ingest vectorizes a closed RCA together with its group's alerts and
// persists the composite document to the knowledge base, returning the
// document id. The caller records the id on the RCA only after a
// successful ingest.
func (s *KnowledgeService) Ingest(ctx context.Context, rca *database.RCA, alerts []database.Alert) (string, error) {
	docText := buildDocumentText(rca, alerts)

	vectors, err := s.embedder.Embed(ctx, []string{docText})
	if err != nil {
		s.metrics.KnowledgeIngests.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("failed to embed RCA %s: %w", rca.RCAID, err)
	}

	doc := vectorstore.Document{
		ID:        "kb_" + rca.RCAID,
		Text:      docText,
		Embedding: vectors[0],
		Metadata: map[string]interface{}{
			"rca_id":          rca.RCAID,
			"group_id":        rca.GroupID,
			"title":           rca.Title,
			"severity":        string(rca.Severity),
			"alert_count":     len(alerts),
			"source_systems":  strings.Join(alertSources(alerts), ", "),
			"confidence":      string(rca.ConfidenceScore),
			"analysis_method": rca.AnalysisMethod,
			"created_at":      rca.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		},
	}
	if err := s.store.Add(ctx, []vectorstore.Document{doc}); err != nil {
		s.metrics.KnowledgeIngests.WithLabelValues("failed").Inc()
		s.metrics.BackendFailures.WithLabelValues("vectorstore").Inc()
		return "", fmt.Errorf("failed to store RCA %s: %w", rca.RCAID, err)
	}

	s.metrics.KnowledgeIngests.WithLabelValues("ok").Inc()
	log.Printf("Ingested RCA %s into knowledge base", rca.RCAID)
	return doc.ID, nil
}

// RetrieveContext looks up historical precedents similar to the given
// alerts and formats them as prose for the generation prompt. Returns an
// explicit no-precedent statement when nothing clears the context floor
// or the backends are down; generation always receives a context block.
func (s *KnowledgeService) RetrieveContext(ctx context.Context, alerts []database.Alert) string {
	if len(alerts) == 0 {
		return NoPrecedentContext
	}

	query := buildContextQuery(alerts)
	results, err := s.search(ctx, query, 3)
	if err != nil {
		log.Printf("Knowledge context lookup failed, proceeding without context: %v", err)
		return NoPrecedentContext
	}

	var sections []string
	for _, r := range results {
		if r.Similarity < s.ContextFloor {
			continue
		}
		section := fmt.Sprintf("Historical incident (similarity %.2f): %s", r.Similarity, r.Title)
		section += fmt.Sprintf("\n  Severity: %s, Alerts: %s, Systems: %s, Confidence: %s",
			metaString(r.Metadata, "severity"),
			metaString(r.Metadata, "alert_count"),
			metaString(r.Metadata, "source_systems"),
			metaString(r.Metadata, "confidence"))
		if insights := extractInsights(r.Text); len(insights) > 0 {
			section += "\n  " + strings.Join(insights, "\n  ")
		}
		sections = append(sections, section)
	}
	if len(sections) == 0 {
		return NoPrecedentContext
	}
	return "Relevant past incidents from the knowledge base:\n" + strings.Join(sections, "\n")
}

// SearchResult is one knowledge base match with a normalized similarity
// score in [0, 1]
type SearchResult struct {
	RCAID      string                 `json:"rca_id"`
	Title      string                 `json:"title"`
	Text       string                 `json:"text"`
	Similarity float64                `json:"similarity"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Search runs a free-text similarity query over the knowledge base. No
// similarity floor is applied; callers see every match up to topK.
func (s *KnowledgeService) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	results, err := s.search(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	s.metrics.KnowledgeSearches.Inc()
	return results, nil
}

// Stats summarizes the knowledge base contents
type Stats struct {
	DocumentCount  int    `json:"document_count"`
	EmbeddingModel string `json:"embedding_model"`
	Available      bool   `json:"available"`
}

// GetStats returns the current knowledge base statistics
func (s *KnowledgeService) GetStats(ctx context.Context) (*Stats, error) {
	if !s.store.Available() {
		return &Stats{EmbeddingModel: s.embedder.ModelName(), Available: false}, nil
	}
	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count knowledge base: %w", err)
	}
	return &Stats{DocumentCount: count, EmbeddingModel: s.embedder.ModelName(), Available: true}, nil
}

func (s *KnowledgeService) search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := s.store.Query(ctx, vectors[0], topK)
	if err != nil {
		s.metrics.BackendFailures.WithLabelValues("vectorstore").Inc()
		return nil, fmt.Errorf("failed to query knowledge base: %w", err)
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		r := SearchResult{
			Text:       m.Text,
			Similarity: math.Max(0, 1-m.Distance),
			Metadata:   m.Metadata,
		}
		if id, ok := m.Metadata["rca_id"].(string); ok {
			r.RCAID = id
		}
		if title, ok := m.Metadata["title"].(string); ok {
			r.Title = title
		}
		results = append(results, r)
	}
	return results, nil
}

// buildDocumentText flattens an RCA and its group's alerts into the text
// stored and embedded in the knowledge base
func buildDocumentText(rca *database.RCA, alerts []database.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "RCA Report: %s\n", rca.Title)
	fmt.Fprintf(&b, "Root Cause: %s\n", rca.RootCause)
	fmt.Fprintf(&b, "Impact: %s\n", rca.ImpactAnalysis)
	fmt.Fprintf(&b, "Resolution: %s\n", rca.RecommendedActions)
	if len(rca.AffectedSystems) > 0 {
		fmt.Fprintf(&b, "Affected Systems: %s\n", strings.Join(rca.AffectedSystems, ", "))
	}
	fmt.Fprintf(&b, "Severity: %s\n", rca.Severity)
	if rca.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", rca.Notes)
	}

	fmt.Fprintf(&b, "Alert Count: %d\n", len(alerts))
	if titles := alertTitles(alerts, 5); len(titles) > 0 {
		fmt.Fprintf(&b, "Alert Titles: %s\n", strings.Join(titles, "; "))
	}
	if sources := alertSources(alerts); len(sources) > 0 {
		fmt.Fprintf(&b, "Source Systems: %s\n", strings.Join(sources, ", "))
	}
	if names := alertMetrics(alerts); len(names) > 0 {
		fmt.Fprintf(&b, "Metrics: %s\n", strings.Join(names, ", "))
	}
	if tags := alertPairs(alerts, func(a database.Alert) map[string]string { return a.Tags }, 10); len(tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(tags, "; "))
	}
	if labels := alertPairs(alerts, func(a database.Alert) map[string]string { return a.Labels }, 10); len(labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(labels, "; "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildContextQuery derives the lookup text for a group of alerts: their
// titles, source systems, severities, metrics, and the most frequent
// descriptive words across the group
func buildContextQuery(alerts []database.Alert) string {
	texts := make([]string, 0, len(alerts))
	severities := make([]string, 0, len(alerts))
	for _, a := range alerts {
		texts = append(texts, a.Title+" "+a.Description)
		severities = append(severities, string(a.Severity))
	}

	var parts []string
	if titles := alertTitles(alerts, 5); len(titles) > 0 {
		parts = append(parts, "Alert Titles: "+strings.Join(titles, "; "))
	}
	if sources := alertSources(alerts); len(sources) > 0 {
		parts = append(parts, "Source Systems: "+strings.Join(sources, ", "))
	}
	if sevs := utils.UniqueStrings(severities); len(sevs) > 0 {
		parts = append(parts, "Severities: "+strings.Join(sevs, ", "))
	}
	if names := alertMetrics(alerts); len(names) > 0 {
		parts = append(parts, "Metrics: "+strings.Join(names, ", "))
	}
	if keywords := utils.TopFrequentWords(texts, 4, 5); len(keywords) > 0 {
		parts = append(parts, "Keywords: "+strings.Join(keywords, ", "))
	}
	return strings.Join(parts, "\n")
}

// alertTitles returns up to max non-empty alert titles in order
func alertTitles(alerts []database.Alert, max int) []string {
	var titles []string
	for _, a := range alerts {
		if a.Title == "" {
			continue
		}
		titles = append(titles, a.Title)
		if len(titles) == max {
			break
		}
	}
	return titles
}

// alertSources returns the unique source systems across alerts, sorted
func alertSources(alerts []database.Alert) []string {
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

// alertMetrics returns the unique metric names across alerts, sorted
func alertMetrics(alerts []database.Alert) []string {
	var names []string
	for _, a := range alerts {
		if a.MetricName != "" {
			names = append(names, a.MetricName)
		}
	}
	names = utils.UniqueStrings(names)
	sort.Strings(names)
	return names
}

// alertPairs samples up to max unique "k:v" pairs from the selected map
// across alerts, sorted for stable output
func alertPairs(alerts []database.Alert, pick func(database.Alert) map[string]string, max int) []string {
	var pairs []string
	for _, a := range alerts {
		for k, v := range pick(a) {
			pairs = append(pairs, k+":"+v)
		}
	}
	pairs = utils.UniqueStrings(pairs)
	sort.Strings(pairs)
	if len(pairs) > max {
		pairs = pairs[:max]
	}
	return pairs
}

// metaString renders a metadata value for the context block, "unknown"
// when absent
func metaString(md map[string]interface{}, key string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return "unknown"
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return "unknown"
		}
		return t
	case float64:
		return fmt.Sprintf("%d", int(t))
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// extractInsights pulls up to two actionable lines from a stored document
func extractInsights(text string) []string {
	markers := []string{"root cause:", "solution:", "fix:", "resolution:"}

	var insights []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		for _, marker := range markers {
			if strings.HasPrefix(lower, marker) {
				insights = append(insights, trimmed)
				break
			}
		}
		if len(insights) == 2 {
			break
		}
	}
	return insights
}
