package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/causalis/causalis/internal/database"
	"github.com/causalis/causalis/internal/metrics"
	"github.com/causalis/causalis/internal/utils"
)

// GroupingConfig holds the tunables of the grouping engine
type GroupingConfig struct {
	// Window is how far back to scan for active alerts when matching
	Window time.Duration
	// SimilarityThreshold is the minimum mean cosine similarity for an
	// alert to join an existing group
	SimilarityThreshold float64
}

// DefaultGroupingConfig returns the default grouping configuration
func DefaultGroupingConfig() GroupingConfig {
	return GroupingConfig{
		Window:              5 * time.Minute,
		SimilarityThreshold: 0.8,
	}
}

// GroupingService assigns incoming alerts to incident groups using
// embedding similarity
type GroupingService struct {
	db       *gorm.DB
	embedder Embedder
	cfg      GroupingConfig
	metrics  *metrics.EngineMetrics

	// Per-group mutexes serialize count/severity mutation so two alerts
	// racing to join the same group cannot lose an update. The matching
	// scan itself runs unsynchronized.
	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

// NewGroupingService creates a new grouping service
func NewGroupingService(db *gorm.DB, embedder Embedder, cfg GroupingConfig, m *metrics.EngineMetrics) *GroupingService {
	return &GroupingService{
		db:         db,
		embedder:   embedder,
		cfg:        cfg,
		metrics:    m,
		groupLocks: make(map[string]*sync.Mutex),
	}
}

// Assign places the alert into the most similar existing group within the
// grouping window, or creates a new group. It always succeeds in producing
// some group assignment unless the record store itself is down.
func (s *GroupingService) Assign(ctx context.Context, alert *database.Alert) (string, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Window)
	recent, err := database.RecentActiveAlerts(s.db, cutoff, alert.AlertID)
	if err != nil {
		return "", fmt.Errorf("failed to load recent alerts: %w", err)
	}

	if len(recent) == 0 {
		return s.createNewGroup(alert)
	}

	bestGroupID, err := s.findBestMatchingGroup(ctx, alert, recent)
	if err != nil {
		// Matching failures (embedding backend down, malformed data)
		// degrade to a fresh group rather than leaving the alert ungrouped.
		log.Printf("Error matching alert %s, creating new group: %v", alert.AlertID, err)
		s.metrics.AlertsGrouped.WithLabelValues("fallback").Inc()
		return s.createNewGroup(alert)
	}

	if bestGroupID == "" {
		return s.createNewGroup(alert)
	}

	if err := s.addToExistingGroup(alert, bestGroupID); err != nil {
		return "", err
	}
	s.metrics.AlertsGrouped.WithLabelValues("matched").Inc()
	return bestGroupID, nil
}

// findBestMatchingGroup returns the id of the highest-scoring candidate
// group at or above the similarity threshold, or "" if none qualifies.
// Candidate groups are enumerated by ascending creation time (then group
// id) so tie-breaking is deterministic.
func (s *GroupingService) findBestMatchingGroup(ctx context.Context, alert *database.Alert, recent []database.Alert) (string, error) {
	members := make(map[string][]database.Alert)
	for _, a := range recent {
		if a.GroupID != "" {
			members[a.GroupID] = append(members[a.GroupID], a)
		}
	}
	if len(members) == 0 {
		return "", nil
	}

	groupIDs := make([]string, 0, len(members))
	for id := range members {
		groupIDs = append(groupIDs, id)
	}
	var groups []database.AlertGroup
	if err := s.db.Where("group_id IN ?", groupIDs).
		Order("created_at ASC, group_id ASC").Find(&groups).Error; err != nil {
		return "", fmt.Errorf("failed to load candidate groups: %w", err)
	}

	// One batch embedding call for the new alert plus every candidate member
	texts := []string{AlertText(alert)}
	type span struct{ start, end int }
	spans := make(map[string]span, len(groups))
	for _, g := range groups {
		start := len(texts)
		for _, a := range members[g.GroupID] {
			texts = append(texts, AlertText(&a))
		}
		spans[g.GroupID] = span{start: start, end: len(texts)}
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return "", err
	}
	alertVec := vectors[0]

	bestScore := 0.0
	bestGroupID := ""
	for _, g := range groups {
		sp := spans[g.GroupID]
		if sp.start == sp.end {
			continue
		}
		var total float64
		for i := sp.start; i < sp.end; i++ {
			total += CosineSimilarity(alertVec, vectors[i])
		}
		score := total / float64(sp.end-sp.start)

		if score > bestScore && score >= s.cfg.SimilarityThreshold {
			bestScore = score
			bestGroupID = g.GroupID
		}
	}
	return bestGroupID, nil
}

// addToExistingGroup attaches the alert and updates the group's count and
// severity under the per-group lock
func (s *GroupingService) addToExistingGroup(alert *database.Alert, groupID string) error {
	unlock := s.lockGroup(groupID)
	defer unlock()

	group, err := database.GetAlertGroup(s.db, groupID)
	if err != nil {
		return fmt.Errorf("failed to load group %s: %w", groupID, err)
	}

	updates := map[string]interface{}{
		"alert_count": gorm.Expr("alert_count + 1"),
		"severity":    database.MaxSeverity(group.Severity, alert.Severity),
		"updated_at":  time.Now().UTC(),
	}
	if err := s.db.Model(&database.AlertGroup{}).Where("group_id = ?", groupID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update group %s: %w", groupID, err)
	}

	alert.GroupID = groupID
	if err := s.db.Model(&database.Alert{}).Where("alert_id = ?", alert.AlertID).
		Update("group_id", groupID).Error; err != nil {
		return fmt.Errorf("failed to assign alert %s to group %s: %w", alert.AlertID, groupID, err)
	}

	log.Printf("Added alert %s to existing group %s", alert.AlertID, groupID)
	return nil
}

// createNewGroup synthesizes a deterministic group id from the alert's
// characteristics and creates the group with the alert as its first member.
// If the id already exists (same source/severity/metric burst within one
// minute bucket), the alert joins the existing group instead.
func (s *GroupingService) createNewGroup(alert *database.Alert) (string, error) {
	groupID := GenerateGroupID(alert, time.Now().UTC())

	unlock := s.lockGroup(groupID)
	defer unlock()

	if _, err := database.GetAlertGroup(s.db, groupID); err == nil {
		if err := s.joinLocked(alert, groupID); err != nil {
			return "", err
		}
		return groupID, nil
	}

	group := &database.AlertGroup{
		GroupID:        groupID,
		Title:          "Alert Group: " + utils.TruncateText(alert.Title, 100),
		Description:    "Automatically created group for alerts similar to: " + alert.Title,
		Severity:       alert.Severity,
		AlertCount:     1,
		SimilarPattern: ExtractPattern(alert),
		Status:         database.GroupStatusActive,
	}
	if err := s.db.Create(group).Error; err != nil {
		return "", fmt.Errorf("failed to create group %s: %w", groupID, err)
	}

	alert.GroupID = groupID
	if err := s.db.Model(&database.Alert{}).Where("alert_id = ?", alert.AlertID).
		Update("group_id", groupID).Error; err != nil {
		return "", fmt.Errorf("failed to assign alert %s to group %s: %w", alert.AlertID, groupID, err)
	}

	s.metrics.AlertsGrouped.WithLabelValues("new_group").Inc()
	s.metrics.GroupsCreated.Inc()
	log.Printf("Created new alert group %s for alert %s", groupID, alert.AlertID)
	return groupID, nil
}

// joinLocked attaches the alert to a group whose lock is already held
func (s *GroupingService) joinLocked(alert *database.Alert, groupID string) error {
	group, err := database.GetAlertGroup(s.db, groupID)
	if err != nil {
		return fmt.Errorf("failed to load group %s: %w", groupID, err)
	}
	updates := map[string]interface{}{
		"alert_count": gorm.Expr("alert_count + 1"),
		"severity":    database.MaxSeverity(group.Severity, alert.Severity),
		"updated_at":  time.Now().UTC(),
	}
	if err := s.db.Model(&database.AlertGroup{}).Where("group_id = ?", groupID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update group %s: %w", groupID, err)
	}
	alert.GroupID = groupID
	return s.db.Model(&database.Alert{}).Where("alert_id = ?", alert.AlertID).
		Update("group_id", groupID).Error
}

// RegroupResult summarizes a bulk regrouping run
type RegroupResult struct {
	ProcessedAlerts int `json:"processed_alerts"`
	GroupedAlerts   int `json:"grouped_alerts"`
	NewGroups       int `json:"new_groups"`
}

// Regroup clears group assignments for active alerts within the window and
// re-assigns them in chronological order. Best effort: individual failures
// are logged and skipped, not rolled back. Concurrent Regroup invocations
// against the same alert population are unsafe; callers must serialize.
func (s *GroupingService) Regroup(ctx context.Context, window time.Duration) (*RegroupResult, error) {
	cutoff := time.Now().UTC().Add(-window)
	alerts, err := database.ActiveAlertsSince(s.db, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts for regrouping: %w", err)
	}

	if err := s.db.Model(&database.Alert{}).
		Where("created_at >= ? AND status = ?", cutoff, database.AlertStatusActive).
		Update("group_id", "").Error; err != nil {
		return nil, fmt.Errorf("failed to clear group assignments: %w", err)
	}

	result := &RegroupResult{ProcessedAlerts: len(alerts)}
	for i := range alerts {
		alert := alerts[i]
		alert.GroupID = ""
		groupID, err := s.Assign(ctx, &alert)
		if err != nil {
			log.Printf("Regroup: failed to assign alert %s: %v", alert.AlertID, err)
			continue
		}
		result.GroupedAlerts++

		count, err := database.CountAlertsInGroup(s.db, groupID)
		if err == nil && count == 1 {
			result.NewGroups++
		}
	}

	log.Printf("Regrouped %d alerts: %d assigned, %d new groups",
		result.ProcessedAlerts, result.GroupedAlerts, result.NewGroups)
	return result, nil
}

// lockGroup acquires the mutex for a group id and returns its unlock func
func (s *GroupingService) lockGroup(groupID string) func() {
	s.mu.Lock()
	lock, ok := s.groupLocks[groupID]
	if !ok {
		lock = &sync.Mutex{}
		s.groupLocks[groupID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// AlertText builds the canonical text representation of an alert for
// similarity scoring: title, description, source system, metric name,
// severity, and flattened tag/label pairs, space-joined with empty fields
// skipped. Map keys are sorted so the text is stable across runs.
func AlertText(alert *database.Alert) string {
	parts := []string{
		alert.Title,
		alert.Description,
		alert.SourceSystem,
		alert.MetricName,
		string(alert.Severity),
	}
	parts = append(parts, flattenPairs(alert.Tags)...)
	parts = append(parts, flattenPairs(alert.Labels)...)

	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

func flattenPairs(m database.StringMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+":"+m[k])
	}
	return pairs
}

// GenerateGroupID derives a group id from the alert's characteristics: a
// stable hash of (source, severity, metric) plus a minute-resolution time
// bucket. Bursts of similar alerts within the same minute land on the same
// id; collisions across buckets merge into the existing group.
func GenerateGroupID(alert *database.Alert, now time.Time) string {
	metric := alert.MetricName
	if metric == "" {
		metric = "unknown"
	}
	groupData := fmt.Sprintf("%s_%s_%s", alert.SourceSystem, alert.Severity, metric)
	sum := md5.Sum([]byte(groupData))
	baseID := hex.EncodeToString(sum[:])[:8]

	return fmt.Sprintf("group_%s_%s", baseID, now.Format("200601021504"))
}

// ExtractPattern builds the compact membership pattern string stored on a
// new group: source, severity, optional metric, and up to three keyword
// tokens from the title
func ExtractPattern(alert *database.Alert) string {
	patterns := []string{
		"source:" + alert.SourceSystem,
		"severity:" + string(alert.Severity),
	}
	if alert.MetricName != "" {
		patterns = append(patterns, "metric:"+alert.MetricName)
	}
	if keywords := utils.ExtractKeywords(alert.Title, 3, 3); len(keywords) > 0 {
		patterns = append(patterns, "keywords:"+strings.Join(keywords, ","))
	}
	return strings.Join(patterns, "|")
}
