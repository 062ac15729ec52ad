// Package testhelpers provides additional data builders for testing
package testhelpers

import (
	"time"

	"github.com/causalis/causalis/internal/database"
)

// ========================================
// Alert Builder
// ========================================

// AlertBuilder builds Alert instances for testing
type AlertBuilder struct {
	alert database.Alert
}

// NewAlertBuilder creates an alert builder with defaults
func NewAlertBuilder() *AlertBuilder {
	return &AlertBuilder{
		alert: database.Alert{
			Title:        "Test alert",
			Description:  "Test alert for unit tests",
			Severity:     database.SeverityMedium,
			SourceSystem: "prometheus",
			Status:       database.AlertStatusActive,
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		},
	}
}

// WithAlertID sets the external alert id
func (b *AlertBuilder) WithAlertID(id string) *AlertBuilder {
	b.alert.AlertID = id
	return b
}

// WithGroupID assigns the alert to a group
func (b *AlertBuilder) WithGroupID(groupID string) *AlertBuilder {
	b.alert.GroupID = groupID
	return b
}

// WithTitle sets the title
func (b *AlertBuilder) WithTitle(title string) *AlertBuilder {
	b.alert.Title = title
	return b
}

// WithDescription sets the description
func (b *AlertBuilder) WithDescription(desc string) *AlertBuilder {
	b.alert.Description = desc
	return b
}

// WithSeverity sets the severity
func (b *AlertBuilder) WithSeverity(sev database.Severity) *AlertBuilder {
	b.alert.Severity = sev
	return b
}

// WithSource sets the source system
func (b *AlertBuilder) WithSource(source string) *AlertBuilder {
	b.alert.SourceSystem = source
	return b
}

// WithMetric sets the metric name
func (b *AlertBuilder) WithMetric(metric string) *AlertBuilder {
	b.alert.MetricName = metric
	return b
}

// WithStatus sets the alert status
func (b *AlertBuilder) WithStatus(status database.AlertStatus) *AlertBuilder {
	b.alert.Status = status
	return b
}

// WithCreatedAt sets the creation time
func (b *AlertBuilder) WithCreatedAt(t time.Time) *AlertBuilder {
	b.alert.CreatedAt = t
	return b
}

// WithTags sets the tags map
func (b *AlertBuilder) WithTags(tags map[string]string) *AlertBuilder {
	b.alert.Tags = tags
	return b
}

// Build returns the constructed alert
func (b *AlertBuilder) Build() database.Alert {
	return b.alert
}

// ========================================
// AlertGroup Builder
// ========================================

// GroupBuilder builds AlertGroup instances for testing
type GroupBuilder struct {
	group database.AlertGroup
}

// NewGroupBuilder creates a group builder with defaults
func NewGroupBuilder() *GroupBuilder {
	return &GroupBuilder{
		group: database.AlertGroup{
			GroupID:    "group_test0001_202601010000",
			Title:      "Test group",
			Severity:   database.SeverityMedium,
			AlertCount: 0,
			Status:     database.GroupStatusActive,
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		},
	}
}

// WithGroupID sets the group id
func (b *GroupBuilder) WithGroupID(id string) *GroupBuilder {
	b.group.GroupID = id
	return b
}

// WithTitle sets the title
func (b *GroupBuilder) WithTitle(title string) *GroupBuilder {
	b.group.Title = title
	return b
}

// WithSeverity sets the severity
func (b *GroupBuilder) WithSeverity(sev database.Severity) *GroupBuilder {
	b.group.Severity = sev
	return b
}

// WithAlertCount sets the member count
func (b *GroupBuilder) WithAlertCount(n int) *GroupBuilder {
	b.group.AlertCount = n
	return b
}

// WithCreatedAt sets the creation time
func (b *GroupBuilder) WithCreatedAt(t time.Time) *GroupBuilder {
	b.group.CreatedAt = t
	return b
}

// Build returns the constructed group
func (b *GroupBuilder) Build() database.AlertGroup {
	return b.group
}

// ========================================
// RCA Builder
// ========================================

// RCABuilder builds RCA instances for testing
type RCABuilder struct {
	rca database.RCA
}

// NewRCABuilder creates an RCA builder with defaults
func NewRCABuilder() *RCABuilder {
	return &RCABuilder{
		rca: database.RCA{
			GroupID:            "group_test0001_202601010000",
			Title:              "Test RCA",
			RootCause:          "Test root cause",
			ImpactAnalysis:     "Test impact",
			RecommendedActions: "Test actions",
			Severity:           database.SeverityMedium,
			Status:             database.RCAStatusOpen,
			ConfidenceScore:    database.ConfidenceMedium,
			AnalysisMethod:     "llm_rag",
			CreatedAt:          time.Now().UTC(),
			UpdatedAt:          time.Now().UTC(),
		},
	}
}

// WithRCAID sets the RCA id
func (b *RCABuilder) WithRCAID(id string) *RCABuilder {
	b.rca.RCAID = id
	return b
}

// WithGroupID sets the group id
func (b *RCABuilder) WithGroupID(groupID string) *RCABuilder {
	b.rca.GroupID = groupID
	return b
}

// WithStatus sets the status
func (b *RCABuilder) WithStatus(status database.RCAStatus) *RCABuilder {
	b.rca.Status = status
	return b
}

// WithSeverity sets the severity
func (b *RCABuilder) WithSeverity(sev database.Severity) *RCABuilder {
	b.rca.Severity = sev
	return b
}

// Closed marks the RCA as closed
func (b *RCABuilder) Closed() *RCABuilder {
	now := time.Now().UTC()
	b.rca.Status = database.RCAStatusClosed
	b.rca.ClosedAt = &now
	return b
}

// Vectorized marks the RCA as ingested into the knowledge base
func (b *RCABuilder) Vectorized(vectorID string) *RCABuilder {
	b.rca.IsVectorized = true
	b.rca.VectorID = vectorID
	return b
}

// Build returns the constructed RCA
func (b *RCABuilder) Build() database.RCA {
	return b.rca
}
