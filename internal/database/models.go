package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringMap stores a flat string-to-string map (tags, labels) as JSON
type StringMap map[string]string

// Scan implements the sql.Scanner interface
func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = make(map[string]string)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// StringList stores a list of strings (affected systems) as JSON
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Severity represents normalized alert and RCA severity levels
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison (low < medium < high < critical)
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordering rank of the severity (0 for unknown values)
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the more severe of a and b
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertStatus represents the lifecycle status of an alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// GroupStatus represents the status of an alert group
type GroupStatus string

const (
	GroupStatusActive   GroupStatus = "active"
	GroupStatusResolved GroupStatus = "resolved"
)

// RCAStatus represents the status of an RCA record
type RCAStatus string

const (
	RCAStatusOpen       RCAStatus = "open"
	RCAStatusInProgress RCAStatus = "in_progress"
	RCAStatusClosed     RCAStatus = "closed"
)

// Confidence represents the confidence label of an RCA
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Alert represents one reported anomaly from a monitoring source
type Alert struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	AlertID string `gorm:"uniqueIndex;size:255;not null" json:"alert_id"`
	GroupID string `gorm:"index;size:255" json:"group_id"` // empty until grouped

	Title        string      `gorm:"size:500;not null" json:"title"`
	Description  string      `gorm:"type:text" json:"description"`
	Severity     Severity    `gorm:"type:varchar(50);not null" json:"severity"`
	SourceSystem string      `gorm:"size:100;not null" json:"source_system"`
	Tags         StringMap   `gorm:"type:jsonb" json:"tags"`
	Labels       StringMap   `gorm:"type:jsonb" json:"labels"`
	Status       AlertStatus `gorm:"type:varchar(50);default:'active'" json:"status"`

	MetricName  string   `gorm:"size:255" json:"metric_name"`
	MetricValue *float64 `json:"metric_value,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
	RawData     JSONB    `gorm:"type:jsonb" json:"raw_data"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// BeforeCreate assigns an alert UUID if none was provided
func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.AlertID == "" {
		a.AlertID = uuid.New().String()
	}
	return nil
}

func (Alert) TableName() string {
	return "alerts"
}

// AlertGroup is a cluster of alerts believed to share a root cause.
// Severity is monotonically non-decreasing: always the max severity
// observed among member alerts. AlertCount mirrors the number of
// alerts currently referencing the group.
type AlertGroup struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	GroupID string `gorm:"uniqueIndex;size:255;not null" json:"group_id"`

	Title          string      `gorm:"size:500;not null" json:"title"`
	Description    string      `gorm:"type:text" json:"description"`
	Severity       Severity    `gorm:"type:varchar(50);not null" json:"severity"`
	AlertCount     int         `gorm:"default:0" json:"alert_count"`
	SimilarPattern string      `gorm:"type:text" json:"similar_pattern"`
	Status         GroupStatus `gorm:"type:varchar(50);default:'active'" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AlertGroup) TableName() string {
	return "alert_groups"
}

// RCA is the synthesized root-cause record for exactly one alert group
type RCA struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	RCAID   string `gorm:"uniqueIndex;size:255;not null" json:"rca_id"`
	GroupID string `gorm:"index;size:255;not null" json:"group_id"`

	Title              string     `gorm:"size:500;not null" json:"title"`
	RootCause          string     `gorm:"type:text;not null" json:"root_cause"`
	ImpactAnalysis     string     `gorm:"type:text" json:"impact_analysis"`
	RecommendedActions string     `gorm:"type:text" json:"recommended_actions"`
	AffectedSystems    StringList `gorm:"type:jsonb" json:"affected_systems"`
	Timeline           JSONB      `gorm:"type:jsonb" json:"timeline"`
	Severity           Severity   `gorm:"type:varchar(50);not null" json:"severity"`

	Status          RCAStatus  `gorm:"type:varchar(50);default:'open'" json:"status"`
	ConfidenceScore Confidence `gorm:"type:varchar(50)" json:"confidence_score"`
	AnalysisMethod  string     `gorm:"size:100;default:'llm_rag'" json:"analysis_method"`

	AssignedTo string `gorm:"size:255" json:"assigned_to"`
	Notes      string `gorm:"type:text" json:"notes"`

	IsVectorized bool   `gorm:"default:false" json:"is_vectorized"`
	VectorID     string `gorm:"size:255" json:"vector_id"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// BeforeCreate assigns an RCA UUID if none was provided
func (r *RCA) BeforeCreate(tx *gorm.DB) error {
	if r.RCAID == "" {
		r.RCAID = uuid.New().String()
	}
	return nil
}

func (RCA) TableName() string {
	return "rca"
}

// RCAStatusHistory is an append-only audit entry for one RCA status transition
type RCAStatusHistory struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	RCAID string `gorm:"index;size:255;not null" json:"rca_id"`

	PreviousStatus string `gorm:"type:varchar(50)" json:"previous_status"`
	NewStatus      string `gorm:"type:varchar(50);not null" json:"new_status"`
	ChangedBy      string `gorm:"size:255" json:"changed_by"`
	ChangeReason   string `gorm:"type:text" json:"change_reason"`

	ChangedAt time.Time `json:"changed_at"`
}

// BeforeCreate stamps the transition time
func (h *RCAStatusHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ChangedAt.IsZero() {
		h.ChangedAt = time.Now().UTC()
	}
	return nil
}

func (RCAStatusHistory) TableName() string {
	return "rca_status_history"
}
