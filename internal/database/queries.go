package database

import (
	"time"

	"gorm.io/gorm"
)

// GetAlert retrieves an alert by its public alert ID
func GetAlert(db *gorm.DB, alertID string) (*Alert, error) {
	var alert Alert
	if err := db.Where("alert_id = ?", alertID).First(&alert).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// GetAlertGroup retrieves an alert group by its public group ID
func GetAlertGroup(db *gorm.DB, groupID string) (*AlertGroup, error) {
	var group AlertGroup
	if err := db.Where("group_id = ?", groupID).First(&group).Error; err != nil {
		return nil, err
	}
	return &group, nil
}

// GetAlertsInGroup returns all alerts assigned to a group, oldest first
func GetAlertsInGroup(db *gorm.DB, groupID string) ([]Alert, error) {
	var alerts []Alert
	err := db.Where("group_id = ?", groupID).Order("created_at ASC").Find(&alerts).Error
	return alerts, err
}

// CountAlertsInGroup returns the number of alerts referencing a group
func CountAlertsInGroup(db *gorm.DB, groupID string) (int64, error) {
	var count int64
	err := db.Model(&Alert{}).Where("group_id = ?", groupID).Count(&count).Error
	return count, err
}

// RecentActiveAlerts returns active alerts created at or after cutoff,
// excluding the alert being assigned
func RecentActiveAlerts(db *gorm.DB, cutoff time.Time, excludeAlertID string) ([]Alert, error) {
	var alerts []Alert
	err := db.Where("created_at >= ? AND status = ? AND alert_id != ?",
		cutoff, AlertStatusActive, excludeAlertID).Find(&alerts).Error
	return alerts, err
}

// ActiveAlertsSince returns active alerts created at or after cutoff in
// chronological order, for regrouping
func ActiveAlertsSince(db *gorm.DB, cutoff time.Time) ([]Alert, error) {
	var alerts []Alert
	err := db.Where("created_at >= ? AND status = ?", cutoff, AlertStatusActive).
		Order("created_at ASC").Find(&alerts).Error
	return alerts, err
}

// GetRCA retrieves an RCA by its public RCA ID
func GetRCA(db *gorm.DB, rcaID string) (*RCA, error) {
	var rca RCA
	if err := db.Where("rca_id = ?", rcaID).First(&rca).Error; err != nil {
		return nil, err
	}
	return &rca, nil
}

// GetRCAByGroup retrieves the RCA owned by a group, if one exists
func GetRCAByGroup(db *gorm.DB, groupID string) (*RCA, error) {
	var rca RCA
	if err := db.Where("group_id = ?", groupID).First(&rca).Error; err != nil {
		return nil, err
	}
	return &rca, nil
}

// GetRCAHistory returns status transitions for an RCA, newest first
func GetRCAHistory(db *gorm.DB, rcaID string) ([]RCAStatusHistory, error) {
	var history []RCAStatusHistory
	err := db.Where("rca_id = ?", rcaID).Order("changed_at DESC").Find(&history).Error
	return history, err
}

// ClosedUnvectorizedRCAs returns closed RCAs whose knowledge base
// ingestion has not succeeded yet, up to limit
func ClosedUnvectorizedRCAs(db *gorm.DB, limit int) ([]RCA, error) {
	var rcas []RCA
	err := db.Where("status = ? AND is_vectorized = ?", RCAStatusClosed, false).
		Limit(limit).Find(&rcas).Error
	return rcas, err
}

// RCACountsByStatus returns the number of RCAs per lifecycle status
func RCACountsByStatus(db *gorm.DB) (map[RCAStatus]int64, error) {
	counts := make(map[RCAStatus]int64)
	for _, status := range []RCAStatus{RCAStatusOpen, RCAStatusInProgress, RCAStatusClosed} {
		var count int64
		if err := db.Model(&RCA{}).Where("status = ?", status).Count(&count).Error; err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, nil
}

// RCACountsBySeverity returns the number of RCAs per severity level
func RCACountsBySeverity(db *gorm.DB) (map[Severity]int64, error) {
	counts := make(map[Severity]int64)
	for _, severity := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
		var count int64
		if err := db.Model(&RCA{}).Where("severity = ?", severity).Count(&count).Error; err != nil {
			return nil, err
		}
		counts[severity] = count
	}
	return counts, nil
}
