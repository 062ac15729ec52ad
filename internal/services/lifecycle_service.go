package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/causalis/causalis/internal/database"
)

// Notifier receives RCA lifecycle events. Implementations must not block
// the caller on delivery failures.
type Notifier interface {
	NotifyRCACreated(rca *database.RCA)
	NotifyRCAStatusChange(rca *database.RCA, previous database.RCAStatus)
}

// validTransitions encodes the RCA state machine. The non-terminal states
// move freely between each other; closed is terminal.
var validTransitions = map[database.RCAStatus][]database.RCAStatus{
	database.RCAStatusOpen:       {database.RCAStatusInProgress, database.RCAStatusClosed},
	database.RCAStatusInProgress: {database.RCAStatusOpen, database.RCAStatusClosed},
	database.RCAStatusClosed:     {},
}

func transitionAllowed(from, to database.RCAStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// LifecycleService drives RCA status transitions, their audit trail, and
// knowledge base ingestion on closure
type LifecycleService struct {
	db        *gorm.DB
	knowledge *KnowledgeService
	notifier  Notifier
}

// NewLifecycleService creates a lifecycle service. notifier may be nil.
func NewLifecycleService(db *gorm.DB, knowledge *KnowledgeService, notifier Notifier) *LifecycleService {
	return &LifecycleService{db: db, knowledge: knowledge, notifier: notifier}
}

// UpdateStatus transitions an RCA to a new status, appending a history
// entry. Closing an RCA stamps ClosedAt and triggers knowledge base
// ingestion; if ingestion fails the closure still stands and the RCA
// remains unvectorized for the background sweep to retry.
func (s *LifecycleService) UpdateStatus(ctx context.Context, rcaID string, newStatus database.RCAStatus, changedBy, reason string) (*database.RCA, error) {
	rca, err := database.GetRCA(s.db, rcaID)
	if err != nil {
		return nil, fmt.Errorf("RCA %s not found: %w", rcaID, err)
	}

	previous := rca.Status
	if !transitionAllowed(previous, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, previous, newStatus)
	}

	if reason == "" {
		reason = fmt.Sprintf("Status changed to %s", newStatus)
	}
	if changedBy == "" {
		changedBy = "system"
	}

	now := time.Now().UTC()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":     newStatus,
			"updated_at": now,
		}
		if newStatus == database.RCAStatusClosed {
			updates["closed_at"] = now
		}
		if err := tx.Model(&database.RCA{}).Where("rca_id = ?", rcaID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update RCA %s: %w", rcaID, err)
		}

		history := &database.RCAStatusHistory{
			RCAID:          rcaID,
			PreviousStatus: string(previous),
			NewStatus:      string(newStatus),
			ChangedBy:      changedBy,
			ChangeReason:   reason,
		}
		if err := tx.Create(history).Error; err != nil {
			return fmt.Errorf("failed to record status change for RCA %s: %w", rcaID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rca.Status = newStatus
	rca.UpdatedAt = now
	if newStatus == database.RCAStatusClosed {
		rca.ClosedAt = &now
		s.vectorizeClosed(ctx, rca)
	}

	if s.notifier != nil {
		s.notifier.NotifyRCAStatusChange(rca, previous)
	}
	log.Printf("RCA %s transitioned %s -> %s by %s", rcaID, previous, newStatus, changedBy)
	return rca, nil
}

// vectorizeClosed ingests a freshly closed RCA and its group's alerts into
// the knowledge base and marks it vectorized only when the ingest succeeded
func (s *LifecycleService) vectorizeClosed(ctx context.Context, rca *database.RCA) {
	alerts, err := database.GetAlertsInGroup(s.db, rca.GroupID)
	if err != nil {
		log.Printf("Failed to load alerts for RCA %s, will retry in background: %v", rca.RCAID, err)
		return
	}

	vectorID, err := s.knowledge.Ingest(ctx, rca, alerts)
	if err != nil {
		log.Printf("Knowledge base ingest failed for RCA %s, will retry in background: %v", rca.RCAID, err)
		return
	}

	if err := s.db.Model(&database.RCA{}).Where("rca_id = ?", rca.RCAID).Updates(map[string]interface{}{
		"is_vectorized": true,
		"vector_id":     vectorID,
	}).Error; err != nil {
		log.Printf("Failed to mark RCA %s vectorized: %v", rca.RCAID, err)
		return
	}
	rca.IsVectorized = true
	rca.VectorID = vectorID
}

// RCAUpdate carries the mutable RCA working fields. Nil fields are left
// unchanged.
type RCAUpdate struct {
	AssignedTo *string
	Notes      *string
}

// UpdateDetails applies working-field edits to an RCA without touching its
// status
func (s *LifecycleService) UpdateDetails(rcaID string, update RCAUpdate) (*database.RCA, error) {
	if _, err := database.GetRCA(s.db, rcaID); err != nil {
		return nil, fmt.Errorf("RCA %s not found: %w", rcaID, err)
	}

	updates := map[string]interface{}{}
	if update.AssignedTo != nil {
		updates["assigned_to"] = *update.AssignedTo
	}
	if update.Notes != nil {
		updates["notes"] = *update.Notes
	}
	if len(updates) > 0 {
		updates["updated_at"] = time.Now().UTC()
		if err := s.db.Model(&database.RCA{}).Where("rca_id = ?", rcaID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update RCA %s: %w", rcaID, err)
		}
	}
	return database.GetRCA(s.db, rcaID)
}
