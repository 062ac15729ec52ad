// Package jobs contains the background maintenance loops.
package jobs

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/causalis/causalis/internal/database"
	"github.com/causalis/causalis/internal/services"
)

// RevectorizeJob retries knowledge base ingestion for closed RCAs whose
// earlier ingest failed
type RevectorizeJob struct {
	db        *gorm.DB
	knowledge *services.KnowledgeService

	Interval   time.Duration
	BatchLimit int
	// Parallelism bounds concurrent ingests per sweep
	Parallelism int
}

// NewRevectorizeJob creates the sweep job with the given schedule
func NewRevectorizeJob(db *gorm.DB, knowledge *services.KnowledgeService, interval time.Duration, batchLimit int) *RevectorizeJob {
	return &RevectorizeJob{
		db:          db,
		knowledge:   knowledge,
		Interval:    interval,
		BatchLimit:  batchLimit,
		Parallelism: 4,
	}
}

// RevectorizeResult summarizes one sweep
type RevectorizeResult struct {
	Scanned    int `json:"scanned"`
	Vectorized int `json:"vectorized"`
	Failed     int `json:"failed"`
}

// Run performs a single sweep: load closed unvectorized RCAs and ingest
// them with bounded parallelism. Individual failures are counted and left
// for the next sweep.
func (j *RevectorizeJob) Run(ctx context.Context) (*RevectorizeResult, error) {
	rcas, err := database.ClosedUnvectorizedRCAs(j.db, j.BatchLimit)
	if err != nil {
		return nil, err
	}

	result := &RevectorizeResult{Scanned: len(rcas)}
	if len(rcas) == 0 {
		return result, nil
	}

	if !j.knowledge.Available() {
		log.Printf("Revectorize: knowledge backends unavailable, skipping sweep of %d RCAs", len(rcas))
		result.Failed = len(rcas)
		return result, nil
	}

	var vectorized, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.Parallelism)
	for i := range rcas {
		rca := rcas[i]
		g.Go(func() error {
			alerts, err := database.GetAlertsInGroup(j.db, rca.GroupID)
			if err != nil {
				log.Printf("Revectorize: failed to load alerts for RCA %s: %v", rca.RCAID, err)
				failed.Add(1)
				return nil
			}

			vectorID, err := j.knowledge.Ingest(gctx, &rca, alerts)
			if err != nil {
				log.Printf("Revectorize: ingest failed for RCA %s: %v", rca.RCAID, err)
				failed.Add(1)
				return nil
			}

			if err := j.db.Model(&database.RCA{}).Where("rca_id = ?", rca.RCAID).Updates(map[string]interface{}{
				"is_vectorized": true,
				"vector_id":     vectorID,
			}).Error; err != nil {
				log.Printf("Revectorize: failed to mark RCA %s vectorized: %v", rca.RCAID, err)
				failed.Add(1)
				return nil
			}
			vectorized.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Vectorized = int(vectorized.Load())
	result.Failed = int(failed.Load())
	if result.Scanned > 0 {
		log.Printf("Revectorize sweep: %d scanned, %d vectorized, %d failed",
			result.Scanned, result.Vectorized, result.Failed)
	}
	return result, nil
}

// Start runs the sweep on a ticker until the stop channel closes
func (j *RevectorizeJob) Start(stop <-chan struct{}) {
	log.Printf("Starting revectorize job (interval %s, batch %d)", j.Interval, j.BatchLimit)
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := j.Run(context.Background()); err != nil {
				log.Printf("Revectorize sweep failed: %v", err)
			}
		case <-stop:
			log.Printf("Stopping revectorize job")
			return
		}
	}
}
