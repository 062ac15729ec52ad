// Package handlers exposes the engine's minimal HTTP entry points.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"gorm.io/gorm"

	"github.com/causalis/causalis/internal/database"
	"github.com/causalis/causalis/internal/services"
)

// AlertHandler receives alert webhooks and drives the correlation pipeline
type AlertHandler struct {
	db         *gorm.DB
	grouping   *services.GroupingService
	generation *services.GenerationService
	lifecycle  *services.LifecycleService
	knowledge  *services.KnowledgeService
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(
	db *gorm.DB,
	grouping *services.GroupingService,
	generation *services.GenerationService,
	lifecycle *services.LifecycleService,
	knowledge *services.KnowledgeService,
) *AlertHandler {
	return &AlertHandler{
		db:         db,
		grouping:   grouping,
		generation: generation,
		lifecycle:  lifecycle,
		knowledge:  knowledge,
	}
}

// SetupRoutes registers the handler's endpoints on the mux
func (h *AlertHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/webhook/alert", h.HandleWebhook)
	mux.HandleFunc("/rca/status", h.HandleStatusChange)
	mux.HandleFunc("/rca/search", h.HandleSearch)
	mux.HandleFunc("/rca/stats", h.HandleStats)
}

// alertPayload is the inbound webhook body
type alertPayload struct {
	AlertID      string                 `json:"alert_id"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Severity     string                 `json:"severity"`
	SourceSystem string                 `json:"source_system"`
	MetricName   string                 `json:"metric_name"`
	MetricValue  *float64               `json:"metric_value"`
	Threshold    *float64               `json:"threshold"`
	Tags         map[string]string      `json:"tags"`
	Labels       map[string]string      `json:"labels"`
	RawData      map[string]interface{} `json:"raw_data"`
}

// HandleWebhook ingests one alert: persist, assign to a group, and kick
// off RCA generation for the group in the background.
// Route: POST /webhook/alert
func (h *AlertHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload alertPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if payload.Title == "" || payload.SourceSystem == "" {
		http.Error(w, "title and source_system are required", http.StatusBadRequest)
		return
	}

	severity := database.Severity(payload.Severity)
	if severity.Rank() == 0 {
		severity = database.SeverityMedium
	}

	alert := &database.Alert{
		AlertID:      payload.AlertID,
		Title:        payload.Title,
		Description:  payload.Description,
		Severity:     severity,
		SourceSystem: payload.SourceSystem,
		MetricName:   payload.MetricName,
		MetricValue:  payload.MetricValue,
		Threshold:    payload.Threshold,
		Tags:         payload.Tags,
		Labels:       payload.Labels,
		RawData:      payload.RawData,
		Status:       database.AlertStatusActive,
	}
	if err := h.db.Create(alert).Error; err != nil {
		log.Printf("Failed to persist alert: %v", err)
		http.Error(w, "Failed to store alert", http.StatusInternalServerError)
		return
	}

	groupID, err := h.grouping.Assign(r.Context(), alert)
	if err != nil {
		log.Printf("Failed to group alert %s: %v", alert.AlertID, err)
		http.Error(w, "Failed to group alert", http.StatusInternalServerError)
		return
	}

	if _, err := h.generation.Generate(r.Context(), groupID); err != nil {
		// Generation is best effort at ingest time; log and keep going
		log.Printf("Failed to start RCA generation for group %s: %v", groupID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"alert_id": alert.AlertID,
		"group_id": groupID,
	})
}

// statusPayload is the inbound status change body
type statusPayload struct {
	RCAID     string `json:"rca_id"`
	Status    string `json:"status"`
	ChangedBy string `json:"changed_by"`
	Reason    string `json:"reason"`
}

// HandleStatusChange transitions an RCA through its lifecycle.
// Route: POST /rca/status
func (h *AlertHandler) HandleStatusChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload statusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if payload.RCAID == "" || payload.Status == "" {
		http.Error(w, "rca_id and status are required", http.StatusBadRequest)
		return
	}

	rca, err := h.lifecycle.UpdateStatus(r.Context(), payload.RCAID,
		database.RCAStatus(payload.Status), payload.ChangedBy, payload.Reason)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, gorm.ErrRecordNotFound):
			http.Error(w, "RCA not found", http.StatusNotFound)
		default:
			log.Printf("Failed to update RCA %s: %v", payload.RCAID, err)
			http.Error(w, "Failed to update RCA", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, rca)
}

// HandleSearch runs a free-text similarity search over the knowledge base.
// Route: GET /rca/search?q=...&limit=5
func (h *AlertHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "q parameter is required", http.StatusBadRequest)
		return
	}
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}

	results, err := h.knowledge.Search(r.Context(), query, limit)
	if err != nil {
		log.Printf("Knowledge search failed: %v", err)
		http.Error(w, "Knowledge base unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": results,
	})
}

// HandleStats reports RCA counts and knowledge base size.
// Route: GET /rca/stats
func (h *AlertHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	byStatus, err := database.RCACountsByStatus(h.db)
	if err != nil {
		http.Error(w, "Failed to load RCA stats", http.StatusInternalServerError)
		return
	}
	bySeverity, err := database.RCACountsBySeverity(h.db)
	if err != nil {
		http.Error(w, "Failed to load RCA stats", http.StatusInternalServerError)
		return
	}

	kbStats, err := h.knowledge.GetStats(r.Context())
	if err != nil {
		log.Printf("Knowledge stats unavailable: %v", err)
		kbStats = &services.Stats{Available: false}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"by_status":      byStatus,
		"by_severity":    bySeverity,
		"knowledge_base": kbStats,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
