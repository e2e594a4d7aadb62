package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/product-scraper/internal/models"
	"github.com/maltedev/product-scraper/internal/platform"
	"github.com/maltedev/product-scraper/internal/scheduler"
)

// TaskService is the scheduler surface the handlers use.
type TaskService interface {
	Submit(ctx context.Context, req scheduler.Request) (scheduler.Snapshot, error)
	Get(id string) (scheduler.Snapshot, error)
	Cancel(id string) (scheduler.Snapshot, error)
	List(f scheduler.Filter) []scheduler.Snapshot
	Stats() scheduler.Stats
}

type SignatureSource interface {
	Signatures() []platform.Signature
	Threshold() float64
}

type ExtractorSource interface {
	Platforms() []string
}

// HealthCheck reports one dependency on /health. A failing critical check
// turns the response into 503.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) (any, error)
}

type Handlers struct {
	tasks      TaskService
	signatures SignatureSource
	extractors ExtractorSource
	checks     []HealthCheck
	logger     *slog.Logger
}

func NewHandlers(tasks TaskService, signatures SignatureSource, extractors ExtractorSource, logger *slog.Logger, checks ...HealthCheck) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		tasks:      tasks,
		signatures: signatures,
		extractors: extractors,
		checks:     checks,
		logger:     logger.With("component", "api"),
	}
}

// ScrapeRequest is the submit body. BlockImages defaults to true.
type ScrapeRequest struct {
	URL            string `json:"url"`
	ForceRefresh   bool   `json:"force_refresh"`
	Proxy          string `json:"proxy,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	BlockImages    *bool  `json:"block_images,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
}

type SubmitResponse struct {
	TaskID string           `json:"task_id"`
	Status scheduler.Status `json:"status"`
}

type StatusResponse struct {
	TaskID    string           `json:"task_id"`
	Status    scheduler.Status `json:"status"`
	Message   string           `json:"message,omitempty"`
	URL       string           `json:"url"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type ResultResponse struct {
	TaskID             string                `json:"task_id"`
	Status             scheduler.Status      `json:"status"`
	URL                string                `json:"url"`
	Message            string                `json:"message,omitempty"`
	ProductInfo        *models.ProductRecord `json:"product_info"`
	Error              *models.Error         `json:"error"`
	CacheHit           bool                  `json:"cache_hit"`
	DetectedPlatform   string                `json:"detected_platform"`
	PlatformConfidence float64               `json:"platform_confidence"`
	PlatformIndicators []string              `json:"platform_indicators"`
	CreatedAt          time.Time             `json:"created_at"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`
}

type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  models.Kind `json:"kind,omitempty"`
}

// SubmitScrape handles POST /api/v1/scrape
func (h *Handlers) SubmitScrape(w http.ResponseWriter, r *http.Request) {
	var req ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	blockImages := true
	if req.BlockImages != nil {
		blockImages = *req.BlockImages
	}

	snap, err := h.tasks.Submit(r.Context(), scheduler.Request{
		URL:            req.URL,
		ForceRefresh:   req.ForceRefresh,
		BlockImages:    blockImages,
		Proxy:          req.Proxy,
		UserAgent:      req.UserAgent,
		TargetLanguage: req.TargetLanguage,
	})
	if err != nil {
		switch {
		case models.KindOf(err) == models.KindInvalidURL:
			h.respondJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: models.AsError(err).Message,
				Kind:  models.KindInvalidURL,
			})
		case errors.Is(err, scheduler.ErrShuttingDown):
			h.respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Error("failed to submit task", "url", req.URL, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to submit task")
		}
		return
	}

	h.respondJSON(w, http.StatusAccepted, SubmitResponse{TaskID: snap.ID, Status: snap.Status})
}

// GetTask handles GET /api/v1/tasks/{taskID}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, statusResponse(snap))
}

// GetTaskResult handles GET /api/v1/tasks/{taskID}/result
func (h *Handlers) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}

	indicators := snap.Indicators
	if indicators == nil {
		indicators = []string{}
	}
	h.respondJSON(w, http.StatusOK, ResultResponse{
		TaskID:             snap.ID,
		Status:             snap.Status,
		URL:                snap.URL,
		Message:            snap.Message,
		ProductInfo:        snap.Record,
		Error:              snap.Error,
		CacheHit:           snap.CacheHit,
		DetectedPlatform:   snap.Platform,
		PlatformConfidence: snap.Confidence,
		PlatformIndicators: indicators,
		CreatedAt:          snap.CreatedAt,
		CompletedAt:        snap.FinishedAt,
	})
}

// CancelTask handles DELETE /api/v1/tasks/{taskID}
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	snap, err := h.tasks.Cancel(taskID)
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		h.respondError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, scheduler.ErrTaskTerminal):
		h.respondJSON(w, http.StatusConflict, map[string]any{
			"error":   "task already finished",
			"task_id": snap.ID,
			"status":  snap.Status,
		})
		return
	case err != nil:
		h.logger.Error("failed to cancel task", "task_id", taskID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	h.respondJSON(w, http.StatusOK, SubmitResponse{TaskID: snap.ID, Status: snap.Status})
}

// ListTasks handles GET /api/v1/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	var filter scheduler.Filter

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := scheduler.ParseStatus(raw)
		if !ok {
			h.respondError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	snaps := h.tasks.List(filter)
	tasks := make([]StatusResponse, 0, len(snaps))
	for _, snap := range snaps {
		tasks = append(tasks, statusResponse(snap))
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

type signatureInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Rules int    `json:"rules"`
}

// ListPlatforms handles GET /api/v1/platforms
func (h *Handlers) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	sigs := h.signatures.Signatures()
	infos := make([]signatureInfo, 0, len(sigs))
	for _, s := range sigs {
		infos = append(infos, signatureInfo{ID: s.ID, Name: s.Name, Rules: len(s.Rules)})
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"signatures": infos,
		"extractors": h.extractors.Platforms(),
		"fallback":   models.GenericPlatform,
		"threshold":  h.signatures.Threshold(),
	})
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]any{
		"status":    "ok",
		"scheduler": h.tasks.Stats(),
	}
	status := http.StatusOK

	for _, c := range h.checks {
		details, err := c.Check(ctx)
		if err != nil {
			health[c.Name] = map[string]any{"status": "error", "error": err.Error()}
			if c.Critical {
				health["status"] = "error"
				status = http.StatusServiceUnavailable
			} else if health["status"] == "ok" {
				health["status"] = "degraded"
			}
			continue
		}
		health[c.Name] = details
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request) (scheduler.Snapshot, bool) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return scheduler.Snapshot{}, false
	}

	snap, err := h.tasks.Get(taskID)
	if err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found")
		} else {
			h.logger.Error("failed to get task", "task_id", taskID, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to get task")
		}
		return scheduler.Snapshot{}, false
	}
	return snap, true
}

func statusResponse(snap scheduler.Snapshot) StatusResponse {
	return StatusResponse{
		TaskID:    snap.ID,
		Status:    snap.Status,
		Message:   snap.Message,
		URL:       snap.URL,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: message})
}
