// Package api exposes the campaign control surface over HTTP: scheduling
// and pausing campaigns, inspecting their delivery jobs, and validating or
// previewing templates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/studiocloud/Mailerv4/internal/domain"
	"github.com/studiocloud/Mailerv4/internal/scheduler"
	"github.com/studiocloud/Mailerv4/internal/store"
	"github.com/studiocloud/Mailerv4/internal/template"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// maxPreviewVariations caps the sample renders a single preview may request.
const maxPreviewVariations = 20

// Scheduler plans and pauses campaigns.
type Scheduler interface {
	Schedule(ctx context.Context, campaignID uuid.UUID) error
	Pause(ctx context.Context, campaignID uuid.UUID) error
}

// Store provides campaign read access.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (domain.Campaign, error)
	ListJobsByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.DeliveryJob, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	scheduler Scheduler
	store     Store
	engine    *template.Engine
	db        HealthChecker
}

func NewHandler(sched Scheduler, st Store, engine *template.Engine) *Handler {
	return &Handler{scheduler: sched, store: st, engine: engine}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// Router builds the HTTP route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/campaigns/{campaignID}", func(r chi.Router) {
		r.Get("/", h.getCampaign)
		r.Post("/schedule", h.scheduleCampaign)
		r.Post("/pause", h.pauseCampaign)
		r.Get("/jobs", h.listJobs)
	})

	r.Post("/templates/validate", h.validateTemplate)
	r.Post("/templates/preview", h.previewTemplate)

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) scheduleCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	if err := h.scheduler.Schedule(r.Context(), campaignID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "campaign not found")
		case errors.Is(err, scheduler.ErrInvalidSchedule):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			log.Printf("api: schedule campaign %s: %v", campaignID, err)
			writeError(w, http.StatusInternalServerError, "failed to schedule campaign")
		}
		return
	}

	writeJSON(w, http.StatusOK, ScheduleResponse{Status: string(domain.CampaignStatusActive)})
}

func (h *Handler) pauseCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	if err := h.scheduler.Pause(r.Context(), campaignID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		log.Printf("api: pause campaign %s: %v", campaignID, err)
		writeError(w, http.StatusInternalServerError, "failed to pause campaign")
		return
	}

	writeJSON(w, http.StatusOK, ScheduleResponse{Status: string(domain.CampaignStatusPaused)})
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	campaign, err := h.store.GetCampaign(r.Context(), campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		log.Printf("api: get campaign %s: %v", campaignID, err)
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}

	writeJSON(w, http.StatusOK, CampaignResponse{
		ID:         campaign.ID.String(),
		Name:       campaign.Name,
		Status:     string(campaign.Status),
		TemplateID: campaign.TemplateID.String(),
		Window: WindowResponse{
			StartTime: campaign.Window.StartTime,
			EndTime:   campaign.Window.EndTime,
		},
		Leads:      len(campaign.LeadIDs),
		Accounts:   len(campaign.EmailAccountIDs),
		Sent:       campaign.Metrics.Sent,
		Successful: campaign.Metrics.Successful,
		Failed:     campaign.Metrics.Failed,
	})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.store.ListJobsByCampaign(r.Context(), campaignID, limit, offset)
	if err != nil {
		log.Printf("api: list jobs for campaign %s: %v", campaignID, err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = JobResponse{
			ID:        job.ID.String(),
			LeadID:    job.LeadID.String(),
			AccountID: job.EmailAccountID.String(),
			DueAt:     job.DueAt.UTC().Format(time.RFC3339),
			Attempt:   job.Attempt,
			State:     string(job.State),
			LastError: job.LastError,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) validateTemplate(w http.ResponseWriter, r *http.Request) {
	var req ValidateTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	for _, text := range []string{req.Subject, req.Body} {
		if err := template.Validate(text); err != nil {
			writeJSON(w, http.StatusOK, ValidateTemplateResponse{Valid: false, Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, ValidateTemplateResponse{Valid: true})
}

func (h *Handler) previewTemplate(w http.ResponseWriter, r *http.Request) {
	var req PreviewTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Count < 0 || req.Count > maxPreviewVariations {
		writeError(w, http.StatusBadRequest, "count must be between 0 and "+strconv.Itoa(maxPreviewVariations))
		return
	}

	resp := PreviewTemplateResponse{
		Subject: h.engine.Preview(req.Subject, req.Variables),
		Body:    h.engine.Preview(req.Body, req.Variables),
	}
	if req.Count > 0 {
		subjects := h.engine.Variations(req.Subject, req.Variables, req.Count)
		bodies := h.engine.Variations(req.Body, req.Variables, req.Count)
		resp.Variations = make([]TemplateVariation, req.Count)
		for i := range resp.Variations {
			resp.Variations[i] = TemplateVariation{Subject: subjects[i], Body: bodies[i]}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
