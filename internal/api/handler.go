package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-crm/shrike/internal/detection"
	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/groups"
	"github.com/opensource-crm/shrike/internal/merge"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	detector *detection.Service
	resolver *detection.Resolver
	groups   *groups.Service
	merger   *merge.Engine
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, detector *detection.Service, resolver *detection.Resolver, groupSvc *groups.Service, merger *merge.Engine, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		detector: detector,
		resolver: resolver,
		groups:   groupSvc,
		merger:   merger,
		version:  version,
	}
}

// RecordRequest is the request body for POST /records.
type RecordRequest struct {
	ID     string            `json:"id,omitempty"`
	Fields map[string]string `json:"fields"`
}

// CreateRecord handles POST /records.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "fields is required",
		})
		return
	}

	now := time.Now().UTC()
	rec := &domain.Record{
		ID:        req.ID,
		TenantID:  tenantID,
		Fields:    req.Fields,
		Status:    domain.RecordStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	if err := h.repo.SaveRecord(ctx, tenantID, rec); err != nil {
		slog.Error("failed to save record", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord handles GET /records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	recordID := chi.URLParam(r, "id")

	rec, err := h.repo.GetRecord(ctx, tenantID, recordID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ActivityRequest is the request body for POST /records/{id}/activities.
type ActivityRequest struct {
	Type string `json:"type"`
	Body string `json:"body,omitempty"`
}

// CreateActivity handles POST /records/{id}/activities.
func (h *Handler) CreateActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	recordID := chi.URLParam(r, "id")

	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type is required",
		})
		return
	}

	if _, err := h.repo.GetRecord(ctx, tenantID, recordID); err != nil {
		writeError(w, err)
		return
	}

	act := &domain.Activity{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		RecordID:   recordID,
		Type:       req.Type,
		Body:       req.Body,
		OccurredAt: time.Now().UTC(),
	}

	if err := h.repo.SaveActivity(ctx, tenantID, act); err != nil {
		slog.Error("failed to save activity", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, act)
}

// ListActivities handles GET /records/{id}/activities.
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	recordID := chi.URLParam(r, "id")

	activities, err := h.repo.ListActivities(ctx, tenantID, recordID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"recordId":   recordID,
		"activities": activities,
	})
}

// FindDuplicates handles GET /records/{id}/duplicates.
func (h *Handler) FindDuplicates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	recordID := chi.URLParam(r, "id")

	candidates, err := h.detector.FindDuplicates(ctx, tenantID, recordID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"recordId":   recordID,
		"candidates": candidates,
	})
}

// GroupRequest is the request body for POST /groups.
type GroupRequest struct {
	RecordIDs []string `json:"recordIds"`
}

// CreateGroup handles POST /groups.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req GroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	group, err := h.groups.Create(ctx, tenantID, req.RecordIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, group)
}

// ListGroups handles GET /groups.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	filter := domain.GroupFilter{}
	if v := r.URL.Query().Get("resolved"); v != "" {
		resolved := v == "true"
		filter.Resolved = &resolved
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	list, err := h.groups.List(ctx, tenantID, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groups": list,
		"count":  len(list),
	})
}

// GetGroup handles GET /groups/{id}.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	groupID := chi.URLParam(r, "id")

	group, err := h.groups.Get(ctx, tenantID, groupID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, group)
}

// ResolveRequest is the request body for POST /groups/{id}/resolve.
type ResolveRequest struct {
	Method          string `json:"method"`
	PrimaryRecordID string `json:"primaryRecordId,omitempty"`
}

// ResolveGroup handles POST /groups/{id}/resolve.
func (h *Handler) ResolveGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	groupID := chi.URLParam(r, "id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	group, err := h.groups.Resolve(ctx, tenantID, groupID, req.Method, req.PrimaryRecordID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, group)
}

// DeleteGroup handles DELETE /groups/{id}.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	groupID := chi.URLParam(r, "id")

	if err := h.groups.Delete(ctx, tenantID, groupID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Merge handles POST /merge.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req merge.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	op, err := h.merger.Merge(ctx, tenantID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, op)
}

// GetConfig handles GET /config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	cfg := h.resolver.Get(ctx, tenantID)
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig handles PUT /config.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var patch domain.DetectionConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	cfg, err := h.resolver.Update(ctx, tenantID, &patch)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready handles GET /ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrConfig):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrMergeFailed):
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
