package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/recall/internal/memory"
)

type upsertMemoryRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type searchMemoryRequest struct {
	Query           string         `json:"query"`
	TopK            int            `json:"top_k"`
	Category        string         `json:"category,omitempty"`
	ExcludeCategory string         `json:"exclude_category,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type searchMemoryResponse struct {
	Results []memory.Record `json:"results"`
}

func (s *Server) handleUpsertMemory(w http.ResponseWriter, r *http.Request) {
	if s.kb == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "memory store not configured")
		return
	}
	var req upsertMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := s.kb.UpsertText(r.Context(), tenantFrom(r), chi.URLParam(r, "category"), chi.URLParam(r, "entity_id"), req.Content, req.Metadata)
	if err != nil {
		status, code := classifyMemoryError(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if s.kb == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "memory store not configured")
		return
	}
	if err := s.kb.Delete(r.Context(), tenantFrom(r), chi.URLParam(r, "category"), chi.URLParam(r, "entity_id")); err != nil {
		status, code := classifyMemoryError(err)
		respondError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchMemory(w http.ResponseWriter, r *http.Request) {
	if s.kb == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "memory store not configured")
		return
	}
	var req searchMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 4
	}
	recs, err := s.kb.SearchText(r.Context(), memory.TextQuery{
		TenantID:        tenantFrom(r),
		Text:            req.Query,
		TopK:            req.TopK,
		Category:        req.Category,
		ExcludeCategory: req.ExcludeCategory,
		Metadata:        req.Metadata,
	})
	if err != nil {
		status, code := classifyMemoryError(err)
		respondError(w, status, code, err.Error())
		return
	}
	if recs == nil {
		recs = []memory.Record{}
	}
	respondJSON(w, http.StatusOK, searchMemoryResponse{Results: recs})
}

func classifyMemoryError(err error) (int, string) {
	switch {
	case errors.Is(err, memory.ErrInvalidRecord):
		return http.StatusBadRequest, "invalid_record"
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, memory.ErrDimensionMismatch):
		return http.StatusInternalServerError, "dimension_mismatch"
	default:
		return http.StatusBadGateway, "memory_unavailable"
	}
}
