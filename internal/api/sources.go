package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

type crawlRequest struct {
	Recent bool `json:"recent"`
}

type tierRequest struct {
	Tier *int `json:"tier"`
	// Auto clears a pin and restores the scored tier.
	Auto bool `json:"auto"`
}

type tierResponse struct {
	SourceID string       `json:"source_id"`
	Tier     crawler.Tier `json:"tier"`
	Pinned   bool         `json:"pinned"`
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	if s.sources == nil {
		writeError(w, http.StatusNotImplemented, "source lookup not configured")
		return
	}
	src, err := s.sources.GetSource(r.Context(), chi.URLParam(r, "source_id"))
	if err != nil {
		s.writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) enqueueCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.operator.Enqueue(r.Context(), chi.URLParam(r, "source_id"), req.Recent)
	if err != nil {
		s.writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID, "type": string(task.Type)})
}

func (s *Server) setTier(w http.ResponseWriter, r *http.Request) {
	var req tierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Tier == nil && !req.Auto {
		writeError(w, http.StatusBadRequest, "tier or auto required")
		return
	}
	var pin *crawler.Tier
	if !req.Auto {
		t := crawler.Tier(*req.Tier)
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, "tier must be within 0-5")
			return
		}
		pin = &t
	}
	id := chi.URLParam(r, "source_id")
	tier, err := s.operator.Retier(r.Context(), id, pin)
	if err != nil {
		s.writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tierResponse{SourceID: id, Tier: tier, Pinned: pin != nil})
}

func (s *Server) tierCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.operator.TierCounts(r.Context())
	if err != nil {
		s.writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": counts})
}

func (s *Server) sweepTier(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "tier"))
	if err != nil || n < 1 || n > int(crawler.TierMax) {
		writeError(w, http.StatusBadRequest, "tier must be within 1-5")
		return
	}
	task, err := s.operator.RequestSweep(r.Context(), crawler.Tier(n))
	if err != nil {
		s.writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

func (s *Server) writeOperatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "source not found")
	case errors.Is(err, crawler.ErrSourceInactive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, crawler.ErrBrokerUnavailable), errors.Is(err, crawler.ErrStoreUnavailable):
		s.logger.Warn("operator request failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("operator request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
