package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/shoprank/shoprank/internal/recalc"
	"github.com/shoprank/shoprank/pkg/models"
)

// DefaultTopLimit is the default size of a top-scores listing.
const DefaultTopLimit = 10

// MaxTopLimit protects against oversized listing requests.
const MaxTopLimit = 100

// writeJSON writes a JSON response with proper error handling.
func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("encode JSON response failed")
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func urlID(r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	return id, err == nil && id > 0
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// SCORE READS
// ============================================================================

func (s *Service) handleGetScore(w http.ResponseWriter, r *http.Request) {
	itemID, ok := urlID(r, "itemID")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	categoryID, err := strconv.ParseInt(r.URL.Query().Get("category"), 10, 64)
	if err != nil || categoryID <= 0 {
		s.writeError(w, http.StatusBadRequest, "category query parameter required")
		return
	}

	score, err := s.engine.CachedScore(r.Context(), models.ItemID(itemID), models.CategoryID(categoryID))
	if err != nil {
		s.log.Error().Err(err).Int64("item", itemID).Msg("score lookup failed")
		s.writeError(w, http.StatusInternalServerError, "score lookup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"item_id":     itemID,
		"category_id": categoryID,
		"score":       score,
	})
}

func (s *Service) handleGetBreakdown(w http.ResponseWriter, r *http.Request) {
	itemID, ok := urlID(r, "itemID")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	categoryID, err := strconv.ParseInt(r.URL.Query().Get("category"), 10, 64)
	if err != nil || categoryID <= 0 {
		s.writeError(w, http.StatusBadRequest, "category query parameter required")
		return
	}

	breakdown, err := s.engine.ScoreBreakdown(r.Context(), models.ItemID(itemID), models.CategoryID(categoryID))
	if err != nil {
		s.log.Error().Err(err).Int64("item", itemID).Msg("breakdown failed")
		s.writeError(w, http.StatusInternalServerError, "breakdown failed")
		return
	}

	s.writeJSON(w, http.StatusOK, breakdown)
}

func (s *Service) handleTopByCategory(w http.ResponseWriter, r *http.Request) {
	categoryID, ok := urlID(r, "categoryID")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid category id")
		return
	}

	limit := DefaultTopLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > MaxTopLimit {
		limit = MaxTopLimit
	}

	scores, err := s.scores.TopByCategory(r.Context(), models.CategoryID(categoryID), limit)
	if err != nil {
		s.log.Error().Err(err).Int64("category", categoryID).Msg("top scores failed")
		s.writeError(w, http.StatusInternalServerError, "top scores failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"category_id": categoryID,
		"scores":      scores,
	})
}

// ============================================================================
// ON-DEMAND REFRESH
// ============================================================================

func (s *Service) handleRefreshItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := urlID(r, "itemID")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	categoryIDs, err := s.categoriesOf(r.Context(), models.ItemID(itemID))
	if err != nil {
		s.log.Error().Err(err).Int64("item", itemID).Msg("category lookup failed")
		s.writeError(w, http.StatusInternalServerError, "category lookup failed")
		return
	}
	if len(categoryIDs) == 0 {
		s.writeError(w, http.StatusNotFound, "item has no categories")
		return
	}

	if err := s.orchestrator.EnqueueItemUpdate(r.Context(), models.ItemID(itemID), categoryIDs); err != nil {
		s.log.Error().Err(err).Int64("item", itemID).Msg("enqueue refresh failed")
		s.writeError(w, http.StatusInternalServerError, "enqueue refresh failed")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"item_id":    itemID,
		"categories": len(categoryIDs),
		"queued":     true,
	})
}

// ============================================================================
// TRACKING
// ============================================================================

type trackViewRequest struct {
	ItemID     models.ItemID          `json:"item_id"`
	CategoryID models.CategoryID      `json:"category_id"`
	Visitor    models.VisitorIdentity `json:"visitor"`
}

func (s *Service) handleTrackView(w http.ResponseWriter, r *http.Request) {
	var req trackViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID <= 0 || req.CategoryID <= 0 || !req.Visitor.Valid() {
		s.writeError(w, http.StatusBadRequest, "item_id, category_id and visitor are required")
		return
	}

	counted, err := s.tracker.RecordView(r.Context(), req.ItemID, req.CategoryID, req.Visitor)
	if err != nil {
		s.log.Error().Err(err).Int64("item", int64(req.ItemID)).Msg("track view failed")
		s.writeError(w, http.StatusInternalServerError, "track view failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"counted": counted})
}

type trackPurchaseRequest struct {
	ItemID   models.ItemID `json:"item_id"`
	Quantity int           `json:"quantity"`
}

func (s *Service) handleTrackPurchase(w http.ResponseWriter, r *http.Request) {
	var req trackPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID <= 0 {
		s.writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}

	if err := s.tracker.RecordPurchase(r.Context(), req.ItemID, req.Quantity); err != nil {
		s.log.Error().Err(err).Int64("item", int64(req.ItemID)).Msg("track purchase failed")
		s.writeError(w, http.StatusInternalServerError, "track purchase failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type trackReviewRequest struct {
	ItemID models.ItemID `json:"item_id"`
	Rating int           `json:"rating"`
}

func (s *Service) handleTrackReview(w http.ResponseWriter, r *http.Request) {
	var req trackReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID <= 0 {
		s.writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}

	if err := s.tracker.RecordReview(r.Context(), req.ItemID, req.Rating); err != nil {
		s.log.Error().Err(err).Int64("item", int64(req.ItemID)).Msg("track review failed")
		s.writeError(w, http.StatusInternalServerError, "track review failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ============================================================================
// BULK RECALCULATION
// ============================================================================

func (s *Service) handleRecalcStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.orchestrator.Start(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, res)
	case errors.Is(err, recalc.ErrJobRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, recalc.ErrEmptyCatalog):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error().Err(err).Msg("recalculation start failed")
		s.writeError(w, http.StatusInternalServerError, "recalculation start failed")
	}
}

func (s *Service) handleRecalcProgress(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orchestrator.Progress(r.Context()))
}

func (s *Service) handleRecalcCancel(w http.ResponseWriter, r *http.Request) {
	err := s.orchestrator.Cancel(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
	case errors.Is(err, recalc.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Msg("recalculation cancel failed")
		s.writeError(w, http.StatusInternalServerError, "recalculation cancel failed")
	}
}
