package bid_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"ms-auction/internal/apperr"
	"ms-auction/internal/auth"
	"ms-auction/internal/bidding"
	"ms-auction/internal/logger"
	"ms-auction/internal/models"
	"ms-auction/internal/utils"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Ledger *bidding.Ledger
	Logger *logger.Logger
}

func NewHandler(ledger *bidding.Ledger, log *logger.Logger) *Handler {
	return &Handler{Ledger: ledger, Logger: log}
}

// Register mounts the lot and bid routes. Callers wrap r with the auth middleware.
func (h *Handler) Register(r chi.Router) {
	r.Post("/lots", h.CreateLot)
	r.Get("/lots/{lotId}", h.GetLot)
	r.Post("/lots/{lotId}/activate", h.ActivateLot)
	r.Post("/lots/{lotId}/cancel", h.CancelLot)
	r.Post("/lots/{lotId}/bids", h.PlaceBid)
	r.Get("/lots/{lotId}/bids", h.ListLotBids)
	r.Get("/bids/me", h.ListMyBids)
}

func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "lotId")
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("PlaceBid: invalid body for lot %s: %v", lotID, err))
		h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	view, err := h.Ledger.PlaceBid(r.Context(), bidding.PlaceBidRequest{
		LotID:     lotID,
		Bidder:    principal,
		Amount:    req.Amount,
		Message:   req.Message,
		AutoRebid: req.AutoRebid,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, utils.SuccessResponse("Bid placed", view))
}

// ListLotBids is the polling backstop for clients whose live channel dropped.
func (h *Handler) ListLotBids(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "lotId")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid limit", raw))
			return
		}
		limit = n
	}

	bids, err := h.Ledger.ListBidsForLot(r.Context(), lotID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Bids retrieved", bids))
}

func (h *Handler) ListMyBids(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := models.BidFilter{
		Status: models.BidStatus(q.Get("status")),
		LotID:  q.Get("lot_id"),
		Sort:   models.BidSort(q.Get("sort")),
	}
	for key, dst := range map[string]*int{"page": &filter.Page, "page_size": &filter.PageSize} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid "+key, raw))
			return
		}
		*dst = n
	}

	page, err := h.Ledger.ListBidderBids(r.Context(), principal.ID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Bids retrieved", page))
}

func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.Ledger.GetLot(r.Context(), chi.URLParam(r, "lotId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Lot retrieved", lot))
}

func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req models.CreateLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	lot, err := h.Ledger.CreateLot(r.Context(), principal, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, utils.SuccessResponse("Lot created", lot))
}

func (h *Handler) ActivateLot(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	lot, err := h.Ledger.ActivateLot(r.Context(), principal, chi.URLParam(r, "lotId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Lot activated", lot))
}

func (h *Handler) CancelLot(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	lot, err := h.Ledger.CancelLot(r.Context(), principal, chi.URLParam(r, "lotId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("Lot cancelled", lot))
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", "missing principal"))
	}
	return p, ok
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
		h.writeJSON(w, status, utils.ErrorResponse(messageFor(status), "internal error"))
		return
	}
	h.Logger.Debug("API", fmt.Sprintf("%s %s rejected: %v", r.Method, r.URL.Path, err))
	h.writeJSON(w, status, utils.ErrorResponse(messageFor(status), apperr.ReasonOf(err)))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	if err := utils.WriteJSON(w, status, body); err != nil {
		h.Logger.Error("API", fmt.Sprintf("failed to encode response: %v", err))
	}
}
