package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/auth"
	"ms-auction/internal/broadcast"
	"ms-auction/internal/logger"
	"ms-auction/internal/models"
	"ms-auction/internal/utils"

	"github.com/go-chi/chi/v5"
)

const defaultKeepAlive = 25 * time.Second

// LotLookup resolves the lot a stream is opened for.
type LotLookup interface {
	FindLotByID(ctx context.Context, lotID string) (*models.Lot, error)
}

// LotEventsHandler streams one lot room to read-only observers.
type LotEventsHandler struct {
	Hub       *broadcast.Hub
	Lots      LotLookup
	Logger    *logger.Logger
	KeepAlive time.Duration
}

func NewLotEventsHandler(hub *broadcast.Hub, lots LotLookup, log *logger.Logger) *LotEventsHandler {
	return &LotEventsHandler{
		Hub:       hub,
		Lots:      lots,
		Logger:    log,
		KeepAlive: defaultKeepAlive,
	}
}

// HandleLotEvents serves GET /api/lots/{lotId}/events. The request must already carry a
// principal from the auth middleware.
func (h *LotEventsHandler) HandleLotEvents(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "lotId")
	if lotID == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Bad request", "lot id is required"))
		return
	}

	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", "missing principal"))
		return
	}

	if _, err := h.Lots.FindLotByID(r.Context(), lotID); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Not found", apperr.ReasonOf(err)))
			return
		}
		h.Logger.Error("SSE", fmt.Sprintf("Lot lookup for %s failed: %v", lotID, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Internal server error", "internal error"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Internal server error", "streaming unsupported"))
		return
	}

	conn, err := h.Hub.Admit(principal)
	if err != nil {
		utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Service unavailable", err.Error()))
		return
	}
	defer h.Hub.Disconnect(conn)

	if err := h.Hub.Join(conn, lotID); err != nil {
		h.Logger.Error("SSE", fmt.Sprintf("Join %s failed: %v", lotID, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Internal server error", "internal error"))
		return
	}

	// the server write timeout would otherwise cut the stream
	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h.setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.Logger.Info("SSE", fmt.Sprintf("Observer %s connected to lot %s", principal.ID, lotID))

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case raw := <-conn.Send():
			var env models.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to read event envelope: %v", err))
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, env.Data)
			flusher.Flush()

			if env.Type == models.EventAuctionEnded {
				h.Logger.Debug("SSE", fmt.Sprintf("Lot %s ended, closing stream for %s", lotID, principal.ID))
				return
			}

		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case <-conn.Done():
			return

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Observer %s disconnected from lot %s", principal.ID, lotID))
			return
		}
	}
}

func (h *LotEventsHandler) setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
}
