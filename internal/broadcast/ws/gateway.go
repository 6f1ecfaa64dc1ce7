package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/auth"
	"ms-auction/internal/bidding"
	"ms-auction/internal/broadcast"
	"ms-auction/internal/logger"
	"ms-auction/internal/models"
	"ms-auction/internal/utils"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	maxCommandSize        = 4096
	internalFailureReason = "bid could not be processed"
)

// BidPlacer is the part of the ledger the gateway drives.
type BidPlacer interface {
	PlaceBid(ctx context.Context, req bidding.PlaceBidRequest) (*models.BidView, error)
}

// Gateway serves the duplex lot channel over websocket.
type Gateway struct {
	Hub      *broadcast.Hub
	Bids     BidPlacer
	Logger   *logger.Logger
	Upgrader websocket.Upgrader

	WriteWait time.Duration
	PongWait  time.Duration
}

func NewGateway(hub *broadcast.Hub, bids BidPlacer, log *logger.Logger) *Gateway {
	return &Gateway{
		Hub:    hub,
		Bids:   bids,
		Logger: log,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		WriteWait: defaultWriteWait,
		PongWait:  defaultPongWait,
	}
}

func (g *Gateway) pingInterval() time.Duration {
	return g.PongWait * 9 / 10
}

// ServeHTTP authenticates before upgrading; a bad credential never reaches the hub.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := auth.ExtractTokenFromRequest(r)
	if err != nil {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", err.Error()))
		return
	}

	conn, err := g.Hub.Connect(r.Context(), token)
	if err != nil {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", apperr.ReasonOf(err)))
		return
	}

	socket, err := g.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Warn("WEBSOCKET", fmt.Sprintf("Upgrade failed for %s: %v", conn.Principal.ID, err))
		g.Hub.Disconnect(conn)
		return
	}

	go g.writePump(socket, conn)
	g.readPump(r.Context(), socket, conn)
}

func (g *Gateway) writePump(socket *websocket.Conn, conn *broadcast.Conn) {
	ticker := time.NewTicker(g.pingInterval())
	defer func() {
		ticker.Stop()
		socket.Close()
	}()

	for {
		select {
		case message := <-conn.Send():
			socket.SetWriteDeadline(time.Now().Add(g.WriteWait))
			if err := socket.WriteMessage(websocket.TextMessage, message); err != nil {
				g.Hub.Disconnect(conn)
				return
			}

		case <-conn.Done():
			socket.SetWriteDeadline(time.Now().Add(g.WriteWait))
			socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			socket.SetWriteDeadline(time.Now().Add(g.WriteWait))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.Hub.Disconnect(conn)
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, socket *websocket.Conn, conn *broadcast.Conn) {
	defer g.Hub.Disconnect(conn)

	socket.SetReadLimit(maxCommandSize)
	socket.SetReadDeadline(time.Now().Add(g.PongWait))
	socket.SetPongHandler(func(string) error {
		socket.SetReadDeadline(time.Now().Add(g.PongWait))
		return nil
	})

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.Logger.Warn("WEBSOCKET", fmt.Sprintf("Connection %s closed: %v", conn.ID, err))
			}
			return
		}

		var cmd broadcast.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			g.Logger.Debug("WEBSOCKET", fmt.Sprintf("Ignoring malformed command from %s: %v", conn.ID, err))
			continue
		}
		g.handle(ctx, conn, cmd)
	}
}

func (g *Gateway) handle(ctx context.Context, conn *broadcast.Conn, cmd broadcast.Command) {
	switch cmd.Action {
	case broadcast.ActionJoin:
		if err := g.Hub.Join(conn, cmd.LotID); err != nil {
			g.Logger.Debug("WEBSOCKET", fmt.Sprintf("Join %s by %s failed: %v", cmd.LotID, conn.ID, err))
		}
	case broadcast.ActionLeave:
		g.Hub.Leave(conn, cmd.LotID)
	case broadcast.ActionBid:
		g.placeBid(ctx, conn, cmd)
	default:
		g.Logger.Debug("WEBSOCKET", fmt.Sprintf("Unknown action %q from %s", cmd.Action, conn.ID))
	}
}

// placeBid answers a refused bid to the bidder only. Accepted bids reach the bidder
// through the lot room like everyone else.
func (g *Gateway) placeBid(ctx context.Context, conn *broadcast.Conn, cmd broadcast.Command) {
	if g.Bids == nil {
		conn.SendEvent(models.BidRejected{LotID: cmd.LotID, Amount: cmd.Amount, Code: apperr.KindInvalidState.String(), Reason: "bidding is not available on this channel"})
		return
	}

	_, err := g.Bids.PlaceBid(ctx, bidding.PlaceBidRequest{
		LotID:   cmd.LotID,
		Bidder:  conn.Principal,
		Amount:  cmd.Amount,
		Message: cmd.Message,
	})
	if err == nil {
		return
	}

	rejected := models.BidRejected{
		LotID:  cmd.LotID,
		Amount: cmd.Amount,
		Code:   apperr.KindOf(err).String(),
		Reason: apperr.ReasonOf(err),
	}
	if !bidding.IsRejection(err) {
		g.Logger.Error("WEBSOCKET", fmt.Sprintf("Bid on %s by %s failed: %v", cmd.LotID, conn.Principal.ID, err))
		rejected.Reason = internalFailureReason
	}
	if err := conn.SendEvent(rejected); err != nil {
		g.Logger.Warn("WEBSOCKET", err.Error())
	}
}
