package ws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/auth"
	"ms-auction/internal/bidding"
	"ms-auction/internal/broadcast"
	"ms-auction/internal/broadcast/ws"
	"ms-auction/internal/logger"
	"ms-auction/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger accepts bids above 1000 and announces them through the hub
type fakeLedger struct {
	hub *broadcast.Hub
}

func (f *fakeLedger) PlaceBid(ctx context.Context, req bidding.PlaceBidRequest) (*models.BidView, error) {
	switch {
	case req.Amount.Equal(decimal.NewFromInt(999)):
		return nil, apperr.Transient("insert bid", errors.New("connection reset"))
	case req.Amount.LessThanOrEqual(decimal.NewFromInt(1000)):
		return nil, apperr.InvalidBid(bidding.ReasonAmountTooLow)
	}
	f.hub.NotifyBid(ctx, models.BidAccepted{
		LotID:    req.LotID,
		BidderID: req.Bidder.ID,
		NewPrice: req.Amount,
		Currency: "USD",
	})
	return &models.BidView{}, nil
}

type fixture struct {
	server   *httptest.Server
	hub      *broadcast.Hub
	verifier *auth.HMACVerifier
}

func setup(t *testing.T) *fixture {
	verifier, err := auth.NewHMACVerifier("ws-secret", "")
	require.NoError(t, err)

	log := logger.NewConsoleLogger(nil)
	hub := broadcast.NewHub(verifier, log)
	gateway := ws.NewGateway(hub, &fakeLedger{hub: hub}, log)
	gateway.PongWait = 2 * time.Second

	server := httptest.NewServer(gateway)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &fixture{server: server, hub: hub, verifier: verifier}
}

func (f *fixture) token(t *testing.T, id string) string {
	token, err := f.verifier.Sign(models.Principal{ID: id, Name: id, Role: models.RoleDistributor}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	require.NoError(t, err)
	return token
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fixture) dial(t *testing.T, id string) *websocket.Conn {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, id))
	socket, _, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close() })
	return socket
}

func readEvent(t *testing.T, socket *websocket.Conn) models.Event {
	socket.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := socket.ReadMessage()
	require.NoError(t, err)
	ev, err := models.DecodeEvent(raw)
	require.NoError(t, err)
	return ev
}

func send(t *testing.T, socket *websocket.Conn, cmd broadcast.Command) {
	require.NoError(t, socket.WriteJSON(cmd))
}

func TestUpgradeRequiresValidToken(t *testing.T) {
	f := setup(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(f.wsURL()+"?token=forged", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, f.hub.Stats().Connections)

	socket, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+f.token(t, "alice"), nil)
	require.NoError(t, err)
	defer socket.Close()
	assert.Eventually(t, func() bool { return f.hub.Stats().Connections == 1 }, time.Second, 10*time.Millisecond)
}

func TestJoinBidAndBroadcast(t *testing.T) {
	f := setup(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	send(t, alice, broadcast.Command{Action: broadcast.ActionJoin, LotID: "lot-1"})
	ack, ok := readEvent(t, alice).(models.RoomJoined)
	require.True(t, ok)
	assert.Equal(t, 1, ack.Members)

	send(t, bob, broadcast.Command{Action: broadcast.ActionJoin, LotID: "lot-1"})
	ack = readEvent(t, bob).(models.RoomJoined)
	assert.Equal(t, 2, ack.Members)

	send(t, bob, broadcast.Command{Action: broadcast.ActionBid, LotID: "lot-1", Amount: decimal.NewFromInt(1200)})

	for _, socket := range []*websocket.Conn{alice, bob} {
		ev, ok := readEvent(t, socket).(models.BidAccepted)
		require.True(t, ok)
		assert.Equal(t, "bob", ev.BidderID)
		assert.Equal(t, "1200", ev.NewPrice.String())
	}
}

func TestRejectedBidGoesToBidderOnly(t *testing.T) {
	f := setup(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	send(t, alice, broadcast.Command{Action: broadcast.ActionJoin, LotID: "lot-1"})
	readEvent(t, alice)
	send(t, bob, broadcast.Command{Action: broadcast.ActionJoin, LotID: "lot-1"})
	readEvent(t, bob)

	send(t, bob, broadcast.Command{Action: broadcast.ActionBid, LotID: "lot-1", Amount: decimal.NewFromInt(900)})
	rejected, ok := readEvent(t, bob).(models.BidRejected)
	require.True(t, ok)
	assert.Equal(t, "invalid_bid", rejected.Code)
	assert.Equal(t, bidding.ReasonAmountTooLow, rejected.Reason)
	assert.Equal(t, "900", rejected.Amount.String())

	send(t, bob, broadcast.Command{Action: broadcast.ActionBid, LotID: "lot-1", Amount: decimal.NewFromInt(999)})
	rejected = readEvent(t, bob).(models.BidRejected)
	assert.Equal(t, "transient_store_failure", rejected.Code)
	assert.Equal(t, "bid could not be processed", rejected.Reason)

	// alice sees the next accepted bid and nothing before it
	send(t, bob, broadcast.Command{Action: broadcast.ActionBid, LotID: "lot-1", Amount: decimal.NewFromInt(1500)})
	ev, ok := readEvent(t, alice).(models.BidAccepted)
	require.True(t, ok)
	assert.Equal(t, "1500", ev.NewPrice.String())
}

func TestLeaveAndMalformedCommands(t *testing.T) {
	f := setup(t)
	alice := f.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{nope")))
	send(t, alice, broadcast.Command{Action: "dance", LotID: "lot-1"})
	send(t, alice, broadcast.Command{Action: broadcast.ActionJoin, LotID: "lot-1"})
	readEvent(t, alice)
	assert.Equal(t, 1, f.hub.RoomSize("lot-1"))

	send(t, alice, broadcast.Command{Action: broadcast.ActionLeave, LotID: "lot-1"})
	assert.Eventually(t, func() bool { return f.hub.RoomSize("lot-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestClientCloseDisconnectsFromHub(t *testing.T) {
	f := setup(t)
	alice := f.dial(t, "alice")
	send(t, alice, broadcast.Command{Action: broadcast.ActionJoin, LotID: "lot-1"})
	readEvent(t, alice)

	alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	alice.Close()

	assert.Eventually(t, func() bool { return f.hub.Stats() == broadcast.Stats{} }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseEndsSocket(t *testing.T) {
	f := setup(t)
	alice := f.dial(t, "alice")
	require.Eventually(t, func() bool { return f.hub.Stats().Connections == 1 }, time.Second, 10*time.Millisecond)

	f.hub.Close()

	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
