package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/auth"
	"ms-auction/internal/broadcast"
	"ms-auction/internal/logger"
	"ms-auction/internal/models"
	"ms-auction/internal/sse"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLots map[string]*models.Lot

func (s stubLots) FindLotByID(_ context.Context, lotID string) (*models.Lot, error) {
	if lotID == "broken" {
		return nil, apperr.Transient("find lot", errors.New("timeout"))
	}
	if lot, ok := s[lotID]; ok {
		return lot, nil
	}
	return nil, apperr.NotFound("lot not found")
}

func setupServer(t *testing.T) (*httptest.Server, *broadcast.Hub) {
	log := logger.NewConsoleLogger(nil)
	hub := broadcast.NewHub(nil, log)
	handler := sse.NewLotEventsHandler(hub, stubLots{"lot-1": {ID: "lot-1"}}, log)
	handler.KeepAlive = 50 * time.Millisecond

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.Header.Get("X-Test-User"); id != "" {
				r = r.WithContext(auth.WithPrincipal(r.Context(), models.Principal{ID: id, Role: models.RoleInvestor}))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/api/lots/{lotId}/events", handler.HandleLotEvents)

	server := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return server, hub
}

func get(t *testing.T, url, user string) *http.Response {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type frame struct {
	event string
	data  string
}

// readFrame returns the next event frame, skipping comment lines
func readFrame(t *testing.T, scanner *bufio.Scanner) (frame, bool) {
	var f frame
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if f.event != "" {
				return f, true
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return f, false
}

func TestStreamRejectsBadRequests(t *testing.T) {
	server, hub := setupServer(t)

	resp := get(t, server.URL+"/api/lots/lot-1/events", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, server.URL+"/api/lots/missing/events", "alice")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, server.URL+"/api/lots/broken/events", "alice")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	assert.Equal(t, 0, hub.Stats().Connections)
}

func TestStreamDeliversLotEvents(t *testing.T) {
	server, hub := setupServer(t)

	resp := get(t, server.URL+"/api/lots/lot-1/events", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	scanner := bufio.NewScanner(resp.Body)

	f, ok := readFrame(t, scanner)
	require.True(t, ok)
	assert.Equal(t, string(models.EventRoomJoined), f.event)
	assert.Equal(t, 1, hub.RoomSize("lot-1"))

	hub.NotifyBid(context.Background(), models.BidAccepted{LotID: "lot-1", NewPrice: decimal.NewFromInt(1300), Currency: "USD"})
	hub.NotifyBid(context.Background(), models.BidAccepted{LotID: "lot-2", NewPrice: decimal.NewFromInt(9000), Currency: "USD"})

	f, ok = readFrame(t, scanner)
	require.True(t, ok)
	assert.Equal(t, string(models.EventBidAccepted), f.event)
	var bid models.BidAccepted
	require.NoError(t, json.Unmarshal([]byte(f.data), &bid))
	assert.Equal(t, "1300", bid.NewPrice.String())

	hub.NotifyAuctionEnd(context.Background(), models.AuctionEnded{LotID: "lot-1", Status: models.LotStatusSold, FinalPrice: decimal.NewFromInt(1300)})

	f, ok = readFrame(t, scanner)
	require.True(t, ok)
	assert.Equal(t, string(models.EventAuctionEnded), f.event)

	_, ok = readFrame(t, scanner)
	assert.False(t, ok, "stream should end after the auction closes")
	assert.Eventually(t, func() bool { return hub.Stats() == broadcast.Stats{} }, time.Second, 10*time.Millisecond)
}

func TestStreamSendsKeepAlive(t *testing.T) {
	server, _ := setupServer(t)

	resp := get(t, server.URL+"/api/lots/lot-1/events", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": ping") {
			return
		}
	}
	t.Fatal("no keepalive received")
}

func TestHubCloseEndsStream(t *testing.T) {
	server, hub := setupServer(t)

	resp := get(t, server.URL+"/api/lots/lot-1/events", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scanner := bufio.NewScanner(resp.Body)
	_, ok := readFrame(t, scanner)
	require.True(t, ok)

	hub.Close()

	_, ok = readFrame(t, scanner)
	assert.False(t, ok)
}
