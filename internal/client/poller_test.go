package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ms-auction/internal/client"
	"ms-auction/internal/models"
	"ms-auction/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bidsServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	r := chi.NewRouter()
	r.Get("/api/lots/{lotId}/bids", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", "missing token"))
			return
		}
		if chi.URLParam(r, "lotId") == "broken" {
			utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Internal server error", "internal error"))
			return
		}
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		bids := []models.Bid{
			{ID: "b2", LotID: "lot-1", BidderID: "y", Amount: decimal.NewFromInt(1200), Status: models.BidStatusWinning, IsWinning: true},
			{ID: "b1", LotID: "lot-1", BidderID: "x", Amount: decimal.NewFromInt(1100), Status: models.BidStatusOutbid},
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Bids retrieved", bids))
	})
	r.Post("/api/lots/{lotId}/bids", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Bid rejected", "Bid amount must be higher than current price"))
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func TestPollerDeliversSnapshotsUntilStopped(t *testing.T) {
	var hits atomic.Int32
	server := bidsServer(t, &hits)

	snapshots := make(chan client.Snapshot, 16)
	poller := client.NewPoller(client.NewAPI(server.URL, "tok"), "lot-1", func(s client.Snapshot) {
		snapshots <- s
	})
	poller.Interval = 20 * time.Millisecond
	poller.Limit = 5

	require.NoError(t, poller.Start(context.Background()))
	assert.ErrorIs(t, poller.Start(context.Background()), client.ErrPollerRunning)
	assert.True(t, poller.Running())

	for i := 0; i < 2; i++ {
		select {
		case snap := <-snapshots:
			assert.Equal(t, "lot-1", snap.LotID)
			require.Len(t, snap.Bids, 2)
			assert.Equal(t, "y", snap.Bids[0].BidderID)
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot")
		}
	}

	poller.Stop()
	poller.Stop()
	assert.False(t, poller.Running())

	after := hits.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, hits.Load())
}

func TestPollerReportsErrors(t *testing.T) {
	var hits atomic.Int32
	server := bidsServer(t, &hits)

	errs := make(chan error, 4)
	poller := client.NewPoller(client.NewAPI(server.URL, "tok"), "broken", nil)
	poller.Interval = time.Hour
	poller.OnError = func(err error) { errs <- err }

	require.NoError(t, poller.Start(context.Background()))
	defer poller.Stop()

	select {
	case err := <-errs:
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
		assert.False(t, apiErr.IsRejection())
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestPollerStopsWithContext(t *testing.T) {
	var hits atomic.Int32
	server := bidsServer(t, &hits)

	poller := client.NewPoller(client.NewAPI(server.URL, "tok"), "lot-1", nil)
	poller.Interval = 10 * time.Millisecond
	poller.Limit = 5

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, poller.Start(ctx))
	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	poller.Stop()
}

func TestAPIPlaceBidRejection(t *testing.T) {
	var hits atomic.Int32
	server := bidsServer(t, &hits)
	api := client.NewAPI(server.URL+"/", "tok")

	_, err := api.PlaceBid(context.Background(), "lot-1", decimal.NewFromInt(900), "")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRejection())
	assert.Equal(t, "Bid amount must be higher than current price", apiErr.Reason)

	_, err = client.NewAPI(server.URL, "").ListBids(context.Background(), "lot-1", 5)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
