package db_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/bidding"
	"ms-auction/internal/bidding/db"
	"ms-auction/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Every reading moves forward so bids never share a timestamp
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	bids  []models.BidAccepted
	ended []models.AuctionEnded
}

func (r *recordingNotifier) NotifyBid(_ context.Context, ev models.BidAccepted) {
	r.mu.Lock()
	r.bids = append(r.bids, ev)
	r.mu.Unlock()
}

func (r *recordingNotifier) NotifyAuctionEnd(_ context.Context, ev models.AuctionEnded) {
	r.mu.Lock()
	r.ended = append(r.ended, ev)
	r.mu.Unlock()
}

func (r *recordingNotifier) acceptedBids() []models.BidAccepted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.BidAccepted(nil), r.bids...)
}

var (
	producer = models.Principal{ID: "producer-1", Name: "Finca Norte", Role: models.RoleProducer}
	bidderX  = models.Principal{ID: "bidder-x", Name: "Importer X", Role: models.RoleDistributor}
	bidderY  = models.Principal{ID: "bidder-y", Name: "Fund Y", Role: models.RoleInvestor}
)

func setupLedger(t *testing.T) (*bidding.Ledger, *db.DB, *testClock, *recordingNotifier) {
	store, _ := setupTestDB(t)
	clock := &testClock{now: baseTime}
	notifier := &recordingNotifier{}

	ledger := bidding.NewLedger(store, nil, notifier, nil, nil)
	ledger.Now = clock.Now
	return ledger, store, clock, notifier
}

func openLot(t *testing.T, ledger *bidding.Ledger, price int64) *models.Lot {
	ctx := context.Background()
	lot, err := ledger.CreateLot(ctx, producer, models.CreateLotRequest{
		ProductID:     "product-1",
		Title:         "Green coffee",
		StartingPrice: dec(price),
		Currency:      "usd",
		EndDate:       baseTime.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusDraft, lot.Status)
	assert.Equal(t, "USD", lot.Currency)

	lot, err = ledger.ActivateLot(ctx, producer, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusActive, lot.Status)
	return lot
}

func bid(ledger *bidding.Ledger, lotID string, who models.Principal, amount int64) (*models.BidView, error) {
	return ledger.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		LotID:  lotID,
		Bidder: who,
		Amount: dec(amount),
	})
}

func TestLedgerAuctionScenario(t *testing.T) {
	ledger, store, clock, notifier := setupLedger(t)
	ctx := context.Background()
	lot := openLot(t, ledger, 1000)

	first, err := bid(ledger, lot.ID, bidderX, 1200)
	require.NoError(t, err)
	assert.True(t, first.IsWinning)
	assert.Equal(t, "Green coffee", first.LotTitle)

	stored, err := store.FindLotByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentPrice.Equal(dec(1200)))
	assert.Equal(t, 1, stored.BidsCount)

	// Below the current price: rejected, nothing changes
	_, err = bid(ledger, lot.ID, bidderY, 1100)
	assert.ErrorIs(t, err, apperr.ErrInvalidBid)
	assert.Equal(t, bidding.ReasonAmountTooLow, apperr.ReasonOf(err))

	stored, err = store.FindLotByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentPrice.Equal(dec(1200)))
	assert.Equal(t, 1, stored.BidsCount)

	// Equal to the current price is also too low
	_, err = bid(ledger, lot.ID, bidderY, 1200)
	assert.ErrorIs(t, err, apperr.ErrInvalidBid)

	second, err := bid(ledger, lot.ID, bidderY, 1300)
	require.NoError(t, err)
	assert.Equal(t, "Fund Y", second.BidderName)

	bids, err := ledger.ListBidsForLot(ctx, lot.ID, 0)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, second.ID, bids[0].ID)
	assert.True(t, bids[0].IsWinning)
	assert.Equal(t, models.BidStatusOutbid, bids[1].Status)
	assert.False(t, bids[1].IsWinning)

	// Producer cannot bid on their own lot
	_, err = bid(ledger, lot.ID, producer, 1500)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Equal(t, bidding.ReasonSelfBid, apperr.ReasonOf(err))

	events := notifier.acceptedBids()
	require.Len(t, events, 2)
	assert.True(t, events[1].PreviousPrice.Equal(dec(1200)))
	assert.True(t, events[1].NewPrice.Equal(dec(1300)))
	assert.Equal(t, 2, events[1].BidsCount)
	assert.Greater(t, events[1].TimeRemainingSec, int64(3500))

	// Window over: refused even though the status is still active
	clock.Advance(2 * time.Hour)
	_, err = bid(ledger, lot.ID, bidderX, 1400)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, bidding.ReasonAuctionClosed, apperr.ReasonOf(err))

	ended, err := ledger.CloseAuction(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusSold, ended.Status)
	assert.Equal(t, bidderY.ID, ended.WinnerID)
	assert.Equal(t, second.ID, ended.WinningBidID)
	assert.True(t, ended.FinalPrice.Equal(dec(1300)))

	stored, err = store.FindLotByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusSold, stored.Status)
	assert.Equal(t, bidderY.ID, stored.WinnerID)

	bids, err = ledger.ListBidsForLot(ctx, lot.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.BidStatusWon, bids[0].Status)
	assert.Equal(t, models.BidStatusLost, bids[1].Status)

	_, err = bid(ledger, lot.ID, bidderX, 1400)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, bidding.ReasonLotNotActive, apperr.ReasonOf(err))

	_, err = ledger.CloseAuction(ctx, lot.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Len(t, notifier.ended, 1)
}

func TestLedgerRejections(t *testing.T) {
	ledger, _, _, _ := setupLedger(t)
	lot := openLot(t, ledger, 1000)

	_, err := bid(ledger, "missing", bidderX, 1200)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = bid(ledger, lot.ID, bidderX, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	admin := models.Principal{ID: "admin-1", Role: models.RoleAdmin}
	_, err = bid(ledger, lot.ID, admin, 1200)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Equal(t, bidding.ReasonRoleForbidden, apperr.ReasonOf(err))

	otherProducer := models.Principal{ID: "producer-2", Role: models.RoleProducer}
	_, err = bid(ledger, lot.ID, otherProducer, 1200)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = ledger.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		LotID:     lot.ID,
		Bidder:    bidderX,
		Amount:    dec(1200),
		AutoRebid: &models.AutoRebid{MaxAmount: dec(1100), Increment: dec(50)},
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestLedgerDraftLotRefusesBids(t *testing.T) {
	ledger, _, _, _ := setupLedger(t)

	lot, err := ledger.CreateLot(context.Background(), producer, models.CreateLotRequest{
		ProductID:     "product-1",
		StartingPrice: dec(1000),
		Currency:      "USD",
		EndDate:       baseTime.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = bid(ledger, lot.ID, bidderX, 1200)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = ledger.ActivateLot(context.Background(), bidderX, lot.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestLedgerCreateLotValidation(t *testing.T) {
	ledger, _, _, _ := setupLedger(t)
	ctx := context.Background()

	_, err := ledger.CreateLot(ctx, bidderX, models.CreateLotRequest{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = ledger.CreateLot(ctx, producer, models.CreateLotRequest{
		ProductID:     "product-1",
		StartingPrice: dec(1000),
		Currency:      "USD",
		EndDate:       baseTime.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = ledger.CreateLot(ctx, producer, models.CreateLotRequest{
		ProductID:     "product-1",
		StartingPrice: dec(1000),
		Currency:      "USD",
		AuctionMode:   "dutch",
		EndDate:       baseTime.Add(time.Hour),
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = ledger.CreateLot(ctx, producer, models.CreateLotRequest{
		ProductID:     "product-1",
		StartingPrice: decimal.RequireFromString("999.99999"),
		Currency:      "USD",
		EndDate:       baseTime.Add(time.Hour),
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestLedgerPriceFollowsStoredScale(t *testing.T) {
	ledger, store, _, _ := setupLedger(t)
	ctx := context.Background()
	lot := openLot(t, ledger, 1000)

	_, err := ledger.PlaceBid(ctx, bidding.PlaceBidRequest{LotID: lot.ID, Bidder: bidderX, Amount: decimal.RequireFromString("1000.00001")})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	view, err := ledger.PlaceBid(ctx, bidding.PlaceBidRequest{LotID: lot.ID, Bidder: bidderX, Amount: decimal.RequireFromString("1000.0001")})
	require.NoError(t, err)
	assert.True(t, view.Amount.Equal(decimal.RequireFromString("1000.0001")))

	stored, err := store.FindLotByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentPrice.Equal(view.Amount))
	assert.Equal(t, 1, stored.BidsCount)
}

func TestLedgerAutoRebid(t *testing.T) {
	ledger, store, _, notifier := setupLedger(t)
	ctx := context.Background()
	lot := openLot(t, ledger, 1000)

	_, err := ledger.PlaceBid(ctx, bidding.PlaceBidRequest{
		LotID:     lot.ID,
		Bidder:    bidderX,
		Amount:    dec(1100),
		AutoRebid: &models.AutoRebid{MaxAmount: dec(1500), Increment: dec(100)},
	})
	require.NoError(t, err)

	view, err := ledger.PlaceBid(ctx, bidding.PlaceBidRequest{
		LotID:     lot.ID,
		Bidder:    bidderY,
		Amount:    dec(1200),
		AutoRebid: &models.AutoRebid{MaxAmount: dec(1400), Increment: dec(100)},
	})
	require.NoError(t, err)
	assert.True(t, view.Amount.Equal(dec(1200)))
	assert.False(t, view.IsWinning, "proxy bids already outbid it")
	assert.Equal(t, models.BidStatusOutbid, view.Status)

	// X 1100, Y 1200, X 1300, Y 1400, X 1500, then Y's ceiling stops the exchange
	events := notifier.acceptedBids()
	require.Len(t, events, 5)
	for i, want := range []int64{1100, 1200, 1300, 1400, 1500} {
		assert.True(t, events[i].NewPrice.Equal(dec(want)), "event %d", i)
	}
	assert.False(t, events[1].AutoRebid)
	assert.True(t, events[2].AutoRebid)

	stored, err := store.FindLotByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentPrice.Equal(dec(1500)))
	assert.Equal(t, 5, stored.BidsCount)

	winner, err := store.FindWinningBid(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, bidderX.ID, winner.BidderID)

	// A manual bid above every ceiling ends proxy bidding
	view, err = bid(ledger, lot.ID, bidderY, 1600)
	require.NoError(t, err)
	assert.True(t, view.IsWinning)
	assert.Len(t, notifier.acceptedBids(), 6)
}

func TestLedgerAutoRebidDisabled(t *testing.T) {
	ledger, _, _, notifier := setupLedger(t)
	ledger.AutoRebid = false
	lot := openLot(t, ledger, 1000)

	_, err := ledger.PlaceBid(context.Background(), bidding.PlaceBidRequest{
		LotID:     lot.ID,
		Bidder:    bidderX,
		Amount:    dec(1100),
		AutoRebid: &models.AutoRebid{MaxAmount: dec(5000), Increment: dec(100)},
	})
	require.NoError(t, err)
	_, err = bid(ledger, lot.ID, bidderY, 1200)
	require.NoError(t, err)

	assert.Len(t, notifier.acceptedBids(), 2)
}

func TestLedgerConcurrentBids(t *testing.T) {
	ledger, store, _, notifier := setupLedger(t)
	ctx := context.Background()
	lot := openLot(t, ledger, 1000)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := models.Principal{ID: fmt.Sprintf("bidder-%d", i), Role: models.RoleDistributor}
			_, err := bid(ledger, lot.ID, who, int64(1001+i))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperr.ErrInvalidBid)
		}(i)
	}
	wg.Wait()

	stored, err := store.FindLotByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentPrice.Equal(dec(1020)))
	assert.Equal(t, accepted, stored.BidsCount)

	events := notifier.acceptedBids()
	require.Len(t, events, accepted)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].NewPrice.GreaterThan(events[i-1].NewPrice))
		assert.True(t, events[i].PreviousPrice.Equal(events[i-1].NewPrice))
	}

	winner, err := store.FindWinningBid(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, "bidder-19", winner.BidderID)
}

func TestLedgerConcurrentEqualBids(t *testing.T) {
	ledger, _, _, _ := setupLedger(t)
	lot := openLot(t, ledger, 1000)

	results := make(chan error, 2)
	for _, who := range []models.Principal{bidderX, bidderY} {
		go func(who models.Principal) {
			_, err := bid(ledger, lot.ID, who, 1500)
			results <- err
		}(who)
	}

	var wins, losses int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, apperr.ErrInvalidBid)
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)
}

func TestLedgerCancelLot(t *testing.T) {
	ledger, store, _, notifier := setupLedger(t)
	ctx := context.Background()
	lot := openLot(t, ledger, 1000)

	_, err := bid(ledger, lot.ID, bidderX, 1200)
	require.NoError(t, err)

	_, err = ledger.CancelLot(ctx, bidderX, lot.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	cancelled, err := ledger.CancelLot(ctx, producer, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusCancelled, cancelled.Status)

	bids, err := store.ListBidsForLot(ctx, lot.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, models.BidStatusLost, bids[0].Status)

	_, err = ledger.CancelLot(ctx, producer, lot.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = bid(ledger, lot.ID, bidderY, 1500)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	require.Len(t, notifier.ended, 1)
	assert.Equal(t, models.LotStatusCancelled, notifier.ended[0].Status)
}

func TestCloserSweep(t *testing.T) {
	ledger, store, clock, notifier := setupLedger(t)
	ctx := context.Background()
	sold := openLot(t, ledger, 1000)
	unsold := openLot(t, ledger, 1000)
	_, err := bid(ledger, sold.ID, bidderX, 1100)
	require.NoError(t, err)

	closer := bidding.NewCloser(ledger, time.Second, nil)

	n, err := closer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(2 * time.Hour)
	n, err = closer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lot, err := store.FindLotByID(ctx, sold.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusSold, lot.Status)

	lot, err = store.FindLotByID(ctx, unsold.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStatusExpired, lot.Status)
	assert.Empty(t, lot.WinnerID)

	n, err = closer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, notifier.ended, 2)
}

func TestLedgerListBidderBids(t *testing.T) {
	ledger, _, _, _ := setupLedger(t)
	ctx := context.Background()
	lotA := openLot(t, ledger, 1000)
	lotB := openLot(t, ledger, 2000)

	for _, amount := range []int64{1100, 1200, 1300} {
		_, err := bid(ledger, lotA.ID, bidderX, amount)
		require.NoError(t, err)
	}
	_, err := bid(ledger, lotB.ID, bidderX, 2500)
	require.NoError(t, err)
	_, err = bid(ledger, lotB.ID, bidderY, 2600)
	require.NoError(t, err)

	page, err := ledger.ListBidderBids(ctx, bidderX.ID, models.BidFilter{PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 1, page.Page)
	require.Len(t, page.Bids, 3)
	assert.Equal(t, lotB.ID, page.Bids[0].LotID)
	assert.Equal(t, producer.ID, page.Bids[0].ProducerID)
	assert.Equal(t, models.BidStatusOutbid, page.Bids[0].Status)

	page, err = ledger.ListBidderBids(ctx, bidderX.ID, models.BidFilter{Status: models.BidStatusActive})
	require.NoError(t, err)
	require.Len(t, page.Bids, 1)
	assert.True(t, page.Bids[0].Amount.Equal(dec(1300)))

	page, err = ledger.ListBidderBids(ctx, "nobody", models.BidFilter{})
	require.NoError(t, err)
	assert.NotNil(t, page.Bids)
	assert.Empty(t, page.Bids)

	bids, err := ledger.ListBidsForLot(ctx, "missing", 0)
	assert.Nil(t, bids)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetLotCountsViews(t *testing.T) {
	ledger, _, _, _ := setupLedger(t)
	lot := openLot(t, ledger, 1000)

	got, err := ledger.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ViewCount)

	got, err = ledger.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ViewCount)
}
