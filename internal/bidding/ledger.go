package bidding

import (
	"context"
	"fmt"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/logger"
	"ms-auction/internal/models"
	"ms-auction/internal/utils"

	"github.com/shopspring/decimal"
)

const (
	ReasonLotNotActive  = "lot not active"
	ReasonNotStarted    = "auction has not started"
	ReasonAuctionClosed = "auction closed"
	ReasonNotAscending  = "lot does not accept competitive bids"
	ReasonSelfBid       = "self-bid"
	ReasonAmountTooLow  = "Bid amount must be higher than current price"
	ReasonRoleForbidden = "role not permitted to bid"
	ReasonTooPrecise    = "amounts are limited to 4 decimal places"

	DefaultLotBidsLimit = 50
	MaxLotBidsLimit     = 200
	maxMessageLength    = 500
	defaultProxyRounds  = 100
)

// Notifier fans accepted bids and auction ends out to live watchers. Delivery is best effort.
type Notifier interface {
	NotifyBid(ctx context.Context, ev models.BidAccepted)
	NotifyAuctionEnd(ctx context.Context, ev models.AuctionEnded)
}

// EventPublisher streams ledger outcomes to downstream services.
type EventPublisher interface {
	PublishBidAccepted(ctx context.Context, ev models.BidAccepted) error
	PublishAuctionEnded(ctx context.Context, ev models.AuctionEnded) error
}

type PlaceBidRequest struct {
	LotID     string
	Bidder    models.Principal
	Amount    decimal.Decimal
	Message   string
	AutoRebid *models.AutoRebid

	proxy bool
}

type Ledger struct {
	Store     Store
	Locker    Locker
	Notifier  Notifier
	Publisher EventPublisher
	Logger    *logger.Logger

	// AutoRebid enables proxy bidding on behalf of outbid bidders that registered a ceiling.
	AutoRebid      bool
	MaxProxyRounds int
	Now            func() time.Time
}

func NewLedger(store Store, locker Locker, notifier Notifier, publisher EventPublisher, log *logger.Logger) *Ledger {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if log == nil {
		log = logger.NewConsoleLogger(nil)
	}
	return &Ledger{
		Store:          store,
		Locker:         locker,
		Notifier:       notifier,
		Publisher:      publisher,
		Logger:         log,
		AutoRebid:      true,
		MaxProxyRounds: defaultProxyRounds,
		Now:            time.Now,
	}
}

func (l *Ledger) now() time.Time {
	return l.Now().UTC()
}

// PlaceBid validates a bid against the freshly read lot and commits it under the lot lock.
// Rejections never mutate state. Accepted bids are broadcast before the lock is released so
// watchers of one lot see events in acceptance order.
func (l *Ledger) PlaceBid(ctx context.Context, req PlaceBidRequest) (*models.BidView, error) {
	if err := validateBidRequest(req); err != nil {
		return nil, err
	}

	view, counter, err := l.placeBid(ctx, req)
	if err != nil {
		return nil, err
	}

	for round := 0; counter != nil && round < l.MaxProxyRounds; round++ {
		var proxyErr error
		_, counter, proxyErr = l.placeBid(ctx, *counter)
		if proxyErr != nil {
			l.Logger.LogBid("PROXY_STOPPED", req.LotID, proxyErr.Error())
			break
		}
		// any accepted proxy bid outranks the bid being returned
		view.IsWinning = false
		view.Status = models.BidStatusOutbid
	}

	return view, nil
}

func validateBidRequest(req PlaceBidRequest) error {
	if req.LotID == "" {
		return apperr.InvalidInput("lot id is required")
	}
	if !req.Amount.IsPositive() {
		return apperr.InvalidInput("Bid amount must be positive")
	}
	if !models.FitsMoneyScale(req.Amount) {
		return apperr.InvalidInput(ReasonTooPrecise)
	}
	if len(req.Message) > maxMessageLength {
		return apperr.InvalidInput(fmt.Sprintf("message exceeds %d characters", maxMessageLength))
	}
	if ar := req.AutoRebid; ar != nil {
		if !ar.Increment.IsPositive() {
			return apperr.InvalidInput("auto rebid increment must be positive")
		}
		if !models.FitsMoneyScale(ar.Increment) || !models.FitsMoneyScale(ar.MaxAmount) {
			return apperr.InvalidInput(ReasonTooPrecise)
		}
		if ar.MaxAmount.LessThan(req.Amount) {
			return apperr.InvalidInput("auto rebid maximum must not be below the bid amount")
		}
	}
	return nil
}

func (l *Ledger) placeBid(ctx context.Context, req PlaceBidRequest) (*models.BidView, *PlaceBidRequest, error) {
	unlock, err := l.Locker.Lock(ctx, req.LotID)
	if err != nil {
		return nil, nil, apperr.Transient("acquire lot lock", err)
	}
	defer unlock()

	now := l.now()

	lot, err := l.Store.FindLotByID(ctx, req.LotID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkBiddable(lot, req, now); err != nil {
		l.Logger.LogBid("REJECTED", lot.ID, fmt.Sprintf("bidder=%s amount=%s: %v", req.Bidder.ID, req.Amount, err))
		return nil, nil, err
	}

	previousWinner, err := l.Store.FindWinningBid(ctx, lot.ID)
	if err != nil {
		return nil, nil, err
	}

	bid := &models.Bid{
		ID:         utils.NewBidID(),
		LotID:      lot.ID,
		BidderID:   req.Bidder.ID,
		BidderName: req.Bidder.DisplayName(),
		Amount:     req.Amount,
		Currency:   lot.Currency,
		Message:    req.Message,
		Status:     models.BidStatusActive,
		IsWinning:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if ar := req.AutoRebid; ar != nil {
		bid.AutoRebidMax = decimal.NewNullDecimal(ar.MaxAmount)
		bid.AutoRebidIncrement = decimal.NewNullDecimal(ar.Increment)
	}

	count, err := l.commitBid(ctx, lot, bid, now)
	if err != nil {
		return nil, nil, err
	}

	previousPrice := lot.CurrentPrice
	lot.CurrentPrice = bid.Amount
	lot.BidsCount = count
	lot.UpdatedAt = now

	l.Logger.LogBid("ACCEPTED", lot.ID, fmt.Sprintf("bid=%s bidder=%s %s -> %s (bids=%d)", bid.ID, bid.BidderID, previousPrice, bid.Amount, count))

	ev := models.BidAccepted{
		LotID:            lot.ID,
		BidID:            bid.ID,
		BidderID:         bid.BidderID,
		BidderName:       bid.BidderName,
		PreviousPrice:    previousPrice,
		NewPrice:         bid.Amount,
		Currency:         lot.Currency,
		Message:          bid.Message,
		BidsCount:        count,
		TimeRemainingSec: utils.SecondsUntil(lot.EndDate, now),
		EndDate:          lot.EndDate,
		AutoRebid:        req.proxy,
		AcceptedAt:       now,
	}
	l.Notifier.NotifyBid(ctx, ev)
	if err := l.Publisher.PublishBidAccepted(ctx, ev); err != nil {
		l.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish bid %s on lot %s: %v", bid.ID, lot.ID, err))
	}

	view := models.NewBidView(*bid, lot)
	return &view, l.counterBid(previousWinner, bid), nil
}

// checkBiddable applies the acceptance rules in order: lot state and window, self-bid,
// bidder role, then amount.
func checkBiddable(lot *models.Lot, req PlaceBidRequest, now time.Time) error {
	if !lot.AcceptsBidsAt(now) {
		switch {
		case lot.Status != models.LotStatusActive:
			return apperr.InvalidState(ReasonLotNotActive)
		case now.Before(lot.EndDate):
			return apperr.InvalidState(ReasonNotStarted)
		default:
			return apperr.InvalidState(ReasonAuctionClosed)
		}
	}
	if lot.AuctionMode != "" && lot.AuctionMode != models.AuctionModeAuction {
		return apperr.InvalidState(ReasonNotAscending)
	}
	if req.Bidder.ID == lot.ProducerID {
		return apperr.Forbidden(ReasonSelfBid)
	}
	if !req.proxy && !req.Bidder.CanBid() {
		return apperr.Forbidden(ReasonRoleForbidden)
	}
	if req.Amount.LessThanOrEqual(lot.CurrentPrice) {
		return apperr.InvalidBid(ReasonAmountTooLow)
	}
	return nil
}

// commitBid advances the price with a compare-and-swap on the price read under the lock,
// then records the bid. It returns the new bid count.
func (l *Ledger) commitBid(ctx context.Context, lot *models.Lot, bid *models.Bid, now time.Time) (int, error) {
	var (
		count    int
		advanced bool
		inserted bool
	)

	err := l.Store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		ok, err := tx.ConditionalUpdateLotPrice(ctx, lot.ID, lot.CurrentPrice, bid.Amount, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidBid(ReasonAmountTooLow)
		}
		advanced = true

		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}
		inserted = true

		if err := tx.DemoteOtherActiveBids(ctx, lot.ID, bid.ID, now); err != nil {
			return err
		}

		count, err = tx.CountBidsForLot(ctx, lot.ID)
		if err != nil {
			return err
		}
		return tx.UpdateLotBidsCount(ctx, lot.ID, count, now)
	})
	if err == nil {
		return count, nil
	}

	if l.Store.Transactional() {
		return 0, err
	}

	switch {
	case inserted:
		// Price and bid are both committed. Demotion and count are recomputed on the
		// next accepted bid, so the acceptance stands.
		l.Logger.Warn("BID", fmt.Sprintf("Bid %s on lot %s committed with incomplete bookkeeping: %v", bid.ID, lot.ID, err))
		return lot.BidsCount + 1, nil
	case advanced:
		if _, revertErr := l.Store.ConditionalUpdateLotPrice(ctx, lot.ID, bid.Amount, lot.CurrentPrice, now); revertErr != nil {
			l.Logger.Error("BID", fmt.Sprintf("Failed to revert price of lot %s to %s after insert failure: %v", lot.ID, lot.CurrentPrice, revertErr))
		} else {
			l.Logger.Warn("BID", fmt.Sprintf("Reverted price of lot %s to %s after insert failure", lot.ID, lot.CurrentPrice))
		}
	}
	return 0, err
}

// counterBid builds the proxy bid owed to an outbid bidder that registered an auto rebid
// ceiling, or nil when none is owed.
func (l *Ledger) counterBid(previous, accepted *models.Bid) *PlaceBidRequest {
	if !l.AutoRebid || previous == nil || previous.BidderID == accepted.BidderID || !previous.HasAutoRebid() {
		return nil
	}

	next := accepted.Amount.Add(previous.AutoRebidIncrement.Decimal)
	if next.GreaterThan(previous.AutoRebidMax.Decimal) {
		return nil
	}

	return &PlaceBidRequest{
		LotID:  accepted.LotID,
		Bidder: models.Principal{ID: previous.BidderID, Name: previous.BidderName},
		Amount: next,
		AutoRebid: &models.AutoRebid{
			MaxAmount: previous.AutoRebidMax.Decimal,
			Increment: previous.AutoRebidIncrement.Decimal,
		},
		proxy: true,
	}
}

// ListBidsForLot returns the lot's bids, highest amount first, newest first among equals.
func (l *Ledger) ListBidsForLot(ctx context.Context, lotID string, limit int) ([]models.Bid, error) {
	if limit <= 0 {
		limit = DefaultLotBidsLimit
	}
	if limit > MaxLotBidsLimit {
		limit = MaxLotBidsLimit
	}

	if _, err := l.Store.FindLotByID(ctx, lotID); err != nil {
		return nil, err
	}

	bids, err := l.Store.ListBidsForLot(ctx, lotID, limit)
	if err != nil {
		return nil, err
	}
	if bids == nil {
		bids = []models.Bid{}
	}
	return bids, nil
}

// ListBidderBids pages through one bidder's bids, each enriched with its lot references.
func (l *Ledger) ListBidderBids(ctx context.Context, bidderID string, filter models.BidFilter) (*models.BidPage, error) {
	filter = filter.Normalize()

	bids, total, err := l.Store.ListBidsByBidder(ctx, bidderID, filter)
	if err != nil {
		return nil, err
	}

	lotIDs := make([]string, 0, len(bids))
	seen := make(map[string]bool, len(bids))
	for _, b := range bids {
		if !seen[b.LotID] {
			seen[b.LotID] = true
			lotIDs = append(lotIDs, b.LotID)
		}
	}

	lots := map[string]*models.Lot{}
	if len(lotIDs) > 0 {
		lots, err = l.Store.FindLotsByIDs(ctx, lotIDs)
		if err != nil {
			return nil, err
		}
	}

	views := make([]models.BidView, 0, len(bids))
	for _, b := range bids {
		views = append(views, models.NewBidView(b, lots[b.LotID]))
	}

	return &models.BidPage{
		Bids:     views,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}, nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyBid(context.Context, models.BidAccepted)         {}
func (noopNotifier) NotifyAuctionEnd(context.Context, models.AuctionEnded) {}

type noopPublisher struct{}

func (noopPublisher) PublishBidAccepted(context.Context, models.BidAccepted) error   { return nil }
func (noopPublisher) PublishAuctionEnded(context.Context, models.AuctionEnded) error { return nil }

// IsRejection reports whether err is a caller-facing rejection rather than a failure.
func IsRejection(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindInvalidState, apperr.KindInvalidBid, apperr.KindForbidden, apperr.KindInvalidInput:
		return true
	}
	return false
}
