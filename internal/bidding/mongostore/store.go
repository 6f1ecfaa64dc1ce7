package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/bidding"
	"ms-auction/internal/models"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	lotsCollection = "lots"
	bidsCollection = "bids"
)

// Store keeps lots and bids in MongoDB. Writes are single-document atomic only, so the
// ledger's compensation path covers multi-step bid commits.
type Store struct {
	lots *mongo.Collection
	bids *mongo.Collection
}

var _ bidding.Store = (*Store)(nil)

func New(db *mongo.Database) *Store {
	return &Store{
		lots: db.Collection(lotsCollection),
		bids: db.Collection(bidsCollection),
	}
}

// Connect dials uri and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the indexes behind the bid listings and the close sweep.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.bids.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "lot_id", Value: 1}, {Key: "amount", Value: -1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "lot_id", Value: 1}, {Key: "is_winning", Value: 1}}},
		{Keys: bson.D{{Key: "bidder_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create bid indexes: %w", err)
	}
	_, err = s.lots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "end_date", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create lot indexes: %w", err)
	}
	return nil
}

func (s *Store) Transactional() bool { return false }

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bidding.Store) error) error {
	return fn(ctx, s)
}

type lotDoc struct {
	ID            string               `bson:"_id"`
	ProducerID    string               `bson:"producer_id"`
	ProductID     string               `bson:"product_id"`
	Title         string               `bson:"title"`
	StartingPrice primitive.Decimal128 `bson:"starting_price"`
	CurrentPrice  primitive.Decimal128 `bson:"current_price"`
	Currency      string               `bson:"currency"`
	AuctionMode   string               `bson:"auction_mode"`
	Status        string               `bson:"status"`
	StartDate     time.Time            `bson:"start_date"`
	EndDate       time.Time            `bson:"end_date"`
	BidsCount     int                  `bson:"bids_count"`
	ViewCount     int                  `bson:"view_count"`
	WinnerID      string               `bson:"winner_id,omitempty"`
	WinningBidID  string               `bson:"winning_bid_id,omitempty"`
	CreatedAt     time.Time            `bson:"created_at"`
	UpdatedAt     time.Time            `bson:"updated_at"`
}

type bidDoc struct {
	ID                 string                `bson:"_id"`
	LotID              string                `bson:"lot_id"`
	BidderID           string                `bson:"bidder_id"`
	BidderName         string                `bson:"bidder_name"`
	Amount             primitive.Decimal128  `bson:"amount"`
	Currency           string                `bson:"currency"`
	Message            string                `bson:"message,omitempty"`
	Status             string                `bson:"status"`
	IsWinning          bool                  `bson:"is_winning"`
	AutoRebidMax       *primitive.Decimal128 `bson:"auto_rebid_max,omitempty"`
	AutoRebidIncrement *primitive.Decimal128 `bson:"auto_rebid_increment,omitempty"`
	CreatedAt          time.Time             `bson:"created_at"`
	UpdatedAt          time.Time             `bson:"updated_at"`
}

func toDecimal128(d decimal.Decimal) primitive.Decimal128 {
	// decimal strings are always valid Decimal128 input
	v, _ := primitive.ParseDecimal128(d.String())
	return v
}

func fromDecimal128(v primitive.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullToDecimal128(d decimal.NullDecimal) *primitive.Decimal128 {
	if !d.Valid {
		return nil
	}
	v := toDecimal128(d.Decimal)
	return &v
}

func decimal128ToNull(v *primitive.Decimal128) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(fromDecimal128(*v))
}

func newLotDoc(l *models.Lot) lotDoc {
	return lotDoc{
		ID:            l.ID,
		ProducerID:    l.ProducerID,
		ProductID:     l.ProductID,
		Title:         l.Title,
		StartingPrice: toDecimal128(l.StartingPrice),
		CurrentPrice:  toDecimal128(l.CurrentPrice),
		Currency:      l.Currency,
		AuctionMode:   string(l.AuctionMode),
		Status:        string(l.Status),
		StartDate:     l.StartDate.UTC(),
		EndDate:       l.EndDate.UTC(),
		BidsCount:     l.BidsCount,
		ViewCount:     l.ViewCount,
		WinnerID:      l.WinnerID,
		WinningBidID:  l.WinningBidID,
		CreatedAt:     l.CreatedAt.UTC(),
		UpdatedAt:     l.UpdatedAt.UTC(),
	}
}

func (d lotDoc) model() *models.Lot {
	return &models.Lot{
		ID:            d.ID,
		ProducerID:    d.ProducerID,
		ProductID:     d.ProductID,
		Title:         d.Title,
		StartingPrice: fromDecimal128(d.StartingPrice),
		CurrentPrice:  fromDecimal128(d.CurrentPrice),
		Currency:      d.Currency,
		AuctionMode:   models.AuctionMode(d.AuctionMode),
		Status:        models.LotStatus(d.Status),
		StartDate:     d.StartDate.UTC(),
		EndDate:       d.EndDate.UTC(),
		BidsCount:     d.BidsCount,
		ViewCount:     d.ViewCount,
		WinnerID:      d.WinnerID,
		WinningBidID:  d.WinningBidID,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

func newBidDoc(b *models.Bid) bidDoc {
	return bidDoc{
		ID:                 b.ID,
		LotID:              b.LotID,
		BidderID:           b.BidderID,
		BidderName:         b.BidderName,
		Amount:             toDecimal128(b.Amount),
		Currency:           b.Currency,
		Message:            b.Message,
		Status:             string(b.Status),
		IsWinning:          b.IsWinning,
		AutoRebidMax:       nullToDecimal128(b.AutoRebidMax),
		AutoRebidIncrement: nullToDecimal128(b.AutoRebidIncrement),
		CreatedAt:          b.CreatedAt.UTC(),
		UpdatedAt:          b.UpdatedAt.UTC(),
	}
}

func (d bidDoc) model() models.Bid {
	return models.Bid{
		ID:                 d.ID,
		LotID:              d.LotID,
		BidderID:           d.BidderID,
		BidderName:         d.BidderName,
		Amount:             fromDecimal128(d.Amount),
		Currency:           d.Currency,
		Message:            d.Message,
		Status:             models.BidStatus(d.Status),
		IsWinning:          d.IsWinning,
		AutoRebidMax:       decimal128ToNull(d.AutoRebidMax),
		AutoRebidIncrement: decimal128ToNull(d.AutoRebidIncrement),
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// ---------------- LOTS ----------------

func (s *Store) FindLotByID(ctx context.Context, lotID string) (*models.Lot, error) {
	var doc lotDoc
	err := s.lots.FindOne(ctx, bson.M{"_id": lotID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound(fmt.Sprintf("lot %s not found", lotID))
	}
	if err != nil {
		return nil, apperr.Transient("find lot", err)
	}
	return doc.model(), nil
}

func (s *Store) FindLotsByIDs(ctx context.Context, lotIDs []string) (map[string]*models.Lot, error) {
	cur, err := s.lots.Find(ctx, bson.M{"_id": bson.M{"$in": lotIDs}})
	if err != nil {
		return nil, apperr.Transient("find lots", err)
	}
	var docs []lotDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperr.Transient("decode lots", err)
	}

	out := make(map[string]*models.Lot, len(docs))
	for _, d := range docs {
		out[d.ID] = d.model()
	}
	return out, nil
}

func (s *Store) CreateLot(ctx context.Context, lot *models.Lot) error {
	if _, err := s.lots.InsertOne(ctx, newLotDoc(lot)); err != nil {
		return apperr.Transient("create lot", err)
	}
	return nil
}

func (s *Store) IncrementViewCount(ctx context.Context, lotID string) error {
	_, err := s.lots.UpdateByID(ctx, lotID, bson.M{"$inc": bson.M{"view_count": 1}})
	if err != nil {
		return apperr.Transient("increment view count", err)
	}
	return nil
}

func (s *Store) ConditionalUpdateLotPrice(ctx context.Context, lotID string, expected, next decimal.Decimal, now time.Time) (bool, error) {
	filter := bson.M{
		"_id":           lotID,
		"current_price": toDecimal128(expected),
		"status":        string(models.LotStatusActive),
		"end_date":      bson.M{"$gt": now.UTC()},
	}
	update := bson.M{"$set": bson.M{
		"current_price": toDecimal128(next),
		"updated_at":    now.UTC(),
	}}

	res, err := s.lots.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, apperr.Transient("update lot price", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) UpdateLotBidsCount(ctx context.Context, lotID string, count int, now time.Time) error {
	_, err := s.lots.UpdateByID(ctx, lotID, bson.M{"$set": bson.M{
		"bids_count": count,
		"updated_at": now.UTC(),
	}})
	if err != nil {
		return apperr.Transient("update bids count", err)
	}
	return nil
}

func (s *Store) UpdateLotStatus(ctx context.Context, lotID string, from []models.LotStatus, change bidding.LotStatusChange) (bool, error) {
	set := bson.M{
		"status":     string(change.Status),
		"updated_at": change.At.UTC(),
	}
	if change.WinnerID != "" {
		set["winner_id"] = change.WinnerID
		set["winning_bid_id"] = change.WinningBidID
	}

	res, err := s.lots.UpdateOne(ctx,
		bson.M{"_id": lotID, "status": bson.M{"$in": statusStrings(from)}},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, apperr.Transient("update lot status", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) ListExpiredActiveLots(ctx context.Context, now time.Time, limit int) ([]models.Lot, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "end_date", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.lots.Find(ctx, bson.M{
		"status":   string(models.LotStatusActive),
		"end_date": bson.M{"$lte": now.UTC()},
	}, opts)
	if err != nil {
		return nil, apperr.Transient("list expired lots", err)
	}
	var docs []lotDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperr.Transient("decode lots", err)
	}

	lots := make([]models.Lot, 0, len(docs))
	for _, d := range docs {
		lots = append(lots, *d.model())
	}
	return lots, nil
}

// ---------------- BIDS ----------------

func (s *Store) InsertBid(ctx context.Context, bid *models.Bid) error {
	if _, err := s.bids.InsertOne(ctx, newBidDoc(bid)); err != nil {
		return apperr.Transient("insert bid", err)
	}
	return nil
}

func (s *Store) FindWinningBid(ctx context.Context, lotID string) (*models.Bid, error) {
	var doc bidDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	err := s.bids.FindOne(ctx, bson.M{"lot_id": lotID, "is_winning": true}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("find winning bid", err)
	}
	bid := doc.model()
	return &bid, nil
}

func (s *Store) CountBidsForLot(ctx context.Context, lotID string) (int, error) {
	n, err := s.bids.CountDocuments(ctx, bson.M{"lot_id": lotID})
	if err != nil {
		return 0, apperr.Transient("count bids", err)
	}
	return int(n), nil
}

func (s *Store) DemoteOtherActiveBids(ctx context.Context, lotID, exceptBidID string, now time.Time) error {
	_, err := s.bids.UpdateMany(ctx,
		bson.M{
			"lot_id": lotID,
			"_id":    bson.M{"$ne": exceptBidID},
			"status": bson.M{"$in": []string{string(models.BidStatusActive), string(models.BidStatusWinning)}},
		},
		bson.M{"$set": bson.M{
			"is_winning": false,
			"status":     string(models.BidStatusOutbid),
			"updated_at": now.UTC(),
		}},
	)
	if err != nil {
		return apperr.Transient("demote bids", err)
	}
	return nil
}

func (s *Store) FinalizeBids(ctx context.Context, lotID, winningBidID string, now time.Time) error {
	if winningBidID != "" {
		_, err := s.bids.UpdateByID(ctx, winningBidID, bson.M{"$set": bson.M{
			"status":     string(models.BidStatusWon),
			"is_winning": true,
			"updated_at": now.UTC(),
		}})
		if err != nil {
			return apperr.Transient("mark winning bid", err)
		}
	}

	_, err := s.bids.UpdateMany(ctx,
		bson.M{"lot_id": lotID, "_id": bson.M{"$ne": winningBidID}},
		bson.M{"$set": bson.M{
			"status":     string(models.BidStatusLost),
			"is_winning": false,
			"updated_at": now.UTC(),
		}},
	)
	if err != nil {
		return apperr.Transient("mark losing bids", err)
	}
	return nil
}

func (s *Store) ListBidsForLot(ctx context.Context, lotID string, limit int) ([]models.Bid, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "amount", Value: -1}, {Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	return s.findBids(ctx, bson.M{"lot_id": lotID}, opts)
}

func (s *Store) ListBidsByBidder(ctx context.Context, bidderID string, filter models.BidFilter) ([]models.Bid, int, error) {
	query := bson.M{"bidder_id": bidderID}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.LotID != "" {
		query["lot_id"] = filter.LotID
	}

	var sort bson.D
	switch filter.Sort {
	case models.BidSortOldest:
		sort = bson.D{{Key: "created_at", Value: 1}}
	case models.BidSortAmountDesc:
		sort = bson.D{{Key: "amount", Value: -1}, {Key: "created_at", Value: -1}}
	case models.BidSortAmountAsc:
		sort = bson.D{{Key: "amount", Value: 1}, {Key: "created_at", Value: -1}}
	default:
		sort = bson.D{{Key: "created_at", Value: -1}}
	}

	total, err := s.bids.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, apperr.Transient("count bidder bids", err)
	}

	opts := options.Find().
		SetSort(sort).
		SetSkip(int64(filter.Offset())).
		SetLimit(int64(filter.PageSize))
	bids, err := s.findBids(ctx, query, opts)
	if err != nil {
		return nil, 0, err
	}
	return bids, int(total), nil
}

func (s *Store) findBids(ctx context.Context, query bson.M, opts *options.FindOptions) ([]models.Bid, error) {
	cur, err := s.bids.Find(ctx, query, opts)
	if err != nil {
		return nil, apperr.Transient("list bids", err)
	}
	var docs []bidDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperr.Transient("decode bids", err)
	}

	bids := make([]models.Bid, 0, len(docs))
	for _, d := range docs {
		bids = append(bids, d.model())
	}
	return bids, nil
}
