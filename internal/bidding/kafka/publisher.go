package kafka

import (
	"context"
	"fmt"

	"ms-auction/internal/bidding"
	"ms-auction/internal/config"
	"ms-auction/internal/models"
)

// MessagePublisher writes one keyed message. *kafka.Producer satisfies it.
type MessagePublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Publisher streams ledger outcomes as event envelopes keyed by lot id.
type Publisher struct {
	Producer MessagePublisher
	Topics   config.TopicConfig
}

var _ bidding.EventPublisher = (*Publisher)(nil)

func NewPublisher(producer MessagePublisher, topics config.TopicConfig) *Publisher {
	return &Publisher{Producer: producer, Topics: topics}
}

func (p *Publisher) PublishBidAccepted(ctx context.Context, ev models.BidAccepted) error {
	return p.publish(ctx, p.Topics.BidAccepted, ev)
}

func (p *Publisher) PublishAuctionEnded(ctx context.Context, ev models.AuctionEnded) error {
	return p.publish(ctx, p.Topics.AuctionEnded, ev)
}

func (p *Publisher) publish(ctx context.Context, topic string, ev models.Event) error {
	if topic == "" {
		return nil
	}
	payload, err := models.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := p.Producer.Publish(ctx, topic, ev.Room(), payload); err != nil {
		return fmt.Errorf("publish %s for lot %s: %w", ev.Type(), ev.Room(), err)
	}
	return nil
}
