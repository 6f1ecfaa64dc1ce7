package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ms-auction/internal/broadcast"
	"ms-auction/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	channelPrefix  = "lot_events:"
	channelPattern = channelPrefix + "*"
)

// message is the relay envelope. Payload is the already encoded event.
type message struct {
	Origin  string          `json:"origin"`
	LotID   string          `json:"lot_id"`
	Payload json.RawMessage `json:"payload"`
}

// Backplane relays lot events between processes over Redis pub/sub.
type Backplane struct {
	Client *redis.Client
	NodeID string
	Logger *logger.Logger
}

var _ broadcast.Backplane = (*Backplane)(nil)

func NewBackplane(client *redis.Client, log *logger.Logger) *Backplane {
	return &Backplane{
		Client: client,
		NodeID: uuid.New().String(),
		Logger: log,
	}
}

func channelFor(lotID string) string {
	return channelPrefix + lotID
}

func (b *Backplane) Publish(ctx context.Context, lotID string, payload []byte) error {
	msg, err := json.Marshal(message{Origin: b.NodeID, LotID: lotID, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal backplane message: %w", err)
	}
	if err := b.Client.Publish(ctx, channelFor(lotID), msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channelFor(lotID), err)
	}
	return nil
}

// Subscribe listens on every lot channel until ctx is done. Messages published by this
// node are skipped since the hub already delivered them locally.
func (b *Backplane) Subscribe(ctx context.Context, deliver func(lotID string, payload []byte)) error {
	pubsub := b.Client.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channelPattern, err)
	}
	b.Logger.Info("REDIS", fmt.Sprintf("Backplane node %s subscribed to %s", b.NodeID, channelPattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return fmt.Errorf("backplane channel closed")
			}
			var msg message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.Logger.Warn("REDIS", fmt.Sprintf("Skipping malformed message on %s: %v", raw.Channel, err))
				continue
			}
			if msg.Origin == b.NodeID {
				continue
			}
			lotID := msg.LotID
			if lotID == "" {
				lotID = strings.TrimPrefix(raw.Channel, channelPrefix)
			}
			deliver(lotID, msg.Payload)
		}
	}
}
