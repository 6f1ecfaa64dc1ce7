package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-auction/internal/bidding"
	"ms-auction/internal/logger"
	"ms-auction/internal/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
)

const lotLockPrefix = "lot_lock:"

// ErrLockBusy is returned while another holder keeps the lot lock.
var ErrLockBusy = errors.New("lot lock held by another node")

// Deletes the key only while it still carries the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LotLock is a cross-node bidding.Locker backed by SET NX with a TTL.
type LotLock struct {
	Client *redis.Client
	Logger *logger.Logger
	TTL    time.Duration
	// MaxWait bounds how long Lock retries before giving up.
	MaxWait time.Duration
}

var _ bidding.Locker = (*LotLock)(nil)

func NewLotLock(client *redis.Client, ttl time.Duration, log *logger.Logger) *LotLock {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &LotLock{
		Client:  client,
		Logger:  log,
		TTL:     ttl,
		MaxWait: ttl,
	}
}

func lotLockKey(lotID string) string {
	return lotLockPrefix + lotID
}

// TryLock makes one acquisition attempt and returns the holder token on success.
func (l *LotLock) TryLock(ctx context.Context, lotID string) (string, bool, error) {
	token := utils.NewLockToken()
	ok, err := l.Client.SetNX(ctx, lotLockKey(lotID), token, l.TTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to lock lot %s: %w", lotID, err)
	}
	return token, ok, nil
}

// Lock retries TryLock with exponential backoff until MaxWait passes or ctx is done.
func (l *LotLock) Lock(ctx context.Context, lotID string) (func(), error) {
	var token string

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = l.MaxWait

	err := backoff.Retry(func() error {
		t, ok, err := l.TryLock(ctx, lotID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrLockBusy
		}
		token = t
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.Unlock(releaseCtx, lotID, token); err != nil && l.Logger != nil {
			l.Logger.Warn("REDIS", fmt.Sprintf("Failed to release lock on lot %s: %v", lotID, err))
		}
	}, nil
}

// Unlock releases the lot lock when token still owns it.
func (l *LotLock) Unlock(ctx context.Context, lotID, token string) error {
	return unlockScript.Run(ctx, l.Client, []string{lotLockKey(lotID)}, token).Err()
}

// IsLocked reports whether any node currently holds the lot lock.
func (l *LotLock) IsLocked(ctx context.Context, lotID string) (bool, error) {
	_, err := l.Client.Get(ctx, lotLockKey(lotID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
