package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistKey = "auth:blacklist"

// Blacklist はログアウト済みセッション ID を Redis のソート済みセットに記録します。
// スコアは失効させた時刻（ミリ秒）です。
type Blacklist struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewBlacklist は Blacklist を作成します。
func NewBlacklist(rdb redis.UniversalClient) *Blacklist {
	return &Blacklist{rdb: rdb, now: time.Now}
}

// Add はセッション ID を失効済みとして記録します。
func (b *Blacklist) Add(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is empty")
	}
	return b.rdb.ZAdd(ctx, blacklistKey, redis.Z{
		Score:  float64(b.now().UnixMilli()),
		Member: sessionID,
	}).Err()
}

// Contains はセッション ID が失効済みかどうかを返します。
func (b *Blacklist) Contains(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	_, err := b.rdb.ZScore(ctx, blacklistKey, sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Purge は before より前に失効させた記録を削除し、削除件数を返します。
func (b *Blacklist) Purge(ctx context.Context, before time.Time) (int64, error) {
	return b.rdb.ZRemRangeByScore(ctx, blacklistKey,
		"-inf",
		"("+strconv.FormatInt(before.UnixMilli(), 10),
	).Result()
}
