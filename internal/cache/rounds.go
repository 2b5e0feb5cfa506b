package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"crashrooms/internal/game"
)

const (
	REDIS_KEY_ROUND_PREFIX = "crash:round:"
	REDIS_KEY_ROOM_NONCE   = "crash:nonce:"
)

// saveRoundScript stores the record and only ever raises the room's last nonce.
var saveRoundScript = redis.NewScript(`
	if tonumber(ARGV[3]) > 0 then
		redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[3])
	else
		redis.call("SET", KEYS[1], ARGV[1])
	end

	local last = tonumber(redis.call("GET", KEYS[2]) or "0")
	if tonumber(ARGV[2]) > last then
		redis.call("SET", KEYS[2], ARGV[2])
	end
	return 1
`)

// RoundCache is the Redis-backed round audit store.
type RoundCache struct {
	client    *redis.Client
	retention time.Duration
}

// NewRoundCache keeps records for retention; zero keeps them forever.
func NewRoundCache(client *redis.Client, retention time.Duration) *RoundCache {
	return &RoundCache{client: client, retention: retention}
}

func roundKey(room string, nonce int64) string {
	return REDIS_KEY_ROUND_PREFIX + room + ":" + strconv.FormatInt(nonce, 10)
}

func (c *RoundCache) SaveRound(ctx context.Context, rec game.RoundRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = saveRoundScript.Run(ctx, c.client,
		[]string{roundKey(rec.Room, rec.Nonce), REDIS_KEY_ROOM_NONCE + rec.Room},
		data, rec.Nonce, int64(c.retention/time.Second),
	).Err()
	if err != nil {
		return fmt.Errorf("save round %s/%d: %w", rec.Room, rec.Nonce, err)
	}
	return nil
}

func (c *RoundCache) GetRound(ctx context.Context, room string, nonce int64) (game.RoundRecord, error) {
	data, err := c.client.Get(ctx, roundKey(room, nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return game.RoundRecord{}, game.ErrRoundNotFound
	}
	if err != nil {
		return game.RoundRecord{}, fmt.Errorf("get round %s/%d: %w", room, nonce, err)
	}

	var rec game.RoundRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return game.RoundRecord{}, fmt.Errorf("decode round %s/%d: %w", room, nonce, err)
	}
	return rec, nil
}

func (c *RoundCache) LastNonce(ctx context.Context, room string) (int64, error) {
	nonce, err := c.client.Get(ctx, REDIS_KEY_ROOM_NONCE+room).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last nonce %s: %w", room, err)
	}
	return nonce, nil
}
