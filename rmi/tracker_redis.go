package rmi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker is a Tracker shared by every process using the same Redis.
// Entries expire after ttl when it is positive.
type RedisTracker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker creates a tracker on client. An empty prefix defaults
// to "gofer:".
func NewRedisTracker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = "gofer:"
	}
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl}
}

func (t *RedisTracker) pendingKey(sn string) string {
	return t.prefix + "pending:" + sn
}

func (t *RedisTracker) ctagKey(ctag string) string {
	return t.prefix + "ctag:" + ctag
}

func (t *RedisTracker) Add(ctx context.Context, p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending %s: %w", p.SN, err)
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, t.pendingKey(p.SN), data, t.ttl)
		pipe.ZAdd(ctx, t.ctagKey(p.Ctag), redis.Z{
			Score:  float64(p.SentAt.UnixNano()),
			Member: p.SN,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("track %s: %w", p.SN, err)
	}
	return nil
}

func (t *RedisTracker) Get(ctx context.Context, sn string) (Pending, error) {
	data, err := t.client.Get(ctx, t.pendingKey(sn)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pending{}, ErrNotTracked
	}
	if err != nil {
		return Pending{}, fmt.Errorf("get pending %s: %w", sn, err)
	}
	return decodePending(sn, data)
}

func (t *RedisTracker) Remove(ctx context.Context, sn string) (Pending, error) {
	data, err := t.client.GetDel(ctx, t.pendingKey(sn)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pending{}, ErrNotTracked
	}
	if err != nil {
		return Pending{}, fmt.Errorf("remove pending %s: %w", sn, err)
	}

	p, err := decodePending(sn, data)
	if err != nil {
		return Pending{}, err
	}
	if err := t.client.ZRem(ctx, t.ctagKey(p.Ctag), sn).Err(); err != nil {
		return p, fmt.Errorf("unindex pending %s: %w", sn, err)
	}
	return p, nil
}

// List skips and unindexes entries that expired
func (t *RedisTracker) List(ctx context.Context, ctag string) ([]Pending, error) {
	key := t.ctagKey(ctag)
	sns, err := t.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending of %s: %w", ctag, err)
	}
	if len(sns) == 0 {
		return nil, nil
	}

	keys := make([]string, len(sns))
	for i, sn := range sns {
		keys[i] = t.pendingKey(sn)
	}
	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending of %s: %w", ctag, err)
	}

	out := make([]Pending, 0, len(values))
	var expired []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, sns[i])
			continue
		}
		p, err := decodePending(sns[i], []byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(expired) > 0 {
		t.client.ZRem(ctx, key, expired...)
	}
	return out, nil
}

func decodePending(sn string, data []byte) (Pending, error) {
	var p Pending
	if err := json.Unmarshal(data, &p); err != nil {
		return Pending{}, fmt.Errorf("decode pending %s: %w", sn, err)
	}
	return p, nil
}
