package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sentinel-pma/sentinel/internal/types"
)

// RedisStore is a PositionStore keeping one hash per position plus a set of position keys per owner.
//
//	<prefix>position:<owner>:<protocol>:<token>  HASH
//	<prefix>owner:<owner>                        SET of position hash keys
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a store over rdb. An empty prefix uses "sentinel:".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sentinel:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) positionKey(key types.PositionKey) string {
	return s.prefix + "position:" + key.Owner + ":" + key.Protocol + ":" + key.Token
}

func (s *RedisStore) ownerKey(owner string) string {
	return s.prefix + "owner:" + owner
}

func (s *RedisStore) RecordFirstSeen(ctx context.Context, key types.PositionKey, at time.Time) (time.Time, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return time.Time{}, err
	}
	hk := s.positionKey(key)
	ts := formatTime(at)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, hk, "first_seen_at", ts)
		pipe.HSetNX(ctx, hk, "last_seen_at", ts)
		pipe.HSet(ctx, hk, "owner", key.Owner, "protocol", key.Protocol, "token", key.Token)
		pipe.SAdd(ctx, s.ownerKey(key.Owner), hk)
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to record first seen: %w", err)
	}

	stored, err := s.rdb.HGet(ctx, hk, "first_seen_at").Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read first seen: %w", err)
	}
	return parseTime(stored)
}

func (s *RedisStore) UpdateMetrics(ctx context.Context, key types.PositionKey, valueUSD, apyPct float64, at time.Time) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	hk := s.positionKey(key)
	ts := formatTime(at)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, hk, "first_seen_at", ts)
		pipe.HSet(ctx, hk,
			"owner", key.Owner,
			"protocol", key.Protocol,
			"token", key.Token,
			"value_usd", strconv.FormatFloat(valueUSD, 'g', -1, 64),
			"apy_pct", strconv.FormatFloat(apyPct, 'g', -1, 64),
			"last_seen_at", ts,
		)
		pipe.SAdd(ctx, s.ownerKey(key.Owner), hk)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update position metrics: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key types.PositionKey) (*types.TrackedPosition, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	m, err := s.rdb.HGetAll(ctx, s.positionKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return decodePosition(m)
}

func (s *RedisStore) ListByOwner(ctx context.Context, owner string) ([]types.TrackedPosition, error) {
	owner = strings.TrimSpace(owner)
	members, err := s.rdb.SMembers(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list owner positions: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, hk := range members {
			cmds[i] = pipe.HGetAll(ctx, hk)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read owner positions: %w", err)
	}

	out := make([]types.TrackedPosition, 0, len(members))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue // Index entry outlived its hash
		}
		p, err := decodePosition(m)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	sortPositions(out)
	return out, nil
}

func (s *RedisStore) Remove(ctx context.Context, key types.PositionKey) (bool, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return false, err
	}
	hk := s.positionKey(key)

	var del *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, hk)
		pipe.SRem(ctx, s.ownerKey(key.Owner), hk)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to remove position: %w", err)
	}
	return del.Val() > 0, nil
}

func decodePosition(m map[string]string) (*types.TrackedPosition, error) {
	p := &types.TrackedPosition{
		PositionKey: types.PositionKey{Owner: m["owner"], Protocol: m["protocol"], Token: m["token"]},
	}
	var err error
	if v, ok := m["value_usd"]; ok {
		if p.ValueUSD, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid value_usd %q: %w", v, err)
		}
	}
	if v, ok := m["apy_pct"]; ok {
		if p.APYPct, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid apy_pct %q: %w", v, err)
		}
	}
	if p.FirstSeenAt, err = parseTime(m["first_seen_at"]); err != nil {
		return nil, err
	}
	if p.LastSeenAt, err = parseTime(m["last_seen_at"]); err != nil {
		return nil, err
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
