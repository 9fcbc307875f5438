package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/pkg/protocol"
)

const pingTimeout = 5 * time.Second

// RankEntry is one row of the activity ranking.
type RankEntry struct {
	Alias    string
	Messages int
}

// RedisStore keeps presence and activity counters in Redis and publishes
// every event. Message content is never stored.
//
// Keys, for prefix p:
//
//	p:presence  hash, connection id -> alias
//	p:rank      sorted set, alias -> chat lines sent
//	p:events    pub/sub channel, protobuf-encoded protocol.Message
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and verifies the server answers.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = config.Default().Redis.KeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// PresenceKey returns the presence hash key.
func (s *RedisStore) PresenceKey() string { return s.prefix + ":presence" }

// RankKey returns the activity ranking key.
func (s *RedisStore) RankKey() string { return s.prefix + ":rank" }

// EventsChannel returns the pub/sub channel events are published on.
func (s *RedisStore) EventsChannel() string { return s.prefix + ":events" }

// ResetPresence clears presence left behind by a previous relay process.
func (s *RedisStore) ResetPresence(ctx context.Context) error {
	if err := s.client.Del(ctx, s.PresenceKey()).Err(); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}
	return nil
}

// Apply implements Store.
func (s *RedisStore) Apply(ctx context.Context, msg protocol.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		switch msg.Type {
		case protocol.MessageTypeJoin:
			pipe.HSet(ctx, s.PresenceKey(), msg.Origin, msg.Sender)
		case protocol.MessageTypeLeave:
			pipe.HDel(ctx, s.PresenceKey(), msg.Origin)
		case protocol.MessageTypeText:
			pipe.ZIncrBy(ctx, s.RankKey(), 1, msg.Sender)
		}
		pipe.Publish(ctx, s.EventsChannel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s event: %w", msg.Type, err)
	}
	return nil
}

// Presence returns the aliases currently connected, keyed by connection id.
func (s *RedisStore) Presence(ctx context.Context) (map[string]string, error) {
	presence, err := s.client.HGetAll(ctx, s.PresenceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	return presence, nil
}

// Rank returns the count most active aliases, most active first.
func (s *RedisStore) Rank(ctx context.Context, count int64) ([]RankEntry, error) {
	if count <= 0 {
		return nil, nil
	}
	results, err := s.client.ZRevRangeWithScores(ctx, s.RankKey(), 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read activity rank: %w", err)
	}

	entries := make([]RankEntry, 0, len(results))
	for _, z := range results {
		alias, _ := z.Member.(string)
		entries = append(entries, RankEntry{Alias: alias, Messages: int(z.Score)})
	}
	return entries, nil
}

// Watch delivers every published event to fn until ctx is done.
// Undecodable payloads are skipped.
func (s *RedisStore) Watch(ctx context.Context, fn func(protocol.Message)) error {
	sub := s.client.Subscribe(ctx, s.EventsChannel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.EventsChannel(), err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg protocol.Message
			if err := msg.Decode([]byte(m.Payload)); err != nil {
				continue
			}
			fn(msg)
		}
	}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
