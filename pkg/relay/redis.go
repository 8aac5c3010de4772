package relay

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisLog stores each turn's records in a Redis stream under
// chat:<turnID>:stream, one entry per record with the JSON wire form in the
// "data" field. The stream entry id doubles as the record's sequence id.
type RedisLog struct {
	client *redis.Client
}

var _ Log = &RedisLog{}

func NewRedisLog(client *redis.Client) (*RedisLog, error) {
	if client == nil {
		return nil, errors.New("redis log: nil client")
	}
	return &RedisLog{client: client}, nil
}

func (l *RedisLog) Append(ctx context.Context, turnID string, rec Record) (string, error) {
	if l == nil || l.client == nil {
		return "", errors.New("redis log: nil log")
	}
	if turnID == "" {
		return "", errors.New("redis log: turnID is empty")
	}
	rec.Seq = ""
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(turnID),
		Values: map[string]interface{}{"data": string(rec.Encode())},
	}).Result()
	if err != nil {
		return "", errors.Wrap(err, "redis log: xadd")
	}
	return id, nil
}

func (l *RedisLog) ReadRange(ctx context.Context, turnID string, fromSeq string) ([]Record, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redis log: nil log")
	}
	if turnID == "" {
		return nil, errors.New("redis log: turnID is empty")
	}
	start := "-"
	if fromSeq != "" {
		// Exclusive range start, so the cursor record itself is not repeated.
		start = "(" + fromSeq
	}
	msgs, err := l.client.XRange(ctx, streamKey(turnID), start, "+").Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis log: xrange")
	}
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			log.Warn().Str("turn_id", turnID).Str("entry_id", m.ID).Msg("redis log: entry without data field")
			continue
		}
		rec, err := DecodeRecord([]byte(raw))
		if err != nil {
			log.Warn().Err(err).Str("turn_id", turnID).Str("entry_id", m.ID).Msg("redis log: skipping undecodable entry")
			continue
		}
		rec.Seq = m.ID
		out = append(out, rec)
	}
	return out, nil
}

func (l *RedisLog) Expire(ctx context.Context, turnID string, ttl time.Duration) error {
	if l == nil || l.client == nil {
		return errors.New("redis log: nil log")
	}
	if turnID == "" {
		return errors.New("redis log: turnID is empty")
	}
	return errors.Wrap(l.client.Expire(ctx, streamKey(turnID), ttl).Err(), "redis log: expire")
}

func (l *RedisLog) Close() error {
	// The client is shared with the broker; the owner closes it.
	return nil
}

// RedisBroker fans records out over Redis pub/sub on chat:<turnID>:pubsub.
// Each subscription runs on its own pub/sub connection, since a Redis client
// in subscribe mode cannot serve other commands.
type RedisBroker struct {
	client *redis.Client
}

var _ Broker = &RedisBroker{}

func NewRedisBroker(client *redis.Client) (*RedisBroker, error) {
	if client == nil {
		return nil, errors.New("redis broker: nil client")
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, turnID string, rec Record) error {
	if b == nil || b.client == nil {
		return errors.New("redis broker: nil broker")
	}
	if turnID == "" {
		return errors.New("redis broker: turnID is empty")
	}
	return errors.Wrap(b.client.Publish(ctx, pubsubTopic(turnID), string(rec.Encode())).Err(), "redis broker: publish")
}

func (b *RedisBroker) Subscribe(ctx context.Context, turnID string) (Subscription, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("redis broker: nil broker")
	}
	if turnID == "" {
		return nil, errors.New("redis broker: turnID is empty")
	}
	ps := b.client.Subscribe(ctx, pubsubTopic(turnID))
	// Wait for the server to confirm the subscription so that records
	// published after this call are guaranteed to reach us.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "redis broker: subscribe")
	}
	sub := &redisSubscription{ps: ps, out: make(chan Record, 256)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			rec, err := DecodeRecord([]byte(msg.Payload))
			if err != nil {
				log.Warn().Err(err).Str("turn_id", turnID).Msg("redis broker: dropping undecodable message")
				continue
			}
			select {
			case sub.out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

func (b *RedisBroker) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Record
	once sync.Once
}

func (s *redisSubscription) C() <-chan Record { return s.out }

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		if err := s.ps.Close(); err != nil {
			log.Debug().Err(err).Msg("redis broker: subscription close")
		}
	})
}
