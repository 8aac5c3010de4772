package server

import (
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/relay"
)

// BuildRelay constructs the log/broker pair selected by the settings. The
// handles are explicitly owned by the caller and passed into the producer and
// reader; nothing here is process-global, so tests can stand up as many
// isolated relays as they like.
func BuildRelay(s Settings) (relay.Log, relay.Broker, error) {
	switch s.Backend {
	case BackendMemory:
		log.Info().Msg("using in-memory log and broker; streams will not survive a restart")
		return relay.NewMemoryLog(), relay.NewMemoryBroker(), nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr, MaxRetries: 3})
		logStore, err := relay.NewRedisLog(client)
		if err != nil {
			return nil, nil, errors.Wrap(err, "build redis log")
		}
		broker, err := relay.NewRedisBroker(client)
		if err != nil {
			return nil, nil, errors.Wrap(err, "build redis broker")
		}
		log.Info().Str("addr", s.RedisAddr).Msg("using redis streams log and pub/sub broker")
		return logStore, broker, nil

	case BackendSQLite:
		logStore, err := relay.NewSQLiteLog(s.SQLiteDSN, s.SweepInterval)
		if err != nil {
			return nil, nil, errors.Wrap(err, "build sqlite log")
		}
		log.Info().Str("dsn", s.SQLiteDSN).Msg("using sqlite log with in-memory broker")
		return logStore, relay.NewMemoryBroker(), nil

	default:
		return nil, nil, errors.Errorf("unknown backend %q", s.Backend)
	}
}
