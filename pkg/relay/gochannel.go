package relay

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MemoryBroker is the in-process Broker, backed by Watermill's gochannel
// pub/sub. It pairs with MemoryLog when no external transport is configured.
type MemoryBroker struct {
	ch *gochannel.GoChannel
}

var _ Broker = &MemoryBroker{}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		ch: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 256,
				// Without this, gochannel hands each message to every
				// subscriber on a fresh goroutine and per-subscriber order
				// is lost. The subscriber loop below acks before handing
				// off, so waiting for the ack does not block publishers.
				BlockPublishUntilSubscriberAck: true,
			},
			newWatermillLogger(log.Logger),
		),
	}
}

func (b *MemoryBroker) Publish(_ context.Context, turnID string, rec Record) error {
	if b == nil || b.ch == nil {
		return errors.New("memory broker: nil broker")
	}
	if turnID == "" {
		return errors.New("memory broker: turnID is empty")
	}
	msg := message.NewMessage(watermill.NewUUID(), rec.Encode())
	return errors.Wrap(b.ch.Publish(pubsubTopic(turnID), msg), "memory broker: publish")
}

func (b *MemoryBroker) Subscribe(ctx context.Context, turnID string) (Subscription, error) {
	if b == nil || b.ch == nil {
		return nil, errors.New("memory broker: nil broker")
	}
	if turnID == "" {
		return nil, errors.New("memory broker: turnID is empty")
	}
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.ch.Subscribe(subCtx, pubsubTopic(turnID))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "memory broker: subscribe")
	}
	sub := &memorySubscription{out: make(chan Record, 256), cancel: cancel}
	go func() {
		defer close(sub.out)
		for msg := range msgs {
			rec, err := DecodeRecord(msg.Payload)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Str("turn_id", turnID).Msg("memory broker: dropping undecodable message")
				continue
			}
			select {
			case sub.out <- rec:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return sub, nil
}

func (b *MemoryBroker) Close() error {
	if b == nil || b.ch == nil {
		return nil
	}
	return b.ch.Close()
}

type memorySubscription struct {
	out    chan Record
	cancel context.CancelFunc
	once   sync.Once
}

func (s *memorySubscription) C() <-chan Record { return s.out }

func (s *memorySubscription) Close() {
	s.once.Do(s.cancel)
}

// watermillLogger bridges Watermill's logging into zerolog.
type watermillLogger struct {
	logger zerolog.Logger
}

func newWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return watermillLogger{logger: l}
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (w watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{logger: w.logger.With().Fields(map[string]any(fields)).Logger()}
}
