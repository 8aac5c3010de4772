package relay

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/generation"
)

const (
	// DefaultStreamTTL is how long a finished turn's log stays readable so
	// a reloaded page can still replay it.
	DefaultStreamTTL = time.Hour
	defaultRetries   = 3
	retryBackoff     = 50 * time.Millisecond
)

// ProducerConfig wires a Producer to its log, broker and policies.
type ProducerConfig struct {
	Log    Log
	Broker Broker
	// StreamTTL is the expiry requested once the terminal record lands.
	// Zero means DefaultStreamTTL.
	StreamTTL time.Duration
	// Retries bounds attempts for a failing append or publish before the
	// producer degrades to best-effort. Zero means 3.
	Retries int
}

// Producer bridges one generation run into the relay: every fragment is
// appended to the durable log first and published to the live channel second,
// so a reader that replays the log after the publish can never miss it.
//
// A producer is never cancelled by its readers. The turn runs to completion
// in the background so a later reconnect finds the full result in the log.
type Producer struct {
	logStore Log
	broker   Broker
	ttl      time.Duration
	retries  int
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Log == nil {
		return nil, errors.New("producer: log is nil")
	}
	if cfg.Broker == nil {
		return nil, errors.New("producer: broker is nil")
	}
	ttl := cfg.StreamTTL
	if ttl <= 0 {
		ttl = DefaultStreamTTL
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	return &Producer{logStore: cfg.Log, broker: cfg.Broker, ttl: ttl, retries: retries}, nil
}

// Start launches the source and relays its output for turnID. It blocks
// until the turn is terminal; callers run it in a goroutine decoupled from
// the HTTP request that initiated the turn.
func (p *Producer) Start(ctx context.Context, turnID string, src generation.Source, req generation.Request) {
	if p == nil {
		return
	}
	pLog := log.With().Str("component", "producer").Str("turn_id", turnID).Logger()
	stream, err := src.Generate(ctx, req)
	if err != nil {
		pLog.Error().Err(err).Msg("generation source failed to start")
		p.finish(ctx, turnID, Record{Kind: KindError, Text: err.Error()})
		return
	}
	p.Run(ctx, turnID, stream)
}

// Run consumes an already started fragment stream for turnID.
func (p *Producer) Run(ctx context.Context, turnID string, stream generation.Stream) {
	if p == nil || stream == nil {
		return
	}
	pLog := log.With().Str("component", "producer").Str("turn_id", turnID).Logger()
	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			pLog.Debug().Msg("generation complete")
			p.finish(ctx, turnID, Record{Kind: KindDone})
			return
		}
		if err != nil {
			pLog.Error().Err(err).Msg("generation source failed")
			p.finish(ctx, turnID, Record{Kind: KindError, Text: err.Error()})
			return
		}
		kind := KindText
		if frag.Thought {
			kind = KindThought
		}
		p.emit(ctx, turnID, Record{Kind: kind, Text: frag.Text})
	}
}

// finish delivers the terminal record and schedules log expiry. A turn whose
// terminal record cannot be delivered at all is abandoned; readers attached
// via the log will see a truncated sequence and time out on their side.
func (p *Producer) finish(ctx context.Context, turnID string, rec Record) {
	p.emit(ctx, turnID, rec)
	if err := p.logStore.Expire(ctx, turnID, p.ttl); err != nil {
		log.Error().Err(err).Str("turn_id", turnID).Msg("failed to schedule stream expiry")
	}
}

// emit appends then publishes, each with bounded retries. A record that
// cannot be appended is still published (and vice versa) so live viewers and
// replaying viewers each get the best coverage the backends allow.
func (p *Producer) emit(ctx context.Context, turnID string, rec Record) {
	seq, err := p.retry(ctx, func() (string, error) {
		return p.logStore.Append(ctx, turnID, rec)
	})
	if err != nil {
		log.Error().Err(err).Str("turn_id", turnID).Str("kind", string(rec.Kind)).
			Msg("append failed after retries; publishing without durable copy")
	}
	rec.Seq = seq

	_, err = p.retry(ctx, func() (string, error) {
		return "", p.broker.Publish(ctx, turnID, rec)
	})
	if err != nil {
		log.Error().Err(err).Str("turn_id", turnID).Str("kind", string(rec.Kind)).
			Msg("publish failed after retries; log replay will cover attached readers")
	}
}

func (p *Producer) retry(ctx context.Context, op func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * retryBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		res, err := op()
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return "", lastErr
}
