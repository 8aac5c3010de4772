package relay

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Reader produces one ordered, deduplicated delivery of a turn's records to
// a single downstream consumer, covering already appended history and records
// published while the consumer is attached.
//
// The merge is race-free: the live subscription is established before the
// history read, so a record appended during the replay is buffered on the
// subscription and deduplicated by sequence id when the replay catches up.
type Reader struct {
	logStore Log
	broker   Broker
}

func NewReader(logStore Log, broker Broker) (*Reader, error) {
	if logStore == nil {
		return nil, errors.New("reader: log is nil")
	}
	if broker == nil {
		return nil, errors.New("reader: broker is nil")
	}
	return &Reader{logStore: logStore, broker: broker}, nil
}

// Stream delivers records for turnID to emit until a terminal record is
// delivered, ctx is cancelled (downstream disconnect), or emit returns an
// error. An unknown turnID is an empty history plus a live subscription; the
// reader simply waits for a producer that may never come.
func (r *Reader) Stream(ctx context.Context, turnID string, emit func(Record) error) error {
	if r == nil {
		return errors.New("reader: nil reader")
	}
	if turnID == "" {
		return errors.New("reader: turnID is empty")
	}
	rLog := log.With().Str("component", "reader").Str("turn_id", turnID).Logger()

	sub, err := r.broker.Subscribe(ctx, turnID)
	if err != nil {
		rLog.Error().Err(err).Msg("live subscribe failed; delivering synthetic error")
		return emit(Record{Kind: KindError, Text: "stream service unavailable"})
	}
	defer sub.Close()

	// Replay history from the beginning; a reconnecting page wants the whole
	// turn back. A failing log read degrades to live-only delivery rather
	// than aborting: partial coverage beats none.
	var lastSeq string
	history, err := r.logStore.ReadRange(ctx, turnID, "")
	if err != nil {
		rLog.Warn().Err(err).Msg("history read failed; continuing live-only")
		history = nil
	}
	for _, rec := range history {
		if err := emit(rec); err != nil {
			return err
		}
		lastSeq = rec.Seq
		if rec.Terminal() {
			rLog.Debug().Int("replayed", len(history)).Msg("terminal record found in history")
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-sub.C():
			if !ok {
				return nil
			}
			// Records buffered while the replay ran overlap with the
			// tail of the history; drop anything already delivered.
			if rec.Seq != "" && lastSeq != "" && CompareSeq(rec.Seq, lastSeq) <= 0 {
				continue
			}
			if err := emit(rec); err != nil {
				return err
			}
			if rec.Seq != "" {
				lastSeq = rec.Seq
			}
			if rec.Terminal() {
				return nil
			}
		}
	}
}
