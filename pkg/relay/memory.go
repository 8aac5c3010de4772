package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryLog is the in-process Log used when no external store is configured.
// Each constructed instance owns its own state, so tests can run several
// isolated stores side by side.
type MemoryLog struct {
	mu      sync.Mutex
	closed  bool
	streams map[string]*memStream
	timers  map[string]*time.Timer
}

type memStream struct {
	lastMs  int64
	counter uint64
	records []Record
}

var _ Log = &MemoryLog{}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: map[string]*memStream{},
		timers:  map[string]*time.Timer{},
	}
}

func (l *MemoryLog) Append(_ context.Context, turnID string, rec Record) (string, error) {
	if l == nil {
		return "", errors.New("memory log: nil log")
	}
	if turnID == "" {
		return "", errors.New("memory log: turnID is empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", errors.New("memory log: closed")
	}

	st := l.streams[turnID]
	if st == nil {
		st = &memStream{}
		l.streams[turnID] = st
	}

	// Redis-stream-shaped ids: wall clock millis plus a strictly increasing
	// counter, with the clock clamped so ids never go backwards.
	ms := time.Now().UnixMilli()
	if ms < st.lastMs {
		ms = st.lastMs
	}
	st.lastMs = ms
	st.counter++
	rec.Seq = fmt.Sprintf("%d-%d", ms, st.counter)
	st.records = append(st.records, rec)
	return rec.Seq, nil
}

func (l *MemoryLog) ReadRange(_ context.Context, turnID string, fromSeq string) ([]Record, error) {
	if l == nil {
		return nil, errors.New("memory log: nil log")
	}
	if turnID == "" {
		return nil, errors.New("memory log: turnID is empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.streams[turnID]
	if st == nil {
		return nil, nil
	}
	out := make([]Record, 0, len(st.records))
	for _, rec := range st.records {
		if fromSeq != "" && CompareSeq(rec.Seq, fromSeq) <= 0 {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *MemoryLog) Expire(_ context.Context, turnID string, ttl time.Duration) error {
	if l == nil {
		return errors.New("memory log: nil log")
	}
	if turnID == "" {
		return errors.New("memory log: turnID is empty")
	}
	if ttl < 0 {
		ttl = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("memory log: closed")
	}
	if t, ok := l.timers[turnID]; ok {
		t.Stop()
	}
	l.timers[turnID] = time.AfterFunc(ttl, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.streams, turnID)
		delete(l.timers, turnID)
	})
	return nil
}

func (l *MemoryLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	l.streams = map[string]*memStream{}
	return nil
}
