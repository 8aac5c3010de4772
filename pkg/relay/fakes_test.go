package relay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var errStorageDown = errors.New("storage down")

// opRecorder captures the interleaving of log and broker operations so tests
// can assert append-before-publish ordering.
type opRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *opRecorder) add(op string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *opRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ops))
	copy(out, r.ops)
	return out
}

type expireCall struct {
	turnID string
	ttl    time.Duration
}

type fakeLog struct {
	mu              sync.Mutex
	seq             int
	recs            map[string][]Record
	failNextAppends int
	readErr         error
	expires         []expireCall
	ops             *opRecorder
}

var _ Log = &fakeLog{}

func newFakeLog(ops *opRecorder) *fakeLog {
	return &fakeLog{recs: map[string][]Record{}, ops: ops}
}

func (l *fakeLog) Append(_ context.Context, turnID string, rec Record) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops.add("append-attempt:" + string(rec.Kind))
	if l.failNextAppends > 0 {
		l.failNextAppends--
		return "", errStorageDown
	}
	l.seq++
	rec.Seq = strconv.Itoa(l.seq)
	l.recs[turnID] = append(l.recs[turnID], rec)
	l.ops.add("append:" + string(rec.Kind))
	return rec.Seq, nil
}

func (l *fakeLog) ReadRange(_ context.Context, turnID string, fromSeq string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	out := make([]Record, 0, len(l.recs[turnID]))
	for _, rec := range l.recs[turnID] {
		if fromSeq != "" && CompareSeq(rec.Seq, fromSeq) <= 0 {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *fakeLog) Expire(_ context.Context, turnID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expires = append(l.expires, expireCall{turnID: turnID, ttl: ttl})
	l.ops.add("expire")
	return nil
}

func (l *fakeLog) Close() error { return nil }

func (l *fakeLog) records(turnID string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.recs[turnID]))
	copy(out, l.recs[turnID])
	return out
}

func (l *fakeLog) expireCalls() []expireCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]expireCall, len(l.expires))
	copy(out, l.expires)
	return out
}

type fakeBroker struct {
	mu           sync.Mutex
	subs         map[string][]*fakeSub
	published    map[string][]Record
	subscribeErr error
	ops          *opRecorder
}

var _ Broker = &fakeBroker{}

func newFakeBroker(ops *opRecorder) *fakeBroker {
	return &fakeBroker{subs: map[string][]*fakeSub{}, published: map[string][]Record{}, ops: ops}
}

func (b *fakeBroker) Publish(_ context.Context, turnID string, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops.add("publish:" + string(rec.Kind))
	b.published[turnID] = append(b.published[turnID], rec)
	for _, sub := range b.subs[turnID] {
		sub.deliver(rec)
	}
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, turnID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	sub := &fakeSub{ch: make(chan Record, 64)}
	b.subs[turnID] = append(b.subs[turnID], sub)
	return sub, nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) publishedRecords(turnID string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.published[turnID]))
	copy(out, b.published[turnID])
	return out
}

type fakeSub struct {
	mu     sync.Mutex
	ch     chan Record
	closed bool
}

func (s *fakeSub) C() <-chan Record { return s.ch }

func (s *fakeSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *fakeSub) deliver(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- rec:
	default:
	}
}
