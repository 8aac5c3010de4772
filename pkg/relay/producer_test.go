package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chat-relay/pkg/generation"
)

func newTestProducer(t *testing.T, l Log, b Broker) *Producer {
	t.Helper()
	p, err := NewProducer(ProducerConfig{Log: l, Broker: b, StreamTTL: time.Hour})
	require.NoError(t, err)
	return p
}

func TestProducer_AppendsBeforePublishing(t *testing.T) {
	ops := &opRecorder{}
	l := newFakeLog(ops)
	b := newFakeBroker(ops)
	p := newTestProducer(t, l, b)

	src := &generation.ScriptedSource{Fragments: []generation.Fragment{
		{Thought: true, Text: "thinking..."},
		{Text: "Hel"},
		{Text: "lo"},
	}}
	p.Start(context.Background(), "t1", src, generation.Request{Message: "hi"})

	recs := l.records("t1")
	require.Len(t, recs, 4)
	require.Equal(t, KindThought, recs[0].Kind)
	require.Equal(t, KindText, recs[1].Kind)
	require.Equal(t, "lo", recs[2].Text)
	require.Equal(t, KindDone, recs[3].Kind)

	pub := b.publishedRecords("t1")
	require.Len(t, pub, 4)
	for i, rec := range pub {
		require.Equal(t, recs[i].Seq, rec.Seq, "published records carry the log-assigned sequence id")
	}

	// every record hits the log strictly before the channel
	want := []string{
		"append-attempt:thought", "append:thought", "publish:thought",
		"append-attempt:text", "append:text", "publish:text",
		"append-attempt:text", "append:text", "publish:text",
		"append-attempt:done", "append:done", "publish:done",
		"expire",
	}
	require.Equal(t, want, ops.snapshot())
}

func TestProducer_SourceFailureIsTerminalError(t *testing.T) {
	l := newFakeLog(nil)
	b := newFakeBroker(nil)
	p := newTestProducer(t, l, b)

	src := &generation.ScriptedSource{
		Fragments: []generation.Fragment{{Text: "A"}},
		FailWith:  "boom",
	}
	p.Start(context.Background(), "t2", src, generation.Request{})

	recs := l.records("t2")
	require.Len(t, recs, 2)
	require.Equal(t, "A", recs[0].Text)
	require.Equal(t, KindError, recs[1].Kind)
	require.Equal(t, "boom", recs[1].Text)

	// failures still schedule expiry so the log cannot leak
	calls := l.expireCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "t2", calls[0].turnID)
	require.Equal(t, time.Hour, calls[0].ttl)
}

func TestProducer_RetriesTransientAppendFailure(t *testing.T) {
	l := newFakeLog(nil)
	l.failNextAppends = 2
	b := newFakeBroker(nil)
	p := newTestProducer(t, l, b)

	src := &generation.ScriptedSource{Fragments: []generation.Fragment{{Text: "persisted"}}}
	p.Start(context.Background(), "t3", src, generation.Request{})

	recs := l.records("t3")
	require.Len(t, recs, 2, "record lands after retries, followed by done")
	require.Equal(t, "persisted", recs[0].Text)
}

func TestProducer_DegradesToPublishOnlyWhenAppendExhausted(t *testing.T) {
	l := newFakeLog(nil)
	l.failNextAppends = 1000
	b := newFakeBroker(nil)
	p := newTestProducer(t, l, b)

	src := &generation.ScriptedSource{Fragments: []generation.Fragment{{Text: "live only"}}}
	p.Start(context.Background(), "t4", src, generation.Request{})

	require.Empty(t, l.records("t4"))
	pub := b.publishedRecords("t4")
	require.Len(t, pub, 2)
	require.Equal(t, "live only", pub[0].Text)
	require.Equal(t, KindDone, pub[1].Kind)
	require.Empty(t, pub[0].Seq, "records that never reached the log have no sequence id")
}

func TestProducer_GenerateFailurePublishesError(t *testing.T) {
	l := newFakeLog(nil)
	b := newFakeBroker(nil)
	p := newTestProducer(t, l, b)

	p.Start(context.Background(), "t5", failingSource{}, generation.Request{})

	recs := l.records("t5")
	require.Len(t, recs, 1)
	require.Equal(t, KindError, recs[0].Kind)
	require.Len(t, l.expireCalls(), 1)
}

type failingSource struct{}

func (failingSource) Generate(context.Context, generation.Request) (generation.Stream, error) {
	return nil, errStorageDown
}
