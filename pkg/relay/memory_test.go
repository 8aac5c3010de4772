package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLog_AppendAndReadRange(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	var seqs []string
	for i := 0; i < 5; i++ {
		seq, err := l.Append(ctx, "t1", Record{Kind: KindText, Text: fmt.Sprintf("frag-%d", i)})
		require.NoError(t, err)
		require.NotEmpty(t, seq)
		seqs = append(seqs, seq)
	}

	recs, err := l.ReadRange(ctx, "t1", "")
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, rec := range recs {
		require.Equal(t, seqs[i], rec.Seq)
		require.Equal(t, fmt.Sprintf("frag-%d", i), rec.Text)
		if i > 0 {
			require.Equal(t, 1, CompareSeq(rec.Seq, recs[i-1].Seq), "sequence ids must be strictly increasing")
		}
	}
}

func TestMemoryLog_ReadRangeResumesAfterCursor(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	var seqs []string
	for i := 0; i < 5; i++ {
		seq, err := l.Append(ctx, "t1", Record{Kind: KindText, Text: fmt.Sprintf("frag-%d", i)})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	recs, err := l.ReadRange(ctx, "t1", seqs[2])
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "frag-3", recs[0].Text)
	require.Equal(t, "frag-4", recs[1].Text)

	// A cursor at the tail yields nothing new.
	recs, err = l.ReadRange(ctx, "t1", seqs[4])
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestMemoryLog_UnknownTurnIsEmpty(t *testing.T) {
	l := NewMemoryLog()
	recs, err := l.ReadRange(context.Background(), "never-seen", "")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestMemoryLog_IsolatedInstances(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryLog()
	b := NewMemoryLog()

	_, err := a.Append(ctx, "t1", Record{Kind: KindText, Text: "only in a"})
	require.NoError(t, err)

	recs, err := b.ReadRange(ctx, "t1", "")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestMemoryLog_ExpireRemovesRecords(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	_, err := l.Append(ctx, "t1", Record{Kind: KindText, Text: "soon gone"})
	require.NoError(t, err)
	require.NoError(t, l.Expire(ctx, "t1", 20*time.Millisecond))

	require.Eventually(t, func() bool {
		recs, err := l.ReadRange(ctx, "t1", "")
		return err == nil && len(recs) == 0
	}, time.Second, 10*time.Millisecond, "expired turn should read as empty")
}

func TestMemoryLog_ExpireLatestCallWins(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	_, err := l.Append(ctx, "t1", Record{Kind: KindText, Text: "kept"})
	require.NoError(t, err)

	// A short deadline rescheduled to a long one must not fire early.
	require.NoError(t, l.Expire(ctx, "t1", 20*time.Millisecond))
	require.NoError(t, l.Expire(ctx, "t1", time.Hour))

	time.Sleep(100 * time.Millisecond)
	recs, err := l.ReadRange(ctx, "t1", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
