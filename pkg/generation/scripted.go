package generation

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// ScriptedSource replays a fixed fragment script. It is the bundled source
// for demo mode and for exercising the relay without a model provider.
type ScriptedSource struct {
	Fragments []Fragment
	// Delay is slept before each fragment, to mimic a slow token source.
	Delay time.Duration
	// FailWith, when non-empty, ends the stream with this error message
	// after all fragments are served instead of completing normally.
	FailWith string
}

var _ Source = &ScriptedSource{}

func (s *ScriptedSource) Generate(ctx context.Context, _ Request) (Stream, error) {
	if s == nil {
		return nil, errors.New("scripted source: nil source")
	}
	return &scriptedStream{ctx: ctx, src: *s}, nil
}

type scriptedStream struct {
	ctx  context.Context
	src  ScriptedSource
	next int
}

func (s *scriptedStream) Recv() (Fragment, error) {
	if err := s.ctx.Err(); err != nil {
		return Fragment{}, err
	}
	if s.next >= len(s.src.Fragments) {
		if s.src.FailWith != "" {
			return Fragment{}, errors.New(s.src.FailWith)
		}
		return Fragment{}, io.EOF
	}
	if s.src.Delay > 0 {
		select {
		case <-time.After(s.src.Delay):
		case <-s.ctx.Done():
			return Fragment{}, s.ctx.Err()
		}
	}
	frag := s.src.Fragments[s.next]
	s.next++
	return frag, nil
}

// EchoSource answers every request by streaming the request message back,
// split into small chunks. Handy as a default when no script is configured.
type EchoSource struct {
	ChunkSize int
	Delay     time.Duration
}

var _ Source = &EchoSource{}

func (s *EchoSource) Generate(ctx context.Context, req Request) (Stream, error) {
	if s == nil {
		return nil, errors.New("echo source: nil source")
	}
	size := s.ChunkSize
	if size <= 0 {
		size = 16
	}
	// Chunk on rune boundaries so multi-byte characters are never split
	// across fragments.
	text := []rune(req.Message)
	frags := make([]Fragment, 0, len(text)/size+1)
	for len(text) > 0 {
		n := size
		if n > len(text) {
			n = len(text)
		}
		frags = append(frags, Fragment{Text: string(text[:n])})
		text = text[n:]
	}
	scripted := &ScriptedSource{Fragments: frags, Delay: s.Delay}
	return scripted.Generate(ctx, req)
}
