// Package generation defines the capability boundary to the token source.
// Model providers live behind Source; the relay only sees fragments.
package generation

import "context"

// Message is one prior exchange in the conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything a source needs to produce one turn's output.
type Request struct {
	Message  string    `json:"message"`
	History  []Message `json:"history,omitempty"`
	Model    string    `json:"model,omitempty"`
	Thinking bool      `json:"thinking,omitempty"`
	Mode     string    `json:"chatMode,omitempty"`
}

// Fragment is one lazily produced piece of output. Thought fragments are
// intermediate reasoning; the rest is user-visible text.
type Fragment struct {
	Thought bool
	Text    string
}

// Stream yields fragments until io.EOF (normal completion) or a real error
// (terminal failure whose message is surfaced to viewers).
type Stream interface {
	Recv() (Fragment, error)
}

// Source starts a generation run for one turn.
type Source interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}
