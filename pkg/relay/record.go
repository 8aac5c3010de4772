package relay

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a stream record.
type Kind string

const (
	// KindThought is an intermediate reasoning fragment, not part of the answer text.
	KindThought Kind = "thought"
	// KindText is a user-visible output fragment.
	KindText Kind = "text"
	// KindDone terminates a stream after successful generation.
	KindDone Kind = "done"
	// KindError terminates a stream and carries a human-readable failure message.
	KindError Kind = "error"
)

// Terminal reports whether a record of this kind ends the stream.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError
}

// Record is the atomic unit of streamed output for one turn.
//
// Seq is assigned by the Log on append, not by the producer. It is unique and
// monotonically increasing within one turn's log and doubles as the resume
// cursor for readers. A record that only ever traveled the live channel of a
// turn whose log append failed may carry an empty Seq.
type Record struct {
	Seq  string `json:"seq,omitempty"`
	Kind Kind   `json:"type"`
	Text string `json:"text,omitempty"`
}

// Terminal reports whether this record ends the stream.
func (r Record) Terminal() bool {
	return r.Kind.Terminal()
}

// Encode renders the record as its JSON wire form.
func (r Record) Encode() []byte {
	b, _ := json.Marshal(r)
	return b
}

// DecodeRecord parses the JSON wire form of a record.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, errors.Wrap(err, "decode record")
	}
	if r.Kind == "" {
		return Record{}, errors.New("decode record: missing type")
	}
	return r, nil
}

// CompareSeq orders two sequence ids. It understands both plain integers
// ("42") and Redis stream ids ("1712345678901-3"), comparing the millisecond
// part first and the per-millisecond counter second. An empty id sorts before
// everything else.
func CompareSeq(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	aMajor, aMinor := splitSeq(a)
	bMajor, bMinor := splitSeq(b)
	switch {
	case aMajor < bMajor:
		return -1
	case aMajor > bMajor:
		return 1
	case aMinor < bMinor:
		return -1
	case aMinor > bMinor:
		return 1
	}
	return 0
}

func splitSeq(s string) (uint64, uint64) {
	majorPart := s
	minorPart := ""
	if i := strings.IndexByte(s, '-'); i >= 0 {
		majorPart, minorPart = s[:i], s[i+1:]
	}
	major, _ := strconv.ParseUint(majorPart, 10, 64)
	minor, _ := strconv.ParseUint(minorPart, 10, 64)
	return major, minor
}
